// Package idgen generates identifiers for work items and jobs.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, which sort chronologically and are
// used as WorkItem identifiers.
type Generator struct{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
