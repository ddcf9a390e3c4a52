// Package logging includes tests for the zap logger helpers.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestNewWithDailyFileAppendsToDatedLog verifies events land in the
// date-stamped file and that reopening appends rather than truncates.
func TestNewWithDailyFileAppendsToDatedLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewWithDailyFile(false, dir)
	if err != nil {
		t.Fatalf("NewWithDailyFile() error = %v", err)
	}
	logger.Info("first event")
	logger.Sync() //nolint:errcheck // best-effort flush

	name := "scraper_" + time.Now().UTC().Format("2006-01-02") + ".log"
	path := filepath.Join(dir, name)
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("daily log not created: %v", err)
	}
	if !strings.Contains(string(first), "first event") {
		t.Fatalf("expected first event in %s, got %q", name, first)
	}

	second, err := NewWithDailyFile(false, dir)
	if err != nil {
		t.Fatalf("NewWithDailyFile() reopen error = %v", err)
	}
	second.Info("second event")
	second.Sync() //nolint:errcheck // best-effort flush

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read daily log: %v", err)
	}
	if !strings.Contains(string(data), "first event") || !strings.Contains(string(data), "second event") {
		t.Fatalf("expected both events appended, got %q", data)
	}
}
