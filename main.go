// The main package for the mediaingest executable.
package main

import (
	"github.com/ingestpipe/mediaingest/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
