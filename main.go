package main

import (
	"github.com/danielgoes1996/facturabot/cmd"
)

// main is the entry point for the facturabot CLI.
func main() {
	// The cmd package handles command-line parsing, configuration, and
	// execution.
	cmd.Execute()
}
