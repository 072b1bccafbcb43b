// Package main implements the drasi-server entry point: a change-driven data
// processing engine that ingests change events from external systems,
// maintains continuous graph-pattern queries over them, and dispatches
// result deltas to reactions.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfigError = 2
	exitRuntime     = 3
	exitInterrupt   = 130
)

// Build information.
const (
	version = "0.1.0"
	appName = "drasi-server"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitRuntime)
		}
	}()

	root := &cobra.Command{
		Use:     appName,
		Short:   "Change-driven data processing engine",
		Version: version,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newValidateCommand())

	if err := root.Execute(); err != nil {
		os.Exit(exitRuntime)
	}
}
