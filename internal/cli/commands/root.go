// Package commands implements the previewd command line.
package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var debugFlag bool

// NewRootCommand builds the previewd command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "previewd",
		Short:         "Multi-tenant preview orchestrator for generated web projects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	root.AddCommand(newTransformCommand())
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Production config unless --debug.
func newLogger() (*zap.Logger, error) {
	if debugFlag {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}
