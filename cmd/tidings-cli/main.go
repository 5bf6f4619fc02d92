// Package main provides the entry point for the Tidings CLI tool.
// The CLI inspects sources, checkpoints and dead letters, and runs one-off
// extractions from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tidings",
		Short:         "Tidings CLI - incremental ingestion management",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "tidings version %s\n", version)
			},
		},
		newSourcesCmd(),
		newCheckpointsCmd(),
		newResetCmd(),
		newBackfillCmd(),
		newDeadLetterCmd(),
	)
	return root
}
