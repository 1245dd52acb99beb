package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/engine"
)

// newExecCommand is the child side of isolated execution: it reads one run
// request on stdin and writes the response on stdout.
func newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "exec",
		Short:  "Run one workflow request from stdin (isolated child)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, cfg, logger, modeChild)
			if err != nil {
				return err
			}
			defer a.Close()
			return engine.ServeIsolated(ctx, a.chain, os.Stdin, os.Stdout)
		},
	}
}
