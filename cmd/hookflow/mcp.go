package main

import (
	"github.com/spf13/cobra"
)

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			a, err := newApp(ctx, cfg, logger, modeAdmin)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.newMCPServer().Serve(ctx)
		},
	}
}
