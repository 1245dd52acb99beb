package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var payloadFlag, payloadFile string
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Run a workflow now and print its execution record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(payloadFlag, payloadFile)
			if err != nil {
				return err
			}
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

			rec, runErr := a.service.RunWorkflow(ctx, args[0], payload)
			if rec != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&payloadFlag, "payload", "p", "", "initial payload as a JSON object")
	cmd.Flags().StringVarP(&payloadFile, "payload-file", "f", "", "read the initial payload from a JSON file")
	return cmd
}

func readPayload(inline, path string) (map[string]any, error) {
	raw := []byte(inline)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	payload := map[string]any{}
	if len(raw) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}
