package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/hookflow/pkg/schema"
)

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>...",
		Short: "Validate and store workflow definitions",
		Long: `Reads workflow definitions from YAML or JSON files. A file may hold one
definition, a list, or several YAML documents. Active cron workflows are
registered with the configured scheduler backend.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var defs []*schema.WorkflowDefinition
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				parsed, err := parseDefinitions(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				defs = append(defs, parsed...)
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

			var errs []error
			for _, def := range defs {
				if err := a.service.ImportWorkflow(ctx, def); err != nil {
					errs = append(errs, fmt.Errorf("workflow %s: %w", def.ID, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s, %d actions)\n", def.ID, def.Trigger.Type, len(def.Actions))
			}
			return errors.Join(errs...)
		},
	}
}

// parseDefinitions decodes every YAML document in r. A document is either
// one definition or a list of them; JSON input parses the same way.
func parseDefinitions(r io.Reader) ([]*schema.WorkflowDefinition, error) {
	dec := yaml.NewDecoder(r)
	var defs []*schema.WorkflowDefinition
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		if len(doc.Content) == 0 {
			continue
		}
		switch doc.Content[0].Kind {
		case yaml.SequenceNode:
			var list []*schema.WorkflowDefinition
			if err := doc.Decode(&list); err != nil {
				return nil, fmt.Errorf("decode definitions: %w", err)
			}
			defs = append(defs, list...)
		case yaml.MappingNode:
			var def schema.WorkflowDefinition
			if err := doc.Decode(&def); err != nil {
				return nil, fmt.Errorf("decode definition: %w", err)
			}
			defs = append(defs, &def)
		default:
			return nil, fmt.Errorf("line %d: expected a definition or a list of definitions", doc.Line)
		}
	}
	if len(defs) == 0 {
		return nil, errors.New("no workflow definitions found")
	}
	return defs, nil
}
