package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/pkg/schema"
)

// The schedules commands talk to a running server: in-process timers live
// only in the serving process.
func newSchedulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and control schedules of a running server",
	}
	cmd.PersistentFlags().String("server", "", "server base URL (default base_url)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var entries []schema.ScheduleEntry
			if err := c.do(http.MethodGet, "/api/schedules", &entries); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKFLOW\tCRON\tTIMEZONE\tBACKEND\tNEXT RUN")
			for _, e := range entries {
				next := "-"
				if e.NextRun != nil {
					next = e.NextRun.Format(time.RFC3339)
				}
				tz := e.Timezone
				if tz == "" {
					tz = "UTC"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.WorkflowID, e.CronExpression, tz, e.Backend, next)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "activate <workflow-id>",
		Short: "Register a cron workflow and mark it active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var entry schema.ScheduleEntry
			if err := c.do(http.MethodPost, "/api/schedules/"+args[0]+"/activate", &entry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "activated %s (%s)\n", entry.WorkflowID, entry.CronExpression)
			return nil
		},
	})

	var clearQueue bool
	deactivate := &cobra.Command{
		Use:   "deactivate <workflow-id>",
		Short: "Stop a schedule and mark the workflow inactive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			path := "/api/schedules/" + args[0] + "/deactivate"
			if clearQueue {
				path += "?clear_queue=true"
			}
			var res struct {
				Stopped int `json:"stopped_executions"`
			}
			if err := c.do(http.MethodPost, path, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deactivated %s (%d running executions stopped)\n", args[0], res.Stopped)
			return nil
		},
	}
	deactivate.Flags().BoolVar(&clearQueue, "clear-queue", false, "also stop the workflow's running executions")
	cmd.AddCommand(deactivate)

	cmd.AddCommand(&cobra.Command{
		Use:   "stop-all",
		Short: "Deactivate every schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			var res struct {
				Deactivated int    `json:"deactivated"`
				Error       string `json:"error"`
			}
			if err := c.do(http.MethodPost, "/api/schedules/stop-all", &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deactivated %d schedules\n", res.Deactivated)
			if res.Error != "" {
				return fmt.Errorf("some schedules failed: %s", res.Error)
			}
			return nil
		},
	})
	return cmd
}

// apiClient is a minimal JSON client for the server's own API.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		cfg, _, err := setup(cmd)
		if err != nil {
			return nil, err
		}
		base = cfg.BaseURL
	}
	return &apiClient{base: strings.TrimRight(base, "/"), client: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *apiClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("reach hookflow server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMultiStatus {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			if e.Code != "" {
				return schema.NewError(e.Code, e.Error)
			}
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return json.Unmarshal(body, out)
}
