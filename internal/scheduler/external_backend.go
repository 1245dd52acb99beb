package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// ExternalSchedulePrefix namespaces schedule ids owned by this service.
const ExternalSchedulePrefix = "hookflow-"

const defaultExternalBaseURL = "https://qstash.upstash.io"

// ExternalConfig configures the hosted-scheduler backend.
type ExternalConfig struct {
	BaseURL string
	Token   string
	// CallbackURL is the public URL of the scheduler callback endpoint.
	CallbackURL string
	Client      *http.Client
	Logger      *slog.Logger
}

// ExternalBackend keeps schedules in a QStash-compatible hosted scheduler.
// Fires arrive as signed HTTP deliveries on the callback endpoint, so
// registrations survive restarts and are reconciled instead of rebuilt.
type ExternalBackend struct {
	baseURL  string
	token    string
	callback string
	client   *http.Client
	logger   *slog.Logger
}

// RemoteSchedule is a schedule as listed by the hosted scheduler.
type RemoteSchedule struct {
	ScheduleID  string `json:"scheduleId"`
	Cron        string `json:"cron"`
	Destination string `json:"destination"`
	Body        string `json:"body,omitempty"`
	IsPaused    bool   `json:"isPaused,omitempty"`
}

// NewExternalBackend creates the backend.
func NewExternalBackend(cfg ExternalConfig) (*ExternalBackend, error) {
	if cfg.Token == "" {
		return nil, schema.ConfigurationError("external scheduler token is required")
	}
	if cfg.CallbackURL == "" {
		return nil, schema.ConfigurationError("external scheduler callback url is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultExternalBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ExternalBackend{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		callback: cfg.CallbackURL,
		client:   cfg.Client,
		logger:   cfg.Logger,
	}, nil
}

// ScheduleID returns the remote schedule id of a workflow.
func ScheduleID(workflowID string) string { return ExternalSchedulePrefix + workflowID }

// Name implements Backend.
func (b *ExternalBackend) Name() string { return BackendExternal }

// Schedule implements Backend. The schedule id is derived from the workflow
// id so a create overwrites any remote leftover for the same workflow.
func (b *ExternalBackend) Schedule(ctx context.Context, entry schema.ScheduleEntry, _ FireFunc) (string, error) {
	body, err := json.Marshal(schema.TriggerPayload{
		WorkflowID:  entry.WorkflowID,
		TriggerKind: string(schema.TriggerKindCron),
		Source:      schema.ExternalSchedulerSource,
	})
	if err != nil {
		return "", fmt.Errorf("marshal callback body: %w", err)
	}
	req, err := b.newRequest(ctx, http.MethodPost, "/v2/schedules/"+b.callback, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Upstash-Cron", withTimezone(entry.CronExpression, entry.Timezone))
	req.Header.Set("Upstash-Schedule-Id", ScheduleID(entry.WorkflowID))

	var out struct {
		ScheduleID string `json:"scheduleId"`
	}
	if err := b.do(req, &out); err != nil {
		return "", fmt.Errorf("create external schedule for %s: %w", entry.WorkflowID, err)
	}
	if out.ScheduleID == "" {
		out.ScheduleID = ScheduleID(entry.WorkflowID)
	}
	return out.ScheduleID, nil
}

// Stop implements Backend.
func (b *ExternalBackend) Stop(ctx context.Context, handle string) error {
	req, err := b.newRequest(ctx, http.MethodDelete, "/v2/schedules/"+handle, nil)
	if err != nil {
		return err
	}
	if err := b.do(req, nil); err != nil {
		if schema.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete external schedule %s: %w", handle, err)
	}
	return nil
}

// Next implements Backend. The hosted scheduler owns timing.
func (b *ExternalBackend) Next(string) *time.Time { return nil }

// List returns the remote schedules owned by this service.
func (b *ExternalBackend) List(ctx context.Context) ([]RemoteSchedule, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/v2/schedules", nil)
	if err != nil {
		return nil, err
	}
	var all []RemoteSchedule
	if err := b.do(req, &all); err != nil {
		return nil, fmt.Errorf("list external schedules: %w", err)
	}
	owned := all[:0]
	for _, s := range all {
		if strings.HasPrefix(s.ScheduleID, ExternalSchedulePrefix) {
			owned = append(owned, s)
		}
	}
	return owned, nil
}

// Reconcile deletes remote schedules whose workflow no longer wants one:
// missing, inactive, or not cron-triggered. Per-schedule failures are logged
// and skipped. It returns the workflow ids whose schedules were removed.
func (b *ExternalBackend) Reconcile(ctx context.Context, defs DefinitionStore) ([]string, error) {
	remote, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, s := range remote {
		workflowID := strings.TrimPrefix(s.ScheduleID, ExternalSchedulePrefix)
		def, err := defs.GetWorkflow(ctx, workflowID)
		switch {
		case schema.IsNotFound(err):
		case err != nil:
			b.logger.WarnContext(ctx, "reconcile: load workflow", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
			continue
		case def.IsActive && def.IsCron():
			continue
		}
		if err := b.Stop(ctx, s.ScheduleID); err != nil {
			b.logger.WarnContext(ctx, "reconcile: delete stale schedule", slog.String("schedule_id", s.ScheduleID), slog.String("error", err.Error()))
			continue
		}
		b.logger.InfoContext(ctx, "removed stale external schedule", slog.String("workflow_id", workflowID))
		removed = append(removed, workflowID)
	}
	return removed, nil
}

func (b *ExternalBackend) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	return req, nil
}

func (b *ExternalBackend) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return schema.NewErrorf(schema.ErrCodeNotFound, "external scheduler: %s", strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("external scheduler: %s (%s)", e.Error, resp.Status)
		}
		return fmt.Errorf("external scheduler: %s", resp.Status)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
