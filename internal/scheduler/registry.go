package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/hookflow/internal/metrics"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// DefinitionStore is the subset of the workflow store the scheduler reads.
type DefinitionStore interface {
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.WorkflowDefinition, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) error
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Registry holds at most one live schedule per workflow. Register and
// Unregister for the same workflow never interleave.
type Registry struct {
	backend Backend
	fire    FireFunc
	keys    *keyedMutex
	metrics metrics.Recorder
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]schema.ScheduleEntry
}

// NewRegistry creates a Registry over backend. fire is passed to the
// backend for every schedule it arms.
func NewRegistry(backend Backend, fire FireFunc, cfg RegistryConfig) *Registry {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		backend: backend,
		fire:    fire,
		keys:    newKeyedMutex(),
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		entries: make(map[string]schema.ScheduleEntry),
	}
}

// Backend returns the backend the registry arms schedules on.
func (r *Registry) Backend() Backend { return r.backend }

// Register arms def's cron schedule, replacing any existing entry for the
// workflow. An invalid schedule returns false with an INVALID_SCHEDULE error
// and leaves the registry untouched.
func (r *Registry) Register(ctx context.Context, def *schema.WorkflowDefinition) (bool, error) {
	if def == nil || !def.IsCron() {
		id := ""
		if def != nil {
			id = def.ID
		}
		return false, schema.NewErrorf(schema.ErrCodeInvalidSchedule, "workflow %q has no cron trigger", id)
	}
	expr, err := Normalize(def.Trigger.Cron.Schedule)
	if err != nil {
		return false, err
	}
	tz := def.Trigger.Cron.Timezone
	if err := CheckTimezone(tz); err != nil {
		return false, err
	}

	unlock := r.keys.Lock(def.ID)
	defer unlock()

	if old, ok := r.get(def.ID); ok {
		if err := r.backend.Stop(ctx, old.BackingHandle); err != nil {
			return false, fmt.Errorf("stop previous schedule of %s: %w", def.ID, err)
		}
		r.remove(def.ID)
	}

	entry := schema.ScheduleEntry{
		WorkflowID:     def.ID,
		CronExpression: expr,
		Timezone:       tz,
		Backend:        r.backend.Name(),
		RegisteredAt:   time.Now().UTC(),
	}
	handle, err := r.backend.Schedule(ctx, entry, r.fire)
	if err != nil {
		return false, err
	}
	entry.BackingHandle = handle

	r.mu.Lock()
	r.entries[def.ID] = entry
	n := len(r.entries)
	r.mu.Unlock()
	r.metrics.ActiveSchedules(n)

	r.logger.InfoContext(ctx, "schedule registered",
		slog.String("workflow_id", def.ID),
		slog.String("cron", expr),
		slog.String("backend", entry.Backend),
	)
	return true, nil
}

// Unregister stops and removes the workflow's entry. It reports whether an
// entry existed; a second call is a no-op returning false.
func (r *Registry) Unregister(ctx context.Context, workflowID string) (bool, error) {
	unlock := r.keys.Lock(workflowID)
	defer unlock()

	entry, ok := r.get(workflowID)
	if !ok {
		return false, nil
	}
	if err := r.backend.Stop(ctx, entry.BackingHandle); err != nil {
		return false, fmt.Errorf("stop schedule of %s: %w", workflowID, err)
	}
	r.remove(workflowID)
	r.logger.InfoContext(ctx, "schedule unregistered", slog.String("workflow_id", workflowID))
	return true, nil
}

// UnregisterAll stops every entry. Failures are collected; the rest still stop.
func (r *Registry) UnregisterAll(ctx context.Context) (int, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	var errs []error
	for _, id := range ids {
		ok, err := r.Unregister(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// ListActive returns a snapshot of all entries ordered by workflow id.
func (r *Registry) ListActive() []schema.ScheduleEntry {
	r.mu.RLock()
	out := make([]schema.ScheduleEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	for i := range out {
		out[i].IsRunning = true
		out[i].NextRun = r.backend.Next(out[i].BackingHandle)
	}
	return out
}

// Get returns the entry of a workflow.
func (r *Registry) Get(workflowID string) (schema.ScheduleEntry, bool) {
	e, ok := r.get(workflowID)
	if ok {
		e.IsRunning = true
		e.NextRun = r.backend.Next(e.BackingHandle)
	}
	return e, ok
}

func (r *Registry) get(workflowID string) (schema.ScheduleEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[workflowID]
	return e, ok
}

func (r *Registry) remove(workflowID string) {
	r.mu.Lock()
	delete(r.entries, workflowID)
	n := len(r.entries)
	r.mu.Unlock()
	r.metrics.ActiveSchedules(n)
}
