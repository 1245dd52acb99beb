// Package scheduler owns recurring triggers: the schedule registry, its
// backends, boot-time reconciliation and the dispatch of fires into guarded
// workflow runs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/guard"
	"github.com/rendis/hookflow/internal/metrics"
	"github.com/rendis/hookflow/pkg/schema"
)

// DispatcherConfig wires a Dispatcher. With Definitions set, deliveries for
// inactive workflows are dropped before the guard runs.
type DispatcherConfig struct {
	Definitions engine.DefinitionSource
	Guard       *guard.Guard
	Runner      engine.Runner
	Pool        *engine.WorkerPool
	Metrics     metrics.Recorder
	Logger      *slog.Logger
}

// Dispatcher turns schedule fires into guarded runs. Errors are logged and
// never reach the scheduling loop.
type Dispatcher struct {
	defs    engine.DefinitionSource
	guard   *guard.Guard
	runner  engine.Runner
	pool    *engine.WorkerPool
	metrics metrics.Recorder
	logger  *slog.Logger

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow ids with a fire in progress
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		defs:     cfg.Definitions,
		guard:    cfg.Guard,
		runner:   cfg.Runner,
		pool:     cfg.Pool,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		inflight: make(map[string]struct{}),
	}
}

// Fire is the FireFunc handed to in-process backends. It queues the run on
// the pool and returns immediately.
func (d *Dispatcher) Fire(ctx context.Context, workflowID string) {
	d.metrics.ScheduleFired(workflowID, BackendCron)
	err := d.pool.Submit(ctx, "cron:"+workflowID, func(ctx context.Context) error {
		_, _, _ = d.Deliver(ctx, workflowID, schema.TriggerKindCron)
		return nil
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "dispatch schedule fire",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
	}
}

// Deliver runs one scheduled trigger synchronously. An unknown or inactive
// workflow is logged and treated as a no-op; other run errors are logged and
// returned for callers that report status.
func (d *Dispatcher) Deliver(ctx context.Context, workflowID string, trigger schema.TriggerKind) (*schema.ExecutionRecord, guard.Decision, error) {
	logger := d.logger.With(slog.String("workflow_id", workflowID), slog.String("trigger", string(trigger)))

	if d.defs != nil {
		def, err := d.defs.GetWorkflow(ctx, workflowID)
		switch {
		case schema.IsNotFound(err):
			logger.WarnContext(ctx, "scheduled workflow no longer exists; skipping", slog.String("error", err.Error()))
			return nil, guard.Decision{}, nil
		case err != nil:
			logger.ErrorContext(ctx, "load scheduled workflow", slog.String("error", err.Error()))
			return nil, guard.Decision{}, err
		case !def.IsActive:
			logger.InfoContext(ctx, "scheduled workflow is inactive; skipping")
			return nil, guard.Decision{Outcome: guard.WorkflowInactive, Reason: "workflow is inactive"}, nil
		}
	}

	if !d.tryAcquire(workflowID) {
		d.metrics.DuplicateSkipped(workflowID)
		logger.InfoContext(ctx, "duplicate run skipped", slog.String("reason", "fire already in progress"))
		return nil, guard.Decision{Outcome: guard.DuplicateRunSkipped, Reason: "fire already in progress"}, nil
	}
	defer d.release(workflowID)

	rec, decision, err := d.guard.RunGuarded(ctx, d.runner, workflowID, trigger, nil)
	switch {
	case schema.IsNotFound(err):
		logger.WarnContext(ctx, "scheduled workflow no longer exists; skipping", slog.String("error", err.Error()))
		return nil, decision, nil
	case err != nil:
		logger.ErrorContext(ctx, "scheduled run failed", slog.String("error", err.Error()))
		return rec, decision, err
	}
	return rec, decision, nil
}

func (d *Dispatcher) tryAcquire(workflowID string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, ok := d.inflight[workflowID]; ok {
		return false
	}
	d.inflight[workflowID] = struct{}{}
	return true
}

func (d *Dispatcher) release(workflowID string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, workflowID)
}
