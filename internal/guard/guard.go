// Package guard keeps a workflow from running twice at once: a pre-run
// check against the execution store and a periodic sweep that stops
// overlapping runs the check missed.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/locks"
	"github.com/rendis/hookflow/internal/metrics"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

// Defaults for the guard's tunables.
const (
	DefaultWindow        = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
	DefaultStaleAfter    = time.Hour
)

// Errors set on runs the guard moves to failed.
const (
	DuplicateStoppedMessage = "duplicate execution stopped"
	StaleStoppedMessage     = "execution exceeded stale bound"
	InterruptedMessage      = "interrupted by restart"
)

// Outcome is the result of a guard check.
type Outcome string

const (
	Proceed             Outcome = "proceed"
	DuplicateRunSkipped Outcome = "duplicate_run_skipped"
	WorkflowInactive    Outcome = "workflow_inactive"
)

// Decision explains a guard check. A skip is a normal outcome, not an error.
type Decision struct {
	Outcome     Outcome `json:"outcome"`
	Reason      string  `json:"reason,omitempty"`
	ExecutionID string  `json:"execution_id,omitempty"`
}

// Skipped reports whether the run must not start.
func (d Decision) Skipped() bool {
	return d.Outcome == DuplicateRunSkipped || d.Outcome == WorkflowInactive
}

// Config tunes a Guard. Zero durations take the defaults; Lock is optional.
// StaleAfter bounds how long a record may stay running before the sweep
// fails it.
type Config struct {
	Window        time.Duration
	SweepInterval time.Duration
	StaleAfter    time.Duration
	Lock          locks.RunLock
	LockTTL       time.Duration
	Events        streaming.EventHub
	Metrics       metrics.Recorder
	Logger        *slog.Logger
}

// Guard implements the duplicate/overlap policy.
type Guard struct {
	execs   store.ExecutionStore
	cfg     Config
	fsm     *engine.ExecutionFSM
	logger  *slog.Logger
	metrics metrics.Recorder

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Guard over the execution store.
func New(execs store.ExecutionStore, cfg Config) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = locks.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	return &Guard{
		execs:   execs,
		cfg:     cfg,
		fsm:     engine.NewExecutionFSM(),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Window returns the trailing "just completed" window.
func (g *Guard) Window() time.Duration { return g.cfg.Window }

// Check looks for a running execution of workflowID, or a completed one
// that started within the window.
func (g *Guard) Check(ctx context.Context, workflowID string) (Decision, error) {
	running := schema.ExecutionRunning
	list, err := g.execs.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: workflowID, Status: &running, Limit: 1,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("list running executions: %w", err)
	}
	if len(list) > 0 {
		return Decision{Outcome: DuplicateRunSkipped, Reason: "execution already running", ExecutionID: list[0].ID}, nil
	}

	completed := schema.ExecutionCompleted
	since := time.Now().UTC().Add(-g.cfg.Window)
	list, err = g.execs.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: workflowID, Status: &completed, StartedAfter: &since, Limit: 1,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("list recent executions: %w", err)
	}
	if len(list) > 0 {
		return Decision{Outcome: DuplicateRunSkipped, Reason: "execution completed within guard window", ExecutionID: list[0].ID}, nil
	}
	return Decision{Outcome: Proceed}, nil
}

// RunGuarded checks the guard and, when clear, runs the workflow. The record
// is inserted only if the workflow is still idle at insert time, which
// closes most of the check-then-run race. A configured lock closes it fully.
func (g *Guard) RunGuarded(ctx context.Context, runner engine.Runner, workflowID string, trigger schema.TriggerKind, payload map[string]any) (*schema.ExecutionRecord, Decision, error) {
	if g.cfg.Lock != nil {
		release, ok, err := g.cfg.Lock.TryAcquire(ctx, locks.Key(workflowID), g.cfg.LockTTL)
		if err != nil {
			return nil, Decision{}, err
		}
		if !ok {
			return nil, g.skipped(ctx, workflowID, Decision{Outcome: DuplicateRunSkipped, Reason: "run lock held"}), nil
		}
		defer release()
	}

	d, err := g.Check(ctx, workflowID)
	if err != nil {
		return nil, Decision{}, err
	}
	if d.Skipped() {
		return nil, g.skipped(ctx, workflowID, d), nil
	}

	rec, err := runner.Run(ctx, workflowID, trigger, payload, engine.WithIdleWindow(g.cfg.Window))
	if errors.Is(err, engine.ErrRunSkipped) {
		return nil, g.skipped(ctx, workflowID, Decision{Outcome: DuplicateRunSkipped, Reason: "execution started concurrently"}), nil
	}
	return rec, d, err
}

func (g *Guard) skipped(ctx context.Context, workflowID string, d Decision) Decision {
	g.metrics.DuplicateSkipped(workflowID)
	g.logger.InfoContext(ctx, "duplicate run skipped",
		slog.String("workflow_id", workflowID),
		slog.String("reason", d.Reason),
		slog.String("conflicting_execution", d.ExecutionID),
	)
	if g.cfg.Events != nil {
		_ = g.cfg.Events.Publish(ctx, streaming.ExecutionEvent{
			WorkflowID:  workflowID,
			ExecutionID: d.ExecutionID,
			EventType:   streaming.EventDuplicateSkipped,
		})
	}
	return d
}

// Sweep fails running executions that outlived the stale bound, then every
// running execution that is not the newest running one of its workflow. It
// returns how many were stopped.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	stale, staleErr := g.FailStale(ctx, time.Now().UTC().Add(-g.cfg.StaleAfter), StaleStoppedMessage)

	running := schema.ExecutionRunning
	list, err := g.execs.ListExecutions(ctx, store.ExecutionFilter{Status: &running})
	if err != nil {
		return stale, errors.Join(staleErr, fmt.Errorf("list running executions: %w", err))
	}

	byWorkflow := make(map[string][]*schema.ExecutionRecord)
	for _, rec := range list {
		byWorkflow[rec.WorkflowID] = append(byWorkflow[rec.WorkflowID], rec)
	}

	stopped := 0
	errs := []error{staleErr}
	for workflowID, recs := range byWorkflow {
		if len(recs) < 2 {
			continue
		}
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].StartedAt.After(recs[j].StartedAt) })
		for _, rec := range recs[1:] {
			ok, err := g.Stop(ctx, rec.ID, DuplicateStoppedMessage)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				stopped++
				g.logger.WarnContext(ctx, "stopped duplicate execution",
					slog.String("workflow_id", workflowID),
					slog.String("execution_id", rec.ID),
					slog.String("kept", recs[0].ID),
				)
			}
		}
	}
	if stopped > 0 {
		g.metrics.SweepFailed(stopped)
	}
	return stale + stopped, errors.Join(errs...)
}

// FailStale moves every execution still running that started before cutoff
// to failed with reason. At boot a cutoff of the process start time clears
// runs the previous process never finished.
func (g *Guard) FailStale(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	running := schema.ExecutionRunning
	cutoff = cutoff.UTC()
	list, err := g.execs.ListExecutions(ctx, store.ExecutionFilter{Status: &running, StartedBefore: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("list stale executions: %w", err)
	}
	n := 0
	var errs []error
	for _, rec := range list {
		ok, err := g.Stop(ctx, rec.ID, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
			g.logger.WarnContext(ctx, "stopped stale execution",
				slog.String("workflow_id", rec.WorkflowID),
				slog.String("execution_id", rec.ID),
				slog.Time("started_at", rec.StartedAt),
				slog.String("reason", reason),
			)
		}
	}
	if n > 0 {
		g.metrics.SweepFailed(n)
	}
	return n, errors.Join(errs...)
}

// Stop moves a running execution to failed with reason. It reports false
// when the execution already reached a terminal state.
func (g *Guard) Stop(ctx context.Context, executionID, reason string) (bool, error) {
	var changed bool
	rec, err := g.execs.UpdateExecution(ctx, executionID, func(cur *schema.ExecutionRecord) error {
		if cur.Status.Terminal() {
			return nil
		}
		if err := g.fsm.Transition(ctx, cur, schema.ExecutionFailed); err != nil {
			return err
		}
		now := time.Now().UTC()
		cur.CompletedAt = &now
		cur.Error = reason
		cur.Logs = append(cur.Logs, schema.ExecutionLogEntry{
			ID:        uuid.New().String(),
			Timestamp: now,
			Level:     schema.LogError,
			Message:   reason,
		})
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("stop execution %s: %w", executionID, err)
	}
	if changed && g.cfg.Events != nil {
		_ = g.cfg.Events.Publish(ctx, streaming.ExecutionEvent{
			WorkflowID:  rec.WorkflowID,
			ExecutionID: rec.ID,
			EventType:   streaming.EventExecutionStopped,
			Status:      rec.Status,
			Record:      rec.Clone(),
		})
	}
	return changed, nil
}

// StopRunning stops every running execution of workflowID with reason.
func (g *Guard) StopRunning(ctx context.Context, workflowID, reason string) (int, error) {
	running := schema.ExecutionRunning
	list, err := g.execs.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: workflowID, Status: &running})
	if err != nil {
		return 0, fmt.Errorf("list running executions: %w", err)
	}
	n := 0
	var errs []error
	for _, rec := range list {
		ok, err := g.Stop(ctx, rec.ID, reason)
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

// Start launches the periodic sweep.
func (g *Guard) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.done != nil {
		g.mu.Unlock()
		return fmt.Errorf("guard sweep already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	g.mu.Unlock()

	go g.loop(sweepCtx)
	g.logger.Info("duplicate sweep started", slog.Duration("interval", g.cfg.SweepInterval))
	return nil
}

func (g *Guard) loop(ctx context.Context) {
	defer close(g.done)

	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil && ctx.Err() == nil {
				g.logger.Error("duplicate sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close ends the periodic sweep.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel == nil {
		return nil
	}
	g.cancel()
	<-g.done
	g.cancel = nil
	g.done = nil
	g.logger.Info("duplicate sweep stopped")
	return nil
}
