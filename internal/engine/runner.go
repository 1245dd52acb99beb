package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/metrics"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

// Runner executes a workflow's action chain once and returns the final
// execution record. On action failure the failed record is returned
// together with the error.
type Runner interface {
	Run(ctx context.Context, workflowID string, trigger schema.TriggerKind, payload map[string]any, opts ...RunOption) (*schema.ExecutionRecord, error)
}

// ActionExecutor runs a single action and stores its output in payload.
type ActionExecutor interface {
	Execute(ctx context.Context, action schema.WorkflowAction, payload map[string]any, meta actions.RunMeta) error
}

// FailureNotifier is told about failed runs. It is best-effort: its errors
// are logged and never replace the run's own error.
type FailureNotifier interface {
	Notify(ctx context.Context, workflowID string, runErr error, rec *schema.ExecutionRecord) error
}

// DefinitionSource resolves workflow definitions by id.
type DefinitionSource interface {
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
}

// ErrRunSkipped is returned when an idle-window run finds the workflow busy.
var ErrRunSkipped = errors.New("run skipped: workflow has a running or just-completed execution")

// RunOption customizes a single Run call.
type RunOption func(*runOptions)

type runOptions struct {
	executionID string
	idleWindow  time.Duration
}

// WithExecutionID fixes the id of the execution record to create.
func WithExecutionID(id string) RunOption {
	return func(o *runOptions) { o.executionID = id }
}

// WithIdleWindow makes record creation conditional: the run only starts when
// the workflow has no running execution and none completed within window.
// Otherwise Run returns ErrRunSkipped without creating a record.
func WithIdleWindow(window time.Duration) RunOption {
	return func(o *runOptions) { o.idleWindow = window }
}

// RunnerConfig wires a ChainRunner. Notifier, Events and Metrics are optional.
// NotifyTimeout bounds the failure notification and defaults to
// actions.DefaultActionTimeout.
type RunnerConfig struct {
	Definitions   DefinitionSource
	Executions    store.ExecutionStore
	Actions       ActionExecutor
	Notifier      FailureNotifier
	NotifyTimeout time.Duration
	Events        streaming.EventHub
	Metrics       metrics.Recorder
	Logger        *slog.Logger
}

// ChainRunner runs actions in definition order inside the calling goroutine.
// Every progress write is a read-modify-write of the stored record so
// concurrent readers observe each step.
type ChainRunner struct {
	defs          DefinitionSource
	execs         store.ExecutionStore
	actions       ActionExecutor
	notifier      FailureNotifier
	notifyTimeout time.Duration
	events        streaming.EventHub
	metrics       metrics.Recorder
	logger        *slog.Logger
	fsm           *ExecutionFSM
	now           func() time.Time
}

var _ Runner = (*ChainRunner)(nil)

// NewChainRunner creates a ChainRunner.
func NewChainRunner(cfg RunnerConfig) *ChainRunner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	r := &ChainRunner{
		defs:          cfg.Definitions,
		execs:         cfg.Executions,
		actions:       cfg.Actions,
		notifier:      cfg.Notifier,
		notifyTimeout: cfg.NotifyTimeout,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		fsm:           NewExecutionFSM(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	finished := func(ctx context.Context, rec *schema.ExecutionRecord, _, to schema.ExecutionStatus) error {
		d := time.Duration(0)
		if rec.CompletedAt != nil {
			d = rec.CompletedAt.Sub(rec.StartedAt)
		}
		r.metrics.RunFinished(rec.WorkflowID, string(to), d)
		return nil
	}
	r.fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionCompleted, finished)
	r.fsm.OnAfter(schema.ExecutionRunning, schema.ExecutionFailed, finished)
	return r
}

// FSM exposes the lifecycle machine so callers can attach hooks.
func (r *ChainRunner) FSM() *ExecutionFSM { return r.fsm }

// Run resolves the workflow, creates a running record and executes each
// action in order, stopping at the first failure.
func (r *ChainRunner) Run(ctx context.Context, workflowID string, trigger schema.TriggerKind, payload map[string]any, opts ...RunOption) (*schema.ExecutionRecord, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	def, err := r.defs.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	rec := &schema.ExecutionRecord{
		ID:         o.executionID,
		WorkflowID: def.ID,
		Status:     schema.ExecutionPending,
		Trigger:    trigger,
		StartedAt:  r.now(),
		Logs:       []schema.ExecutionLogEntry{},
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if err := r.fsm.Transition(ctx, rec, schema.ExecutionRunning); err != nil {
		return nil, err
	}

	if o.idleWindow > 0 {
		ok, err := r.execs.CreateExecutionIfIdle(ctx, rec, o.idleWindow)
		if err != nil {
			return nil, storeError("create execution", err)
		}
		if !ok {
			return nil, ErrRunSkipped
		}
	} else if err := r.execs.CreateExecution(ctx, rec); err != nil {
		return nil, storeError("create execution", err)
	}

	ctx = logging.WithRun(ctx, def.ID, rec.ID)
	r.metrics.RunStarted(def.ID)
	r.logger.InfoContext(ctx, "execution started",
		slog.String("trigger", string(trigger)),
		slog.Int("actions", len(def.Actions)),
	)
	r.publish(ctx, streaming.EventExecutionStarted, "", rec)

	// An action panic fails the record before propagating.
	var current schema.WorkflowAction
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "execution panicked", slog.Any("panic", p))
			perr := schema.NewErrorf(schema.ErrCodeActionExecution, "panic: %v", p)
			if current.ID != "" {
				perr = perr.WithAction(current.ID, current.Type)
			}
			_, _ = r.fail(ctx, rec, current, perr)
			panic(p)
		}
	}()

	work := expressions.Snapshot(payload)
	if work == nil {
		work = map[string]any{}
	}
	meta := actions.RunMeta{WorkflowID: def.ID, WorkflowName: def.Name, ExecutionID: rec.ID}

	for _, action := range def.Actions {
		current = action
		actx := logging.WithActionID(ctx, action.ID)

		rec, err = r.update(ctx, rec, func(cur *schema.ExecutionRecord) error {
			if err := r.fsm.Transition(actx, cur, schema.ExecutionRunning); err != nil {
				return err
			}
			appendLog(cur, schema.LogInfo, action.ID, fmt.Sprintf("executing action %s", action.Type), nil)
			return nil
		})
		if err != nil {
			return rec, r.abandon(actx, rec, err)
		}
		r.publish(actx, streaming.EventActionStarted, action.ID, rec)

		if execErr := r.actions.Execute(actx, action, work, meta); execErr != nil {
			return r.fail(actx, rec, action, execErr)
		}

		rec, err = r.update(ctx, rec, func(cur *schema.ExecutionRecord) error {
			if err := r.fsm.Transition(actx, cur, schema.ExecutionRunning); err != nil {
				return err
			}
			appendLog(cur, schema.LogInfo, action.ID, fmt.Sprintf("action %s completed", action.Type), nil)
			return nil
		})
		if err != nil {
			return rec, r.abandon(actx, rec, err)
		}
		r.logger.DebugContext(actx, "action completed", slog.String("action_type", string(action.Type)))
		r.publish(actx, streaming.EventActionCompleted, action.ID, rec)
	}
	current = schema.WorkflowAction{}

	result, err := json.Marshal(work)
	if err != nil {
		return r.fail(ctx, rec, schema.WorkflowAction{}, schema.NewError(schema.ErrCodeActionExecution, "run result is not JSON-serializable").WithCause(err))
	}

	rec, err = r.update(context.WithoutCancel(ctx), rec, func(cur *schema.ExecutionRecord) error {
		if err := r.fsm.Transition(ctx, cur, schema.ExecutionCompleted); err != nil {
			return err
		}
		done := r.now()
		cur.CompletedAt = &done
		cur.Result = result
		appendLog(cur, schema.LogInfo, "", "workflow completed successfully", nil)
		return nil
	})
	if err != nil {
		return rec, r.abandon(ctx, rec, err)
	}
	r.committed(ctx, rec, schema.ExecutionCompleted)
	r.logger.InfoContext(ctx, "execution completed")
	r.publish(ctx, streaming.EventExecutionCompleted, "", rec)
	return rec, nil
}

// fail persists the terminal failure first, then notifies.
func (r *ChainRunner) fail(ctx context.Context, rec *schema.ExecutionRecord, action schema.WorkflowAction, runErr error) (*schema.ExecutionRecord, error) {
	msg := errorMessage(runErr)
	data := map[string]any{}
	var he *schema.HookflowError
	if errors.As(runErr, &he) {
		data["code"] = he.Code
	}
	logMsg := "workflow failed: " + msg
	if action.ID != "" {
		logMsg = fmt.Sprintf("action %s failed: %s", action.Type, msg)
	}

	failed, err := r.update(context.WithoutCancel(ctx), rec, func(cur *schema.ExecutionRecord) error {
		if err := r.fsm.Transition(ctx, cur, schema.ExecutionFailed); err != nil {
			return err
		}
		done := r.now()
		cur.CompletedAt = &done
		cur.Error = msg
		appendLog(cur, schema.LogError, action.ID, logMsg, data)
		return nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "persist failed execution", slog.String("error", err.Error()))
		return rec, runErr
	}
	r.committed(ctx, failed, schema.ExecutionFailed)

	r.logger.ErrorContext(ctx, "execution failed", slog.String("error", msg))
	r.publish(ctx, streaming.EventExecutionFailed, action.ID, failed)

	notifyFailure(ctx, r.logger, r.notifier, r.notifyTimeout, runErr, failed)
	return failed, runErr
}

// notifyFailure runs notifier detached from ctx's cancellation but bounded
// by timeout, so a hung provider cannot hold the run's worker slot.
func notifyFailure(ctx context.Context, logger *slog.Logger, notifier FailureNotifier, timeout time.Duration, runErr error, rec *schema.ExecutionRecord) {
	if notifier == nil {
		return
	}
	if timeout <= 0 {
		timeout = actions.DefaultActionTimeout
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := notifier.Notify(nctx, rec.WorkflowID, runErr, rec.Clone()); err != nil {
		logger.WarnContext(ctx, "failure notification failed", slog.String("error", err.Error()))
	}
}

// abandon handles a progress write that could not be applied. When another
// writer already moved the record to a terminal state (the duplicate sweep)
// the run stops without overwriting it.
func (r *ChainRunner) abandon(ctx context.Context, rec *schema.ExecutionRecord, err error) error {
	if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
		r.logger.WarnContext(ctx, "execution was finalized elsewhere; stopping", slog.String("error", err.Error()))
		return err
	}
	r.logger.ErrorContext(ctx, "persist execution progress", slog.String("error", err.Error()))
	if _, ferr := r.fail(ctx, rec, schema.WorkflowAction{}, err); ferr != nil {
		return ferr
	}
	return err
}

// update persists fn applied to the stored record. On error the previous
// in-memory record is returned unchanged.
func (r *ChainRunner) update(ctx context.Context, prev *schema.ExecutionRecord, fn func(*schema.ExecutionRecord) error) (*schema.ExecutionRecord, error) {
	rec, err := r.execs.UpdateExecution(ctx, prev.ID, fn)
	if err != nil {
		var he *schema.HookflowError
		if errors.As(err, &he) {
			return prev, err
		}
		return prev, storeError("update execution", err)
	}
	return rec, nil
}

func (r *ChainRunner) committed(ctx context.Context, rec *schema.ExecutionRecord, to schema.ExecutionStatus) {
	if err := r.fsm.Committed(ctx, rec, schema.ExecutionRunning, to); err != nil {
		r.logger.WarnContext(ctx, "transition hook failed", slog.String("error", err.Error()))
	}
}

func (r *ChainRunner) publish(ctx context.Context, eventType, actionID string, rec *schema.ExecutionRecord) {
	if r.events == nil || rec == nil {
		return
	}
	_ = r.events.Publish(context.WithoutCancel(ctx), streaming.ExecutionEvent{
		WorkflowID:  rec.WorkflowID,
		ExecutionID: rec.ID,
		ActionID:    actionID,
		EventType:   eventType,
		Status:      rec.Status,
		Record:      rec.Clone(),
	})
}

func appendLog(rec *schema.ExecutionRecord, level schema.LogLevel, actionID, msg string, data map[string]any) {
	entry := schema.ExecutionLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		ActionID:  actionID,
	}
	if len(data) > 0 {
		if b, err := json.Marshal(data); err == nil {
			entry.Data = b
		}
	}
	rec.Logs = append(rec.Logs, entry)
}

// errorMessage renders err for the record without the code prefix.
func errorMessage(err error) string {
	var he *schema.HookflowError
	if errors.As(err, &he) {
		if he.ActionType != "" {
			return fmt.Sprintf("%s action: %s", he.ActionType, he.Message)
		}
		return he.Message
	}
	return err.Error()
}

func storeError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
