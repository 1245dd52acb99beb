package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/isolation"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// DefaultIsolatedTimeout is the outer wall-clock limit of an isolated run.
const DefaultIsolatedTimeout = 5 * time.Minute

// IsolatedRequest is written to the child's stdin.
type IsolatedRequest struct {
	WorkflowID   string             `json:"workflow_id"`
	ExecutionID  string             `json:"execution_id"`
	Trigger      schema.TriggerKind `json:"trigger"`
	Payload      map[string]any     `json:"payload,omitempty"`
	IdleWindowMS int64              `json:"idle_window_ms,omitempty"`
}

// IsolatedResponse is read from the child's stdout.
type IsolatedResponse struct {
	Record  *schema.ExecutionRecord `json:"record,omitempty"`
	Error   *IsolatedError          `json:"error,omitempty"`
	Skipped bool                    `json:"skipped,omitempty"`
}

// IsolatedError carries a run failure across the process boundary.
type IsolatedError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	ActionType schema.ActionType `json:"action_type,omitempty"`
}

// IsolatedRunnerConfig wires an IsolatedRunner.
type IsolatedRunnerConfig struct {
	Definitions DefinitionSource
	Executions  store.ExecutionStore
	Isolator    isolation.Isolator
	// Command builds the child invocation, typically `hookflow exec`.
	Command       func(ctx context.Context) *exec.Cmd
	Timeout       time.Duration
	Notifier      FailureNotifier
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

// IsolatedRunner runs each workflow in a child process so a runaway action
// cannot affect the scheduler. The child shares the execution store and
// writes progress itself; the parent only finalizes records the child could
// not finish before the outer timeout.
type IsolatedRunner struct {
	cfg IsolatedRunnerConfig
	fsm *ExecutionFSM
}

var _ Runner = (*IsolatedRunner)(nil)

// NewIsolatedRunner creates an IsolatedRunner.
func NewIsolatedRunner(cfg IsolatedRunnerConfig) *IsolatedRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultIsolatedTimeout
	}
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewIsolator()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &IsolatedRunner{cfg: cfg, fsm: NewExecutionFSM()}
}

// Run implements Runner.
func (r *IsolatedRunner) Run(ctx context.Context, workflowID string, trigger schema.TriggerKind, payload map[string]any, opts ...RunOption) (*schema.ExecutionRecord, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := r.cfg.Definitions.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	if o.executionID == "" {
		o.executionID = uuid.New().String()
	}

	req := IsolatedRequest{
		WorkflowID:   workflowID,
		ExecutionID:  o.executionID,
		Trigger:      trigger,
		Payload:      payload,
		IdleWindowMS: o.idleWindow.Milliseconds(),
	}
	var resp IsolatedResponse
	err := isolation.Exchange(ctx, r.cfg.Isolator, r.cfg.Command(ctx),
		isolation.ResourceLimits{Timeout: r.cfg.Timeout}, req, &resp)
	if err != nil {
		return r.finalize(ctx, o.executionID, err)
	}
	if resp.Skipped {
		return nil, ErrRunSkipped
	}
	if resp.Error != nil {
		return resp.Record, resp.Error.toError()
	}
	return resp.Record, nil
}

// finalize marks the child's record failed when the child died before
// reaching a terminal state.
func (r *IsolatedRunner) finalize(ctx context.Context, executionID string, runErr error) (*schema.ExecutionRecord, error) {
	logger := r.cfg.Logger.With(slog.String("execution_id", executionID))
	logger.ErrorContext(ctx, "isolated run failed", slog.String("error", runErr.Error()))

	var wasRunning bool
	rec, err := r.cfg.Executions.UpdateExecution(context.WithoutCancel(ctx), executionID, func(cur *schema.ExecutionRecord) error {
		if cur.Status.Terminal() {
			return nil
		}
		if err := r.fsm.Transition(ctx, cur, schema.ExecutionFailed); err != nil {
			return err
		}
		wasRunning = true
		now := time.Now().UTC()
		cur.CompletedAt = &now
		cur.Error = errorMessage(runErr)
		appendLog(cur, schema.LogError, "", "workflow failed: "+cur.Error, nil)
		return nil
	})
	if err != nil {
		if !schema.IsNotFound(err) {
			logger.WarnContext(ctx, "finalize isolated execution", slog.String("error", err.Error()))
		}
		return nil, runErr
	}
	if wasRunning {
		notifyFailure(ctx, logger, r.cfg.Notifier, r.cfg.NotifyTimeout, runErr, rec)
	}
	return rec, runErr
}

func (e *IsolatedError) toError() error {
	he := schema.NewError(e.Code, e.Message)
	if e.ActionType != "" {
		he = he.WithAction("", e.ActionType)
	}
	return he
}

func isolatedError(err error) *IsolatedError {
	var he *schema.HookflowError
	if errors.As(err, &he) {
		return &IsolatedError{Code: he.Code, Message: he.Message, ActionType: he.ActionType}
	}
	return &IsolatedError{Code: schema.ErrCodeActionExecution, Message: err.Error()}
}

// ServeIsolated is the child side of IsolatedRunner: it reads one
// IsolatedRequest from in, runs it with runner and writes the
// IsolatedResponse to out.
func ServeIsolated(ctx context.Context, runner Runner, in io.Reader, out io.Writer) error {
	var req IsolatedRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decode isolated request: %w", err)
	}
	opts := []RunOption{WithExecutionID(req.ExecutionID)}
	if req.IdleWindowMS > 0 {
		opts = append(opts, WithIdleWindow(time.Duration(req.IdleWindowMS)*time.Millisecond))
	}

	var resp IsolatedResponse
	rec, err := runner.Run(ctx, req.WorkflowID, req.Trigger, req.Payload, opts...)
	switch {
	case errors.Is(err, ErrRunSkipped):
		resp.Skipped = true
	case err != nil:
		resp.Record = rec
		resp.Error = isolatedError(err)
	default:
		resp.Record = rec
	}
	return json.NewEncoder(out).Encode(resp)
}
