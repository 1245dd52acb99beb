package actions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/validation"
	"github.com/rendis/hookflow/pkg/schema"
)

// DefaultActionTimeout bounds a single action when its config sets none.
const DefaultActionTimeout = 30 * time.Second

// RunMeta identifies the run an action belongs to.
type RunMeta struct {
	WorkflowID   string
	WorkflowName string
	ExecutionID  string
}

// Executor runs one workflow action: provider lookup, interpolation, config
// validation, timeout, then payload mutation with the action output.
type Executor struct {
	registry       *Registry
	validator      validation.Validator
	interp         *expressions.Interpolator
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// ExecutorConfig configures an Executor. Validator and Interpolator may be nil.
type ExecutorConfig struct {
	Validator      validation.Validator
	Interpolator   *expressions.Interpolator
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// NewExecutor creates an Executor over the given registry.
func NewExecutor(reg *Registry, cfg ExecutorConfig) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultActionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interpolator == nil {
		cfg.Interpolator = expressions.NewInterpolator(nil)
	}
	return &Executor{
		registry:       reg,
		validator:      cfg.Validator,
		interp:         cfg.Interpolator,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
	}
}

// Execute runs action against payload and stores its output in payload.
// Every failure is returned as a *schema.HookflowError carrying the action
// id and type; configuration problems keep CONFIGURATION_ERROR, everything
// else is ACTION_EXECUTION_ERROR.
func (e *Executor) Execute(ctx context.Context, action schema.WorkflowAction, payload map[string]any, meta RunMeta) error {
	if payload == nil {
		return schema.NewError(schema.ErrCodeValidation, "payload must not be nil")
	}
	output, key, err := e.execute(ctx, action, payload, meta)
	if err != nil {
		he := schema.ActionExecutionError(action.Type, err)
		if he.ActionID == "" {
			he.ActionID = action.ID
		}
		return he
	}
	if key != "" {
		payload[key] = output
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, action schema.WorkflowAction, payload map[string]any, meta RunMeta) (any, string, error) {
	impl, err := e.registry.Get(action.Type)
	if err != nil {
		return nil, "", err
	}

	raw, err := action.ConfigMap()
	if err != nil {
		return nil, "", err
	}

	scope := expressions.NewScope(meta.WorkflowID, meta.WorkflowName, meta.ExecutionID, payload)
	cfg, err := e.interp.ResolveConfig(ctx, raw, scope)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeConfiguration) {
			return nil, "", err
		}
		return nil, "", schema.ConfigurationError("action %q: %s", action.ID, err.Error()).WithCause(err)
	}

	if e.validator != nil {
		if err := e.validator.ValidateActionConfig(action.Type, cfg); err != nil {
			return nil, "", err
		}
	}

	timeout := durationParam(cfg, "timeout", e.defaultTimeout)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.DebugContext(ctx, "executing action",
		slog.String("action_id", action.ID),
		slog.String("action_type", string(action.Type)),
		slog.Duration("timeout", timeout),
	)

	out, err := impl.Execute(actx, ActionInput{
		ActionID:    action.ID,
		WorkflowID:  meta.WorkflowID,
		ExecutionID: meta.ExecutionID,
		Config:      cfg,
		Payload:     payload,
	})
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeTimeout,
				"%s action timed out after %s", action.Type, timeout).WithCause(err)
		}
		return nil, "", err
	}

	normalized, err := normalizeOutput(out)
	if err != nil {
		return nil, "", err
	}
	return normalized, impl.OutputKey(cfg), nil
}

// normalizeOutput converts an action result into plain JSON values so later
// actions and expression engines see one consistent shape.
func normalizeOutput(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "action output is not JSON-serializable").WithCause(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "action output is not JSON-serializable").WithCause(err)
	}
	return out, nil
}
