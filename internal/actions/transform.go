package actions

import (
	"context"

	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/pkg/schema"
)

// TransformAction evaluates a sandboxed expression against the payload and
// stores the result under the configured output_key.
type TransformAction struct {
	engines *expressions.Engines
}

// NewTransformAction creates the transform action.
func NewTransformAction(engines *expressions.Engines) *TransformAction {
	return &TransformAction{engines: engines}
}

func (a *TransformAction) Type() schema.ActionType { return schema.ActionTransform }

func (a *TransformAction) OutputKey(config map[string]any) string {
	return stringParam(config, "output_key", "")
}

func (a *TransformAction) Description() string {
	return "Evaluate an expr, cel or jq expression over the payload and store the result."
}

func (a *TransformAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	expression := stringParam(input.Config, "expression", "")
	if expression == "" {
		return nil, schema.ConfigurationError("transform: expression is required")
	}
	if a.OutputKey(input.Config) == "" {
		return nil, schema.ConfigurationError("transform: output_key is required")
	}
	lang := stringParam(input.Config, "language", expressions.DefaultLanguage)
	return a.engines.Evaluate(ctx, lang, expression, expressions.Snapshot(input.Payload))
}
