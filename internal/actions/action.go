package actions

import (
	"context"

	"github.com/rendis/hookflow/pkg/schema"
)

// Action runs one kind of workflow step against a resolved config.
// It returns the value the executor stores in the run payload under OutputKey.
type Action interface {
	Type() schema.ActionType
	OutputKey(config map[string]any) string
	Execute(ctx context.Context, input ActionInput) (any, error)
}

// ActionInput is the data provided to an action at execution time.
// Config has already been interpolated and validated. Payload must be
// treated as read-only; the executor applies the output.
type ActionInput struct {
	ActionID    string
	WorkflowID  string
	ExecutionID string
	Config      map[string]any
	Payload     map[string]any
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Type        schema.ActionType `json:"type"`
	Description string            `json:"description,omitempty"`
}

// Describer is implemented by actions that carry a human description.
type Describer interface {
	Description() string
}
