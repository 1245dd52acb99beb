package streaming

import (
	"context"
	"slices"

	"github.com/rendis/hookflow/pkg/schema"
)

// Event types published while executions progress.
const (
	EventExecutionStarted   = "execution.started"
	EventActionStarted      = "action.started"
	EventActionCompleted    = "action.completed"
	EventActionFailed       = "action.failed"
	EventExecutionCompleted = "execution.completed"
	EventExecutionFailed    = "execution.failed"
	EventExecutionStopped   = "execution.stopped"
	EventDuplicateSkipped   = "execution.duplicate_skipped"
)

// ExecutionEvent is a real-time snapshot emitted whenever a run is persisted.
type ExecutionEvent struct {
	WorkflowID  string                  `json:"workflow_id"`
	ExecutionID string                  `json:"execution_id,omitempty"`
	ActionID    string                  `json:"action_id,omitempty"`
	EventType   string                  `json:"event_type"`
	Status      schema.ExecutionStatus  `json:"status,omitempty"`
	Record      *schema.ExecutionRecord `json:"record,omitempty"`
}

// Terminal reports whether the event closes its execution's stream.
func (e ExecutionEvent) Terminal() bool {
	switch e.EventType {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionStopped:
		return true
	}
	return false
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	WorkflowID  string   `json:"workflow_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Matches reports whether e passes every non-empty field of f.
func (f EventFilter) Matches(e ExecutionEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType)
}

// EventHub provides pub/sub for execution progress.
type EventHub interface {
	Publish(ctx context.Context, event ExecutionEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ExecutionEvent, func(), error)
}
