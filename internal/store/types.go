package store

import (
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// WorkflowFilter specifies criteria for listing workflow definitions.
type WorkflowFilter struct {
	TriggerType schema.TriggerType `json:"trigger_type,omitempty"`
	Active      *bool              `json:"active,omitempty"`
	Limit       int                `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
// Results are ordered by started_at, newest first.
type ExecutionFilter struct {
	WorkflowID    string                  `json:"workflow_id,omitempty"`
	Status        *schema.ExecutionStatus `json:"status,omitempty"`
	StartedAfter  *time.Time              `json:"started_after,omitempty"`
	StartedBefore *time.Time              `json:"started_before,omitempty"`
	Limit         int                     `json:"limit,omitempty"`
	Offset        int                     `json:"offset,omitempty"`
}

// Secret is an encrypted key-value entry.
type Secret struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"` // encrypted, never serialized
	CreatedAt time.Time `json:"created_at"`
}
