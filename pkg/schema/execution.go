package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of a run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transition can leave this status.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// TriggerKind records what started a run.
type TriggerKind string

const (
	TriggerKindManual   TriggerKind = "manual"
	TriggerKindWebhook  TriggerKind = "webhook"
	TriggerKindCron     TriggerKind = "cron"
	TriggerKindExternal TriggerKind = "external"
	TriggerKindEmail    TriggerKind = "email"
)

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// ExecutionRecord is one run of a workflow's action chain.
type ExecutionRecord struct {
	ID          string              `json:"id"`
	WorkflowID  string              `json:"workflow_id"`
	Status      ExecutionStatus     `json:"status"`
	Trigger     TriggerKind         `json:"trigger,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       string              `json:"error,omitempty"`
	Result      json.RawMessage     `json:"result,omitempty"`
	Logs        []ExecutionLogEntry `json:"logs"`
}

// ExecutionLogEntry is an append-only line of a run's log.
type ExecutionLogEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     LogLevel        `json:"level"`
	Message   string          `json:"message"`
	ActionID  string          `json:"action_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.Result != nil {
		cp.Result = append(json.RawMessage(nil), r.Result...)
	}
	cp.Logs = make([]ExecutionLogEntry, len(r.Logs))
	copy(cp.Logs, r.Logs)
	return &cp
}

// TriggerPayload is the body an external scheduler delivers on each fire.
type TriggerPayload struct {
	WorkflowID  string `json:"workflowId"`
	TriggerKind string `json:"triggerKind"`
	Source      string `json:"source"`
	Timestamp   *int64 `json:"timestamp,omitempty"`
}

// ExternalSchedulerSource marks a delivery as coming from the hosted scheduler.
const ExternalSchedulerSource = "external-scheduler"

// ScheduleEntry is the live registration of one workflow's recurring trigger.
type ScheduleEntry struct {
	WorkflowID     string     `json:"workflow_id"`
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone,omitempty"`
	Backend        string     `json:"backend"`
	BackingHandle  string     `json:"backing_handle"`
	IsRunning      bool       `json:"is_running"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	RegisteredAt   time.Time  `json:"registered_at"`
}
