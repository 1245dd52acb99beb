// Package notify tells operators about failed workflow runs. Every notifier
// is best-effort: callers log its errors and keep the run's own error.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// Failure is the notification payload for one failed run.
type Failure struct {
	WorkflowID  string                  `json:"workflow_id"`
	ExecutionID string                  `json:"execution_id,omitempty"`
	Error       string                  `json:"error"`
	Code        string                  `json:"code,omitempty"`
	FailedAt    time.Time               `json:"failed_at"`
	Record      *schema.ExecutionRecord `json:"record,omitempty"`
}

// NewFailure builds the payload from a run error and its record.
func NewFailure(workflowID string, runErr error, rec *schema.ExecutionRecord) Failure {
	f := Failure{WorkflowID: workflowID, FailedAt: time.Now().UTC(), Record: rec}
	if runErr != nil {
		f.Error = runErr.Error()
		var he *schema.HookflowError
		if errors.As(runErr, &he) {
			f.Code = he.Code
		}
	}
	if rec != nil {
		f.ExecutionID = rec.ID
		if rec.Error != "" {
			f.Error = rec.Error
		}
		if rec.CompletedAt != nil {
			f.FailedAt = *rec.CompletedAt
		}
	}
	return f
}

// Summary renders a one-paragraph operator message.
func (f Failure) Summary() string {
	return fmt.Sprintf("Workflow %s failed (execution %s): %s", f.WorkflowID, f.ExecutionID, f.Error)
}

// Notifier is implemented by every failure channel.
type Notifier interface {
	Notify(ctx context.Context, workflowID string, runErr error, rec *schema.ExecutionRecord) error
}

// Log writes failures to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Notify implements Notifier.
func (l *Log) Notify(ctx context.Context, workflowID string, runErr error, rec *schema.ExecutionRecord) error {
	f := NewFailure(workflowID, runErr, rec)
	l.logger.ErrorContext(ctx, "workflow run failed",
		slog.String("workflow_id", f.WorkflowID),
		slog.String("execution_id", f.ExecutionID),
		slog.String("code", f.Code),
		slog.String("error", f.Error),
	)
	return nil
}

// Multi fans out to several notifiers. Every notifier is tried; their
// errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, workflowID string, runErr error, rec *schema.ExecutionRecord) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, workflowID, runErr, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
