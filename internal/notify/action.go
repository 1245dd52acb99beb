package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/pkg/schema"
)

// Action delivers failures through a chat or email action. The message is
// passed as literal config, never interpolated. Each delivery is bounded by
// actions.DefaultActionTimeout unless WithTimeout overrides it.
type Action struct {
	action  actions.Action
	build   func(Failure) map[string]any
	timeout time.Duration
}

// WithTimeout bounds each delivery to d.
func (a *Action) WithTimeout(d time.Duration) *Action {
	a.timeout = d
	return a
}

// NewTelegram notifies a chat. An empty chatID uses the provider default.
func NewTelegram(action actions.Action, chatID string) *Action {
	return &Action{action: action, build: func(f Failure) map[string]any {
		cfg := map[string]any{"text": f.Summary()}
		if chatID != "" {
			cfg["chat_id"] = chatID
		}
		return cfg
	}}
}

// NewEmail notifies a list of addresses.
func NewEmail(action actions.Action, to []string) *Action {
	recipients := make([]any, len(to))
	for i, addr := range to {
		recipients[i] = addr
	}
	return &Action{action: action, build: func(f Failure) map[string]any {
		return map[string]any{
			"to":      recipients,
			"subject": fmt.Sprintf("[hookflow] workflow %s failed", f.WorkflowID),
			"text":    f.Summary(),
		}
	}}
}

// Notify implements Notifier.
func (a *Action) Notify(ctx context.Context, workflowID string, runErr error, rec *schema.ExecutionRecord) error {
	timeout := a.timeout
	if timeout <= 0 {
		timeout = actions.DefaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f := NewFailure(workflowID, runErr, rec)
	_, err := a.action.Execute(ctx, actions.ActionInput{
		ActionID:    "notify",
		WorkflowID:  workflowID,
		ExecutionID: f.ExecutionID,
		Config:      a.build(f),
	})
	if err != nil {
		return fmt.Errorf("%s notification: %w", a.action.Type(), err)
	}
	return nil
}
