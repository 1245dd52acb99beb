package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hookflow/internal/notify"
	"github.com/rendis/hookflow/pkg/schema"
)

// failureMethod is the notification method used for failure pushes.
const failureMethod = "notifications/message"

// sender is the part of *server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// MCPNotifier pushes run failures to the sessions watching the workflow.
type MCPNotifier struct {
	sender   sender
	sessions *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{sender: mcpServer, sessions: sessions}
}

// Notify implements notify.Notifier. Sessions that disconnected are dropped
// from the registry and do not count as errors.
func (n *MCPNotifier) Notify(_ context.Context, workflowID string, runErr error, rec *schema.ExecutionRecord) error {
	sessions := n.sessions.SessionsFor(workflowID)
	if len(sessions) == 0 {
		return nil
	}
	f := notify.NewFailure(workflowID, runErr, rec)
	params := map[string]any{
		"level":  "error",
		"logger": "hookflow",
		"data": map[string]any{
			"workflow_id":  f.WorkflowID,
			"execution_id": f.ExecutionID,
			"code":         f.Code,
			"error":        f.Error,
			"failed_at":    f.FailedAt,
		},
	}
	var errs []error
	for _, sid := range sessions {
		err := n.sender.SendNotificationToSpecificClient(sid, failureMethod, params)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
