package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

type sent struct {
	session string
	params  map[string]any
}

type fakeSender struct {
	sent []sent
	errs map[string]error
}

func (f *fakeSender) SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error {
	if err := f.errs[sessionID]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{sessionID, params})
	return nil
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()
	r.Watch("wf-1", "s2")
	r.Watch("wf-1", "s1")
	r.Watch("wf-1", "s1")
	r.Watch("wf-2", "s1")

	assert.Equal(t, []string{"s1", "s2"}, r.SessionsFor("wf-1"))
	assert.Empty(t, r.SessionsFor("unknown"))

	r.Remove("s1")
	assert.Equal(t, []string{"s2"}, r.SessionsFor("wf-1"))
	assert.Empty(t, r.SessionsFor("wf-2"))
}

func TestMCPNotifier(t *testing.T) {
	sessions := NewSessionRegistry()
	sessions.Watch("wf-1", "live")
	sessions.Watch("wf-1", "gone")
	sessions.Watch("wf-1", "broken")
	sender := &fakeSender{errs: map[string]error{
		"gone":   server.ErrSessionNotFound,
		"broken": errors.New("write: broken pipe"),
	}}
	n := &MCPNotifier{sender: sender, sessions: sessions}

	rec := &schema.ExecutionRecord{ID: "e1", WorkflowID: "wf-1", Status: schema.ExecutionFailed, Error: "http action: 502"}
	err := n.Notify(context.Background(), "wf-1", schema.NewError(schema.ErrCodeActionExecution, "502"), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "live", sender.sent[0].session)
	data := sender.sent[0].params["data"].(map[string]any)
	assert.Equal(t, "e1", data["execution_id"])
	assert.Equal(t, "http action: 502", data["error"])
	assert.Equal(t, schema.ErrCodeActionExecution, data["code"])

	// The disconnected session was dropped.
	assert.Equal(t, []string{"broken", "live"}, sessions.SessionsFor("wf-1"))

	// Workflows nobody watches are a no-op.
	assert.NoError(t, n.Notify(context.Background(), "wf-9", nil, nil))
}
