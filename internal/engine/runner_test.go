package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

// --- Test helpers ---

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func saveWorkflow(t *testing.T, s store.WorkflowStore, id string, types ...schema.ActionType) *schema.WorkflowDefinition {
	t.Helper()
	def := &schema.WorkflowDefinition{
		ID:       id,
		Name:     "wf " + id,
		Trigger:  schema.Trigger{Type: schema.TriggerWebhook},
		IsActive: true,
	}
	for i, typ := range types {
		def.Actions = append(def.Actions, schema.WorkflowAction{
			ID:     string(rune('a' + i)),
			Type:   typ,
			Config: json.RawMessage(`{}`),
		})
	}
	require.NoError(t, s.SaveWorkflow(context.Background(), def))
	return def
}

// scriptedExecutor records calls and fails on the configured action ids.
type scriptedExecutor struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	before func(action schema.WorkflowAction)
}

func (e *scriptedExecutor) Execute(_ context.Context, action schema.WorkflowAction, payload map[string]any, meta actions.RunMeta) error {
	if e.before != nil {
		e.before(action)
	}
	e.mu.Lock()
	e.calls = append(e.calls, action.ID)
	e.mu.Unlock()
	if err := e.fail[action.ID]; err != nil {
		return err
	}
	payload[action.ID+"Result"] = map[string]any{"execution": meta.ExecutionID}
	return nil
}

func (e *scriptedExecutor) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []*schema.ExecutionRecord
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, _ error, rec *schema.ExecutionRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, rec)
	return n.err
}

func countLogs(rec *schema.ExecutionRecord, level schema.LogLevel, prefix string) int {
	n := 0
	for _, l := range rec.Logs {
		if l.Level == level && strings.HasPrefix(l.Message, prefix) {
			n++
		}
	}
	return n
}

// --- Tests ---

func TestChainRunner_CompletesAllActions(t *testing.T) {
	s := newTestStore(t)
	saveWorkflow(t, s, "wf-ok", schema.ActionHTTP, schema.ActionTransform)
	exec := &scriptedExecutor{}
	hub := streaming.NewMemoryHub()
	events, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{WorkflowID: "wf-ok"})
	require.NoError(t, err)
	defer cancel()

	r := NewChainRunner(RunnerConfig{Definitions: s, Executions: s, Actions: exec, Events: hub})
	rec, err := r.Run(context.Background(), "wf-ok", schema.TriggerKindManual, map[string]any{"input": 1})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, rec.Status)
	assert.Equal(t, []string{"a", "b"}, exec.Calls())
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, schema.TriggerKindManual, rec.Trigger)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Result, &result))
	assert.EqualValues(t, 1, result["input"])
	assert.Contains(t, result, "aResult")
	assert.Contains(t, result, "bResult")

	stored, err := s.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, stored.Status)
	assert.Equal(t, 2, countLogs(stored, schema.LogInfo, "executing action"))
	assert.Equal(t, 1, countLogs(stored, schema.LogInfo, "workflow completed"))

	var last streaming.ExecutionEvent
	for ev := range events {
		last = ev
		if ev.Terminal() {
			break
		}
	}
	assert.Equal(t, streaming.EventExecutionCompleted, last.EventType)
}

func TestChainRunner_StopsAtFirstFailure(t *testing.T) {
	s := newTestStore(t)
	saveWorkflow(t, s, "wf-abc", schema.ActionHTTP, schema.ActionDatabase, schema.ActionEmail)
	cause := schema.ActionExecutionError(schema.ActionDatabase, errors.New("unique constraint violated"))
	exec := &scriptedExecutor{fail: map[string]error{"b": cause}}
	notifier := &recordingNotifier{}

	r := NewChainRunner(RunnerConfig{Definitions: s, Executions: s, Actions: exec, Notifier: notifier})
	rec, err := r.Run(context.Background(), "wf-abc", schema.TriggerKindWebhook, nil)
	require.Error(t, err)
	assert.Same(t, cause, err)
	require.NotNil(t, rec)

	assert.Equal(t, []string{"a", "b"}, exec.Calls(), "action c must never run")
	stored, err := s.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, stored.Status)
	assert.Equal(t, "database action: unique constraint violated", stored.Error)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 2, countLogs(stored, schema.LogInfo, "executing action"))
	assert.Equal(t, 1, countLogs(stored, schema.LogError, ""))
	errEntry := stored.Logs[len(stored.Logs)-1]
	assert.Equal(t, "b", errEntry.ActionID)

	require.Len(t, notifier.records, 1)
	assert.Equal(t, schema.ExecutionFailed, notifier.records[0].Status)
}

func TestChainRunner_NotifierFailureDoesNotMaskRunError(t *testing.T) {
	s := newTestStore(t)
	saveWorkflow(t, s, "wf-n", schema.ActionHTTP)
	runErr := schema.ConfigurationError("email provider is not configured: missing credential EMAIL_API_KEY")
	exec := &scriptedExecutor{fail: map[string]error{"a": runErr}}
	notifier := &recordingNotifier{err: errors.New("smtp down")}

	r := NewChainRunner(RunnerConfig{Definitions: s, Executions: s, Actions: exec, Notifier: notifier})
	rec, err := r.Run(context.Background(), "wf-n", schema.TriggerKindManual, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
	assert.NotContains(t, err.Error(), "smtp")
	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Len(t, notifier.records, 1)
}

func TestChainRunner_PanicLeavesFailedRecord(t *testing.T) {
	s := newTestStore(t)
	saveWorkflow(t, s, "wf-panic", schema.ActionHTTP, schema.ActionTransform)
	panicked := false
	exec := &scriptedExecutor{before: func(action schema.WorkflowAction) {
		if action.ID == "b" && !panicked {
			panicked = true
			panic("boom")
		}
	}}
	notifier := &recordingNotifier{}
	r := NewChainRunner(RunnerConfig{Definitions: s, Executions: s, Actions: exec, Notifier: notifier})

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = r.Run(context.Background(), "wf-panic", schema.TriggerKindCron, nil)
	})

	list, err := s.ListExecutions(context.Background(), store.ExecutionFilter{WorkflowID: "wf-panic"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	rec := list[0]
	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Contains(t, rec.Error, "panic: boom")
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, 1, countLogs(rec, schema.LogError, "action transform failed"))
	require.Len(t, notifier.records, 1)

	next, err := r.Run(context.Background(), "wf-panic", schema.TriggerKindCron, nil, WithIdleWindow(time.Minute))
	require.NoError(t, err, "a panicked run does not block the next one")
	assert.Equal(t, schema.ExecutionCompleted, next.Status)
}

// hungNotifier blocks until its context ends, like a provider that never
// answers.
type hungNotifier struct{ err chan error }

func (n *hungNotifier) Notify(ctx context.Context, _ string, _ error, _ *schema.ExecutionRecord) error {
	<-ctx.Done()
	n.err <- ctx.Err()
	return ctx.Err()
}

func TestChainRunner_NotifierIsBounded(t *testing.T) {
	s := newTestStore(t)
	saveWorkflow(t, s, "wf-hung", schema.ActionHTTP)
	exec := &scriptedExecutor{fail: map[string]error{"a": errors.New("down")}}
	notifier := &hungNotifier{err: make(chan error, 1)}
	r := NewChainRunner(RunnerConfig{Definitions: s, Executions: s, Actions: exec, Notifier: notifier, NotifyTimeout: 50 * time.Millisecond})

	done := make(chan struct{})
	var rec *schema.ExecutionRecord
	go func() {
		defer close(done)
		rec, _ = r.Run(context.Background(), "wf-hung", schema.TriggerKindCron, nil)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run stayed blocked on the failure notification")
	}
	require.NotNil(t, rec)
	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.ErrorIs(t, <-notifier.err, context.DeadlineExceeded)
}

func TestChainRunner_UnknownWorkflow(t *testing.T) {
	s := newTestStore(t)
	r := NewChainRunner(RunnerConfig{Definitions: s, Executions: s, Actions: &scriptedExecutor{}})

	rec, err := r.Run(context.Background(), "missing", schema.TriggerKindCron, nil)
	assert.Nil(t, rec)
	assert.True(t, schema.IsNotFound(err))

	list, err := s.ListExecutions(context.Background(), store.ExecutionFilter{WorkflowID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestChainRunner_ProgressIsVisibleMidRun(t *testing.T) {
	s := newTestStore(t)
	saveWorkflow(t, s, "wf-p", schema.ActionHTTP, schema.ActionHTTP)
	var seen []*schema.ExecutionRecord
	exec := &scriptedExecutor{}
	exec.before = func(action schema.WorkflowAction) {
		list, err := s.ListExecutions(context.Background(), store.ExecutionFilter{WorkflowID: "wf-p"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		seen = append(seen, list[0])
	}

	r := NewChainRunner(RunnerConfig{Definitions: s, Executions: s, Actions: exec})
	_, err := r.Run(context.Background(), "wf-p", schema.TriggerKindManual, nil)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, schema.ExecutionRunning, seen[0].Status)
	assert.Equal(t, 1, countLogs(seen[0], schema.LogInfo, "executing action"))
	assert.Equal(t, 2, countLogs(seen[1], schema.LogInfo, "executing action"))
}

func TestChainRunner_StopsWhenFinalizedElsewhere(t *testing.T) {
	s := newTestStore(t)
	saveWorkflow(t, s, "wf-x", schema.ActionHTTP, schema.ActionHTTP)
	exec := &scriptedExecutor{}
	exec.before = func(action schema.WorkflowAction) {
		if action.ID != "a" {
			return
		}
		list, err := s.ListExecutions(context.Background(), store.ExecutionFilter{WorkflowID: "wf-x"})
		require.NoError(t, err)
		_, err = s.UpdateExecution(context.Background(), list[0].ID, func(rec *schema.ExecutionRecord) error {
			rec.Status = schema.ExecutionFailed
			rec.Error = "duplicate execution stopped"
			return nil
		})
		require.NoError(t, err)
	}

	r := NewChainRunner(RunnerConfig{Definitions: s, Executions: s, Actions: exec})
	rec, err := r.Run(context.Background(), "wf-x", schema.TriggerKindCron, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, []string{"a"}, exec.Calls())

	stored, err := s.GetExecution(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, stored.Status)
	assert.Equal(t, "duplicate execution stopped", stored.Error)
}

func TestChainRunner_IdleWindowSkipsBusyWorkflow(t *testing.T) {
	s := newTestStore(t)
	saveWorkflow(t, s, "wf-busy", schema.ActionHTTP)
	require.NoError(t, s.CreateExecution(context.Background(), &schema.ExecutionRecord{
		ID: "existing", WorkflowID: "wf-busy", Status: schema.ExecutionRunning,
		Trigger: schema.TriggerKindCron, StartedAt: time.Now().UTC(),
	}))
	exec := &scriptedExecutor{}

	r := NewChainRunner(RunnerConfig{Definitions: s, Executions: s, Actions: exec})
	rec, err := r.Run(context.Background(), "wf-busy", schema.TriggerKindCron, nil, WithIdleWindow(30*time.Second))
	assert.ErrorIs(t, err, ErrRunSkipped)
	assert.Nil(t, rec)
	assert.Empty(t, exec.Calls())
}

func TestChainRunner_WithExecutionID(t *testing.T) {
	s := newTestStore(t)
	saveWorkflow(t, s, "wf-id", schema.ActionHTTP)

	r := NewChainRunner(RunnerConfig{Definitions: s, Executions: s, Actions: &scriptedExecutor{}})
	rec, err := r.Run(context.Background(), "wf-id", schema.TriggerKindManual, nil, WithExecutionID("fixed-id"))
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", rec.ID)
}
