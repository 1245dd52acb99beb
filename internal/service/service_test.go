package service

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/guard"
	"github.com/rendis/hookflow/internal/scheduler"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "service.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

type runCall struct {
	workflowID string
	trigger    schema.TriggerKind
	payload    map[string]any
}

// fakeRunner records calls and returns a completed record.
type fakeRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   map[string]error
}

func (f *fakeRunner) Run(_ context.Context, wf string, trigger schema.TriggerKind, payload map[string]any, _ ...engine.RunOption) (*schema.ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runCall{wf, trigger, payload})
	rec := &schema.ExecutionRecord{ID: "exec-" + wf, WorkflowID: wf, Status: schema.ExecutionCompleted, Trigger: trigger}
	if err := f.err[wf]; err != nil {
		rec.Status = schema.ExecutionFailed
		return rec, err
	}
	return rec, nil
}

type fixture struct {
	svc      *Service
	store    *store.LibSQLStore
	runner   *fakeRunner
	registry *scheduler.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := newTestStore(t)
	backend := scheduler.NewCronBackend(ctx, quietLogger())
	t.Cleanup(backend.Close)
	reg := scheduler.NewRegistry(backend, func(context.Context, string) {}, scheduler.RegistryConfig{Logger: quietLogger()})
	runner := &fakeRunner{err: map[string]error{}}

	svc := New(Config{
		Store:    s,
		Runner:   runner,
		Guard:    guard.New(s, guard.Config{Logger: quietLogger()}),
		Registry: reg,
		Logger:   quietLogger(),
	})
	return &fixture{svc: svc, store: s, runner: runner, registry: reg}
}

func (f *fixture) save(t *testing.T, def *schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, f.store.SaveWorkflow(context.Background(), def))
}

func cronDef(id string, active bool) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:       id,
		Name:     id,
		Trigger:  schema.Trigger{Type: schema.TriggerCron, Cron: &schema.CronConfig{Schedule: "@hourly"}},
		Actions:  []schema.WorkflowAction{{ID: "a", Type: schema.ActionTransform}},
		IsActive: active,
	}
}

func TestRunWorkflow(t *testing.T) {
	f := newFixture(t)
	rec, err := f.svc.RunWorkflow(context.Background(), "wf-1", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, rec.Status)
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, schema.TriggerKindManual, f.runner.calls[0].trigger)
}

func TestRunWebhook(t *testing.T) {
	f := newFixture(t)
	f.save(t, &schema.WorkflowDefinition{
		ID: "hook", Name: "hook", IsActive: true,
		Trigger: schema.Trigger{Type: schema.TriggerWebhook, Webhook: &schema.WebhookConfig{Secret: "s3cret"}},
	})
	f.save(t, &schema.WorkflowDefinition{
		ID: "off", Name: "off",
		Trigger: schema.Trigger{Type: schema.TriggerWebhook},
	})
	f.save(t, cronDef("cron", true))
	ctx := context.Background()

	tests := []struct {
		name     string
		workflow string
		secret   string
		code     string
	}{
		{"valid secret", "hook", "s3cret", ""},
		{"wrong secret", "hook", "nope", schema.ErrCodeAuth},
		{"inactive", "off", "", schema.ErrCodeConflict},
		{"not webhook", "cron", "", schema.ErrCodeValidation},
		{"missing", "ghost", "", schema.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RunWebhook(ctx, tt.workflow, tt.secret, map[string]any{})
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			assert.True(t, schema.IsCode(err, tt.code), "got %v", err)
		})
	}
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, schema.TriggerKindWebhook, f.runner.calls[0].trigger)
}

func TestHandleInboundEmail(t *testing.T) {
	f := newFixture(t)
	email := func(id, addr string, active bool) *schema.WorkflowDefinition {
		return &schema.WorkflowDefinition{
			ID: id, Name: id, IsActive: active,
			Trigger: schema.Trigger{Type: schema.TriggerEmail, Email: &schema.EmailTrigger{Address: addr}},
		}
	}
	f.save(t, email("a", "inbox@example.com", true))
	f.save(t, email("b", "INBOX@example.com", true))
	f.save(t, email("c", "other@example.com", true))
	f.save(t, email("d", "inbox@example.com", false))
	f.runner.err["a"] = schema.NewError(schema.ErrCodeActionExecution, "boom")

	recs, err := f.svc.HandleInboundEmail(context.Background(), "inbox@example.com", map[string]any{"subject": "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow a")
	require.Len(t, recs, 2)
	require.Len(t, f.runner.calls, 2)
	assert.Equal(t, "b", f.runner.calls[1].workflowID)
	assert.Equal(t, schema.TriggerKindEmail, f.runner.calls[1].trigger)
	assert.Equal(t, map[string]any{"subject": "hi"}, f.runner.calls[1].payload["email"])
}

func TestExecutions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for i, id := range []string{"e1", "e2", "e3"} {
		wf := "wf-1"
		if id == "e3" {
			wf = "wf-2"
		}
		require.NoError(t, f.store.CreateExecution(ctx, &schema.ExecutionRecord{
			ID: id, WorkflowID: wf, Status: schema.ExecutionCompleted,
			StartedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := f.svc.ListExecutions(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e3", all[0].ID)

	one, err := f.svc.ListExecutions(ctx, "wf-1", 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "e2", one[0].ID)

	rec, err := f.svc.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", rec.WorkflowID)

	_, err = f.svc.GetExecution(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))
}

func TestActivateDeactivateSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, cronDef("nightly", false))

	entry, err := f.svc.ActivateSchedule(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "nightly", entry.WorkflowID)
	assert.Equal(t, scheduler.BackendCron, entry.Backend)

	def, err := f.store.GetWorkflow(ctx, "nightly")
	require.NoError(t, err)
	assert.True(t, def.IsActive)
	require.Len(t, f.svc.ListActiveSchedules(), 1)

	// Activating twice keeps a single entry.
	_, err = f.svc.ActivateSchedule(ctx, "nightly")
	require.NoError(t, err)
	require.Len(t, f.svc.ListActiveSchedules(), 1)

	require.NoError(t, f.store.CreateExecution(ctx, &schema.ExecutionRecord{
		ID: "run-1", WorkflowID: "nightly", Status: schema.ExecutionRunning, StartedAt: time.Now().UTC(),
	}))

	res, err := f.svc.DeactivateSchedule(ctx, "nightly", true)
	require.NoError(t, err)
	assert.True(t, res.Unregistered)
	assert.Equal(t, 1, res.Stopped)
	assert.Empty(t, f.svc.ListActiveSchedules())

	def, err = f.store.GetWorkflow(ctx, "nightly")
	require.NoError(t, err)
	assert.False(t, def.IsActive)

	rec, err := f.store.GetExecution(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, DeactivatedReason, rec.Error)

	// Deactivating again is a no-op.
	res, err = f.svc.DeactivateSchedule(ctx, "nightly", false)
	require.NoError(t, err)
	assert.False(t, res.Unregistered)
}

func TestActivateSchedule_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, &schema.WorkflowDefinition{ID: "hook", Name: "hook", Trigger: schema.Trigger{Type: schema.TriggerWebhook}})
	bad := cronDef("bad", false)
	bad.Trigger.Cron.Schedule = "not a cron"
	f.save(t, bad)

	_, err := f.svc.ActivateSchedule(ctx, "ghost")
	assert.True(t, schema.IsNotFound(err))

	_, err = f.svc.ActivateSchedule(ctx, "hook")
	assert.Error(t, err)

	_, err = f.svc.ActivateSchedule(ctx, "bad")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidSchedule), "got %v", err)
	assert.Empty(t, f.svc.ListActiveSchedules())

	def, err := f.store.GetWorkflow(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, def.IsActive)
}

func TestDeactivateAllSchedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.svc.ImportWorkflow(ctx, cronDef(id, true)))
	}
	require.Len(t, f.svc.ListActiveSchedules(), 3)

	n, err := f.svc.DeactivateAllSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, f.svc.ListActiveSchedules())

	defs, err := f.svc.ListWorkflows(ctx)
	require.NoError(t, err)
	for _, d := range defs {
		assert.False(t, d.IsActive, d.ID)
	}
}

func TestImportWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ImportWorkflow(ctx, cronDef("wf", true)))
	_, ok := f.registry.Get("wf")
	assert.True(t, ok)

	// Re-importing as inactive drops the schedule.
	require.NoError(t, f.svc.ImportWorkflow(ctx, cronDef("wf", false)))
	_, ok = f.registry.Get("wf")
	assert.False(t, ok)

	// Re-importing an active cron workflow under another trigger drops it too.
	require.NoError(t, f.svc.ImportWorkflow(ctx, cronDef("wf", true)))
	_, ok = f.registry.Get("wf")
	require.True(t, ok)
	hook := cronDef("wf", true)
	hook.Trigger = schema.Trigger{Type: schema.TriggerWebhook}
	require.NoError(t, f.svc.ImportWorkflow(ctx, hook))
	_, ok = f.registry.Get("wf")
	assert.False(t, ok)
	assert.Empty(t, f.registry.ListActive())

	f.svc.validator = rejectAll{}
	err := f.svc.ImportWorkflow(ctx, cronDef("other", true))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = f.store.GetWorkflow(ctx, "other")
	assert.True(t, schema.IsNotFound(err))
}

type rejectAll struct{}

func (rejectAll) ValidateDefinition(*schema.WorkflowDefinition) error {
	return schema.NewError(schema.ErrCodeValidation, "rejected")
}

func (rejectAll) ValidateActionConfig(schema.ActionType, map[string]any) error { return nil }
