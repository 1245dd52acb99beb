package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/guard"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/validation"
	"github.com/rendis/hookflow/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// memDefs is an in-memory DefinitionStore.
type memDefs struct {
	mu   sync.Mutex
	defs map[string]*schema.WorkflowDefinition
}

func newMemDefs(defs ...*schema.WorkflowDefinition) *memDefs {
	m := &memDefs{defs: map[string]*schema.WorkflowDefinition{}}
	for _, d := range defs {
		m.defs[d.ID] = d
	}
	return m
}

func (m *memDefs) GetWorkflow(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memDefs) ListWorkflows(_ context.Context, f store.WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowDefinition
	for _, d := range m.defs {
		if f.TriggerType != "" && d.Trigger.Type != f.TriggerType {
			continue
		}
		if f.Active != nil && d.IsActive != *f.Active {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memDefs) SetWorkflowActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	d.IsActive = active
	return nil
}

func (m *memDefs) active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defs[id].IsActive
}

// --- Bootstrap ---

func TestBootstrap_ResumeSkipsBadSchedules(t *testing.T) {
	defs := newMemDefs(
		cronWorkflow("a", "11"),
		cronWorkflow("bad", "not cron"),
		cronWorkflow("c", "0 0 1 * * *"),
		func() *schema.WorkflowDefinition { d := cronWorkflow("off", "1"); d.IsActive = false; return d }(),
	)
	r := NewRegistry(newMockBackend(), noFire, RegistryConfig{Logger: quietLogger()})
	boot := &Bootstrap{Definitions: defs, Registry: r, Policy: BootResume, Logger: quietLogger()}

	report, err := boot.Run(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, report.Registered)
	require.Contains(t, report.Failed, "bad")
	assert.Len(t, report.Failed, 1)

	var ids []string
	for _, e := range r.ListActive() {
		ids = append(ids, e.WorkflowID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestBootstrap_ResetOncePerProcess(t *testing.T) {
	defs := newMemDefs(cronWorkflow("a", "11"), cronWorkflow("b", "1"))
	r := NewRegistry(newMockBackend(), noFire, RegistryConfig{})
	flag := &atomic.Bool{}
	boot := &Bootstrap{Definitions: defs, Registry: r, Policy: BootReset, Logger: quietLogger(), resetFlag: flag}

	report, err := boot.Run(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, report.Deactivated)
	assert.False(t, defs.active("a"))
	assert.Empty(t, r.ListActive())

	// operator re-activates; a hot reload must not wipe it again
	require.NoError(t, defs.SetWorkflowActive(context.Background(), "a", true))
	report, err = boot.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.AlreadyReset)
	assert.True(t, defs.active("a"))
}

func TestBootstrap_FailsInterruptedRunsBeforeResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveWorkflow(ctx, cronWorkflow("wf1", "0 * * * *")))
	stuck := &schema.ExecutionRecord{
		ID:         uuid.New().String(),
		WorkflowID: "wf1",
		Status:     schema.ExecutionRunning,
		Trigger:    schema.TriggerKindCron,
		StartedAt:  time.Now().UTC().Add(-2 * time.Minute),
	}
	require.NoError(t, s.CreateExecution(ctx, stuck))

	g := guard.New(s, guard.Config{Logger: quietLogger()})
	runner := &fakeRunner{}
	pool := engine.NewWorkerPool(2, quietLogger())
	defer pool.Shutdown()
	d := NewDispatcher(DispatcherConfig{Definitions: s, Guard: g, Runner: runner, Pool: pool, Logger: quietLogger()})

	_, decision, err := d.Deliver(ctx, "wf1", schema.TriggerKindCron)
	require.NoError(t, err)
	require.True(t, decision.Skipped(), "the leftover running record blocks the workflow")
	require.Zero(t, runner.calls.Load())

	r := NewRegistry(newMockBackend(), d.Fire, RegistryConfig{Logger: quietLogger()})
	boot := &Bootstrap{Definitions: s, Registry: r, Policy: BootResume, Guard: g, StartedAt: time.Now().UTC(), Logger: quietLogger()}
	report, err := boot.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Interrupted)
	assert.Equal(t, []string{"wf1"}, report.Registered)

	rec, err := s.GetExecution(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, rec.Status)
	assert.Equal(t, guard.InterruptedMessage, rec.Error)

	_, decision, err = d.Deliver(ctx, "wf1", schema.TriggerKindCron)
	require.NoError(t, err)
	assert.False(t, decision.Skipped())
	assert.EqualValues(t, 1, runner.calls.Load())
}

func TestParseBootPolicy(t *testing.T) {
	p, err := ParseBootPolicy("")
	require.NoError(t, err)
	assert.Equal(t, BootResume, p)
	p, err = ParseBootPolicy("reset")
	require.NoError(t, err)
	assert.Equal(t, BootReset, p)
	_, err = ParseBootPolicy("wipe")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

// --- Dispatch ---

type fakeRunner struct {
	calls atomic.Int64
	err   error
	block chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, workflowID string, trigger schema.TriggerKind, payload map[string]any, opts ...engine.RunOption) (*schema.ExecutionRecord, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &schema.ExecutionRecord{WorkflowID: workflowID, Status: schema.ExecutionCompleted}, nil
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "sched.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func TestDispatcher_NotFoundIsSwallowed(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{err: schema.NewError(schema.ErrCodeNotFound, `workflow "gone" not found`)}
	pool := engine.NewWorkerPool(2, quietLogger())
	defer pool.Shutdown()
	d := NewDispatcher(DispatcherConfig{Guard: guard.New(s, guard.Config{Logger: quietLogger()}), Runner: runner, Pool: pool, Logger: quietLogger()})

	rec, _, err := d.Deliver(context.Background(), "gone", schema.TriggerKindExternal)
	assert.NoError(t, err)
	assert.Nil(t, rec)

	d.Fire(context.Background(), "gone")
	pool.Wait()
	assert.EqualValues(t, 2, runner.calls.Load())
	assert.Zero(t, pool.Stats().Failed)
}

func TestDispatcher_SkipsInactiveWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := cronWorkflow("off", "0 * * * *")
	wf.IsActive = false
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	runner := &fakeRunner{}
	pool := engine.NewWorkerPool(2, quietLogger())
	defer pool.Shutdown()
	d := NewDispatcher(DispatcherConfig{Definitions: s, Guard: guard.New(s, guard.Config{Logger: quietLogger()}), Runner: runner, Pool: pool, Logger: quietLogger()})

	rec, decision, err := d.Deliver(ctx, "off", schema.TriggerKindExternal)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, guard.WorkflowInactive, decision.Outcome)
	assert.True(t, decision.Skipped())

	d.Fire(ctx, "off")
	pool.Wait()
	assert.Zero(t, runner.calls.Load())

	require.NoError(t, s.SetWorkflowActive(ctx, "off", true))
	_, decision, err = d.Deliver(ctx, "off", schema.TriggerKindExternal)
	require.NoError(t, err)
	assert.Equal(t, guard.Proceed, decision.Outcome)
	assert.EqualValues(t, 1, runner.calls.Load())
}

func TestDispatcher_OverlappingFiresInProcess(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{block: make(chan struct{})}
	pool := engine.NewWorkerPool(4, quietLogger())
	defer pool.Shutdown()
	d := NewDispatcher(DispatcherConfig{Guard: guard.New(s, guard.Config{Logger: quietLogger()}), Runner: runner, Pool: pool, Logger: quietLogger()})

	d.Fire(context.Background(), "wf")
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, testWait, testTick)

	_, decision, err := d.Deliver(context.Background(), "wf", schema.TriggerKindCron)
	require.NoError(t, err)
	assert.True(t, decision.Skipped())

	close(runner.block)
	pool.Wait()
	assert.EqualValues(t, 1, runner.calls.Load())
}

// TestHourlyWorkflowEndToEnd registers an hourly http workflow, simulates the
// timer firing and checks the single completed execution it produces.
func TestHourlyWorkflowEndToEnd(t *testing.T) {
	var pings atomic.Int64
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pings.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	}))
	defer target.Close()

	s := newTestStore(t)
	ctx := context.Background()
	cfg, err := json.Marshal(map[string]any{"url": target.URL + "/ping"})
	require.NoError(t, err)
	wf := &schema.WorkflowDefinition{
		ID:       "wf1",
		Name:     "hourly ping",
		Trigger:  schema.Trigger{Type: schema.TriggerCron, Cron: &schema.CronConfig{Schedule: "0 * * * *"}},
		Actions:  []schema.WorkflowAction{{ID: "ping", Type: schema.ActionHTTP, Config: cfg}},
		IsActive: true,
	}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	reg := actions.NewRegistry()
	_, err = actions.RegisterBuiltins(reg, actions.BuiltinConfig{})
	require.NoError(t, err)
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	executor := actions.NewExecutor(reg, actions.ExecutorConfig{
		Validator:    v,
		Interpolator: expressions.NewInterpolator(nil),
		Logger:       quietLogger(),
	})
	runner := engine.NewChainRunner(engine.RunnerConfig{Definitions: s, Executions: s, Actions: executor, Logger: quietLogger()})
	pool := engine.NewWorkerPool(2, quietLogger())
	defer pool.Shutdown()
	d := NewDispatcher(DispatcherConfig{Guard: guard.New(s, guard.Config{Logger: quietLogger()}), Runner: runner, Pool: pool, Logger: quietLogger()})

	backend := newMockBackend()
	r := NewRegistry(backend, d.Fire, RegistryConfig{Logger: quietLogger()})
	ok, err := r.Register(ctx, wf)
	require.NoError(t, err)
	require.True(t, ok)
	entry, _ := r.Get("wf1")
	assert.Equal(t, "0 * * * *", entry.CronExpression)

	backend.fire(ctx, entry.BackingHandle)
	pool.Wait()

	list, err := s.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "wf1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	rec := list[0]
	assert.Equal(t, schema.ExecutionCompleted, rec.Status)
	assert.Equal(t, schema.TriggerKindCron, rec.Trigger)
	assert.EqualValues(t, 1, pings.Load())

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Result, &result))
	resp, ok := result[actions.OutputKeyHTTP].(map[string]any)
	require.True(t, ok, "result carries the http response snapshot")
	assert.EqualValues(t, 200, resp["status"])
	assert.Equal(t, map[string]any{"pong": true}, resp["body"])

	// A redelivered fire inside the guard window is absorbed.
	backend.fire(ctx, entry.BackingHandle)
	pool.Wait()
	list, err = s.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "wf1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.EqualValues(t, 1, pings.Load())
}
