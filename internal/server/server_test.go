package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/guard"
	"github.com/rendis/hookflow/internal/service"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/internal/webhook"
	"github.com/rendis/hookflow/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// fakeOps is an in-memory Operations.
type fakeOps struct {
	mu         sync.Mutex
	records    map[string]*schema.ExecutionRecord
	runErr     error
	lastSecret string
	lastClear  bool
	schedules  []schema.ScheduleEntry
	emailTo    string
}

func newFakeOps() *fakeOps {
	return &fakeOps{records: map[string]*schema.ExecutionRecord{}}
}

func (f *fakeOps) run(wf string, trigger schema.TriggerKind, payload map[string]any) (*schema.ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil && !schema.IsCode(f.runErr, schema.ErrCodeActionExecution) {
		return nil, f.runErr
	}
	result, _ := json.Marshal(payload)
	rec := &schema.ExecutionRecord{ID: "exec-" + wf, WorkflowID: wf, Status: schema.ExecutionCompleted, Trigger: trigger, Result: result}
	if f.runErr != nil {
		rec.Status = schema.ExecutionFailed
		rec.Error = f.runErr.Error()
	}
	f.records[rec.ID] = rec
	return rec, f.runErr
}

func (f *fakeOps) RunWorkflow(_ context.Context, wf string, payload map[string]any) (*schema.ExecutionRecord, error) {
	return f.run(wf, schema.TriggerKindManual, payload)
}

func (f *fakeOps) RunWebhook(_ context.Context, wf, secret string, payload map[string]any) (*schema.ExecutionRecord, error) {
	f.lastSecret = secret
	if secret != "ok" {
		return nil, schema.NewError(schema.ErrCodeAuth, "invalid webhook secret")
	}
	return f.run(wf, schema.TriggerKindWebhook, payload)
}

func (f *fakeOps) HandleInboundEmail(_ context.Context, to string, _ map[string]any) ([]*schema.ExecutionRecord, error) {
	f.emailTo = to
	rec, _ := f.run("mail", schema.TriggerKindEmail, nil)
	return []*schema.ExecutionRecord{rec}, nil
}

func (f *fakeOps) ListExecutions(_ context.Context, wf string, _ int) ([]*schema.ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*schema.ExecutionRecord
	for _, r := range f.records {
		if wf == "" || r.WorkflowID == wf {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeOps) GetExecution(_ context.Context, id string) (*schema.ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	return r.Clone(), nil
}

func (f *fakeOps) ActivateSchedule(_ context.Context, wf string) (*schema.ScheduleEntry, error) {
	if wf == "bad" {
		return nil, schema.NewError(schema.ErrCodeInvalidSchedule, "invalid schedule")
	}
	e := schema.ScheduleEntry{WorkflowID: wf, CronExpression: "0 * * * *", Backend: "cron", IsRunning: true}
	f.schedules = append(f.schedules, e)
	return &e, nil
}

func (f *fakeOps) DeactivateSchedule(_ context.Context, wf string, clearQueue bool) (*service.DeactivateResult, error) {
	f.lastClear = clearQueue
	return &service.DeactivateResult{WorkflowID: wf, Unregistered: true}, nil
}

func (f *fakeOps) ListActiveSchedules() []schema.ScheduleEntry { return f.schedules }

func (f *fakeOps) DeactivateAllSchedules(context.Context) (int, error) {
	n := len(f.schedules)
	f.schedules = nil
	return n, nil
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRunAndGetExecution(t *testing.T) {
	ops := newFakeOps()
	h := New(Deps{Service: ops, Logger: quietLogger()}).Handler()

	rec := do(t, h, http.MethodPost, "/api/workflows/wf-1/run", `{"name":"ada"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[schema.ExecutionRecord](t, rec)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.JSONEq(t, `{"name":"ada"}`, string(got.Result))

	rec = do(t, h, http.MethodGet, "/api/executions/exec-wf-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wf-1", decode[schema.ExecutionRecord](t, rec).WorkflowID)

	rec = do(t, h, http.MethodGet, "/api/executions?workflow_id=wf-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]schema.ExecutionRecord](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/api/executions/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, schema.ErrCodeNotFound, decode[errorBody](t, rec).Code)
}

func TestRunWorkflow_Errors(t *testing.T) {
	t.Run("failed run returns its record", func(t *testing.T) {
		ops := newFakeOps()
		ops.runErr = schema.NewError(schema.ErrCodeActionExecution, "http action: 500")
		h := New(Deps{Service: ops, Logger: quietLogger()}).Handler()

		rec := do(t, h, http.MethodPost, "/api/workflows/wf-1/run", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		got := decode[schema.ExecutionRecord](t, rec)
		assert.Equal(t, schema.ExecutionFailed, got.Status)
		assert.Contains(t, got.Error, "500")
	})

	t.Run("unknown workflow", func(t *testing.T) {
		ops := newFakeOps()
		ops.runErr = schema.NewError(schema.ErrCodeNotFound, "workflow \"x\" not found")
		h := New(Deps{Service: ops, Logger: quietLogger()}).Handler()

		rec := do(t, h, http.MethodPost, "/api/workflows/x/run", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		h := New(Deps{Service: newFakeOps(), Logger: quietLogger()}).Handler()
		rec := do(t, h, http.MethodPost, "/api/workflows/x/run", `[1,2`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, schema.ErrCodeMalformedPayload, decode[errorBody](t, rec).Code)
	})
}

func TestHook(t *testing.T) {
	ops := newFakeOps()
	h := New(Deps{Service: ops, Logger: quietLogger()}).Handler()

	rec := do(t, h, http.MethodPost, "/hooks/wf-1", `{"a":1}`, map[string]string{SecretHeader: "ok"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, schema.TriggerKindWebhook, decode[schema.ExecutionRecord](t, rec).Trigger)

	rec = do(t, h, http.MethodPost, "/hooks/wf-1", `{}`, map[string]string{SecretHeader: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "nope", ops.lastSecret)
}

func TestSchedules(t *testing.T) {
	ops := newFakeOps()
	h := New(Deps{Service: ops, Logger: quietLogger()}).Handler()

	rec := do(t, h, http.MethodGet, "/api/schedules", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/schedules/nightly/activate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nightly", decode[schema.ScheduleEntry](t, rec).WorkflowID)

	rec = do(t, h, http.MethodPost, "/api/schedules/bad/activate", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, schema.ErrCodeInvalidSchedule, decode[errorBody](t, rec).Code)

	rec = do(t, h, http.MethodPost, "/api/schedules/nightly/deactivate?clear_queue=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ops.lastClear)
	assert.True(t, decode[service.DeactivateResult](t, rec).Unregistered)

	rec = do(t, h, http.MethodPost, "/api/schedules/stop-all", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deactivated":1}`, rec.Body.String())
}

func TestInboundEmail(t *testing.T) {
	ops := newFakeOps()
	h := New(Deps{Service: ops, Logger: quietLogger()}).Handler()

	rec := do(t, h, http.MethodPost, "/api/email/inbound", `{"to":"inbox@example.com","subject":"hi"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "inbox@example.com", ops.emailTo)

	rec = do(t, h, http.MethodPost, "/api/email/inbound", `{"subject":"hi"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// fakeDeliverer records scheduler deliveries.
type fakeDeliverer struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDeliverer) Deliver(_ context.Context, wf string, trigger schema.TriggerKind) (*schema.ExecutionRecord, guard.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, wf)
	return &schema.ExecutionRecord{ID: "e", WorkflowID: wf, Status: schema.ExecutionCompleted, Trigger: trigger},
		guard.Decision{Outcome: guard.Proceed}, nil
}

func TestSchedulerCallback(t *testing.T) {
	const base = "https://hooks.example.com"
	v, err := webhook.NewVerifier("current", "next")
	require.NoError(t, err)
	deliverer := &fakeDeliverer{}
	handler := webhook.NewHandler(v, deliverer, nil, quietLogger())
	h := New(Deps{Service: newFakeOps(), Callback: handler, BaseURL: base + "/", Logger: quietLogger()}).Handler()

	body := `{"workflowId":"nightly","triggerKind":"cron","source":"external-scheduler"}`
	sign := func(key, url string) string {
		sig, err := webhook.Sign(key, url, []byte(body), time.Minute)
		require.NoError(t, err)
		return sig
	}

	rec := do(t, h, http.MethodPost, "/api/scheduler/callback", body,
		map[string]string{webhook.SignatureHeader: sign("next", base+"/api/scheduler/callback")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "nightly", decode[webhook.Result](t, rec).WorkflowID)

	rec = do(t, h, http.MethodPost, "/api/scheduler/callback", body,
		map[string]string{webhook.SignatureHeader: sign("current", "https://elsewhere.example.com/api/scheduler/callback")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/scheduler/callback", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, []string{"nightly"}, deliverer.calls)
}

func TestStreamExecution(t *testing.T) {
	ops := newFakeOps()
	ops.records["e1"] = &schema.ExecutionRecord{ID: "e1", WorkflowID: "wf", Status: schema.ExecutionRunning}
	ops.records["done"] = &schema.ExecutionRecord{ID: "done", WorkflowID: "wf", Status: schema.ExecutionCompleted}
	hub := streaming.NewMemoryHub()
	srv := httptest.NewServer(New(Deps{Service: ops, Events: hub, Logger: quietLogger()}).Handler())
	defer srv.Close()

	t.Run("terminal record closes after snapshot", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/executions/done/stream")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		assert.Equal(t, []string{snapshotEvent}, readEvents(t, resp))
	})

	t.Run("running record streams until terminal", func(t *testing.T) {
		go func() {
			assert.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
			ctx := context.Background()
			_ = hub.Publish(ctx, streaming.ExecutionEvent{WorkflowID: "wf", ExecutionID: "other", EventType: streaming.EventActionStarted})
			_ = hub.Publish(ctx, streaming.ExecutionEvent{WorkflowID: "wf", ExecutionID: "e1", EventType: streaming.EventActionStarted})
			_ = hub.Publish(ctx, streaming.ExecutionEvent{WorkflowID: "wf", ExecutionID: "e1", EventType: streaming.EventExecutionCompleted})
		}()

		resp, err := http.Get(srv.URL + "/api/executions/e1/stream")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, []string{snapshotEvent, streaming.EventActionStarted, streaming.EventExecutionCompleted}, readEvents(t, resp))
	})

	t.Run("unknown execution", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/executions/missing/stream")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func readEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var names []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{schema.ErrCodeNotFound, http.StatusNotFound},
		{schema.ErrCodeValidation, http.StatusBadRequest},
		{schema.ErrCodeAuth, http.StatusUnauthorized},
		{schema.ErrCodeConflict, http.StatusConflict},
		{schema.ErrCodeTimeout, http.StatusGatewayTimeout},
		{schema.ErrCodeStore, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(schema.NewError(tt.code, "x")))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
