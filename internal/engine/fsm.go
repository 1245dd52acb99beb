package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/hookflow/pkg/schema"
)

// TransitionHook observes a status change of an execution record.
// Before hooks may veto the transition by returning an error.
type TransitionHook func(ctx context.Context, rec *schema.ExecutionRecord, from, to schema.ExecutionStatus) error

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ValidExecutionTransitions defines the allowed status changes of a run.
// running → running covers progress writes between actions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionFailed},
	schema.ExecutionRunning:   {schema.ExecutionRunning, schema.ExecutionCompleted, schema.ExecutionFailed},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
}

// ExecutionFSM enforces the execution lifecycle.
type ExecutionFSM struct {
	mu     sync.RWMutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM with no hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition is applied.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called once a transition has been persisted.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and applies a status change to rec in memory.
// The caller persists rec and then calls Committed.
func (f *ExecutionFSM) Transition(ctx context.Context, rec *schema.ExecutionRecord, to schema.ExecutionStatus) error {
	from := rec.Status
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": rec.ID, "from": string(from), "to": string(to)})
	}

	f.mu.RLock()
	hooks := f.before[hookKey{from, to}]
	f.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, rec, from, to); err != nil {
			return err
		}
	}

	rec.Status = to
	return nil
}

// Committed runs the after hooks for a persisted transition. A hook error is
// returned but the transition itself stands.
func (f *ExecutionFSM) Committed(ctx context.Context, rec *schema.ExecutionRecord, from, to schema.ExecutionStatus) error {
	f.mu.RLock()
	hooks := f.after[hookKey{from, to}]
	f.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, rec, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from → to is allowed.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	return ok && slices.Contains(allowed, to)
}
