package scheduler

import (
	"context"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// Backend names.
const (
	BackendCron     = "cron"
	BackendExternal = "external"
)

// FireFunc is called when a schedule elapses.
type FireFunc func(ctx context.Context, workflowID string)

// Backend is the mechanism that calls a schedule back. The registry owns
// uniqueness; a backend only creates and stops individual handles.
type Backend interface {
	Name() string
	// Schedule arms entry and returns an opaque handle. Backends that deliver
	// fires out of band (the external scheduler) ignore fire.
	Schedule(ctx context.Context, entry schema.ScheduleEntry, fire FireFunc) (string, error)
	// Stop disarms handle. Stopping an unknown handle is not an error.
	Stop(ctx context.Context, handle string) error
	// Next returns the next fire time, or nil when unknown.
	Next(handle string) *time.Time
}
