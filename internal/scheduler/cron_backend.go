package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/hookflow/pkg/schema"
)

// CronBackend arms schedules on an in-process robfig/cron runner. Its
// registrations do not survive a restart; bootstrap rebuilds them.
type CronBackend struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
}

// NewCronBackend creates and starts an in-process cron runner. Fires run
// with ctx, which should live as long as the process.
func NewCronBackend(ctx context.Context, logger *slog.Logger) *CronBackend {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	c.Start()
	return &CronBackend{cron: c, logger: logger, ctx: ctx}
}

// Name implements Backend.
func (b *CronBackend) Name() string { return BackendCron }

// Schedule implements Backend.
func (b *CronBackend) Schedule(_ context.Context, entry schema.ScheduleEntry, fire FireFunc) (string, error) {
	workflowID := entry.WorkflowID
	id, err := b.cron.AddFunc(withTimezone(entry.CronExpression, entry.Timezone), func() {
		fire(b.ctx, workflowID)
	})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeInvalidSchedule, "arm cron %q: %s", entry.CronExpression, err.Error()).WithCause(err)
	}
	return strconv.Itoa(int(id)), nil
}

// Stop implements Backend.
func (b *CronBackend) Stop(_ context.Context, handle string) error {
	id, err := strconv.Atoi(handle)
	if err != nil {
		return fmt.Errorf("invalid cron handle %q", handle)
	}
	b.cron.Remove(cron.EntryID(id))
	return nil
}

// Next implements Backend.
func (b *CronBackend) Next(handle string) *time.Time {
	id, err := strconv.Atoi(handle)
	if err != nil {
		return nil
	}
	e := b.cron.Entry(cron.EntryID(id))
	if !e.Valid() || e.Next.IsZero() {
		return nil
	}
	next := e.Next
	return &next
}

// Close stops the runner and waits for running fire callbacks to return.
func (b *CronBackend) Close() {
	<-b.cron.Stop().Done()
	b.logger.Info("cron backend stopped")
}
