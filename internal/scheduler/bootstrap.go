package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rendis/hookflow/internal/guard"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// BootPolicy decides what happens to active cron workflows at process start.
type BootPolicy string

const (
	// BootResume re-registers every active cron workflow.
	BootResume BootPolicy = "resume"
	// BootReset deactivates every active cron workflow once per process;
	// operators re-activate explicitly.
	BootReset BootPolicy = "reset"
)

// ParseBootPolicy validates a configured policy. Empty means resume.
func ParseBootPolicy(s string) (BootPolicy, error) {
	switch BootPolicy(s) {
	case "", BootResume:
		return BootResume, nil
	case BootReset:
		return BootReset, nil
	}
	return "", schema.ConfigurationError("unknown boot policy %q (want resume or reset)", s)
}

// processReset records that the reset policy already ran in this process.
var processReset atomic.Bool

// BootReport summarizes a bootstrap pass.
type BootReport struct {
	Policy      BootPolicy        `json:"policy"`
	Registered  []string          `json:"registered,omitempty"`
	Deactivated []string          `json:"deactivated,omitempty"`
	Failed      map[string]string `json:"failed,omitempty"`
	Reconciled  []string          `json:"reconciled,omitempty"`
	// Interrupted counts running records left by the previous process.
	Interrupted int `json:"interrupted,omitempty"`
	// AlreadyReset is set when the reset policy was skipped because it ran
	// earlier in this process.
	AlreadyReset bool `json:"already_reset,omitempty"`
}

// Bootstrap rebuilds schedule state at process start. When Guard is set,
// executions still running from before StartedAt are failed first so they
// cannot block their workflow.
type Bootstrap struct {
	Definitions DefinitionStore
	Registry    *Registry
	Policy      BootPolicy
	Guard       *guard.Guard
	StartedAt   time.Time
	Logger      *slog.Logger

	resetFlag *atomic.Bool
}

// Run applies the boot policy to every active cron workflow. A single bad
// workflow is recorded in the report and never stops the pass.
func (b *Bootstrap) Run(ctx context.Context) (*BootReport, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := b.Policy
	if policy == "" {
		policy = BootResume
	}
	flag := b.resetFlag
	if flag == nil {
		flag = &processReset
	}
	report := &BootReport{Policy: policy, Failed: map[string]string{}}

	if b.Guard != nil {
		startedAt := b.StartedAt
		if startedAt.IsZero() {
			startedAt = time.Now()
		}
		n, err := b.Guard.FailStale(ctx, startedAt, guard.InterruptedMessage)
		if err != nil {
			logger.WarnContext(ctx, "fail interrupted executions", slog.String("error", err.Error()))
		}
		report.Interrupted = n
		if n > 0 {
			logger.InfoContext(ctx, "interrupted executions failed", slog.Int("count", n))
		}
	}

	active := true
	defs, err := b.Definitions.ListWorkflows(ctx, store.WorkflowFilter{TriggerType: schema.TriggerCron, Active: &active})
	if err != nil {
		return nil, fmt.Errorf("list cron workflows: %w", err)
	}

	switch policy {
	case BootReset:
		if !flag.CompareAndSwap(false, true) {
			report.AlreadyReset = true
			logger.InfoContext(ctx, "boot reset already applied in this process")
			break
		}
		for _, def := range defs {
			if err := b.Definitions.SetWorkflowActive(ctx, def.ID, false); err != nil {
				report.Failed[def.ID] = err.Error()
				logger.WarnContext(ctx, "boot reset: deactivate workflow", slog.String("workflow_id", def.ID), slog.String("error", err.Error()))
				continue
			}
			report.Deactivated = append(report.Deactivated, def.ID)
		}
		logger.InfoContext(ctx, "boot reset: cron workflows deactivated", slog.Int("count", len(report.Deactivated)))
	default:
		for _, def := range defs {
			if _, err := b.Registry.Register(ctx, def); err != nil {
				report.Failed[def.ID] = err.Error()
				logger.WarnContext(ctx, "boot resume: register schedule", slog.String("workflow_id", def.ID), slog.String("error", err.Error()))
				continue
			}
			report.Registered = append(report.Registered, def.ID)
		}
		logger.InfoContext(ctx, "boot resume: schedules registered",
			slog.Int("registered", len(report.Registered)),
			slog.Int("failed", len(report.Failed)),
		)
	}

	if ext, ok := b.Registry.Backend().(*ExternalBackend); ok {
		removed, err := ext.Reconcile(ctx, b.Definitions)
		if err != nil {
			logger.WarnContext(ctx, "reconcile external schedules", slog.String("error", err.Error()))
		}
		report.Reconciled = removed
	}
	return report, nil
}
