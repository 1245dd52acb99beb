// Package service is the engine's surface for the HTTP API, the MCP tools
// and the CLI: running workflows, inspecting executions and controlling
// schedules.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/guard"
	"github.com/rendis/hookflow/internal/scheduler"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/internal/validation"
	"github.com/rendis/hookflow/pkg/schema"
)

// DeactivatedReason is the error set on runs cleared by DeactivateSchedule.
const DeactivatedReason = "schedule deactivated"

// DefaultListLimit caps ListExecutions when no limit is given.
const DefaultListLimit = 100

// Store is the persistence the service needs.
type Store interface {
	store.WorkflowStore
	store.ExecutionStore
}

// Config wires a Service. Validator and Events are optional.
type Config struct {
	Store     Store
	Runner    engine.Runner
	Guard     *guard.Guard
	Registry  *scheduler.Registry
	Validator validation.Validator
	Events    streaming.EventHub
	Logger    *slog.Logger
}

// Service implements the operations exposed to callers.
type Service struct {
	store     Store
	runner    engine.Runner
	guard     *guard.Guard
	registry  *scheduler.Registry
	validator validation.Validator
	events    streaming.EventHub
	logger    *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		runner:    cfg.Runner,
		guard:     cfg.Guard,
		registry:  cfg.Registry,
		validator: cfg.Validator,
		events:    cfg.Events,
		logger:    cfg.Logger,
	}
}

// Events returns the execution event hub, or nil.
func (s *Service) Events() streaming.EventHub { return s.events }

// --- Runs ---

// RunWorkflow runs a workflow now. A failed run returns its record and error.
func (s *Service) RunWorkflow(ctx context.Context, workflowID string, payload map[string]any) (*schema.ExecutionRecord, error) {
	return s.runner.Run(ctx, workflowID, schema.TriggerKindManual, payload)
}

// RunWebhook runs a webhook-triggered workflow with the request body as
// payload. A configured trigger secret must match.
func (s *Service) RunWebhook(ctx context.Context, workflowID, secret string, payload map[string]any) (*schema.ExecutionRecord, error) {
	def, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if def.Trigger.Type != schema.TriggerWebhook {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is not webhook-triggered", workflowID)
	}
	if !def.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is inactive", workflowID)
	}
	if w := def.Trigger.Webhook; w != nil && w.Secret != "" {
		if subtle.ConstantTimeCompare([]byte(w.Secret), []byte(secret)) != 1 {
			return nil, schema.NewError(schema.ErrCodeAuth, "invalid webhook secret")
		}
	}
	return s.runner.Run(ctx, workflowID, schema.TriggerKindWebhook, payload)
}

// HandleInboundEmail runs every active email-triggered workflow whose
// address matches to. One failing workflow does not stop the others.
func (s *Service) HandleInboundEmail(ctx context.Context, to string, message map[string]any) ([]*schema.ExecutionRecord, error) {
	active := true
	defs, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{TriggerType: schema.TriggerEmail, Active: &active})
	if err != nil {
		return nil, fmt.Errorf("list email workflows: %w", err)
	}
	var (
		recs []*schema.ExecutionRecord
		errs []error
	)
	for _, def := range defs {
		if def.Trigger.Email == nil || !strings.EqualFold(strings.TrimSpace(def.Trigger.Email.Address), strings.TrimSpace(to)) {
			continue
		}
		rec, err := s.runner.Run(ctx, def.ID, schema.TriggerKindEmail, map[string]any{"email": message})
		if rec != nil {
			recs = append(recs, rec)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", def.ID, err))
		}
	}
	return recs, errors.Join(errs...)
}

// --- Executions ---

// ListExecutions returns runs, newest first, optionally for one workflow.
func (s *Service) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*schema.ExecutionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: workflowID, Limit: limit})
}

// GetExecution returns one run; NOT_FOUND when absent.
func (s *Service) GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	return s.store.GetExecution(ctx, id)
}

// --- Schedules ---

// ActivateSchedule registers a cron workflow and marks it active. When the
// store update fails the registration is rolled back.
func (s *Service) ActivateSchedule(ctx context.Context, workflowID string) (*schema.ScheduleEntry, error) {
	def, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if _, err := s.registry.Register(ctx, def); err != nil {
		return nil, err
	}
	if err := s.store.SetWorkflowActive(ctx, workflowID, true); err != nil {
		if _, uerr := s.registry.Unregister(ctx, workflowID); uerr != nil {
			s.logger.WarnContext(ctx, "roll back schedule", slog.String("workflow_id", workflowID), slog.String("error", uerr.Error()))
		}
		return nil, fmt.Errorf("activate workflow: %w", err)
	}
	entry, _ := s.registry.Get(workflowID)
	return &entry, nil
}

// DeactivateResult reports what DeactivateSchedule did.
type DeactivateResult struct {
	WorkflowID   string `json:"workflow_id"`
	Unregistered bool   `json:"unregistered"`
	Stopped      int    `json:"stopped_executions"`
}

// DeactivateSchedule stops the workflow's schedule and marks it inactive.
// With alsoClearQueue its running executions are failed too.
func (s *Service) DeactivateSchedule(ctx context.Context, workflowID string, alsoClearQueue bool) (*DeactivateResult, error) {
	res := &DeactivateResult{WorkflowID: workflowID}
	ok, err := s.registry.Unregister(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	res.Unregistered = ok

	if err := s.store.SetWorkflowActive(ctx, workflowID, false); err != nil && !schema.IsNotFound(err) {
		return res, fmt.Errorf("deactivate workflow: %w", err)
	}
	if alsoClearQueue {
		n, err := s.guard.StopRunning(ctx, workflowID, DeactivatedReason)
		res.Stopped = n
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// ListActiveSchedules returns the live schedule entries.
func (s *Service) ListActiveSchedules() []schema.ScheduleEntry {
	return s.registry.ListActive()
}

// DeactivateAllSchedules deactivates every live schedule. Per-workflow
// failures are collected and the rest still proceed.
func (s *Service) DeactivateAllSchedules(ctx context.Context) (int, error) {
	n := 0
	var errs []error
	for _, e := range s.registry.ListActive() {
		res, err := s.DeactivateSchedule(ctx, e.WorkflowID, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", e.WorkflowID, err))
		}
		if res != nil && res.Unregistered {
			n++
		}
	}
	s.logger.InfoContext(ctx, "all schedules deactivated", slog.Int("count", n))
	return n, errors.Join(errs...)
}

// --- Definitions ---

// ImportWorkflow validates and stores a definition. An active cron workflow
// is registered right away; any other definition drops a schedule left from
// an earlier import.
func (s *Service) ImportWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if s.validator != nil {
		if err := s.validator.ValidateDefinition(def); err != nil {
			return err
		}
	}
	if err := s.store.SaveWorkflow(ctx, def); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	if def.IsCron() && def.IsActive {
		_, err := s.registry.Register(ctx, def)
		return err
	}
	_, err := s.registry.Unregister(ctx, def.ID)
	return err
}

// ListWorkflows returns stored definitions.
func (s *Service) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	return s.store.ListWorkflows(ctx, store.WorkflowFilter{})
}
