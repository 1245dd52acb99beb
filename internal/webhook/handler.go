package webhook

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/hookflow/internal/guard"
	"github.com/rendis/hookflow/internal/metrics"
	"github.com/rendis/hookflow/pkg/schema"
)

// SignatureHeader carries the delivery signature.
const SignatureHeader = "Upstash-Signature"

// Deliverer runs one scheduled trigger behind the duplicate guard.
type Deliverer interface {
	Deliver(ctx context.Context, workflowID string, trigger schema.TriggerKind) (*schema.ExecutionRecord, guard.Decision, error)
}

// Result describes what a delivery did.
type Result struct {
	WorkflowID string                  `json:"workflow_id"`
	Decision   guard.Decision          `json:"decision"`
	Execution  *schema.ExecutionRecord `json:"execution,omitempty"`
}

// Handler is the external-scheduler entry point.
type Handler struct {
	verifier  *Verifier
	deliverer Deliverer
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewHandler creates a Handler. Verification cannot be disabled.
func NewHandler(verifier *Verifier, deliverer Deliverer, rec metrics.Recorder, logger *slog.Logger) *Handler {
	if rec == nil {
		rec = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{verifier: verifier, deliverer: deliverer, metrics: rec, logger: logger}
}

// Handle verifies, parses and forwards one delivery. AUTH_ERROR and
// MALFORMED_PAYLOAD reject it; a deleted workflow is acknowledged without
// running anything. A run failure is recorded on the execution and
// acknowledged so the scheduler does not redeliver it.
func (h *Handler) Handle(ctx context.Context, signature string, rawBody []byte, requestURL string) (*Result, error) {
	if err := h.verifier.Verify(signature, rawBody, requestURL); err != nil {
		h.logger.WarnContext(ctx, "rejected scheduler delivery", slog.String("error", err.Error()))
		return nil, err
	}

	payload, err := ParsePayload(rawBody)
	if err != nil {
		return nil, err
	}
	h.metrics.ScheduleFired(payload.WorkflowID, "external")

	rec, decision, err := h.deliverer.Deliver(ctx, payload.WorkflowID, schema.TriggerKindExternal)
	res := &Result{WorkflowID: payload.WorkflowID, Decision: decision, Execution: rec}
	if err != nil && rec == nil {
		return nil, err
	}
	return res, nil
}

// ParsePayload decodes and validates a delivery body.
func ParsePayload(raw []byte) (*schema.TriggerPayload, error) {
	var p schema.TriggerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, schema.NewError(schema.ErrCodeMalformedPayload, "delivery body is not valid JSON").WithCause(err)
	}
	switch {
	case p.WorkflowID == "":
		return nil, schema.NewError(schema.ErrCodeMalformedPayload, "workflowId is required")
	case p.TriggerKind != string(schema.TriggerKindCron):
		return nil, schema.NewErrorf(schema.ErrCodeMalformedPayload, "unsupported triggerKind %q", p.TriggerKind)
	case p.Source != schema.ExternalSchedulerSource:
		return nil, schema.NewErrorf(schema.ErrCodeMalformedPayload, "unexpected source %q", p.Source)
	}
	return &p, nil
}
