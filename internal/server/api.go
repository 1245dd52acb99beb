package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/hookflow/internal/webhook"
	"github.com/rendis/hookflow/pkg/schema"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// runResponse renders a run. A failed run with a record is still a record:
// callers read the status and error from it.
func runResponse(c echo.Context, rec *schema.ExecutionRecord, err error) error {
	if rec == nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// handleRunWorkflow runs a workflow now with the body as payload.
func (s *Server) handleRunWorkflow(c echo.Context) error {
	payload, err := bindPayload(c)
	if err != nil {
		return err
	}
	rec, err := s.deps.Service.RunWorkflow(c.Request().Context(), c.Param("id"), payload)
	return runResponse(c, rec, err)
}

// handleHook is the plain webhook trigger.
func (s *Server) handleHook(c echo.Context) error {
	payload, err := bindPayload(c)
	if err != nil {
		return err
	}
	rec, err := s.deps.Service.RunWebhook(c.Request().Context(), c.Param("id"), c.Request().Header.Get(SecretHeader), payload)
	return runResponse(c, rec, err)
}

func (s *Server) handleListExecutions(c echo.Context) error {
	recs, err := s.deps.Service.ListExecutions(c.Request().Context(), c.QueryParam("workflow_id"), queryInt(c, "limit", 0))
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []*schema.ExecutionRecord{}
	}
	return c.JSON(http.StatusOK, recs)
}

func (s *Server) handleGetExecution(c echo.Context) error {
	rec, err := s.deps.Service.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleListSchedules(c echo.Context) error {
	entries := s.deps.Service.ListActiveSchedules()
	if entries == nil {
		entries = []schema.ScheduleEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleActivateSchedule(c echo.Context) error {
	entry, err := s.deps.Service.ActivateSchedule(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

// handleDeactivateSchedule stops a schedule. ?clear_queue=true also fails
// the workflow's running executions.
func (s *Server) handleDeactivateSchedule(c echo.Context) error {
	clearQueue := c.QueryParam("clear_queue") == "true"
	res, err := s.deps.Service.DeactivateSchedule(c.Request().Context(), c.Param("id"), clearQueue)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleStopAllSchedules(c echo.Context) error {
	n, err := s.deps.Service.DeactivateAllSchedules(c.Request().Context())
	body := map[string]any{"deactivated": n}
	if err != nil {
		body["error"] = err.Error()
		return c.JSON(http.StatusMultiStatus, body)
	}
	return c.JSON(http.StatusOK, body)
}

// inboundEmail is the body of POST /api/email/inbound.
type inboundEmail struct {
	To      string         `json:"to"`
	From    string         `json:"from"`
	Subject string         `json:"subject"`
	Text    string         `json:"text"`
	HTML    string         `json:"html"`
	Headers map[string]any `json:"headers,omitempty"`
}

func (s *Server) handleInboundEmail(c echo.Context) error {
	var msg inboundEmail
	if err := c.Bind(&msg); err != nil {
		return schema.NewError(schema.ErrCodeMalformedPayload, "body must be a JSON object").WithCause(err)
	}
	if strings.TrimSpace(msg.To) == "" {
		return schema.NewError(schema.ErrCodeValidation, "to is required")
	}
	message := map[string]any{
		"to":      msg.To,
		"from":    msg.From,
		"subject": msg.Subject,
		"text":    msg.Text,
		"html":    msg.HTML,
	}
	if msg.Headers != nil {
		message["headers"] = msg.Headers
	}
	recs, err := s.deps.Service.HandleInboundEmail(c.Request().Context(), msg.To, message)
	if recs == nil {
		recs = []*schema.ExecutionRecord{}
	}
	body := map[string]any{"executions": recs}
	if err != nil {
		body["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, body)
}

// handleSchedulerCallback receives signed deliveries from the external
// scheduler.
func (s *Server) handleSchedulerCallback(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return schema.NewError(schema.ErrCodeMalformedPayload, "read body").WithCause(err)
	}
	res, err := s.deps.Callback.Handle(c.Request().Context(), c.Request().Header.Get(webhook.SignatureHeader), raw, s.requestURL(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// requestURL rebuilds the URL the caller signed.
func (s *Server) requestURL(c echo.Context) string {
	uri := c.Request().URL.RequestURI()
	if s.deps.BaseURL != "" {
		return strings.TrimRight(s.deps.BaseURL, "/") + uri
	}
	scheme := c.Scheme()
	return scheme + "://" + c.Request().Host + uri
}
