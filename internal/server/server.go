// Package server exposes the service over HTTP with echo.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/hookflow/internal/service"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/internal/webhook"
	"github.com/rendis/hookflow/pkg/schema"
)

// SecretHeader carries the shared secret of a webhook trigger.
const SecretHeader = "X-Hookflow-Secret"

// Operations is the service surface the HTTP API needs.
type Operations interface {
	RunWorkflow(ctx context.Context, workflowID string, payload map[string]any) (*schema.ExecutionRecord, error)
	RunWebhook(ctx context.Context, workflowID, secret string, payload map[string]any) (*schema.ExecutionRecord, error)
	HandleInboundEmail(ctx context.Context, to string, message map[string]any) ([]*schema.ExecutionRecord, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*schema.ExecutionRecord, error)
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	ActivateSchedule(ctx context.Context, workflowID string) (*schema.ScheduleEntry, error)
	DeactivateSchedule(ctx context.Context, workflowID string, alsoClearQueue bool) (*service.DeactivateResult, error)
	ListActiveSchedules() []schema.ScheduleEntry
	DeactivateAllSchedules(ctx context.Context) (int, error)
}

// CallbackHandler handles external scheduler deliveries.
type CallbackHandler interface {
	Handle(ctx context.Context, signature string, rawBody []byte, requestURL string) (*webhook.Result, error)
}

// Deps holds the dependencies for the server. Callback, Events, Metrics
// and MCP are optional; their routes are not mounted when nil.
type Deps struct {
	Service  Operations
	Callback CallbackHandler
	Events   streaming.EventHub
	Metrics  http.Handler
	// MCP serves the MCP SSE transport under /mcp.
	MCP http.Handler
	// BaseURL is the public origin of the server. Signed deliveries are
	// verified against BaseURL plus the request path.
	BaseURL string
	Logger  *slog.Logger
}

// Server serves the hookflow HTTP API.
type Server struct {
	deps Deps
	echo *echo.Echo
	http *http.Server
}

// New creates a Server with all routes mounted.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Logger)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			deps.Logger.LogAttrs(c.Request().Context(), slog.LevelDebug, "http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	s := &Server{deps: deps, echo: e}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.handleHealth)

	api := e.Group("/api")
	api.POST("/workflows/:id/run", s.handleRunWorkflow)
	api.GET("/executions", s.handleListExecutions)
	api.GET("/executions/:id", s.handleGetExecution)
	if s.deps.Events != nil {
		api.GET("/executions/:id/stream", s.handleStreamExecution)
	}
	api.GET("/schedules", s.handleListSchedules)
	api.POST("/schedules/:id/activate", s.handleActivateSchedule)
	api.POST("/schedules/:id/deactivate", s.handleDeactivateSchedule)
	api.POST("/schedules/stop-all", s.handleStopAllSchedules)
	api.POST("/email/inbound", s.handleInboundEmail)
	if s.deps.Callback != nil {
		api.POST("/scheduler/callback", s.handleSchedulerCallback)
	}

	e.POST("/hooks/:id", s.handleHook)

	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}
	if s.deps.MCP != nil {
		e.Any("/mcp/*", echo.WrapHandler(s.deps.MCP))
	}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.deps.Logger.Info("http server listening", slog.String("addr", addr))
	if err := s.echo.StartServer(s.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
