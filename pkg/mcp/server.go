// Package mcp exposes hookflow to MCP clients over stdio or SSE.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hookflow/internal/service"
	"github.com/rendis/hookflow/pkg/schema"
)

// Operations is the service surface the tools call.
type Operations interface {
	RunWorkflow(ctx context.Context, workflowID string, payload map[string]any) (*schema.ExecutionRecord, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*schema.ExecutionRecord, error)
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
	ActivateSchedule(ctx context.Context, workflowID string) (*schema.ScheduleEntry, error)
	DeactivateSchedule(ctx context.Context, workflowID string, alsoClearQueue bool) (*service.DeactivateResult, error)
	ListActiveSchedules() []schema.ScheduleEntry
	DeactivateAllSchedules(ctx context.Context) (int, error)
}

// HookflowServerDeps holds the dependencies for creating a HookflowServer.
type HookflowServerDeps struct {
	Service  Operations
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// HookflowServer wraps an MCP server with hookflow tool handlers.
type HookflowServer struct {
	service   Operations
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewHookflowServer creates a HookflowServer with all tools registered.
func NewHookflowServer(deps HookflowServerDeps) *HookflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &HookflowServer{
		service:  deps.Service,
		sessions: sessions,
		logger:   logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"hookflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Hookflow runs workflows: a trigger plus an ordered chain of actions. Use hookflow.run to run a workflow now, hookflow.executions to inspect runs and their logs, and hookflow.schedules to list, activate or deactivate cron schedules."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *HookflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler serves the MCP SSE transport under /mcp.
func (s *HookflowServer) SSEHandler(baseURL string) http.Handler {
	return server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(baseURL),
		server.WithStaticBasePath("/mcp"),
	)
}

// MCPServer returns the underlying MCPServer for custom transports.
func (s *HookflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the watch registry used for failure pushes.
func (s *HookflowServer) Sessions() *SessionRegistry { return s.sessions }

func (s *HookflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: executionsTool(), Handler: s.handleExecutions},
		{Tool: schedulesTool(), Handler: s.handleSchedules},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("hookflow.run",
		mcp.WithDescription("Run a workflow now and return its execution record"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("payload", mcp.Description("Initial payload visible to the first action")),
		mcp.WithBoolean("watch", mcp.Description("Receive a notification when a later run of this workflow fails")),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("hookflow.executions",
		mcp.WithDescription("Get one execution by id, or list executions newest first"),
		mcp.WithString("execution_id", mcp.Description("Return this execution with its logs")),
		mcp.WithString("workflow_id", mcp.Description("Only list executions of this workflow")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions to list (default 100)")),
	)
}

func schedulesTool() mcp.Tool {
	return mcp.NewTool("hookflow.schedules",
		mcp.WithDescription("List, activate or deactivate cron schedules"),
		mcp.WithString("operation", mcp.Required(),
			mcp.Enum("list", "activate", "deactivate", "deactivate_all"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("workflow_id", mcp.Description("Target workflow (activate and deactivate)")),
		mcp.WithBoolean("clear_queue", mcp.Description("On deactivate, also stop the workflow's running executions")),
	)
}
