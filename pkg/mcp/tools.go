package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hookflow/pkg/schema"
)

// handleRun runs a workflow. A failed run is reported as a tool error that
// still carries the record.
func (s *HookflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", map[string]any{})
	if req.GetBool("watch", false) {
		s.captureSession(ctx, workflowID)
	}

	rec, runErr := s.service.RunWorkflow(ctx, workflowID, payload)
	if rec == nil && runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}
	result, err := marshalResult(rec)
	if err != nil {
		return nil, err
	}
	if runErr != nil {
		result.IsError = true
	}
	return result, nil
}

// handleExecutions returns one execution or a list.
func (s *HookflowServer) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("execution_id", ""); id != "" {
		rec, err := s.service.GetExecution(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
		}
		return marshalResult(rec)
	}

	recs, err := s.service.ListExecutions(ctx, req.GetString("workflow_id", ""), req.GetInt("limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list executions failed: %v", err)), nil
	}
	if recs == nil {
		recs = []*schema.ExecutionRecord{}
	}
	return marshalResult(map[string]any{"executions": recs, "count": len(recs)})
}

// handleSchedules dispatches on the operation argument.
func (s *HookflowServer) handleSchedules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}

	switch op {
	case "list":
		entries := s.service.ListActiveSchedules()
		if entries == nil {
			entries = []schema.ScheduleEntry{}
		}
		return marshalResult(map[string]any{"schedules": entries, "count": len(entries)})

	case "activate":
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError("workflow_id is required"), nil
		}
		entry, err := s.service.ActivateSchedule(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("activate failed: %v", err)), nil
		}
		return marshalResult(entry)

	case "deactivate":
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError("workflow_id is required"), nil
		}
		res, err := s.service.DeactivateSchedule(ctx, workflowID, req.GetBool("clear_queue", false))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("deactivate failed: %v", err)), nil
		}
		return marshalResult(res)

	case "deactivate_all":
		n, err := s.service.DeactivateAllSchedules(ctx)
		out := map[string]any{"deactivated": n}
		if err != nil {
			out["error"] = err.Error()
		}
		return marshalResult(out)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown operation %q", op)), nil
	}
}

// captureSession subscribes the calling session to failures of workflowID.
func (s *HookflowServer) captureSession(ctx context.Context, workflowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(workflowID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
