package expressions

import "encoding/json"

// NewScope builds the interpolation scope for one action of a run. The
// payload is shared, not copied: actions of a run never overlap.
func NewScope(workflowID, workflowName, executionID string, payload map[string]any) *InterpolationScope {
	return &InterpolationScope{
		Payload: payload,
		Workflow: map[string]any{
			"id":           workflowID,
			"name":         workflowName,
			"execution_id": executionID,
		},
	}
}

// Snapshot deep-copies a payload. The runner freezes the trigger payload and
// the final result with it; transforms evaluate against a copy so an engine
// cannot mutate the live payload.
func Snapshot(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	return cloneValue(payload).(map[string]any)
}

// cloneValue copies the container shapes actions produce: decoded JSON,
// database rows and header maps. Scalars are returned as is.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, row := range val {
			out[i] = cloneValue(row).(map[string]any)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case json.RawMessage:
		return append(json.RawMessage(nil), val...)
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}
