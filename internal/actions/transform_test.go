package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/pkg/schema"
)

func newTransform(t *testing.T) *TransformAction {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	return NewTransformAction(engines)
}

func TestTransformAction_Languages(t *testing.T) {
	a := newTransform(t)
	payload := map[string]any{"order": map[string]any{"total": float64(40), "items": []any{"a", "b"}}}

	tests := []struct {
		lang, expr string
		want       any
	}{
		{"", "order.total * 2", float64(80)},
		{"expr", "len(order.items)", 2},
		{"cel", "payload.order.total > 30.0", true},
		{"jq", ".order.items | length", 2},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.expr, func(t *testing.T) {
			cfg := map[string]any{"expression": tt.expr, "output_key": "out"}
			if tt.lang != "" {
				cfg["language"] = tt.lang
			}
			out, err := a.Execute(context.Background(), ActionInput{Config: cfg, Payload: payload})
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, out)
		})
	}
}

func TestTransformAction_OutputKey(t *testing.T) {
	a := newTransform(t)
	assert.Equal(t, "summary", a.OutputKey(map[string]any{"output_key": "summary"}))
}

func TestTransformAction_UnknownLanguage(t *testing.T) {
	a := newTransform(t)
	_, err := a.Execute(context.Background(), ActionInput{
		Config: map[string]any{"expression": "1", "output_key": "x", "language": "javascript"},
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestTransformAction_DoesNotMutatePayload(t *testing.T) {
	a := newTransform(t)
	payload := map[string]any{"list": []any{float64(3), float64(1), float64(2)}}
	_, err := a.Execute(context.Background(), ActionInput{
		Config:  map[string]any{"expression": ".list | sort", "output_key": "sorted", "language": "jq"},
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(3), float64(1), float64(2)}, payload["list"])
}
