package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateActionConfig(t *testing.T) {
	v := newJSV(t)

	tests := []struct {
		name   string
		typ    schema.ActionType
		config map[string]any
		valid  bool
	}{
		{"http minimal", schema.ActionHTTP, map[string]any{"url": "https://example.com"}, true},
		{"http bad method", schema.ActionHTTP, map[string]any{"url": "https://example.com", "method": "FETCH"}, false},
		{"http bad timeout", schema.ActionHTTP, map[string]any{"url": "https://example.com", "timeout": "soon"}, false},
		{"http unknown key", schema.ActionHTTP, map[string]any{"url": "https://example.com", "retries": 3}, false},
		{"email single recipient", schema.ActionEmail, map[string]any{"to": "a@b.c", "subject": "hi", "text": "body"}, true},
		{"email list recipients", schema.ActionEmail, map[string]any{"to": []any{"a@b.c", "d@e.f"}, "subject": "hi", "html": "<p>x</p>"}, true},
		{"email without body", schema.ActionEmail, map[string]any{"to": "a@b.c", "subject": "hi"}, false},
		{"telegram", schema.ActionTelegram, map[string]any{"chat_id": 12345, "text": "hello"}, true},
		{"telegram empty text", schema.ActionTelegram, map[string]any{"text": ""}, false},
		{"database insert", schema.ActionDatabase, map[string]any{"operation": "insert", "table": "orders", "data": map[string]any{"id": 1}}, true},
		{"database insert empty data", schema.ActionDatabase, map[string]any{"operation": "insert", "table": "orders", "data": map[string]any{}}, false},
		{"database update without where", schema.ActionDatabase, map[string]any{"operation": "update", "table": "orders", "data": map[string]any{"x": 1}}, false},
		{"database delete empty where", schema.ActionDatabase, map[string]any{"operation": "delete", "table": "orders", "where": map[string]any{}}, false},
		{"database select", schema.ActionDatabase, map[string]any{"operation": "select", "table": "public.orders", "limit": 10}, true},
		{"database injected table", schema.ActionDatabase, map[string]any{"operation": "select", "table": "orders; drop table x"}, false},
		{"database missing table", schema.ActionDatabase, map[string]any{"operation": "select"}, false},
		{"transform", schema.ActionTransform, map[string]any{"expression": "1 + 1", "output_key": "two"}, true},
		{"transform bad language", schema.ActionTransform, map[string]any{"expression": "1", "output_key": "x", "language": "js"}, false},
		{"unknown type", schema.ActionType("ftp"), map[string]any{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateActionConfig(tt.typ, tt.config)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration), err.Error())
		})
	}
}

func TestValidateActionConfig_ReportsMissingProperty(t *testing.T) {
	v := newJSV(t)

	result := v.actionConfig(schema.ActionHTTP, map[string]any{})
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "/", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "url")
}

func TestValidateDefinition_Structural(t *testing.T) {
	v := newJSV(t)

	assert.NoError(t, v.ValidateDefinition(hourlyPing()))

	def := hourlyPing()
	def.Trigger.Type = "sms"
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	def = hourlyPing()
	def.Actions[0].Type = "shell"
	assert.Error(t, v.ValidateDefinition(def))
}
