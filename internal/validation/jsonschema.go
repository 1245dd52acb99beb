package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/hookflow/pkg/schema"
)

const schemaBaseURL = "https://hookflow.dev/schemas/"

const durationPattern = `^[0-9]+(ns|us|µs|ms|s|m|h)$`

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://hookflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "name", "trigger", "actions"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "is_active": { "type": "boolean" },
    "created_at": {},
    "updated_at": {},
    "trigger": { "$ref": "#/$defs/trigger" },
    "actions": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/action" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["webhook", "cron", "email"] },
        "cron": {
          "type": "object",
          "required": ["schedule"],
          "properties": {
            "schedule": { "type": "string", "minLength": 1 },
            "timezone": { "type": "string" }
          },
          "additionalProperties": false
        },
        "webhook": {
          "type": "object",
          "properties": { "secret": { "type": "string" } },
          "additionalProperties": false
        },
        "email": {
          "type": "object",
          "required": ["address"],
          "properties": { "address": { "type": "string", "format": "email" } },
          "additionalProperties": false
        }
      },
      "allOf": [
        { "if": { "properties": { "type": { "const": "cron" } } }, "then": { "required": ["cron"] } },
        { "if": { "properties": { "type": { "const": "email" } } }, "then": { "required": ["email"] } }
      ],
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "enum": ["http", "email", "telegram", "database", "transform"] },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    }
  }
}`

// actionSchemas holds one config schema per action type.
var actionSchemas = map[schema.ActionType]string{
	schema.ActionHTTP: `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"] },
    "headers": { "type": "object", "additionalProperties": { "type": "string" } },
    "query": { "type": "object", "additionalProperties": { "type": "string" } },
    "body": {},
    "body_encoding": { "type": "string", "enum": ["json", "form", "text", "raw"] },
    "auth": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["bearer", "basic", "api_key"] },
        "token": { "type": "string" },
        "username": { "type": "string" },
        "password": { "type": "string" },
        "header_name": { "type": "string" },
        "header_value": { "type": "string" }
      },
      "additionalProperties": false
    },
    "follow_redirects": { "type": "boolean" },
    "timeout": { "type": "string", "pattern": "` + durationPattern + `" }
  },
  "additionalProperties": false
}`,
	schema.ActionEmail: `{
  "type": "object",
  "required": ["to", "subject"],
  "properties": {
    "to": {
      "oneOf": [
        { "type": "string", "minLength": 1 },
        { "type": "array", "minItems": 1, "items": { "type": "string", "minLength": 1 } }
      ]
    },
    "cc": { "type": "array", "items": { "type": "string" } },
    "bcc": { "type": "array", "items": { "type": "string" } },
    "from": { "type": "string" },
    "reply_to": { "type": "string" },
    "subject": { "type": "string", "minLength": 1 },
    "text": { "type": "string" },
    "html": { "type": "string" },
    "timeout": { "type": "string", "pattern": "` + durationPattern + `" }
  },
  "anyOf": [ { "required": ["text"] }, { "required": ["html"] } ],
  "additionalProperties": false
}`,
	schema.ActionTelegram: `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "chat_id": { "type": ["string", "integer"] },
    "text": { "type": "string", "minLength": 1 },
    "parse_mode": { "type": "string", "enum": ["Markdown", "MarkdownV2", "HTML"] },
    "disable_notification": { "type": "boolean" },
    "timeout": { "type": "string", "pattern": "` + durationPattern + `" }
  },
  "additionalProperties": false
}`,
	schema.ActionDatabase: `{
  "type": "object",
  "required": ["operation", "table"],
  "properties": {
    "connection": { "type": "string" },
    "operation": { "type": "string", "enum": ["insert", "update", "delete", "select"] },
    "table": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*(\\.[A-Za-z_][A-Za-z0-9_]*)?$" },
    "data": { "type": "object" },
    "where": { "type": "object" },
    "columns": { "type": "array", "items": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" } },
    "limit": { "type": "integer", "minimum": 1 },
    "returning": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" },
    "timeout": { "type": "string", "pattern": "` + durationPattern + `" }
  },
  "allOf": [
    { "if": { "properties": { "operation": { "enum": ["insert", "update"] } } }, "then": { "required": ["data"], "properties": { "data": { "minProperties": 1 } } } },
    { "if": { "properties": { "operation": { "enum": ["update", "delete"] } } }, "then": { "required": ["where"], "properties": { "where": { "minProperties": 1 } } } }
  ],
  "additionalProperties": false
}`,
	schema.ActionTransform: `{
  "type": "object",
  "required": ["expression", "output_key"],
  "properties": {
    "expression": { "type": "string", "minLength": 1 },
    "language": { "type": "string", "enum": ["expr", "cel", "jq"] },
    "output_key": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`,
}

// JSONSchemaValidator validates definitions and action configs against
// pre-compiled JSON Schema Draft 2020-12 documents. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	actionSchemas  map[schema.ActionType]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema and every action config schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	wfSchema, err := compileSchema(c, schemaBaseURL+"workflow.json", workflowSchemaJSON)
	if err != nil {
		return nil, err
	}

	compiled := make(map[schema.ActionType]*jsonschema.Schema, len(actionSchemas))
	for typ, doc := range actionSchemas {
		s, err := compileSchema(c, schemaBaseURL+"actions/"+string(typ)+".json", doc)
		if err != nil {
			return nil, err
		}
		compiled[typ] = s
	}

	return &JSONSchemaValidator{workflowSchema: wfSchema, actionSchemas: compiled}, nil
}

func compileSchema(c *jsonschema.Compiler, url, doc string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return s, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return v.structural(def).ToError()
}

func (v *JSONSchemaValidator) structural(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize workflow definition: "+err.Error())
		return result
	}
	addViolations(result, "", schema.ErrCodeValidation, v.workflowSchema.Validate(doc))
	return result
}

// ValidateActionConfig validates one action config against its type's schema.
// Violations carry CONFIGURATION_ERROR.
func (v *JSONSchemaValidator) ValidateActionConfig(typ schema.ActionType, config map[string]any) error {
	return v.actionConfig(typ, config).ToError()
}

func (v *JSONSchemaValidator) actionConfig(typ schema.ActionType, config map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	s, ok := v.actionSchemas[typ]
	if !ok {
		result.AddError("/", schema.ErrCodeConfiguration, fmt.Sprintf("unknown action type %q", typ))
		return result
	}
	if config == nil {
		config = map[string]any{}
	}

	doc, err := toJSONValue(config)
	if err != nil {
		result.AddError("/", schema.ErrCodeConfiguration, "failed to serialize action config: "+err.Error())
		return result
	}
	addViolations(result, "", schema.ErrCodeConfiguration, s.Validate(doc))
	return result
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// addViolations walks a ValidationError tree and records each leaf with its
// instance location.
func addViolations(result *schema.ValidationResult, prefix, code string, err error) {
	if err == nil {
		return
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError(prefix+"/", code, err.Error())
		return
	}
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		result.AddError(prefix+loc, code, leafMessage(verr))
		return
	}
	for _, cause := range verr.Causes {
		addViolations(result, prefix, code, cause)
	}
}

// leafMessage returns the violation text without the "at '<location>': "
// preamble the library prepends to Error().
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := verr.Error()
	if strings.HasPrefix(msg, "at '") {
		if i := strings.Index(msg, "': "); i >= 0 {
			return msg[i+3:]
		}
	}
	return msg
}
