package validation

import (
	"fmt"

	"github.com/rendis/hookflow/pkg/schema"
)

// WorkflowValidator orchestrates the validation pipeline:
// 1. Structural (JSON Schema on the definition)
// 2. Action configs (JSON Schema per action type)
// 3. Semantic (unique ids, registered providers, schedule parse)
type WorkflowValidator struct {
	jsonSchema    *JSONSchemaValidator
	actions       ActionLookup
	checkSchedule ScheduleCheck
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup and checkSchedule may be nil to skip those checks.
func NewWorkflowValidator(lookup ActionLookup, checkSchedule ScheduleCheck) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema:    jsv,
		actions:       lookup,
		checkSchedule: checkSchedule,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: later stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := wv.jsonSchema.structural(def)
	if !result.Valid() {
		return result
	}

	for i, a := range def.Actions {
		cfg, err := a.ConfigMap()
		if err != nil {
			result.AddError(fmt.Sprintf("actions[%d].config", i), schema.ErrCodeConfiguration, err.Error())
			continue
		}
		result.Nest(fmt.Sprintf("actions[%d].config", i), wv.jsonSchema.actionConfig(a.Type, cfg))
	}

	result.Merge(validateSemantic(def, wv.actions, wv.checkSchedule))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateActionConfig delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateActionConfig(typ schema.ActionType, config map[string]any) error {
	return wv.jsonSchema.ValidateActionConfig(typ, config)
}

var (
	_ Validator = (*WorkflowValidator)(nil)
	_ Validator = (*JSONSchemaValidator)(nil)
)
