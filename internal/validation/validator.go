package validation

import "github.com/rendis/hookflow/pkg/schema"

// Validator checks workflow definitions and action configs before they are
// stored or executed. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateActionConfig(typ schema.ActionType, config map[string]any) error
}

// ActionLookup reports whether an action type has a registered provider.
type ActionLookup interface {
	Has(typ schema.ActionType) bool
}

// ScheduleCheck validates a cron trigger's schedule and timezone.
type ScheduleCheck func(schedule, timezone string) error
