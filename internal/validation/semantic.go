package validation

import (
	"fmt"

	"github.com/rendis/hookflow/pkg/schema"
)

// validateSemantic performs checks JSON Schema cannot express: unique action
// IDs, registered action providers, trigger/config agreement and a parseable
// cron schedule.
func validateSemantic(def *schema.WorkflowDefinition, lookup ActionLookup, checkSchedule ScheduleCheck) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(def.Actions))
	for i, a := range def.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		if prev, dup := seen[a.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate action id %q (also at actions[%d])", a.ID, prev))
		} else {
			seen[a.ID] = i
		}
		if lookup != nil && !lookup.Has(a.Type) {
			result.AddError(path+".type", schema.ErrCodeConfiguration,
				fmt.Sprintf("no provider registered for action type %q", a.Type))
		}
	}

	validateTrigger(def.Trigger, checkSchedule, result)
	return result
}

func validateTrigger(t schema.Trigger, checkSchedule ScheduleCheck, result *schema.ValidationResult) {
	switch t.Type {
	case schema.TriggerCron:
		if t.Cron == nil {
			result.AddError("trigger.cron", schema.ErrCodeInvalidSchedule, "cron trigger requires a schedule")
			return
		}
		if checkSchedule != nil {
			if err := checkSchedule(t.Cron.Schedule, t.Cron.Timezone); err != nil {
				result.AddError("trigger.cron.schedule", schema.ErrCodeInvalidSchedule, err.Error())
			}
		}
		if t.Cron.Timezone == "" {
			result.AddWarning("trigger.cron.timezone", schema.ErrCodeValidation, "no timezone set; schedule runs in UTC")
		}
	case schema.TriggerWebhook:
		if t.Webhook == nil || t.Webhook.Secret == "" {
			result.AddWarning("trigger.webhook.secret", schema.ErrCodeValidation,
				"webhook trigger has no secret; anyone who knows the URL can start a run")
		}
	}

	if t.Type != schema.TriggerCron && t.Cron != nil {
		result.AddWarning("trigger.cron", schema.ErrCodeValidation,
			fmt.Sprintf("cron config is ignored for %s triggers", t.Type))
	}
}
