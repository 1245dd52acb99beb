package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition pairs one trigger with an ordered action chain.
// The order of Actions is the execution order.
type WorkflowDefinition struct {
	ID        string           `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	Trigger   Trigger          `json:"trigger" yaml:"trigger"`
	Actions   []WorkflowAction `json:"actions" yaml:"actions"`
	IsActive  bool             `json:"is_active" yaml:"is_active"`
	CreatedAt time.Time        `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt time.Time        `json:"updated_at,omitempty" yaml:"-"`
}

// TriggerType enumerates the event sources that can start a run.
type TriggerType string

const (
	TriggerWebhook TriggerType = "webhook"
	TriggerCron    TriggerType = "cron"
	TriggerEmail   TriggerType = "email"
)

// Trigger is a tagged union keyed by Type. Only the config matching Type is read.
type Trigger struct {
	Type    TriggerType    `json:"type" yaml:"type"`
	Cron    *CronConfig    `json:"cron,omitempty" yaml:"cron,omitempty"`
	Webhook *WebhookConfig `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Email   *EmailTrigger  `json:"email,omitempty" yaml:"email,omitempty"`
}

// CronConfig is the config of a cron trigger.
type CronConfig struct {
	Schedule string `json:"schedule" yaml:"schedule"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// WebhookConfig is the config of a webhook trigger.
type WebhookConfig struct {
	Secret string `json:"secret,omitempty" yaml:"secret,omitempty"`
}

// EmailTrigger is the config of an inbound-email trigger.
type EmailTrigger struct {
	Address string `json:"address" yaml:"address"`
}

// IsCron reports whether the workflow is driven by a cron schedule.
func (d *WorkflowDefinition) IsCron() bool {
	return d.Trigger.Type == TriggerCron && d.Trigger.Cron != nil
}

// ActionType enumerates the closed set of action kinds.
type ActionType string

const (
	ActionHTTP      ActionType = "http"
	ActionEmail     ActionType = "email"
	ActionTelegram  ActionType = "telegram"
	ActionDatabase  ActionType = "database"
	ActionTransform ActionType = "transform"
)

// WorkflowAction is one step of the chain. Config must match Type.
type WorkflowAction struct {
	ID     string          `json:"id" yaml:"id"`
	Type   ActionType      `json:"type" yaml:"type"`
	Config json.RawMessage `json:"config,omitempty" yaml:"-"`
}

// ConfigMap decodes the raw config into a generic map.
func (a WorkflowAction) ConfigMap() (map[string]any, error) {
	if len(a.Config) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(a.Config, &m); err != nil {
		return nil, ConfigurationError("action %q: config is not a JSON object", a.ID).WithCause(err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// UnmarshalYAML lets definition files carry config as a nested YAML mapping.
func (a *WorkflowAction) UnmarshalYAML(unmarshal func(any) error) error {
	var raw struct {
		ID     string         `yaml:"id"`
		Type   ActionType     `yaml:"type"`
		Config map[string]any `yaml:"config"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	a.ID = raw.ID
	a.Type = raw.Type
	if raw.Config != nil {
		b, err := json.Marshal(raw.Config)
		if err != nil {
			return err
		}
		a.Config = b
	}
	return nil
}
