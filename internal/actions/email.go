package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rendis/hookflow/internal/secrets"
	"github.com/rendis/hookflow/pkg/schema"
)

// OutputKeyEmail is where the email action stores the provider response.
const OutputKeyEmail = "emailResult"

// Credential names read by the email action.
const (
	CredentialEmailAPIKey = "EMAIL_API_KEY"
	CredentialEmailFrom   = "EMAIL_FROM"
)

const defaultEmailEndpoint = "https://api.resend.com/emails"

// testModeProviderMessage is the provider's sandbox rejection text.
const testModeProviderMessage = "can only send testing emails to your own email address"

// TestModeEmailMessage replaces the provider's sandbox rejection.
const TestModeEmailMessage = "email provider is in test mode: you can only send to the account owner's address; verify a sending domain to email other recipients"

// EmailMessage is a provider-neutral outbound message.
type EmailMessage struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html,omitempty"`
}

// EmailSender delivers a message and returns the provider's response.
type EmailSender interface {
	Send(ctx context.Context, apiKey string, msg EmailMessage) (map[string]any, error)
}

// EmailConfig configures the email action.
type EmailConfig struct {
	Credentials *secrets.Credentials
	Sender      EmailSender
}

// EmailAction sends an email through a REST provider.
type EmailAction struct {
	creds  *secrets.Credentials
	sender EmailSender
}

// NewEmailAction creates the email action. A nil Sender uses the REST provider
// at its default endpoint.
func NewEmailAction(cfg EmailConfig) *EmailAction {
	if cfg.Sender == nil {
		cfg.Sender = NewRESTEmailSender("", nil)
	}
	return &EmailAction{creds: cfg.Credentials, sender: cfg.Sender}
}

func (a *EmailAction) Type() schema.ActionType         { return schema.ActionEmail }
func (a *EmailAction) OutputKey(map[string]any) string { return OutputKeyEmail }
func (a *EmailAction) Description() string {
	return "Send an email; requires the EMAIL_API_KEY credential."
}

func (a *EmailAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	apiKey, err := a.creds.Require(ctx, CredentialEmailAPIKey, "email")
	if err != nil {
		return nil, err
	}

	params := input.Config
	msg := EmailMessage{
		From:    stringParam(params, "from", ""),
		To:      stringsParam(params, "to"),
		Cc:      stringsParam(params, "cc"),
		Bcc:     stringsParam(params, "bcc"),
		ReplyTo: stringParam(params, "reply_to", ""),
		Subject: stringParam(params, "subject", ""),
		Text:    stringParam(params, "text", ""),
		HTML:    stringParam(params, "html", ""),
	}
	if msg.From == "" {
		from, ok, err := a.creds.Lookup(ctx, CredentialEmailFrom)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, schema.ConfigurationError("email provider is not configured: no from address and missing credential %s", CredentialEmailFrom)
		}
		msg.From = from
	}
	if len(msg.To) == 0 {
		return nil, schema.ConfigurationError("email: at least one recipient is required")
	}

	resp, err := a.sender.Send(ctx, apiKey, msg)
	if err != nil {
		return nil, remapEmailError(err)
	}
	return resp, nil
}

// remapEmailError rewrites the sandbox rejection into actionable guidance.
// Every other provider error passes through unchanged.
func remapEmailError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), testModeProviderMessage) {
		return schema.NewError(schema.ErrCodeActionExecution, TestModeEmailMessage).WithCause(err)
	}
	return err
}

// RESTEmailSender talks to a Resend-compatible JSON API.
type RESTEmailSender struct {
	endpoint string
	client   *http.Client
}

// NewRESTEmailSender creates a sender. Empty endpoint and nil client use defaults.
func NewRESTEmailSender(endpoint string, client *http.Client) *RESTEmailSender {
	if endpoint == "" {
		endpoint = defaultEmailEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultActionTimeout}
	}
	return &RESTEmailSender{endpoint: endpoint, client: client}
}

func (s *RESTEmailSender) Send(ctx context.Context, apiKey string, msg EmailMessage) (map[string]any, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read email response: %w", err)
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 300 {
		if m, ok := out["message"].(string); ok && m != "" {
			return nil, fmt.Errorf("email provider: %s", m)
		}
		return nil, fmt.Errorf("email provider: %s", resp.Status)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
