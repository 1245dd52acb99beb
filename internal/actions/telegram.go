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

// OutputKeyTelegram is where the telegram action stores the sent message.
const OutputKeyTelegram = "telegramResult"

// Credential names read by the telegram action.
const (
	CredentialTelegramToken  = "TELEGRAM_BOT_TOKEN"
	CredentialTelegramChatID = "TELEGRAM_CHAT_ID"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramConfig configures the telegram action.
type TelegramConfig struct {
	Credentials *secrets.Credentials
	BaseURL     string
	Client      *http.Client
}

// TelegramAction posts a chat message through the Bot API.
type TelegramAction struct {
	creds   *secrets.Credentials
	baseURL string
	client  *http.Client
}

// NewTelegramAction creates the telegram action.
func NewTelegramAction(cfg TelegramConfig) *TelegramAction {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelegramBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultActionTimeout}
	}
	return &TelegramAction{
		creds:   cfg.Credentials,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.Client,
	}
}

func (a *TelegramAction) Type() schema.ActionType         { return schema.ActionTelegram }
func (a *TelegramAction) OutputKey(map[string]any) string { return OutputKeyTelegram }
func (a *TelegramAction) Description() string {
	return "Send a chat message; requires the TELEGRAM_BOT_TOKEN credential."
}

type telegramResponse struct {
	OK          bool           `json:"ok"`
	Result      map[string]any `json:"result"`
	Description string         `json:"description"`
	ErrorCode   int            `json:"error_code"`
}

func (a *TelegramAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	token, err := a.creds.Require(ctx, CredentialTelegramToken, "telegram")
	if err != nil {
		return nil, err
	}

	params := input.Config
	chatID := scalarString(params["chat_id"])
	if chatID == "" {
		id, ok, err := a.creds.Lookup(ctx, CredentialTelegramChatID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, schema.ConfigurationError("telegram provider is not configured: no chat_id and missing credential %s", CredentialTelegramChatID)
		}
		chatID = id
	}

	body := map[string]any{
		"chat_id": chatID,
		"text":    stringParam(params, "text", ""),
	}
	if mode := stringParam(params, "parse_mode", ""); mode != "" {
		body["parse_mode"] = mode
	}
	if boolParam(params, "disable_notification", false) {
		body["disable_notification"] = true
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", a.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// The token is part of the URL; never echo it back.
		return nil, fmt.Errorf("send telegram message: %s", strings.ReplaceAll(err.Error(), token, "<redacted>"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read telegram response: %w", err)
	}
	var tr telegramResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("telegram: unexpected response (%s)", resp.Status)
	}
	if !tr.OK {
		if tr.Description != "" {
			return nil, fmt.Errorf("telegram: %s", tr.Description)
		}
		return nil, fmt.Errorf("telegram: request failed (%s)", resp.Status)
	}
	return map[string]any{
		"ok":         true,
		"message_id": tr.Result["message_id"],
		"chat_id":    chatID,
		"result":     tr.Result,
	}, nil
}
