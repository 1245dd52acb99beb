package actions

import (
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/secrets"
)

// BuiltinConfig wires the provider dependencies of the built-in actions.
type BuiltinConfig struct {
	HTTP            HTTPConfig
	Credentials     *secrets.Credentials
	EmailSender     EmailSender
	TelegramBaseURL string
	Databases       map[string]DBConnection
	Engines         *expressions.Engines
}

// Builtins holds the registered built-in actions that own resources.
type Builtins struct {
	Database *DatabaseAction
}

// Close releases resources held by built-in actions.
func (b *Builtins) Close() error {
	if b == nil || b.Database == nil {
		return nil
	}
	return b.Database.Close()
}

// RegisterBuiltins registers the five built-in action types.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) (*Builtins, error) {
	engines := cfg.Engines
	if engines == nil {
		var err error
		if engines, err = expressions.NewEngines(); err != nil {
			return nil, err
		}
	}
	db := NewDatabaseAction(cfg.Databases)
	all := []Action{
		NewHTTPAction(cfg.HTTP),
		NewEmailAction(EmailConfig{Credentials: cfg.Credentials, Sender: cfg.EmailSender}),
		NewTelegramAction(TelegramConfig{Credentials: cfg.Credentials, BaseURL: cfg.TelegramBaseURL}),
		db,
		NewTransformAction(engines),
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return &Builtins{Database: db}, nil
}
