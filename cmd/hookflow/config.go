package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/hookflow/internal/actions"
)

// Config holds all hookflow configuration.
// Priority: flags > env vars (HOOKFLOW_*) > settings.yaml > defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	DBPath     string `mapstructure:"db_path" yaml:"db_path"`
	PoolSize   int    `mapstructure:"pool_size" yaml:"pool_size"`
	RedisURL   string `mapstructure:"redis_url" yaml:"redis_url,omitempty"`

	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Guard     GuardConfig     `mapstructure:"guard" yaml:"guard"`
	Execution ExecutionConfig `mapstructure:"execution" yaml:"execution"`
	Actions   ActionsConfig   `mapstructure:"actions" yaml:"actions"`
	Providers ProvidersConfig `mapstructure:"providers" yaml:"providers"`
	Notify    NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Vault     VaultConfig     `mapstructure:"vault" yaml:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type SchedulerConfig struct {
	// Backend is cron (in-process timers) or external (hosted scheduler).
	Backend    string                  `mapstructure:"backend" yaml:"backend"`
	BootPolicy string                  `mapstructure:"boot_policy" yaml:"boot_policy"`
	External   ExternalSchedulerConfig `mapstructure:"external" yaml:"external,omitempty"`
}

type ExternalSchedulerConfig struct {
	URL               string `mapstructure:"url" yaml:"url,omitempty"`
	Token             string `mapstructure:"token" yaml:"-"`
	CurrentSigningKey string `mapstructure:"current_signing_key" yaml:"-"`
	NextSigningKey    string `mapstructure:"next_signing_key" yaml:"-"`
}

type GuardConfig struct {
	Window        time.Duration `mapstructure:"window" yaml:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	// Lock is none, memory or redis.
	Lock    string        `mapstructure:"lock" yaml:"lock"`
	LockTTL time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

type ExecutionConfig struct {
	// Mode is inprocess or isolated.
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

type ActionsConfig struct {
	HTTPMaxResponseBody int64                           `mapstructure:"http_max_response_body" yaml:"http_max_response_body,omitempty"`
	Databases           map[string]actions.DBConnection `mapstructure:"databases" yaml:"databases,omitempty"`
}

type ProvidersConfig struct {
	EmailEndpoint   string `mapstructure:"email_endpoint" yaml:"email_endpoint,omitempty"`
	TelegramBaseURL string `mapstructure:"telegram_base_url" yaml:"telegram_base_url,omitempty"`
	// Credentials are static fallbacks for vault-held provider keys.
	Credentials map[string]string `mapstructure:"credentials" yaml:"-"`
}

type NotifyConfig struct {
	NATSURL        string   `mapstructure:"nats_url" yaml:"nats_url,omitempty"`
	NATSSubject    string   `mapstructure:"nats_subject" yaml:"nats_subject,omitempty"`
	TelegramChatID string   `mapstructure:"telegram_chat_id" yaml:"telegram_chat_id,omitempty"`
	EmailTo        []string `mapstructure:"email_to" yaml:"email_to,omitempty"`
}

type VaultConfig struct {
	Passphrase string `mapstructure:"passphrase"`
}

func hookflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hookflow"
	}
	return filepath.Join(home, ".hookflow")
}

func settingsPath() string {
	return filepath.Join(hookflowDir(), "settings.yaml")
}

func saltPath() string {
	return filepath.Join(hookflowDir(), "vault.salt")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("base_url", "")
	v.SetDefault("db_path", filepath.Join(hookflowDir(), "hookflow.db"))
	v.SetDefault("pool_size", 10)
	v.SetDefault("redis_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("scheduler.backend", "cron")
	v.SetDefault("scheduler.boot_policy", "resume")
	v.SetDefault("scheduler.external.url", "")
	v.SetDefault("scheduler.external.token", "")
	v.SetDefault("scheduler.external.current_signing_key", "")
	v.SetDefault("scheduler.external.next_signing_key", "")
	v.SetDefault("guard.window", 30*time.Second)
	v.SetDefault("guard.sweep_interval", 10*time.Second)
	v.SetDefault("guard.stale_after", time.Hour)
	v.SetDefault("guard.lock", "none")
	v.SetDefault("guard.lock_ttl", 10*time.Minute)
	v.SetDefault("execution.mode", "inprocess")
	v.SetDefault("execution.timeout", 5*time.Minute)
	v.SetDefault("execution.action_timeout", 30*time.Second)
	v.SetDefault("actions.http_max_response_body", 0)
	v.SetDefault("providers.email_endpoint", "")
	v.SetDefault("providers.telegram_base_url", "")
	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.nats_subject", "")
	v.SetDefault("notify.telegram_chat_id", "")
	v.SetDefault("notify.email_to", []string{})
	v.SetDefault("vault.passphrase", "")
}

// loadConfig layers defaults, the settings file and the environment.
// A missing settings file is not an error; an explicit path must exist.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("HOOKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if _, err := os.Stat(settingsPath()); err == nil {
			path = settingsPath()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Scheduler.Backend {
	case "cron", "external":
	default:
		return fmt.Errorf("scheduler.backend must be cron or external, got %q", c.Scheduler.Backend)
	}
	switch c.Guard.Lock {
	case "", "none", "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("guard.lock=redis requires redis_url")
		}
	default:
		return fmt.Errorf("guard.lock must be none, memory or redis, got %q", c.Guard.Lock)
	}
	switch c.Execution.Mode {
	case "inprocess", "isolated":
	default:
		return fmt.Errorf("execution.mode must be inprocess or isolated, got %q", c.Execution.Mode)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}
	return nil
}

// callbackURL is the public URL the hosted scheduler delivers to.
func (c Config) callbackURL() string {
	return c.BaseURL + "/api/scheduler/callback"
}
