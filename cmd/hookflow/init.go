package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type initOptions struct {
	listenAddr string
	baseURL    string
	backend    string
	lock       string
	redisURL   string
	mode       string
	force      bool
}

func newInitCommand() *cobra.Command {
	var opts initOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with defaults",
		Long: `Writes ~/.hookflow/settings.yaml (or --config) with every setting at its
default, overridden by the given flags. Secrets such as the vault passphrase
and signing keys are never written; pass them through HOOKFLOW_* variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := cfgFile
			if path == "" {
				path = settingsPath()
			}
			if _, err := os.Stat(path); err == nil && !opts.force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg, err := initialConfig(opts)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			enc := yaml.NewEncoder(&buf)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode settings: %w", err)
			}
			if err := enc.Close(); err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
			}
			if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
				return fmt.Errorf("write settings: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.listenAddr, "listen-addr", "", "HTTP listen address")
	f.StringVar(&opts.baseURL, "base-url", "", "public base URL used for scheduler callbacks")
	f.StringVar(&opts.backend, "scheduler", "", "scheduler backend: cron or external")
	f.StringVar(&opts.lock, "lock", "", "run lock: none, memory or redis")
	f.StringVar(&opts.redisURL, "redis-url", "", "redis URL for the redis run lock")
	f.StringVar(&opts.mode, "execution-mode", "", "execution mode: inprocess or isolated")
	f.BoolVar(&opts.force, "force", false, "overwrite an existing settings file")
	return cmd
}

// initialConfig is the default configuration with opts applied. It is
// validated the same way a loaded file would be.
func initialConfig(opts initOptions) (Config, error) {
	v := viper.New()
	setDefaults(v)
	set := func(key, val string) {
		if val != "" {
			v.Set(key, val)
		}
	}
	set("listen_addr", opts.listenAddr)
	set("base_url", opts.baseURL)
	set("scheduler.backend", opts.backend)
	set("guard.lock", opts.lock)
	set("redis_url", opts.redisURL)
	set("execution.mode", opts.mode)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
