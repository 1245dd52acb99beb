// Command hookflow runs trigger-driven workflows: an HTTP server with cron
// or hosted schedules, an MCP tool server, and operator commands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/hookflow/internal/logging"
)

var cfgFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hookflow",
		Short:         "Trigger-driven workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to settings file (default ~/.hookflow/settings.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().String("db-path", "", "database path")

	root.AddCommand(
		newServeCommand(),
		newExecCommand(),
		newMCPCommand(),
		newRunCommand(),
		newImportCommand(),
		newSchedulesCommand(),
		newSecretsCommand(),
		newInitCommand(),
		newVersionCommand(),
	)
	return root
}

// setup loads configuration (binding the command's flags) and builds the
// logger. Logs go to stderr so stdout stays free for command output.
func setup(cmd *cobra.Command) (Config, *slog.Logger, error) {
	v := viper.New()
	_ = v.BindPFlag("log.level", cmd.Flags().Lookup("log-level"))
	_ = v.BindPFlag("db_path", cmd.Flags().Lookup("db-path"))
	if f := cmd.Flags().Lookup("listen-addr"); f != nil {
		_ = v.BindPFlag("listen_addr", f)
	}
	cfg, err := loadConfig(v, cfgFile)
	if err != nil {
		return Config{}, nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}
