package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/server"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, schedules and the duplicate-run sweep",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("listen-addr", "", "TCP listen address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, logger, modeServer)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("shutdown", slog.String("error", cerr.Error()))
		}
	}()

	if err := a.bootstrap(ctx); err != nil {
		return err
	}
	if err := a.guard.Start(ctx); err != nil {
		return err
	}

	mcpSrv := a.newMCPServer()
	srv := server.New(server.Deps{
		Service:  a.service,
		Callback: callbackOrNil(a),
		Events:   a.hub,
		Metrics:  a.prom.Handler(),
		MCP:      mcpSrv.SSEHandler(cfg.BaseURL),
		BaseURL:  cfg.BaseURL,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.ListenAddr) }()
	logger.Info("hookflow started",
		slog.String("addr", cfg.ListenAddr),
		slog.String("base_url", cfg.BaseURL),
		slog.String("scheduler", a.backend.Name()),
		slog.String("execution_mode", cfg.Execution.Mode),
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	// In-process timers stop with the process; their registrations are
	// rebuilt at the next boot. Hosted schedules stay registered remotely.
	a.pool.Wait()
	return nil
}

// callbackOrNil keeps a nil handler a nil interface.
func callbackOrNil(a *app) server.CallbackHandler {
	if a.callback == nil {
		return nil
	}
	return a.callback
}
