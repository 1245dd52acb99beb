package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/guard"
	"github.com/rendis/hookflow/internal/isolation"
	"github.com/rendis/hookflow/internal/locks"
	"github.com/rendis/hookflow/internal/metrics"
	"github.com/rendis/hookflow/internal/notify"
	"github.com/rendis/hookflow/internal/scheduler"
	"github.com/rendis/hookflow/internal/secrets"
	"github.com/rendis/hookflow/internal/service"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/internal/validation"
	"github.com/rendis/hookflow/internal/webhook"
	"github.com/rendis/hookflow/pkg/mcp"
	"github.com/rendis/hookflow/pkg/schema"
)

// appMode selects how much of the engine is wired.
type appMode int

const (
	// modeServer wires everything including schedules and the sweep.
	modeServer appMode = iota
	// modeChild wires only what an isolated run needs.
	modeChild
	// modeAdmin wires the store, vault and service without timers.
	modeAdmin
)

// app owns every long-lived component of one hookflow process.
type app struct {
	cfg    Config
	logger *slog.Logger
	// startedAt separates this process's runs from ones a previous process
	// left running.
	startedAt time.Time

	store     *store.LibSQLStore
	vault     *secrets.AESVault
	registry  *actions.Registry
	builtins  *actions.Builtins
	validator *validation.WorkflowValidator
	chain     *engine.ChainRunner
	runner    engine.Runner
	hub       *streaming.MemoryHub
	prom      *metrics.Prom
	rec       metrics.Recorder

	guard      *guard.Guard
	pool       *engine.WorkerPool
	backend    scheduler.Backend
	schedules  *scheduler.Registry
	dispatcher *scheduler.Dispatcher
	service    *service.Service
	callback   *webhook.Handler
	sessions   *mcp.SessionRegistry
	mcpNotify  atomic.Pointer[mcp.MCPNotifier]

	closers []func() error
}

// newApp wires the components for mode. On error everything opened so far
// is closed.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger, mode appMode) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, startedAt: time.Now().UTC(), rec: metrics.Noop{}, sessions: mcp.NewSessionRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openVault(); err != nil {
		return nil, err
	}
	if mode == modeServer {
		a.prom = metrics.NewProm(prometheus.NewRegistry())
		a.rec = a.prom
	}
	a.hub = streaming.NewMemoryHub()

	if err := a.buildActions(); err != nil {
		return nil, err
	}
	notifier, err := a.buildNotifier(mode)
	if err != nil {
		return nil, err
	}

	executor := actions.NewExecutor(a.registry, actions.ExecutorConfig{
		Validator:      a.validator,
		Interpolator:   expressions.NewInterpolator(a.secretVault()),
		DefaultTimeout: cfg.Execution.ActionTimeout,
		Logger:         logger,
	})
	a.chain = engine.NewChainRunner(engine.RunnerConfig{
		Definitions:   a.store,
		Executions:    a.store,
		Actions:       executor,
		Notifier:      notifier,
		NotifyTimeout: cfg.Execution.ActionTimeout,
		Events:        a.hub,
		Metrics:       a.rec,
		Logger:        logger,
	})
	a.runner = a.chain
	if mode == modeChild {
		return a, nil
	}

	if cfg.Execution.Mode == "isolated" {
		a.runner = engine.NewIsolatedRunner(engine.IsolatedRunnerConfig{
			Definitions:   a.store,
			Executions:    a.store,
			Isolator:      isolation.NewIsolator(),
			Command:       a.childCommand,
			Timeout:       cfg.Execution.Timeout,
			Notifier:      notifier,
			NotifyTimeout: cfg.Execution.ActionTimeout,
			Logger:        logger,
		})
	}

	lock, err := a.buildLock(ctx)
	if err != nil {
		return nil, err
	}
	a.guard = guard.New(a.store, guard.Config{
		Window:        cfg.Guard.Window,
		SweepInterval: cfg.Guard.SweepInterval,
		StaleAfter:    cfg.Guard.StaleAfter,
		Lock:          lock,
		LockTTL:       cfg.Guard.LockTTL,
		Events:        a.hub,
		Metrics:       a.rec,
		Logger:        logger,
	})
	a.pool = engine.NewWorkerPool(cfg.PoolSize, logger)
	a.dispatcher = scheduler.NewDispatcher(scheduler.DispatcherConfig{
		Definitions: a.store,
		Guard:       a.guard,
		Runner:      a.runner,
		Pool:        a.pool,
		Metrics:     a.rec,
		Logger:      logger,
	})
	if err := a.buildBackend(ctx, mode); err != nil {
		return nil, err
	}
	a.schedules = scheduler.NewRegistry(a.backend, a.dispatcher.Fire, scheduler.RegistryConfig{Metrics: a.rec, Logger: logger})

	if mode == modeServer && cfg.Scheduler.External.CurrentSigningKey != "" {
		verifier, err := webhook.NewVerifier(cfg.Scheduler.External.CurrentSigningKey, cfg.Scheduler.External.NextSigningKey)
		if err != nil {
			return nil, err
		}
		a.callback = webhook.NewHandler(verifier, a.dispatcher, a.rec, logger)
	} else if mode == modeServer && cfg.Scheduler.Backend == "external" {
		return nil, fmt.Errorf("scheduler.backend=external requires scheduler.external.current_signing_key")
	}

	a.service = service.New(service.Config{
		Store:     a.store,
		Runner:    a.runner,
		Guard:     a.guard,
		Registry:  a.schedules,
		Validator: a.validator,
		Events:    a.hub,
		Logger:    logger,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore("file:" + a.cfg.DBPath)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// openVault enables encrypted credentials when a passphrase is configured.
func (a *app) openVault() error {
	if a.cfg.Vault.Passphrase == "" {
		a.logger.Debug("vault disabled: no passphrase configured")
		return nil
	}
	salt, err := secrets.LoadOrCreateSalt(saltPath())
	if err != nil {
		return err
	}
	v, err := secrets.NewAESVault(a.store, secrets.VaultConfig{Passphrase: a.cfg.Vault.Passphrase, Salt: salt})
	if err != nil {
		return err
	}
	a.vault = v
	return nil
}

// secretVault returns the vault as the interface consumers take, keeping a
// nil vault a nil interface.
func (a *app) secretVault() secrets.Vault {
	if a.vault == nil {
		return nil
	}
	return a.vault
}

func (a *app) buildActions() error {
	engines, err := expressions.NewEngines()
	if err != nil {
		return err
	}
	creds := secrets.NewCredentials(a.secretVault(), a.cfg.Providers.Credentials)
	a.registry = actions.NewRegistry()
	a.builtins, err = actions.RegisterBuiltins(a.registry, actions.BuiltinConfig{
		HTTP:            actions.HTTPConfig{MaxResponseBody: a.cfg.Actions.HTTPMaxResponseBody},
		Credentials:     creds,
		EmailSender:     actions.NewRESTEmailSender(a.cfg.Providers.EmailEndpoint, nil),
		TelegramBaseURL: a.cfg.Providers.TelegramBaseURL,
		Databases:       a.cfg.Actions.Databases,
		Engines:         engines,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.builtins.Close)
	a.validator, err = validation.NewWorkflowValidator(a.registry, scheduler.CheckSchedule)
	return err
}

// buildNotifier assembles the failure channels. The child process leaves
// notification to its parent.
func (a *app) buildNotifier(mode appMode) (engine.FailureNotifier, error) {
	if mode == modeChild {
		return nil, nil
	}
	multi := notify.Multi{notify.NewLog(a.logger)}
	if url := a.cfg.Notify.NATSURL; url != "" {
		n, err := notify.DialNATS(url, a.cfg.Notify.NATSSubject, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { n.Close(); return nil })
		multi = append(multi, n)
	}
	if chatID := a.cfg.Notify.TelegramChatID; chatID != "" {
		tg, err := a.registry.Get(schema.ActionTelegram)
		if err != nil {
			return nil, err
		}
		multi = append(multi, notify.NewTelegram(tg, chatID))
	}
	if to := a.cfg.Notify.EmailTo; len(to) > 0 {
		em, err := a.registry.Get(schema.ActionEmail)
		if err != nil {
			return nil, err
		}
		multi = append(multi, notify.NewEmail(em, to))
	}
	multi = append(multi, mcpNotifier{a})
	return multi, nil
}

func (a *app) buildLock(ctx context.Context) (locks.RunLock, error) {
	switch a.cfg.Guard.Lock {
	case "memory":
		return locks.NewMemoryLock(), nil
	case "redis":
		l, err := locks.NewRedisLockFromURL(a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, l.Close)
		if err := l.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		return l, nil
	}
	return nil, nil
}

// buildBackend picks the schedule backend. Admin commands use the external
// backend when configured so they act on the same remote schedules.
func (a *app) buildBackend(ctx context.Context, mode appMode) error {
	if a.cfg.Scheduler.Backend == "external" {
		b, err := scheduler.NewExternalBackend(scheduler.ExternalConfig{
			BaseURL:     a.cfg.Scheduler.External.URL,
			Token:       a.cfg.Scheduler.External.Token,
			CallbackURL: a.cfg.callbackURL(),
			Logger:      a.logger,
		})
		if err != nil {
			return err
		}
		a.backend = b
		return nil
	}
	b := scheduler.NewCronBackend(ctx, a.logger)
	a.closers = append(a.closers, func() error { b.Close(); return nil })
	a.backend = b
	return nil
}

// childCommand re-executes this binary as an isolated run.
func (a *app) childCommand(ctx context.Context) *exec.Cmd {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	args := []string{"exec"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	cmd := exec.CommandContext(ctx, self, args...)
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	return cmd
}

// bootstrap applies the boot policy to stored cron workflows.
func (a *app) bootstrap(ctx context.Context) error {
	policy, err := scheduler.ParseBootPolicy(a.cfg.Scheduler.BootPolicy)
	if err != nil {
		return err
	}
	b := &scheduler.Bootstrap{
		Definitions: a.store,
		Registry:    a.schedules,
		Policy:      policy,
		Guard:       a.guard,
		StartedAt:   a.startedAt,
		Logger:      a.logger,
	}
	report, err := b.Run(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("schedules bootstrapped",
		slog.String("policy", string(report.Policy)),
		slog.Int("registered", len(report.Registered)),
		slog.Int("deactivated", len(report.Deactivated)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("reconciled", len(report.Reconciled)),
		slog.Int("interrupted", report.Interrupted),
	)
	return nil
}

// newMCPServer builds the MCP tool server and binds failure pushes to it.
func (a *app) newMCPServer() *mcp.HookflowServer {
	srv := mcp.NewHookflowServer(mcp.HookflowServerDeps{
		Service:  a.service,
		Sessions: a.sessions,
		Logger:   a.logger,
	})
	a.mcpNotify.Store(mcp.NewMCPNotifier(srv.MCPServer(), a.sessions))
	return srv
}

// mcpNotifier forwards to the MCP notifier once an MCP server exists.
type mcpNotifier struct{ a *app }

func (n mcpNotifier) Notify(ctx context.Context, workflowID string, runErr error, rec *schema.ExecutionRecord) error {
	m := n.a.mcpNotify.Load()
	if m == nil {
		return nil
	}
	return m.Notify(ctx, workflowID, runErr, rec)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	if a.guard != nil {
		errs = append(errs, a.guard.Close())
	}
	if a.pool != nil {
		a.pool.Shutdown()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
