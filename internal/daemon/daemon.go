// Package daemon wires the p42r agent together and owns its lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/harun/p42r/internal/config"
	"github.com/harun/p42r/internal/logger"
	"github.com/harun/p42r/internal/observability"
	"github.com/harun/p42r/internal/telegram"
	"github.com/harun/p42r/internal/tracing"
	"github.com/harun/p42r/pkg/action"
	"github.com/harun/p42r/pkg/cron"
	"github.com/harun/p42r/pkg/dispatcher"
	"github.com/harun/p42r/pkg/gateway"
	"github.com/harun/p42r/pkg/handlers"
	"github.com/harun/p42r/pkg/hooks"
	"github.com/harun/p42r/pkg/journal"
	"github.com/harun/p42r/pkg/outbox"
	"github.com/harun/p42r/pkg/pairing"
	"github.com/harun/p42r/pkg/platform"
	"github.com/harun/p42r/pkg/session"
	"github.com/harun/p42r/pkg/supervisor"
	"github.com/rs/zerolog"
)

// Daemon represents the p42r agent service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store      *pairing.Store
	watcher    *pairing.Watcher
	sessions   *session.Registry
	actions    *action.Registry
	supervisor *supervisor.Supervisor
	outbox     *outbox.Outbox
	journal    *journal.Journal
	hooks      *hooks.Manager
	adapters   *platform.Registry
	engine     *dispatcher.Engine

	// Services
	telegramBot   *telegram.Bot
	gatewayServer *gateway.Server
	scheduler     *cron.Scheduler

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running    bool
	Uptime     time.Duration
	StartTime  time.Time
	Adapters   []string
	Executions int
	Sessions   int
	Processes  int
}

var newTelegramBot = func(cfg config.TelegramConfig, log zerolog.Logger) (*telegram.Bot, error) {
	return telegram.New(cfg, log)
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("p42r", cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// abort releases what a failed New already opened.
func (d *Daemon) abort() {
	d.cancel()
	if d.journal != nil {
		_ = d.journal.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	log := d.logger.Zerolog()

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile, cfg.Secrets()...); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		log.Info().Str("path", cfg.Logging.AuditFile).Msg("Audit logger initialized")
	}

	store, err := pairing.NewStore(pairing.Options{
		Dir:                cfg.Pairing.Dir,
		MaxPending:         cfg.Pairing.MaxPending,
		PendingTTL:         cfg.Pairing.PendingTTL,
		BootstrapAllowlist: cfg.Pairing.BootstrapAllowlist,
	})
	if err != nil {
		return fmt.Errorf("failed to open pairing store: %w", err)
	}
	d.store = store
	log.Info().Str("dir", store.Dir()).Int("allowlisted", len(store.ListAllowlist())).Msg("Pairing store initialized")

	hookList := make([]hooks.Hook, 0, len(cfg.Hooks.Hooks))
	for _, h := range cfg.Hooks.Hooks {
		hookList = append(hookList, hooks.Hook{ID: h.ID, Event: h.Event, Script: h.Script, Timeout: h.Timeout, Enabled: h.Enabled})
	}
	hookManager, err := hooks.NewManager(hooks.Config{
		Enabled: cfg.Hooks.Enabled,
		Hooks:   hookList,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("invalid hooks: %w", err)
	}
	d.hooks = hookManager

	policy, err := session.ParseRatePolicy(cfg.RateLimitPolicy)
	if err != nil {
		return err
	}
	d.sessions = session.NewRegistry(session.Config{
		MaxConcurrent:   cfg.Engine.MaxConcurrentPerIdentity,
		RateLimitMax:    cfg.Engine.RateLimitMax,
		RateLimitWindow: cfg.Engine.RateLimitWindow,
		RatePolicy:      policy,
	}, store)
	d.sessions.OnRevoke(func(id platform.Identity) {
		d.hooks.Fire(hooks.EventIdentityRevoked, map[string]interface{}{"identity": id.String()})
	})

	if cfg.Pairing.Watch {
		watcher, err := pairing.NewWatcher(store, cfg.Pairing.WatchDebounce, d.sessions.Reconcile)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to create pairing watcher, CLI changes apply on restart")
		} else {
			d.watcher = watcher
		}
	}

	d.supervisor = supervisor.New(supervisor.Config{
		WorkDir:     cfg.Exec.WorkDir,
		AllowedDirs: cfg.Exec.AllowedDirs,
		DeniedDirs:  cfg.Exec.DeniedDirs,
		InheritEnv:  cfg.Exec.InheritEnv,
		Env:         cfg.Exec.Env,
	})

	d.actions = action.NewRegistry(dispatcher.ControlVerbs()...)
	handlerCfg, err := d.handlerConfig()
	if err != nil {
		return err
	}
	if err := handlers.Register(d.actions, handlerCfg); err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}
	d.actions.Freeze()
	log.Info().Int("handlers", len(d.actions.Specs())).Msg("Handlers registered")

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, d.logger.Component("journal"))
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		d.journal = j
		log.Info().Str("path", cfg.Journal.Path).Msg("Journal opened")
	}

	d.adapters = platform.NewRegistry()
	d.outbox = outbox.New(d.adapters, outbox.Config{
		MaxAttempts: cfg.Engine.DeliveryRetries,
		BaseBackoff: cfg.Engine.DeliveryBackoff,
	})

	admins, err := parseIdentities(cfg.Engine.Admins)
	if err != nil {
		return fmt.Errorf("invalid engine.admins: %w", err)
	}
	overflow, err := dispatcher.ParseOverflow(cfg.Engine.Overflow)
	if err != nil {
		return err
	}

	deps := dispatcher.Deps{
		Sessions:   d.sessions,
		Actions:    d.actions,
		Supervisor: d.supervisor,
		Outbox:     d.outbox,
		Adapters:   d.adapters,
		Pairing:    store,
		Logger:     log,
	}
	if d.journal != nil {
		deps.Journal = d.journal
	}
	if d.hooks.Has(hooks.EventPairingRequested) {
		deps.Pairing = &notifyingPairer{next: store, hooks: d.hooks}
	}
	if d.hooks.Has(hooks.EventExecutionFinished) {
		deps.Journal = &notifyingJournal{next: deps.Journal, hooks: d.hooks}
	}
	engine, err := dispatcher.New(dispatcher.Config{
		DefaultHandlerTimeout: cfg.Engine.DefaultHandlerTimeout,
		MaxHandlerTimeout:     cfg.Engine.MaxHandlerTimeout,
		OutboundChunkBytes:    cfg.Engine.OutboundChunkBytes,
		Overflow:              overflow,
		MaxQueueWait:          cfg.Engine.MaxQueueWait,
		TerminateGrace:        cfg.Engine.TerminateGrace,
		StreamFlushInterval:   cfg.Engine.StreamFlushInterval,
		StaleMessageSkew:      cfg.Engine.StaleMessageSkew,
		Admins:                admins,
	}, deps)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	d.engine = engine
	log.Info().Msg("Dispatcher initialized")

	return nil
}

func (d *Daemon) handlerConfig() (handlers.Config, error) {
	cfg := d.config
	entries := make([]handlers.AllowlistEntry, 0, len(cfg.Exec.Allowlist))
	for _, e := range cfg.Exec.Allowlist {
		entries = append(entries, handlers.AllowlistEntry{
			Command: e.Command,
			Args:    e.Args,
			Pattern: e.Pattern,
			Reason:  e.Reason,
		})
	}
	fromFile, err := handlers.LoadAllowlistFile(cfg.Exec.AllowlistFile)
	if err != nil {
		return handlers.Config{}, fmt.Errorf("failed to load exec allowlist: %w", err)
	}
	allowlist, err := handlers.NewAllowlist(append(entries, fromFile...))
	if err != nil {
		return handlers.Config{}, fmt.Errorf("invalid exec allowlist: %w", err)
	}

	return handlers.Config{
		Shell:            cfg.Exec.Shell,
		AllowlistEnabled: cfg.Exec.AllowlistEnabled,
		Allowlist:        allowlist,
		ExecTimeout:      cfg.Exec.Timeout,
		PSLimit:          cfg.PSLimit,
		CaptureDir:       cfg.Capture.Dir,
		CaptureTimeout:   cfg.Capture.Timeout,
		CaptureBackends:  cfg.Capture.Backends,
	}, nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config
	log := d.logger.Zerolog()

	if cfg.Telegram.Enabled {
		bot, err := newTelegramBot(cfg.Telegram, log)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		if err := d.adapters.Register(bot); err != nil {
			return err
		}
		d.telegramBot = bot
	}

	if cfg.Gateway.Enabled || cfg.Gateway.Serve {
		gwCfg := gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			WebSocket:    cfg.Gateway.Enabled,
			Metrics:      cfg.Metrics.Enabled,
			Executions:   d.engine,
			Sessions:     d.sessions,
			Logger:       log,
		}
		if d.journal != nil {
			gwCfg.History = d.journal
		}
		server, err := gateway.NewServer(gwCfg)
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
		if cfg.Gateway.Enabled {
			if err := d.adapters.Register(server); err != nil {
				return err
			}
		}
	}

	if len(d.adapters.Names()) == 0 {
		return errors.New("no platform adapter enabled")
	}

	d.scheduler = cron.New(cron.Options{OnEvent: d.logSchedulerEvent})
	if err := d.registerMaintenance(); err != nil {
		return fmt.Errorf("failed to register maintenance jobs: %w", err)
	}

	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting p42r daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start pairing watcher")
		} else {
			logger.Info().Msg("Pairing watcher started")
		}
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			_ = d.lifecycle.Stop()
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Msg("Gateway server started")
	}

	if d.telegramBot != nil {
		if err := d.telegramBot.SetCommands(telegram.BuildCommands(d.commandSummaries())); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish telegram commands")
		}
	}

	d.scheduler.Start()
	logger.Info().Int("jobs", len(d.scheduler.Jobs())).Msg("Maintenance scheduler started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.adapters.Run(d.ctx, d.engine.Sink)
	}()

	d.hooks.Fire(hooks.EventDaemonStart, map[string]interface{}{
		"pid":      os.Getpid(),
		"adapters": strings.Join(d.adapters.Names(), ","),
	})

	logger.Info().Strs("adapters", d.adapters.Names()).Msg("Daemon started successfully")
	return nil
}

// commandSummaries lists handler verbs and the control verbs for menus.
func (d *Daemon) commandSummaries() map[string]string {
	out := map[string]string{
		"help":   "Show available commands",
		"jobs":   "List running commands",
		"cancel": "Cancel a running command",
		"pair":   "Request access to this agent",
	}
	for _, spec := range d.actions.Specs() {
		out[spec.Verb] = spec.Summary
	}
	return out
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.Zerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping p42r daemon")

	// No new inbound messages from here on.
	d.cancel()

	grace := d.config.Engine.TerminateGrace
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*grace+10*time.Second)
	defer cancel()

	if err := d.engine.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Executions did not finish before shutdown deadline")
	}
	d.supervisor.Shutdown(grace)
	if err := d.outbox.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Int("lanes", d.outbox.Pending()).Msg("Outbound messages still pending at shutdown")
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	if err := d.scheduler.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop maintenance scheduler")
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop pairing watcher")
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close journal")
		}
	}

	d.hooks.Fire(hooks.EventDaemonStop, map[string]interface{}{"pid": os.Getpid()})
	if err := d.hooks.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Hooks still running at shutdown")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(tctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		tcancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:    d.running,
		Adapters:   d.adapters.Names(),
		Executions: len(d.engine.Active(platform.Identity{})),
		Sessions:   len(d.sessions.Snapshot()),
		Processes:  d.supervisor.Live(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetEngine returns the dispatcher engine
func (d *Daemon) GetEngine() *dispatcher.Engine {
	return d.engine
}

// GetGatewayServer returns the gateway server, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetScheduler returns the maintenance scheduler
func (d *Daemon) GetScheduler() *cron.Scheduler {
	return d.scheduler
}

func parseIdentities(raw []string) ([]platform.Identity, error) {
	out := make([]platform.Identity, 0, len(raw))
	for _, s := range raw {
		id, err := platform.ParseIdentity(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
