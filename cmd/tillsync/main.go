// TillSync keeps a point-of-sale terminal's local SQLite copy of the shop
// database in step with Cloud Firestore. Sales keep working offline; local
// mutations wait in a durable outbox until Firestore confirms them.
//
// Usage:
//
//	tillsync setup                            # interactive first-run wizard
//	tillsync daemon [--config <path>]         # run the sync engine until signalled
//	tillsync sync-once [--config <path>]      # single push/pull pass then exit
//	tillsync status [--json]                  # show sync, outbox and service state
//	tillsync enqueue <op> <collection> [id]   # record a local mutation
//	tillsync read <collection>                # print the local copy as JSON lines
//	tillsync outbox list|requeue|discard      # inspect and repair the outbox
//	tillsync reset                            # wipe local data and the outbox
//	tillsync uninstall [--purge]              # stop the service and remove files
//	tillsync version                          # print version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/tillsync/internal/config"
	"github.com/njoerd114/tillsync/internal/firestore"
	"github.com/njoerd114/tillsync/internal/model"
	"github.com/njoerd114/tillsync/internal/netmon"
	"github.com/njoerd114/tillsync/internal/outbox"
	"github.com/njoerd114/tillsync/internal/state"
	"github.com/njoerd114/tillsync/internal/status"
	syncp "github.com/njoerd114/tillsync/internal/sync"
	"github.com/njoerd114/tillsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// emulatorEnv is honoured when the config names no emulator host.
const emulatorEnv = "FIRESTORE_EMULATOR_HOST"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		if isUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	defaultCfg, _ := config.DefaultPath()

	cmd := &cobra.Command{
		Use:           "tillsync",
		Short:         "TillSync - offline-first sync between a till and Firestore",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", defaultCfg, "path to config.yaml")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newSetupCommand(opts),
		newDaemonCommand(opts),
		newSyncOnceCommand(opts),
		newStatusCommand(opts),
		newEnqueueCommand(opts),
		newReadCommand(opts),
		newOutboxCommand(opts),
		newResetCommand(opts),
		newUninstallCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newDaemonCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync engine until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runDaemon(ctx, opts)
		},
	}
}

func newSyncOnceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single sync pass then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.bootstrap.Run(ctx); err != nil {
				return fmt.Errorf("first-run hydration: %w", err)
			}
			return a.syncNow(ctx)
		},
	}
}

// runDaemon hydrates an empty store, then keeps the engine and the
// connectivity monitor running until ctx is cancelled.
func runDaemon(ctx context.Context, opts *rootOptions) error {
	a, err := openApp(ctx, opts, true)
	if err != nil {
		return err
	}
	defer a.Close()

	// Hydration needs the network; an offline first start retries once the
	// monitor reports connectivity.
	hydrated := make(chan struct{})
	go a.hydrate(ctx, hydrated)

	unsubscribe := a.store.Subscribe(func(c model.Change) {
		a.log.Debug("local change", "kind", c.Kind, "collection", c.Collection, "count", len(c.IDs))
	})
	defer unsubscribe()

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- a.monitor.Run(ctx) }()

	select {
	case <-hydrated:
	case <-ctx.Done():
		a.log.Info("shutdown before first-run hydration completed")
		return nil
	}

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("starting sync engine: %w", err)
	}
	a.log.Info("daemon started", "sync_interval", a.cfg.SyncInterval, "collections", len(a.cfg.Collections))

	<-ctx.Done()
	a.engine.Stop()
	if err := <-monitorDone; err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("connectivity monitor", "error", err)
	}
	a.log.Info("shutdown complete")
	return nil
}

// app bundles the components every command works with.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *state.Store
	client    *firestore.Client
	monitor   *netmon.Monitor
	status    *status.Store
	engine    *syncp.Engine
	bootstrap *syncp.Bootstrap

	closers []func()
}

// openApp loads the config and wires the local store, Firestore client,
// connectivity monitor and sync engine. Telemetry is only set up for the
// long-running commands.
func openApp(ctx context.Context, opts *rootOptions, withTelemetry bool) (*app, error) {
	logger := newLogger(opts.Verbose)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", opts.ConfigPath, err)
	}
	logger.Debug("config loaded",
		"project", cfg.ProjectID,
		"database", cfg.Database,
		"sync_interval", cfg.SyncInterval,
		"collections", len(cfg.Collections),
	)

	a := &app{cfg: cfg, log: logger}

	// --- Telemetry (optional) ------------------------------------------------

	if withTelemetry && cfg.Telemetry != nil {
		host, _ := os.Hostname()
		shutdownTel, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			InstanceID:     host,
			ProjectID:      cfg.ProjectID,
			Headers:        cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- Local store ---------------------------------------------------------

	dbPath, err := resolveDBPath(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	store, err := state.Open(dbPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	})
	logger.Debug("state DB opened", "path", dbPath)

	// --- Firestore -----------------------------------------------------------

	client, err := newFirestoreClient(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = client
	a.closers = append(a.closers, func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Debug("closing Firestore client", "error", closeErr)
		}
	})

	// --- Sync engine ---------------------------------------------------------

	collections := make([]syncp.Collection, len(cfg.Collections))
	for i, c := range cfg.Collections {
		collections[i] = syncp.Collection{Name: c.Name, Pull: syncp.PullMode(c.Pull)}
	}

	queue := outbox.New(store, cfg.MaxAttempts, logger)
	a.monitor = netmon.New(client, cfg.ProbeInterval, cfg.ProbeThreshold, logger)
	a.status = status.New(status.DefaultMaxErrors)

	reconciler := syncp.NewReconciler(store, client, queue, syncp.ReconcilerOptions{
		Collections:       collections,
		BatchSize:         cfg.BatchSize,
		OpTimeout:         cfg.OpTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, logger)
	a.engine = syncp.NewEngine(reconciler, store, queue, a.status, a.monitor, cfg.SyncInterval, logger)
	a.bootstrap = syncp.NewBootstrap(store, client, collections, logger, os.Stdout)

	return a, nil
}

// Close releases everything openApp acquired, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// goOnline probes Firestore until the monitor's verdict settles. It returns
// false when the database stayed unreachable.
func (a *app) goOnline(ctx context.Context) bool {
	for range a.cfg.ProbeThreshold {
		if !a.monitor.Probe(ctx) {
			return false
		}
	}
	return a.monitor.Online()
}

// syncNow runs one pass, probing connectivity first. Offline it only
// reports the pending count.
func (a *app) syncNow(ctx context.Context) error {
	if !a.goOnline(ctx) {
		a.log.Warn("firestore unreachable, local changes stay queued")
	}
	stats, err := a.engine.ForceSync(ctx)
	a.log.Info("sync complete",
		"pushed", stats.Pushed,
		"rejected", stats.Rejected,
		"dead_lettered", stats.DeadLettered,
		"pulled", stats.Pulled,
		"deleted", stats.Deleted,
		"protected", stats.Protected,
		"pending", a.engine.Status().PendingCount,
	)
	return err
}

// hydrate runs first-run hydration, retrying on transient failures, and
// closes done once the local store holds data.
func (a *app) hydrate(ctx context.Context, done chan<- struct{}) {
	backoff := a.cfg.ProbeInterval
	for {
		_, err := a.bootstrap.Run(ctx)
		if err == nil {
			close(done)
			return
		}
		a.log.Warn("first-run hydration failed, retrying", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func newFirestoreClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*firestore.Client, error) {
	emulator := cfg.EmulatorHost
	if emulator == "" {
		emulator = os.Getenv(emulatorEnv)
	}
	client, err := firestore.NewClient(ctx, firestore.Config{
		ProjectID:       cfg.ProjectID,
		Database:        cfg.Database,
		CredentialsFile: cfg.CredentialsFile,
		EmulatorHost:    emulator,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialising Firestore client: %w", err)
	}
	return client, nil
}

func resolveDBPath(cfg *config.Config) (string, error) {
	if cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	dbPath, err := state.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving state DB path: %w", err)
	}
	return dbPath, nil
}
