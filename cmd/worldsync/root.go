package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/worldsync/internal/config"
	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/ingest"
	"github.com/livinlefevreloca/worldsync/internal/logging"
	"github.com/livinlefevreloca/worldsync/internal/metrics"
	"github.com/livinlefevreloca/worldsync/internal/progress"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
	"github.com/livinlefevreloca/worldsync/internal/sources"
)

// app carries state shared by every subcommand
type app struct {
	configPath string

	cfg      *config.Config
	logger   *slog.Logger
	logClose io.Closer
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "worldsync",
		Short:         "Synchronize public geopolitical datasets into a local store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logClose != nil {
				a.logClose.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to configuration file (TOML)")

	root.AddCommand(
		newServeCommand(a),
		newSyncCommand(a),
		newStatusCommand(a),
		newLogsCommand(a),
		newSettingsCommand(a),
		newMigrateCommand(a),
	)

	return root
}

// load reads env files and configuration, then builds the logger
func (a *app) load() error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	a.logClose = closer
	return nil
}

// openStore connects and migrates unless migrations are skipped
func (a *app) openStore() (*db.DB, error) {
	a.logger.Debug("connecting to database", "driver", a.cfg.Database.Driver, "dsn", a.cfg.Database.DSN)

	store, err := db.OpenWithConfig(a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if a.cfg.Database.SkipMigrations {
		a.logger.Info("skipping migrations", "reason", "configured to skip")
		return store, nil
	}

	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// engine bundles the wired sync components
type engine struct {
	store     *db.DB
	scheduler *scheduler.Scheduler
	events    *progress.Broker
	metrics   *metrics.Metrics
}

func (a *app) newEngine() (*engine, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}

	m := metrics.New(prometheus.NewRegistry())
	events := progress.NewBroker(a.cfg.Scheduler.ProgressMailbox, a.logger)

	factory := sources.NewFactory(a.cfg.Sources, store, a.logger,
		sources.WithEngineHooks(ingest.Hooks{
			OnRetry:    m.RetryHook,
			OnCooldown: m.CooldownHook,
		}))

	sched := scheduler.New(store, factory, events, a.logger,
		scheduler.WithMetrics(m),
		scheduler.WithIntervalSource(store.SyncInterval))

	return &engine{store: store, scheduler: sched, events: events, metrics: m}, nil
}

func (e *engine) Close() error {
	e.scheduler.Stop()
	return e.store.Close()
}

// syncInterval prefers the runtime setting over the configured interval
func (a *app) syncInterval(ctx context.Context, store *db.DB) (time.Duration, error) {
	interval, ok, err := store.SyncInterval(ctx)
	if err != nil {
		a.logger.Warn("ignoring invalid stored sync interval", "error", err)
		return a.cfg.Scheduler.Interval, nil
	}
	if !ok {
		return a.cfg.Scheduler.Interval, nil
	}
	return interval, nil
}
