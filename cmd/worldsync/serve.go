package main

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/worldsync/internal/api"
	"github.com/livinlefevreloca/worldsync/internal/logging"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync timer with the HTTP API and metrics servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a.logger.Info("starting worldsync")

	e, err := a.newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	version, err := e.store.SchemaVersion()
	if err != nil {
		return err
	}
	a.logger.Info("database schema ready", "version", version)

	interval, err := a.syncInterval(ctx, e.store)
	if err != nil {
		return err
	}
	if err := e.scheduler.Start(ctx, interval); err != nil {
		return err
	}
	if a.cfg.Scheduler.RunOnStart {
		e.scheduler.TriggerAll(ctx)
	}

	if level, _ := logging.ParseLevel(a.cfg.Logging.Level); level > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	errCh := make(chan error, 2)
	servers := 0

	if a.cfg.HTTP.Enabled {
		servers++
		server := api.New(ctx, e.scheduler, e.store, e.events, a.logger)
		go func() {
			errCh <- api.Serve(ctx, a.cfg.HTTPAddr(), server.Handler(), a.cfg.HTTP.ShutdownTimeout, a.logger)
		}()
	}

	if a.cfg.Metrics.Enabled {
		servers++
		go func() {
			errCh <- api.Serve(ctx, a.cfg.MetricsAddr(), e.metrics.Handler(), a.cfg.HTTP.ShutdownTimeout, a.logger)
		}()
	}

	a.logger.Info("worldsync is running",
		"interval", interval,
		"http", a.cfg.HTTP.Enabled,
		"metrics", a.cfg.Metrics.Enabled)

	var firstErr error
	if servers == 0 {
		<-ctx.Done()
	}
	for i := 0; i < servers; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	a.logger.Info("shutting down gracefully")
	e.scheduler.Stop()
	e.scheduler.Wait()

	return firstErr
}
