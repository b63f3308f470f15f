// Package api exposes sync control, status, settings and progress events
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/progress"
	"github.com/livinlefevreloca/worldsync/internal/scheduler"
)

// Log list bounds
const (
	DefaultLogLimit = 100
	MaxLogLimit     = 1000
)

// DefaultHeartbeatInterval spaces keep-alive comments on the event stream
const DefaultHeartbeatInterval = 15 * time.Second

// Syncer is the scheduler surface the API drives
type Syncer interface {
	TriggerAll(ctx context.Context) bool
	TriggerOne(ctx context.Context, name string) (bool, error)
	Running() bool
	Armed() bool
	Status(ctx context.Context) ([]scheduler.AdapterStatus, error)
	Start(ctx context.Context, interval time.Duration) error
}

// Store is the persistence the API reads and writes
type Store interface {
	ListSyncLogs(ctx context.Context, limit int) ([]db.SyncLogEntry, error)
	ClearSyncLogs(ctx context.Context) (int64, error)
	GetSettings(ctx context.Context) (map[string]string, error)
	SetSettings(ctx context.Context, values map[string]string) error
}

// Server holds the router and its dependencies
type Server struct {
	syncer Syncer
	store  Store
	events *progress.Broker
	logger *slog.Logger
	router *gin.Engine

	// base outlives individual requests; background syncs and the
	// re-armed timer run under it
	base      context.Context
	heartbeat time.Duration
}

// Option configures a Server
type Option func(*Server)

// WithHeartbeat overrides the event stream keep-alive interval
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// New builds the router. base is the context background work runs under.
func New(base context.Context, syncer Syncer, store Store, events *progress.Broker, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		syncer:    syncer,
		store:     store,
		events:    events,
		logger:    logger,
		base:      base,
		heartbeat: DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(recoveryMiddleware(logger))
	router.Use(loggerMiddleware(logger))

	router.GET("/health", s.health)

	v1 := router.Group("/api/v1")
	v1.POST("/sync", s.syncAll)
	v1.POST("/sync/:adapter", s.syncOne)
	v1.GET("/status", s.status)
	v1.GET("/logs", s.listLogs)
	v1.DELETE("/logs", s.clearLogs)
	v1.GET("/settings", s.getSettings)
	v1.PUT("/settings", s.putSettings)
	v1.GET("/events", s.streamEvents)

	s.router = router
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs handler on addr until ctx is cancelled, then shuts down within
// shutdownTimeout
func Serve(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("http server shutting down", "address", addr)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", addr, err)
	}
	return <-errCh
}

// loggerMiddleware logs one line per request
func loggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if query != "" {
			attrs = append(attrs, "query", query)
		}

		if len(c.Errors) > 0 {
			messages := make([]string, len(c.Errors))
			for i, err := range c.Errors {
				messages[i] = err.Err.Error()
			}
			attrs = append(attrs, "errors", messages)
			logger.Error("http request with errors", attrs...)
			return
		}

		if strings.HasPrefix(path, "/health") {
			logger.Debug("http request", attrs...)
			return
		}
		logger.Info("http request", attrs...)
	}
}

// recoveryMiddleware turns handler panics into a 500
func recoveryMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		logger.Error("panic in http handler",
			"path", c.Request.URL.Path,
			"panic", fmt.Sprint(recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	})
}
