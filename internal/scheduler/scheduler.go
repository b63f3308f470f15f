// Package scheduler sequences adapter runs behind a global single-flight
// guard, records each run in the sync log, and reports progress.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/livinlefevreloca/worldsync/internal/clock"
	"github.com/livinlefevreloca/worldsync/internal/db"
	"github.com/livinlefevreloca/worldsync/internal/metrics"
	"github.com/livinlefevreloca/worldsync/internal/progress"
)

// tokenSource names the adapter whose credential is persisted
const tokenSource = "acled"

// Scheduler runs adapters one at a time, on a timer or on demand
type Scheduler struct {
	store   Store
	factory RunnerFactory
	events  *progress.Broker
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger

	// Global single-flight guard shared by the timer and on-demand triggers
	running atomic.Bool
	wg      sync.WaitGroup

	cronMu   sync.Mutex
	cron     *cron.Cron
	entryID  cron.EntryID
	armed    bool
	interval time.Duration

	// intervalSource reports the interval currently configured outside the
	// process; consulted before every scheduled run
	intervalSource IntervalSource
}

// IntervalSource returns the configured sync interval. ok is false when no
// override is set.
type IntervalSource func(ctx context.Context) (interval time.Duration, ok bool, err error)

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the wall clock
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMetrics enables run metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithIntervalSource re-reads the sync interval before each scheduled run
// and re-arms the timer when it changed
func WithIntervalSource(src IntervalSource) Option {
	return func(s *Scheduler) { s.intervalSource = src }
}

// New creates a scheduler
func New(store Store, factory RunnerFactory, events *progress.Broker, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:   store,
		factory: factory,
		events:  events,
		clock:   clock.Real(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cron = cron.New(
		cron.WithLogger(cronLogger{logger: logger}),
		cron.WithChain(cron.Recover(cronLogger{logger: logger})),
	)

	return s
}

// SyncAll runs every adapter in registry order. It returns false without
// doing anything if a sync is already in progress.
func (s *Scheduler) SyncAll(ctx context.Context) bool {
	return s.guarded(ctx, Kinds())
}

// SyncOne runs a single adapter by name. Unknown names are rejected before
// the guard is checked.
func (s *Scheduler) SyncOne(ctx context.Context, name string) (bool, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return false, err
	}
	return s.guarded(ctx, []Kind{kind}), nil
}

// Running reports whether a sync is in progress
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) guarded(ctx context.Context, kinds []Kind) bool {
	if !s.acquire() {
		return false
	}
	s.runHeld(ctx, kinds)
	return true
}

// TriggerAll starts a full sync in the background. It returns false if a
// sync is already in progress.
func (s *Scheduler) TriggerAll(ctx context.Context) bool {
	return s.trigger(ctx, Kinds())
}

// TriggerOne starts a single adapter run in the background. Unknown names
// are rejected before the guard is checked.
func (s *Scheduler) TriggerOne(ctx context.Context, name string) (bool, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return false, err
	}
	return s.trigger(ctx, []Kind{kind}), nil
}

// trigger takes the guard synchronously so the caller learns whether the
// run was accepted, then runs without blocking
func (s *Scheduler) trigger(ctx context.Context, kinds []Kind) bool {
	if !s.acquire() {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHeld(ctx, kinds)
	}()
	return true
}

// Wait blocks until background runs started by TriggerAll or TriggerOne
// have finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) acquire() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("sync already in progress, ignoring trigger")
		return false
	}
	return true
}

// runHeld runs kinds in order and releases the guard
func (s *Scheduler) runHeld(ctx context.Context, kinds []Kind) {
	defer s.running.Store(false)

	if s.metrics != nil {
		s.metrics.SetInProgress(true)
		defer s.metrics.SetInProgress(false)
	}

	start := s.clock.Now()
	s.logger.Info("sync started", "adapters", len(kinds))

	for _, kind := range kinds {
		s.runAdapter(ctx, kind)
	}

	s.logger.Info("sync finished", "duration", s.clock.Now().Sub(start))
}

// runAdapter performs one adapter run. Failures are recorded and never
// propagate, so the remaining adapters still run.
func (s *Scheduler) runAdapter(ctx context.Context, kind Kind) {
	name := kind.String()
	logger := s.logger.With("adapter", name)

	// 1. Build the runner from current settings
	runner, err := s.factory.Runner(ctx, kind)
	if errors.Is(err, ErrAdapterDisabled) {
		logger.Info("adapter disabled, skipping", "reason", err)
		return
	}

	// Bookkeeping writes must land even if ctx is cancelled mid-run
	bookCtx := context.WithoutCancel(ctx)

	// 2. Open the log entry
	entry := &db.SyncLogEntry{Adapter: name, StartedAt: s.clock.Now()}
	if createErr := s.store.CreateSyncLog(bookCtx, entry); createErr != nil {
		logger.Error("failed to create sync log entry", "error", createErr)
		s.publish(progress.Event{Adapter: name, Status: progress.StatusError, ErrorMessage: createErr.Error()})
		return
	}
	logger = logger.With("run_id", entry.ID)

	s.publish(progress.Event{Adapter: name, Status: progress.StatusSyncing})
	logger.Info("adapter sync started")

	// 3. Run
	var result Result
	if err != nil {
		err = fmt.Errorf("failed to configure adapter: %w", err)
	} else {
		result, err = s.execute(ctx, runner, logger)
	}

	// 4. Persist the credential the run ended with
	if result.Token != nil {
		if saveErr := s.store.SaveToken(bookCtx, tokenSource, *result.Token); saveErr != nil {
			logger.Warn("failed to persist token", "error", saveErr)
		}
	}

	// 5. Finish the log entry exactly once
	completedAt := s.clock.Now()
	status := db.StatusCompleted
	var errMsg *string
	if err != nil {
		status = db.StatusError
		msg := err.Error()
		errMsg = &msg
	}

	if finishErr := s.store.FinishSyncLog(bookCtx, entry.ID, status, result.Fetched, result.Upserted, errMsg, completedAt); finishErr != nil {
		logger.Error("failed to finish sync log entry", "error", finishErr)
	}

	if s.metrics != nil {
		s.metrics.ObserveRun(name, status, result.Fetched, result.Upserted, result.Skipped, completedAt.Sub(entry.StartedAt))
	}

	// 6. Report
	if err != nil {
		logger.Error("adapter sync failed",
			"error", err,
			"fetched", result.Fetched,
			"upserted", result.Upserted)
		s.publish(progress.Event{
			Adapter:      name,
			Status:       progress.StatusError,
			RecordCount:  result.Upserted,
			ErrorMessage: err.Error(),
		})
		return
	}

	logger.Info("adapter sync completed",
		"fetched", result.Fetched,
		"upserted", result.Upserted,
		"skipped", result.Skipped,
		"dropped", result.Dropped,
		"duration", completedAt.Sub(entry.StartedAt))
	s.publish(progress.Event{
		Adapter:     name,
		Status:      progress.StatusIdle,
		LastSync:    &completedAt,
		RecordCount: result.Upserted,
	})
}

// execute runs the adapter, converting a panic into an error
func (s *Scheduler) execute(ctx context.Context, runner Runner, logger *slog.Logger) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("adapter panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("adapter panicked: %v", r)
		}
	}()

	return runner.Run(ctx)
}

func (s *Scheduler) publish(event progress.Event) {
	if s.events != nil {
		s.events.Publish(event)
	}
}

// Status returns the latest log entry for every adapter in registry order.
// Adapters that never ran have a nil Latest.
func (s *Scheduler) Status(ctx context.Context) ([]AdapterStatus, error) {
	latest, err := s.store.LatestSyncStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync status: %w", err)
	}

	byAdapter := make(map[string]db.SyncLogEntry, len(latest))
	for _, entry := range latest {
		byAdapter[entry.Adapter] = entry
	}

	statuses := make([]AdapterStatus, 0, len(kindNames))
	for _, kind := range Kinds() {
		status := AdapterStatus{Adapter: kind.String()}
		if entry, ok := byAdapter[status.Adapter]; ok {
			status.Latest = &entry
		}
		statuses = append(statuses, status)
	}

	return statuses, nil
}

// Start arms the recurring timer. Calling Start again replaces the
// previous interval. Scheduled runs use ctx.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %v", interval)
	}

	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if err := s.arm(ctx, interval); err != nil {
		return err
	}
	s.cron.Start()

	s.logger.Info("sync timer armed", "interval", interval)
	return nil
}

// arm replaces the timer entry. Callers hold cronMu.
func (s *Scheduler) arm(ctx context.Context, interval time.Duration) error {
	if s.armed {
		s.cron.Remove(s.entryID)
		s.armed = false
	}

	spec := "@every " + interval.String()
	entryID, err := s.cron.AddFunc(spec, func() { s.scheduledRun(ctx) })
	if err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}

	s.entryID = entryID
	s.armed = true
	s.interval = interval
	return nil
}

// scheduledRun is the timer job
func (s *Scheduler) scheduledRun(ctx context.Context) {
	s.refreshInterval(ctx)

	if !s.SyncAll(ctx) {
		s.logger.Info("scheduled sync skipped, previous sync still running")
	}
}

// refreshInterval re-arms the timer when the configured interval differs
// from the armed one. A stopped timer stays stopped.
func (s *Scheduler) refreshInterval(ctx context.Context) {
	if s.intervalSource == nil {
		return
	}

	interval, ok, err := s.intervalSource(ctx)
	if err != nil {
		s.logger.Warn("failed to read sync interval, keeping current timer", "error", err)
		return
	}
	if !ok || interval <= 0 {
		return
	}

	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	if !s.armed || interval == s.interval {
		return
	}

	previous := s.interval
	if err := s.arm(ctx, interval); err != nil {
		s.logger.Error("failed to re-arm sync timer", "interval", interval, "error", err)
		return
	}
	s.logger.Info("sync timer re-armed", "previous", previous, "interval", interval)
}

// Stop disarms the timer and waits for a scheduled run in progress to
// finish. On-demand runs are tracked by Wait.
func (s *Scheduler) Stop() {
	s.cronMu.Lock()
	if s.armed {
		s.cron.Remove(s.entryID)
		s.armed = false
	}
	done := s.cron.Stop()
	s.cronMu.Unlock()

	<-done.Done()
	s.logger.Info("sync timer stopped")
}

// Armed reports whether the timer is active
func (s *Scheduler) Armed() bool {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	return s.armed
}

// cronLogger routes robfig/cron logging to slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
