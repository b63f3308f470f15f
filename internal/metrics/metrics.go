// Package metrics provides Prometheus collectors for sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// MetricsNamespace is the namespace for all metrics.
	MetricsNamespace = "worldsync"

	// MetricsSubsystem is the subsystem for sync metrics.
	MetricsSubsystem = "sync"
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RecordsFetched  *prometheus.CounterVec
	RecordsUpserted *prometheus.CounterVec
	RecordsSkipped  *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	InProgress      prometheus.Gauge

	PageRetries   *prometheus.CounterVec
	PageCooldowns *prometheus.CounterVec

	registry prometheus.Gatherer
}

// New creates and registers all metrics on reg. A nil reg uses a fresh
// registry, so tests never collide on the global one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.initRunMetrics(factory)
	m.initPageMetrics(factory)

	return m
}

func (m *Metrics) initRunMetrics(factory promauto.Factory) {
	m.RunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "runs_total",
			Help:      "Total number of adapter runs by terminal status",
		},
		[]string{"adapter", "status"},
	)

	m.RecordsFetched = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "records_fetched_total",
			Help:      "Raw records received from sources",
		},
		[]string{"adapter"},
	)

	m.RecordsUpserted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "records_upserted_total",
			Help:      "Records written to the store",
		},
		[]string{"adapter"},
	)

	m.RecordsSkipped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "records_skipped_total",
			Help:      "Records rejected by the store",
		},
		[]string{"adapter"},
	)

	m.RunDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "duration_seconds",
			Help:      "Duration of adapter runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
		},
		[]string{"adapter"},
	)

	m.InProgress = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "in_progress",
			Help:      "1 while a sync is running",
		},
	)
}

func (m *Metrics) initPageMetrics(factory promauto.Factory) {
	m.PageRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "page_retries_total",
			Help:      "Page requests retried after a transient failure",
		},
		[]string{"adapter"},
	)

	m.PageCooldowns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "page_cooldowns_total",
			Help:      "Overload cooldowns taken before a page request",
		},
		[]string{"adapter"},
	)
}

// ObserveRun records the outcome of one adapter run
func (m *Metrics) ObserveRun(adapter, status string, fetched, upserted, skipped int, duration time.Duration) {
	m.RunsTotal.WithLabelValues(adapter, status).Inc()
	m.RecordsFetched.WithLabelValues(adapter).Add(float64(fetched))
	m.RecordsUpserted.WithLabelValues(adapter).Add(float64(upserted))
	m.RecordsSkipped.WithLabelValues(adapter).Add(float64(skipped))
	m.RunDuration.WithLabelValues(adapter).Observe(duration.Seconds())
}

// SetInProgress flips the in-progress gauge
func (m *Metrics) SetInProgress(running bool) {
	if running {
		m.InProgress.Set(1)
		return
	}
	m.InProgress.Set(0)
}

// RetryHook counts page retries; it matches ingest.Hooks.OnRetry
func (m *Metrics) RetryHook(adapter string, _ int, _ error) {
	m.PageRetries.WithLabelValues(adapter).Inc()
}

// CooldownHook counts overload cooldowns; it matches ingest.Hooks.OnCooldown
func (m *Metrics) CooldownHook(adapter string, _ time.Duration) {
	m.PageCooldowns.WithLabelValues(adapter).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
