// Package metrics holds the Prometheus instrumentation for derivwatch.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide instrument set. Each instance carries its own
// registry so tests can construct as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	CollectionPasses  *prometheus.CounterVec
	ObservationsSaved *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec

	BackfillObservations prometheus.Counter
	TrainingRuns         *prometheus.CounterVec
	LifecycleActions     *prometheus.CounterVec
	ActiveModelVersion   *prometheus.GaugeVec
	KillSwitchActive     prometheus.Gauge
}

// New builds the instrument set and registers it.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CollectionPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivwatch_collection_passes_total",
				Help: "Collection passes by result",
			},
			[]string{"result"},
		),
		ObservationsSaved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivwatch_observations_saved_total",
				Help: "Observations written by symbol",
			},
			[]string{"symbol"},
		),
		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivwatch_provider_errors_total",
				Help: "Provider call failures by provider and kind",
			},
			[]string{"provider", "kind"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "derivwatch_provider_latency_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"provider", "op"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivwatch_cache_hits_total",
				Help: "Hot cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivwatch_cache_misses_total",
				Help: "Hot cache misses by tier",
			},
			[]string{"tier"},
		),

		BackfillObservations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "derivwatch_backfill_observations_total",
				Help: "Observations written by backfill runs",
			},
		),
		TrainingRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivwatch_training_runs_total",
				Help: "Training runs by horizon and final state",
			},
			[]string{"horizon", "state"},
		),
		LifecycleActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "derivwatch_lifecycle_actions_total",
				Help: "Lifecycle actions by kind (promotion, rollback, skip)",
			},
			[]string{"kind"},
		),
		ActiveModelVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "derivwatch_active_model_version",
				Help: "Version of the active model per horizon",
			},
			[]string{"horizon"},
		),
		KillSwitchActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "derivwatch_kill_switch_active",
				Help: "1 while the kill switch is on",
			},
		),
	}

	m.registry.MustRegister(
		m.CollectionPasses,
		m.ObservationsSaved,
		m.ProviderErrors,
		m.ProviderLatency,
		m.CacheHits,
		m.CacheMisses,
		m.BackfillObservations,
		m.TrainingRuns,
		m.LifecycleActions,
		m.ActiveModelVersion,
		m.KillSwitchActive,
	)
	return m
}

// Handler serves this instrument set on /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}

// TimeProvider records latency for one provider call.
func (m *Metrics) TimeProvider(provider, op string, start time.Time) {
	m.ProviderLatency.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
}

var (
	defaultMu sync.RWMutex
	defaultM  *Metrics
)

// SetDefault installs the process-wide instrument set behind the package
// helpers. Components record through the helpers, which stay silent until a
// default is installed, so tests run without metrics plumbing.
func SetDefault(m *Metrics) {
	defaultMu.Lock()
	defaultM = m
	defaultMu.Unlock()
}

func get() *Metrics {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultM
}

// RecordProviderError counts one provider call failure.
func RecordProviderError(provider, kind string) {
	if m := get(); m != nil {
		m.ProviderErrors.WithLabelValues(provider, kind).Inc()
	}
}

// ObserveProviderLatency records the elapsed time of one provider call.
func ObserveProviderLatency(provider, op string, start time.Time) {
	if m := get(); m != nil {
		m.TimeProvider(provider, op, start)
	}
}

// RecordCacheHit counts one hot-cache hit for the tier.
func RecordCacheHit(tier string) {
	if m := get(); m != nil {
		m.CacheHits.WithLabelValues(tier).Inc()
	}
}

// RecordCacheMiss counts one hot-cache miss for the tier.
func RecordCacheMiss(tier string) {
	if m := get(); m != nil {
		m.CacheMisses.WithLabelValues(tier).Inc()
	}
}

// RecordTrainingRun counts one finished training run.
func RecordTrainingRun(horizon, state string) {
	if m := get(); m != nil {
		m.TrainingRuns.WithLabelValues(horizon, state).Inc()
	}
}

// RecordLifecycleAction counts one lifecycle action by kind.
func RecordLifecycleAction(kind string) {
	if m := get(); m != nil {
		m.LifecycleActions.WithLabelValues(kind).Inc()
	}
}
