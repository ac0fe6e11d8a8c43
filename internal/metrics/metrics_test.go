package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Gather().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter != nil {
				return metric.Counter.GetValue()
			}
			if metric.Gauge != nil {
				return metric.Gauge.GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range metric.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestMetrics_CountersAndGauges(t *testing.T) {
	m := New()

	m.CollectionPasses.WithLabelValues("ok").Inc()
	m.CollectionPasses.WithLabelValues("ok").Inc()
	m.ObservationsSaved.WithLabelValues("BTCUSDT").Add(3)
	m.LifecycleActions.WithLabelValues("promotion").Inc()
	m.ActiveModelVersion.WithLabelValues("1D").Set(4)
	m.KillSwitchActive.Set(1)

	assert.Equal(t, 2.0, counterValue(t, m, "derivwatch_collection_passes_total", map[string]string{"result": "ok"}))
	assert.Equal(t, 3.0, counterValue(t, m, "derivwatch_observations_saved_total", map[string]string{"symbol": "BTCUSDT"}))
	assert.Equal(t, 1.0, counterValue(t, m, "derivwatch_lifecycle_actions_total", map[string]string{"kind": "promotion"}))
	assert.Equal(t, 4.0, counterValue(t, m, "derivwatch_active_model_version", map[string]string{"horizon": "1D"}))
	assert.Equal(t, 1.0, counterValue(t, m, "derivwatch_kill_switch_active", nil))
}

func TestMetrics_IndependentInstances(t *testing.T) {
	a := New()
	b := New()
	a.BackfillObservations.Add(10)
	assert.Equal(t, 10.0, counterValue(t, a, "derivwatch_backfill_observations_total", nil))
	assert.Equal(t, 0.0, counterValue(t, b, "derivwatch_backfill_observations_total", nil))
}

func TestMetrics_HandlerServesExposition(t *testing.T) {
	m := New()
	m.TimeProvider("binance", "ticker", time.Now().Add(-50*time.Millisecond))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "derivwatch_provider_latency_seconds")
}

func TestPackageHelpers_RecordThroughDefault(t *testing.T) {
	m := New()
	SetDefault(m)
	t.Cleanup(func() { SetDefault(nil) })

	RecordProviderError("binance", "TIMEOUT")
	RecordCacheHit("redis")
	RecordCacheHit("redis")
	RecordCacheMiss("redis")
	RecordTrainingRun("1D", "DONE")
	RecordLifecycleAction("rollback")
	ObserveProviderLatency("binance", "/ticker", time.Now().Add(-10*time.Millisecond))

	assert.Equal(t, 1.0, counterValue(t, m, "derivwatch_provider_errors_total", map[string]string{"provider": "binance", "kind": "TIMEOUT"}))
	assert.Equal(t, 2.0, counterValue(t, m, "derivwatch_cache_hits_total", map[string]string{"tier": "redis"}))
	assert.Equal(t, 1.0, counterValue(t, m, "derivwatch_cache_misses_total", map[string]string{"tier": "redis"}))
	assert.Equal(t, 1.0, counterValue(t, m, "derivwatch_training_runs_total", map[string]string{"horizon": "1D", "state": "DONE"}))
	assert.Equal(t, 1.0, counterValue(t, m, "derivwatch_lifecycle_actions_total", map[string]string{"kind": "rollback"}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "derivwatch_provider_latency_seconds")
}

func TestPackageHelpers_SilentWithoutDefault(t *testing.T) {
	SetDefault(nil)

	// Must not panic; nothing is installed to record into.
	RecordProviderError("bybit", "API_ERROR")
	RecordCacheMiss("redis")
	RecordTrainingRun("7D", "FAILED")
	RecordLifecycleAction("skip")
	ObserveProviderLatency("okx", "/candles", time.Now())
}
