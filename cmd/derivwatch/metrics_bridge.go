package main

import (
	"context"
	"time"

	"github.com/derivwatch/derivwatch/internal/collector"
	"github.com/derivwatch/derivwatch/internal/model"
)

// metricsBridgeInterval is how often service stats are folded into Prometheus.
const metricsBridgeInterval = 30 * time.Second

// runMetricsBridge samples the running services and publishes deltas to the
// instrument set. The services keep their own counters; this loop only
// translates, so a stalled bridge never blocks collection.
func (a *app) runMetricsBridge(ctx context.Context) {
	ticker := time.NewTicker(metricsBridgeInterval)
	defer ticker.Stop()

	var lastStats collector.Stats
	var lastBackfill int

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := a.collector.Stats()
		a.metrics.CollectionPasses.WithLabelValues("completed").
			Add(float64(stats.Passes - lastStats.Passes))
		a.metrics.CollectionPasses.WithLabelValues("skipped_tick").
			Add(float64(stats.SkippedTicks - lastStats.SkippedTicks))
		a.metrics.CollectionPasses.WithLabelValues("symbol_error").
			Add(float64(stats.Errors - lastStats.Errors))
		for sym, n := range stats.BySymbol {
			a.metrics.ObservationsSaved.WithLabelValues(sym).
				Add(float64(n - lastStats.BySymbol[sym]))
		}
		lastStats = stats

		prog := a.backfill.Progress()
		if prog.Observations >= lastBackfill {
			a.metrics.BackfillObservations.Add(float64(prog.Observations - lastBackfill))
			lastBackfill = prog.Observations
		} else {
			// A new run reset the progress counter.
			a.metrics.BackfillObservations.Add(float64(prog.Observations))
			lastBackfill = prog.Observations
		}

		if a.guards.IsKillSwitchActive() {
			a.metrics.KillSwitchActive.Set(1)
		} else {
			a.metrics.KillSwitchActive.Set(0)
		}

		for _, h := range model.Horizons {
			active, err := a.registry.Active(ctx, h)
			if err != nil || active == nil {
				continue
			}
			a.metrics.ActiveModelVersion.WithLabelValues(string(h)).
				Set(float64(active.Version))
		}
	}
}
