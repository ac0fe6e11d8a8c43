package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
	"github.com/derivwatch/derivwatch/internal/store/memory"
)

func ptr(v float64) *float64 { return &v }

func seedObs(t *testing.T, s *memory.ObservationStore, symbol string, ts time.Time, close float64, stress, vol float64, reg market.RegimeType, cascade bool, nIndicators int) {
	t.Helper()
	ind := make(map[string]market.IndicatorValue, nIndicators)
	for i := 0; i < nIndicators; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		ind[id] = market.IndicatorValue{Value: float64(i), Normalized: ptr(0.5)}
	}
	require.NoError(t, s.Insert(context.Background(), market.Observation{
		Symbol:     symbol,
		Timeframe:  market.Timeframe5m,
		Timestamp:  ts,
		Price:      market.OHLCV{Close: close, Open: close, High: close, Low: close},
		Indicators: ind,
		Meta:       market.IndicatorsMeta{Completeness: 1, Count: nIndicators},
		Regime:     market.Regime{Type: reg, Confidence: 0.7},
		Aggregates: market.Aggregates{Stress: stress, Volatility: vol},
		Cascade:    market.CascadeState{Active: cascade, Intensity: 0.5},
		Source:     market.SourceMeta{DataMode: market.DataModeLive},
	}))
}

func TestOutcomeBuilder_ResolvedAndFlags(t *testing.T) {
	ctx := context.Background()
	obs := memory.NewObservationStore()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	seedObs(t, obs, "BTCUSDT", t0, 100, 0.2, 0.3, market.RegimeRange, false, 20)
	seedObs(t, obs, "BTCUSDT", t1, 103, 0.5, 0.7, market.RegimeCrisis, true, 20)

	b := NewOutcomeBuilder(obs, market.Timeframe5m, 0.005)
	out, err := b.Build(ctx, "BTCUSDT", t0, model.Horizon1D, model.DirectionLong)
	require.NoError(t, err)
	require.False(t, out.Pending)

	assert.Equal(t, t1, out.T1)
	assert.InDelta(t, 0.03, out.Return, 1e-9)
	assert.Equal(t, model.ResultWin, out.Result)
	assert.True(t, out.Flags.StressEscalated, "stress moved +0.30 >= +0.20")
	assert.True(t, out.Flags.RegimeDegraded)
	assert.True(t, out.Flags.VolatilitySpike)
	assert.True(t, out.Flags.CascadeOccurred)
}

func TestOutcomeBuilder_DirectionAware(t *testing.T) {
	ctx := context.Background()
	obs := memory.NewObservationStore()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedObs(t, obs, "BTCUSDT", t0, 100, 0.2, 0.3, market.RegimeRange, false, 20)
	seedObs(t, obs, "BTCUSDT", t0.Add(24*time.Hour), 97, 0.2, 0.3, market.RegimeRange, false, 20)

	b := NewOutcomeBuilder(obs, market.Timeframe5m, 0.005)

	long, err := b.Build(ctx, "BTCUSDT", t0, model.Horizon1D, model.DirectionLong)
	require.NoError(t, err)
	assert.Equal(t, model.ResultLoss, long.Result)

	short, err := b.Build(ctx, "BTCUSDT", t0, model.Horizon1D, model.DirectionShort)
	require.NoError(t, err)
	assert.Equal(t, model.ResultWin, short.Result)
	assert.InDelta(t, 0.03, short.Return, 1e-9)
}

func TestOutcomeBuilder_PendingWhenForwardMissing(t *testing.T) {
	ctx := context.Background()
	obs := memory.NewObservationStore()
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	seedObs(t, obs, "BTCUSDT", t0, 100, 0.2, 0.3, market.RegimeRange, false, 20)

	b := NewOutcomeBuilder(obs, market.Timeframe5m, 0.005)
	out, err := b.Build(ctx, "BTCUSDT", t0, model.Horizon1D, model.DirectionLong)
	require.NoError(t, err)
	assert.True(t, out.Pending)
	assert.Equal(t, model.Result(""), out.Result)
}

func TestBuilder_CausalRows(t *testing.T) {
	ctx := context.Background()
	obs := memory.NewObservationStore()
	rows := memory.NewMLRowStore()
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	// Three resolvable points a day apart, plus a tail point that resolves
	// the last pair but has no forward itself.
	prices := []float64{100, 102, 101, 104}
	for i, p := range prices {
		seedObs(t, obs, "BTCUSDT", base.Add(time.Duration(i)*24*time.Hour), p, 0.2, 0.3, market.RegimeRange, false, 20)
	}
	// Sparse observation must be excluded.
	seedObs(t, obs, "BTCUSDT", base.Add(12*time.Hour), 100, 0.2, 0.3, market.RegimeRange, false, 3)

	b := NewBuilder(obs, rows, BuilderConfig{MinFeatures: 10, LabelEpsilon: 0.005})
	res, err := b.Build(ctx, "BTCUSDT", model.Horizon1D,
		store.TimeRange{From: base, To: base.Add(5 * 24 * time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Sparse)
	assert.Equal(t, 1, res.Pending, "tail observation has no forward pair")
	assert.Equal(t, 3, res.Emitted)

	got, err := rows.ListByHorizon(ctx, model.Horizon1D,
		store.TimeRange{From: base.Add(-time.Hour), To: base.Add(10 * 24 * time.Hour)}, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, row := range got {
		assert.False(t, row.T1.Before(row.T0.Add(model.Horizon1D.Duration())), "rows must be causal")
		assert.GreaterOrEqual(t, len(row.Features), 10)
		assert.Contains(t, row.Features, "agg_stress")
	}
	assert.Equal(t, model.ClassWin, got[0].Label)     // 100 -> 102
	assert.Equal(t, model.ClassLoss, got[1].Label)    // 102 -> 101
	assert.Equal(t, model.ClassWin, got[2].Label)     // 101 -> 104
}

func TestRegimeDegraded(t *testing.T) {
	assert.True(t, regimeDegraded(market.RegimeRange, market.RegimeCrisis))
	assert.True(t, regimeDegraded(market.RegimeTrendingUp, market.RegimeChaotic))
	assert.False(t, regimeDegraded(market.RegimeCrisis, market.RegimeRange))
	assert.False(t, regimeDegraded(market.RegimeRange, market.RegimeNeutral))
}
