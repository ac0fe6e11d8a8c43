package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/provider"
	"github.com/derivwatch/derivwatch/internal/store"
	"github.com/derivwatch/derivwatch/internal/store/memory"
)

func newEngine(t *testing.T) (*Engine, *memory.ObservationStore, *memory.MLRowStore) {
	t.Helper()
	reg := provider.NewRegistry()
	obs := memory.NewObservationStore()
	rows := memory.NewMLRowStore()
	return NewEngine(provider.NewResolver(reg), obs, rows), obs, rows
}

func TestRequestValidate(t *testing.T) {
	base := Request{Symbols: []string{"BTCUSDT"}, Days: 3, Timeframe: market.Timeframe5m, HorizonBars: 12}
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"no symbols", func(r *Request) { r.Symbols = nil }},
		{"days too low", func(r *Request) { r.Days = 0 }},
		{"days too high", func(r *Request) { r.Days = 31 }},
		{"bad timeframe", func(r *Request) { r.Timeframe = market.Timeframe1d }},
		{"bad horizon", func(r *Request) { r.HorizonBars = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := base
			tc.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestRun_WritesObservationsAndRows(t *testing.T) {
	e, obs, rows := newEngine(t)
	req := Request{
		Symbols:     []string{"BTCUSDT"},
		Days:        1,
		Timeframe:   market.Timeframe5m,
		HorizonBars: 12,
	}

	p, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateDone, p.State)
	assert.Equal(t, 1, p.SymbolsDone)
	assert.Greater(t, p.Observations, 0)
	assert.Greater(t, p.MLRows, 0)
	assert.NotEmpty(t, p.RunID)

	// One day of 5m bars minus warmup.
	n, err := obs.Count(context.Background(), "BTCUSDT",
		store.TimeRange{From: time.Now().Add(-48 * time.Hour), To: time.Now()})
	require.NoError(t, err)
	assert.InDelta(t, 24*12-WarmupBars, n, 3)

	latest, err := obs.Latest(context.Background(), "BTCUSDT", market.Timeframe5m)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, market.DataModeBackfill, latest.Source.DataMode)
	assert.Equal(t, market.SourceBackfill, latest.Meta.Source)
	assert.Greater(t, latest.Meta.Completeness, 0.0)

	_ = rows
}

func TestRun_MLRowCausality(t *testing.T) {
	e, _, rows := newEngine(t)
	req := Request{
		Symbols:     []string{"ETHUSDT"},
		Days:        1,
		Timeframe:   market.Timeframe5m,
		HorizonBars: 12,
	}
	_, err := e.Run(context.Background(), req)
	require.NoError(t, err)

	horizonSpan := time.Duration(req.HorizonBars) * market.Timeframe5m.Duration()
	got, err := rows.ListByHorizon(context.Background(), model.Horizon1D,
		store.TimeRange{From: time.Now().Add(-48 * time.Hour), To: time.Now()}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, row := range got {
		assert.False(t, row.T1.Before(row.T0.Add(horizonSpan)), "t1 must be at least t0+horizon")
		assert.Equal(t, req.HorizonBars, row.HorizonBars)
		assert.NotEmpty(t, row.Features)
		assert.Contains(t, []int{model.ClassLoss, model.ClassWin, model.ClassNeutral}, row.Label)
		assert.Equal(t, string(market.DataModeBackfill), row.DataMode)
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	e, obs, rows := newEngine(t)
	req := Request{
		Symbols:     []string{"BTCUSDT"},
		Days:        1,
		Timeframe:   market.Timeframe5m,
		HorizonBars: 12,
		DryRun:      true,
	}
	p, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateDone, p.State)
	assert.Equal(t, 0, p.Observations)

	n, err := obs.Count(context.Background(), "BTCUSDT",
		store.TimeRange{From: time.Now().Add(-48 * time.Hour), To: time.Now()})
	require.NoError(t, err)
	assert.Zero(t, n)

	total, err := rows.CountByHorizon(context.Background(), model.Horizon1D)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRun_Cancellation(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, Request{
		Symbols:     []string{"BTCUSDT", "ETHUSDT"},
		Days:        1,
		Timeframe:   market.Timeframe5m,
		HorizonBars: 12,
	})
	require.Error(t, err)
	assert.Equal(t, StateCancelled, e.Progress().State)
}

func TestLabelReturn(t *testing.T) {
	assert.Equal(t, model.ClassWin, labelReturn(0.02))
	assert.Equal(t, model.ClassLoss, labelReturn(-0.02))
	assert.Equal(t, model.ClassNeutral, labelReturn(0.001))
	assert.Equal(t, model.ClassNeutral, labelReturn(-0.001))
}

func TestHorizonForBars(t *testing.T) {
	assert.Equal(t, model.Horizon1D, horizonForBars(288, market.Timeframe5m.Duration()))
	assert.Equal(t, model.Horizon7D, horizonForBars(2016, market.Timeframe5m.Duration()))
	assert.Equal(t, model.Horizon1D, horizonForBars(12, market.Timeframe5m.Duration()))
}

func TestCandleSource_PinnedProvider(t *testing.T) {
	e, _, _ := newEngine(t)
	req := Request{
		Symbols:     []string{"BTCUSDT"},
		Days:        1,
		Timeframe:   market.Timeframe5m,
		HorizonBars: 12,
		Provider:    provider.MockProviderID,
	}

	src, id, err := e.candleSource(context.Background(), req, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, provider.MockProviderID, id)
	assert.NotNil(t, src)

	req.Provider = "kraken"
	_, _, err = e.candleSource(context.Background(), req, "BTCUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "kraken"`)
}

func TestRunHistory_StatusByIDAndList(t *testing.T) {
	e, _, _ := newEngine(t)
	req := Request{
		Symbols:     []string{"BTCUSDT"},
		Days:        1,
		Timeframe:   market.Timeframe5m,
		HorizonBars: 12,
		DryRun:      true,
	}

	first, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	second, err := e.Run(context.Background(), req)
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)

	got, ok := e.RunStatus(first.RunID)
	require.True(t, ok)
	assert.Equal(t, StateDone, got.State)
	assert.Equal(t, first.RunID, got.RunID)

	_, ok = e.RunStatus("no-such-run")
	assert.False(t, ok)

	runs := e.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].RunID, "most recent first")
	assert.Equal(t, first.RunID, runs[1].RunID)

	assert.True(t, e.CancelRun(first.RunID), "finished run is known, cancel is a no-op")
	assert.False(t, e.CancelRun("no-such-run"))
	got, _ = e.RunStatus(first.RunID)
	assert.Equal(t, StateDone, got.State, "cancelling a finished run does not change its state")
}
