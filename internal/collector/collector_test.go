package collector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivwatch/derivwatch/internal/indicators"
	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/provider"
	"github.com/derivwatch/derivwatch/internal/regime"
	"github.com/derivwatch/derivwatch/internal/store/memory"
)

// flakyProvider wraps the mock provider and fails selected sub-fetches.
type flakyProvider struct {
	*provider.MockProvider
	failBook    bool
	failTicker  int32 // remaining ticker failures
	tickerCalls int32
}

func (f *flakyProvider) ID() string { return "flaky" }

func (f *flakyProvider) GetOrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	if f.failBook {
		return nil, errors.New("order book unavailable")
	}
	return f.MockProvider.GetOrderBook(ctx, symbol, depth)
}

func (f *flakyProvider) GetTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	atomic.AddInt32(&f.tickerCalls, 1)
	if atomic.AddInt32(&f.failTicker, -1) >= 0 {
		return nil, errors.New("ticker unavailable")
	}
	return f.MockProvider.GetTicker(ctx, symbol)
}

func newTestCollector(t *testing.T, p provider.Provider, cfg Config) (*Collector, *memory.ObservationStore) {
	t.Helper()
	reg := provider.NewRegistry()
	if p != nil {
		require.NoError(t, reg.Register(p, provider.Config{Enabled: true, Priority: 10}))
		p.ResetHealth()
	}
	obs := memory.NewObservationStore()
	c := New(cfg, provider.NewResolver(reg),
		indicators.NewBuilder(), regime.NewClassifier(regime.DefaultThresholds()), obs)
	return c, obs
}

func TestRunPass_WritesObservation(t *testing.T) {
	cfg := DefaultConfig([]string{"BTCUSDT"})
	cfg.InterSymbolGap = 0
	c, obs := newTestCollector(t, nil, cfg) // mock provider only

	stats := c.RunPass(context.Background())
	assert.Equal(t, int64(1), stats.Observations)
	assert.Equal(t, int64(0), stats.Errors)

	got, err := obs.Latest(context.Background(), "BTCUSDT", market.Timeframe5m)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, market.DataModeLive, got.Source.DataMode)
	assert.NotEqual(t, market.RegimeType(""), got.Regime.Type)
	assert.Greater(t, got.Meta.Completeness, 0.0)
}

func TestRunPass_MissingOrderBookStillWrites(t *testing.T) {
	p := &flakyProvider{MockProvider: provider.NewMockProvider(), failBook: true}
	cfg := DefaultConfig([]string{"BTCUSDT"})
	cfg.InterSymbolGap = 0
	c, obs := newTestCollector(t, p, cfg)

	stats := c.RunPass(context.Background())
	assert.Equal(t, int64(1), stats.Observations)

	got, err := obs.Latest(context.Background(), "BTCUSDT", market.Timeframe5m)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Contains(t, got.Source.Missing, "orderBook")
	assert.GreaterOrEqual(t, got.Meta.Completeness, 0.5)
	assert.NotEqual(t, market.RegimeType(""), got.Regime.Type)
	assert.Contains(t, got.Meta.Missing, "book_imbalance")
}

func TestCollect_RetriesThenSucceeds(t *testing.T) {
	p := &flakyProvider{MockProvider: provider.NewMockProvider(), failTicker: 1}
	cfg := DefaultConfig([]string{"BTCUSDT"})
	cfg.InterSymbolGap = 0
	cfg.RetryBackoff = time.Millisecond
	c, _ := newTestCollector(t, p, cfg)

	err := c.collectWithRetry(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.tickerCalls))
}

func TestCollect_PersistentFailureCountsError(t *testing.T) {
	p := &flakyProvider{MockProvider: provider.NewMockProvider(), failTicker: 100}
	cfg := DefaultConfig([]string{"BTCUSDT"})
	cfg.InterSymbolGap = 0
	cfg.RetryBackoff = time.Millisecond
	c, obs := newTestCollector(t, p, cfg)

	stats := c.RunPass(context.Background())
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(0), stats.Observations)
	assert.Equal(t, int32(1+MaxRetries), atomic.LoadInt32(&p.tickerCalls))

	got, err := obs.Latest(context.Background(), "BTCUSDT", market.Timeframe5m)
	require.NoError(t, err)
	assert.Nil(t, got, "insufficient snapshot must not be written")
}

func TestTick_DropsOverlappingPass(t *testing.T) {
	cfg := DefaultConfig([]string{"BTCUSDT"})
	cfg.InterSymbolGap = 0
	c, _ := newTestCollector(t, nil, cfg)

	require.True(t, c.running.CompareAndSwap(false, true)) // simulate in-flight pass
	c.tick(context.Background())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.SkippedTicks)
	assert.Equal(t, int64(0), stats.Passes)
	c.running.Store(false)
}

func TestCascade_ActivatesOnAggregatedLiquidations(t *testing.T) {
	liqs := make([]market.Liquidation, 0, 12)
	for i := 0; i < 11; i++ {
		liqs = append(liqs, market.Liquidation{Side: "sell", Size: 10})
	}
	liqs = append(liqs, market.Liquidation{Side: "buy", Size: 5})

	snap := &market.Snapshot{Symbol: "BTCUSDT"}
	snap.LiqStats = market.AggregateLiquidations(snap.Liquidations)
	assert.Nil(t, snap.LiqStats, "no liquidations means no stats")
	assert.False(t, cascadeFromSnapshot(snap).Active)

	snap.Liquidations = liqs
	snap.LiqStats = market.AggregateLiquidations(snap.Liquidations)
	require.NotNil(t, snap.LiqStats)
	assert.Equal(t, 12, snap.LiqStats.Count)
	assert.Equal(t, 110.0, snap.LiqStats.LongVolume)
	assert.Equal(t, 5.0, snap.LiqStats.ShortVolume)

	state := cascadeFromSnapshot(snap)
	assert.True(t, state.Active, "one-sided burst marks the cascade active")
	assert.Greater(t, state.Intensity, 0.0)
}

func TestStats_PerSymbolCountsAreDetached(t *testing.T) {
	cfg := DefaultConfig([]string{"BTCUSDT", "ETHUSDT"})
	cfg.InterSymbolGap = 0
	c, _ := newTestCollector(t, nil, cfg)

	c.RunPass(context.Background())
	c.RunPass(context.Background())

	stats := c.Stats()
	assert.Equal(t, int64(4), stats.Observations)
	assert.Equal(t, int64(2), stats.BySymbol["BTCUSDT"])
	assert.Equal(t, int64(2), stats.BySymbol["ETHUSDT"])

	// The returned map is a snapshot, not a view of live counters.
	stats.BySymbol["BTCUSDT"] = 99
	assert.Equal(t, int64(2), c.Stats().BySymbol["BTCUSDT"])
}

func TestRunPass_TimestampsNonDecreasing(t *testing.T) {
	cfg := DefaultConfig([]string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})
	cfg.InterSymbolGap = time.Millisecond
	c, obs := newTestCollector(t, nil, cfg)

	c.RunPass(context.Background())

	var prev time.Time
	for _, sym := range cfg.Symbols {
		got, err := obs.Latest(context.Background(), sym, market.Timeframe5m)
		require.NoError(t, err)
		require.NotNil(t, got, "symbol %s missing", sym)
		assert.False(t, got.Timestamp.Before(prev), "timestamps must be non-decreasing within a pass")
		prev = got.Timestamp
	}
}
