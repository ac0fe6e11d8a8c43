// Package collector runs the periodic observation loop: resolve a provider,
// snapshot the market, build indicators and regime, append to the store.
package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/indicators"
	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/provider"
	"github.com/derivwatch/derivwatch/internal/regime"
	"github.com/derivwatch/derivwatch/internal/store"
)

const (
	// MaxRetries bounds per-symbol retry attempts inside a pass.
	MaxRetries = 2
	// RetryBackoff grows linearly with the attempt number.
	RetryBackoff = 2 * time.Second
)

// Config tunes one collector instance.
type Config struct {
	Symbols        []string         `yaml:"symbols"`
	Timeframe      market.Timeframe `yaml:"timeframe"`
	Interval       time.Duration    `yaml:"interval"`
	InterSymbolGap time.Duration    `yaml:"inter_symbol_gap"`
	RetryBackoff   time.Duration    `yaml:"retry_backoff"`
	CandleLimit    int              `yaml:"candle_limit"`
	OrderBookDepth int              `yaml:"order_book_depth"`
	TradeLimit     int              `yaml:"trade_limit"`
}

// DefaultConfig returns the five-minute steady-state loop.
func DefaultConfig(symbols []string) Config {
	return Config{
		Symbols:        symbols,
		Timeframe:      market.Timeframe5m,
		Interval:       5 * time.Minute,
		InterSymbolGap: 500 * time.Millisecond,
		RetryBackoff:   RetryBackoff,
		CandleLimit:    120,
		OrderBookDepth: 25,
		TradeLimit:     100,
	}
}

// Stats are the running counters of a collector instance.
type Stats struct {
	Passes       int64            `json:"passes"`
	SkippedTicks int64            `json:"skipped_ticks"`
	Observations int64            `json:"observations"`
	BySymbol     map[string]int64 `json:"by_symbol,omitempty"`
	Errors       int64            `json:"errors"`
}

// Collector drives the collection loop for a fixed symbol set.
type Collector struct {
	cfg      Config
	resolver *provider.Resolver
	builder  *indicators.Builder
	regimes  *regime.Classifier
	obs      store.ObservationStore

	running atomic.Bool
	mu      sync.Mutex
	stats   Stats
	logger  zerolog.Logger
}

// New creates a collector over the given pipeline services.
func New(cfg Config, resolver *provider.Resolver, builder *indicators.Builder, classifier *regime.Classifier, obs store.ObservationStore) *Collector {
	if cfg.Timeframe == "" {
		cfg.Timeframe = market.Timeframe5m
	}
	return &Collector{
		cfg:      cfg,
		resolver: resolver,
		builder:  builder,
		regimes:  classifier,
		obs:      obs,
		logger:   log.With().Str("component", "collector").Logger(),
	}
}

// Run ticks until the context is cancelled. Ticks arriving while a pass is in
// flight are dropped, never queued.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.logger.Info().
		Strs("symbols", c.cfg.Symbols).
		Dur("interval", c.cfg.Interval).
		Msg("collector started")

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("collector stopped")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Collector) tick(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.stats.SkippedTicks++
		c.mu.Unlock()
		c.logger.Warn().Msg("pass still in flight, tick dropped")
		return
	}
	defer c.running.Store(false)
	c.RunPass(ctx)
}

// RunPass collects every configured symbol once, sequentially. Per-symbol
// failures are counted but never abort the pass.
func (c *Collector) RunPass(ctx context.Context) Stats {
	start := time.Now()
	for i, symbol := range c.cfg.Symbols {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && c.cfg.InterSymbolGap > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.InterSymbolGap):
			}
		}
		if err := c.collectWithRetry(ctx, symbol); err != nil {
			c.mu.Lock()
			c.stats.Errors++
			c.mu.Unlock()
			c.logger.Error().Err(err).Str("symbol", symbol).Msg("symbol collection failed")
		}
	}
	c.mu.Lock()
	c.stats.Passes++
	stats := c.statsCopyLocked()
	c.mu.Unlock()

	c.logger.Debug().Dur("elapsed", time.Since(start)).Msg("pass complete")
	return stats
}

func (c *Collector) collectWithRetry(ctx context.Context, symbol string) error {
	backoff := c.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = RetryBackoff
	}
	var err error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * backoff):
			}
		}
		if err = c.collectSymbol(ctx, symbol); err == nil {
			return nil
		}
	}
	return err
}

func (c *Collector) collectSymbol(ctx context.Context, symbol string) error {
	p := c.resolver.Resolve(ctx, symbol)
	snap := c.fetchSnapshot(ctx, p, symbol)

	if !snap.Sufficient() {
		return &insufficientError{symbol: symbol, provider: p.ID(), missing: snap.Missing}
	}

	obs := c.buildObservation(snap)
	if err := c.obs.Insert(ctx, obs); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.Observations++
	if c.stats.BySymbol == nil {
		c.stats.BySymbol = make(map[string]int64)
	}
	c.stats.BySymbol[symbol]++
	c.mu.Unlock()

	c.logger.Debug().
		Str("symbol", symbol).
		Str("provider", p.ID()).
		Float64("completeness", obs.Meta.Completeness).
		Str("regime", string(obs.Regime.Type)).
		Msg("observation stored")
	return nil
}

// fetchSnapshot gathers every sub-snapshot the provider supports. Failed
// sub-fetches are recorded in Missing and never abort the snapshot.
func (c *Collector) fetchSnapshot(ctx context.Context, p provider.Provider, symbol string) *market.Snapshot {
	snap := &market.Snapshot{
		Symbol:    symbol,
		Provider:  p.ID(),
		Timestamp: time.Now().UTC(),
	}
	caps := p.Capabilities()

	if t, err := p.GetTicker(ctx, symbol); err != nil {
		snap.MarkMissing("ticker")
	} else {
		snap.Ticker = t
	}

	if caps.OrderBook {
		if ob, err := p.GetOrderBook(ctx, symbol, c.cfg.OrderBookDepth); err != nil {
			snap.MarkMissing("orderBook")
		} else {
			ob.ComputeDerived()
			snap.OrderBook = ob
		}
	}
	if caps.Trades {
		if trades, err := p.GetTrades(ctx, symbol, c.cfg.TradeLimit); err != nil {
			snap.MarkMissing("trades")
		} else {
			snap.Trades = trades
		}
	}
	if caps.OpenInterest {
		if oi, err := p.GetOpenInterest(ctx, symbol); err != nil {
			snap.MarkMissing("openInterest")
		} else {
			snap.OpenInterest = oi
		}
	}
	if caps.Funding {
		if f, err := p.GetFunding(ctx, symbol); err != nil {
			snap.MarkMissing("funding")
		} else {
			snap.Funding = f
		}
	}
	if candles, err := p.GetCandles(ctx, symbol, c.cfg.Timeframe, c.cfg.CandleLimit); err != nil {
		snap.MarkMissing("candles")
	} else {
		snap.Candles = map[market.Timeframe][]market.Candle{c.cfg.Timeframe: candles}
	}
	// No venue serves liquidations over REST, so the polling path leaves
	// LiqStats empty and the cascade flag stays inactive until a liquidation
	// stream feeds Liquidations. Snapshots that do carry raw liquidations
	// get aggregated here.
	if snap.LiqStats == nil {
		snap.LiqStats = market.AggregateLiquidations(snap.Liquidations)
	}
	return snap
}

func (c *Collector) buildObservation(snap *market.Snapshot) market.Observation {
	in := indicators.FromSnapshot(snap, c.cfg.Timeframe)
	values, meta := c.builder.Build(in, market.SourcePolling)

	cascade := cascadeFromSnapshot(snap)
	agg := c.regimes.Aggregates(values, cascade)
	reg := c.regimes.Classify(values, agg, cascade)

	obs := market.Observation{
		Symbol:     snap.Symbol,
		Timeframe:  c.cfg.Timeframe,
		Timestamp:  snap.Timestamp,
		Indicators: values,
		Meta:       meta,
		Regime:     reg,
		Aggregates: agg,
		Cascade:    cascade,
		Source: market.SourceMeta{
			DataMode:  market.DataModeLive,
			Providers: []string{snap.Provider},
			Missing:   snap.Missing,
		},
	}
	if n := len(snap.Candles[c.cfg.Timeframe]); n > 0 {
		last := snap.Candles[c.cfg.Timeframe][n-1]
		obs.Price = market.OHLCV{Open: last.Open, High: last.High, Low: last.Low, Close: last.Close, Volume: last.Volume}
	} else if snap.Ticker != nil {
		p := snap.Ticker.LastPrice
		obs.Price = market.OHLCV{Open: p, High: p, Low: p, Close: p, Volume: snap.Ticker.Volume24h}
	}
	return obs
}

// cascadeFromSnapshot derives the liquidation cascade flag from recent
// liquidation aggregates: a one-sided burst marks the cascade active.
func cascadeFromSnapshot(snap *market.Snapshot) market.CascadeState {
	st := snap.LiqStats
	if st == nil || st.Count == 0 {
		return market.CascadeState{}
	}
	total := st.LongVolume + st.ShortVolume
	if total <= 0 {
		return market.CascadeState{}
	}
	dominant := st.LongVolume
	if st.ShortVolume > dominant {
		dominant = st.ShortVolume
	}
	share := dominant / total
	if st.Count >= 10 && share >= 0.8 {
		intensity := (share - 0.8) / 0.2
		if intensity > 1 {
			intensity = 1
		}
		return market.CascadeState{Active: true, Intensity: intensity}
	}
	return market.CascadeState{}
}

// Stats returns a copy of the running counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsCopyLocked()
}

// statsCopyLocked snapshots the stats with a detached per-symbol map. Caller
// holds c.mu.
func (c *Collector) statsCopyLocked() Stats {
	out := c.stats
	if c.stats.BySymbol != nil {
		out.BySymbol = make(map[string]int64, len(c.stats.BySymbol))
		for k, v := range c.stats.BySymbol {
			out.BySymbol[k] = v
		}
	}
	return out
}

type insufficientError struct {
	symbol   string
	provider string
	missing  []string
}

func (e *insufficientError) Error() string {
	return "insufficient snapshot for " + e.symbol + " via " + e.provider
}
