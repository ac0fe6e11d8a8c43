package provider

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"github.com/derivwatch/derivwatch/internal/market"
)

// MockProviderID is the registry id of the always-available fallback.
const MockProviderID = "mock"

// MockProvider serves deterministic synthetic market data. It backs tests
// and acts as the terminal fallback when every real venue is unusable.
// Values are derived from a symbol hash so repeated calls agree.
type MockProvider struct {
	health *HealthTracker
	now    func() time.Time
}

// NewMockProvider creates a mock provider with UP health.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		health: NewHealthTracker(),
		now:    time.Now,
	}
}

func (m *MockProvider) ID() string { return MockProviderID }

func (m *MockProvider) Capabilities() Capabilities {
	return Capabilities{
		Spot:           true,
		Derivatives:    true,
		OrderBook:      true,
		Trades:         true,
		OpenInterest:   true,
		Funding:        true,
		RequestsPerSec: 1000,
		BurstLimit:     1000,
	}
}

func (m *MockProvider) NormalizeSymbol(native string) string {
	return market.NormalizeSymbol(native)
}

func (m *MockProvider) DenormalizeSymbol(symbol string) string { return symbol }

func (m *MockProvider) ListSymbols(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(CommonSymbols))
	for s := range CommonSymbols {
		out = append(out, s)
	}
	return out, nil
}

// basePrice derives a stable price level from the symbol name.
func (m *MockProvider) basePrice(symbol string) float64 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 100 + float64(h.Sum32()%100000)/10
}

func (m *MockProvider) GetTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	p := m.basePrice(symbol)
	spread := p * 0.0002
	return &market.Ticker{
		LastPrice:   p,
		MarkPrice:   p,
		IndexPrice:  p,
		BestBid:     p - spread/2,
		BestAsk:     p + spread/2,
		SpreadBps:   2,
		High24h:     p * 1.02,
		Low24h:      p * 0.98,
		Volume24h:   1_000_000 / p,
		PriceChange: 0.005,
		QuoteVol24h: 1_000_000,
	}, nil
}

func (m *MockProvider) GetCandles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	p := m.basePrice(symbol)
	bar := tf.Duration()
	if bar == 0 {
		bar = time.Minute
	}
	end := m.now().Truncate(bar)
	candles := make([]market.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		t := end.Add(-time.Duration(i) * bar)
		// Smooth deterministic wave around the base price.
		phase := float64(t.Unix()/int64(bar.Seconds())) * 0.1
		mid := p * (1 + 0.01*math.Sin(phase))
		candles = append(candles, market.Candle{
			OpenTime: t,
			Open:     mid * 0.999,
			High:     mid * 1.002,
			Low:      mid * 0.997,
			Close:    mid,
			Volume:   1000 + 100*math.Abs(math.Sin(phase)),
		})
	}
	return candles, nil
}

// GetCandlesSince serves deterministic historical bars for backfill paging.
func (m *MockProvider) GetCandlesSince(ctx context.Context, symbol string, tf market.Timeframe, start time.Time, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	p := m.basePrice(symbol)
	bar := tf.Duration()
	if bar == 0 {
		bar = time.Minute
	}
	first := start.Truncate(bar)
	end := m.now().Truncate(bar)
	candles := make([]market.Candle, 0, limit)
	for t := first; !t.After(end) && len(candles) < limit; t = t.Add(bar) {
		phase := float64(t.Unix()/int64(bar.Seconds())) * 0.1
		mid := p * (1 + 0.01*math.Sin(phase))
		candles = append(candles, market.Candle{
			OpenTime: t,
			Open:     mid * 0.999,
			High:     mid * 1.002,
			Low:      mid * 0.997,
			Close:    mid,
			Volume:   1000 + 100*math.Abs(math.Sin(phase)),
		})
	}
	return candles, nil
}

func (m *MockProvider) GetOrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	p := m.basePrice(symbol)
	ob := &market.OrderBook{Timestamp: m.now()}
	for i := 1; i <= depth; i++ {
		step := p * 0.0001 * float64(i)
		ob.Bids = append(ob.Bids, market.PriceLevel{Price: p - step, Size: 1.0 / float64(i)})
		ob.Asks = append(ob.Asks, market.PriceLevel{Price: p + step, Size: 1.0 / float64(i)})
	}
	ob.ComputeDerived()
	return ob, nil
}

func (m *MockProvider) GetTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	p := m.basePrice(symbol)
	now := m.now()
	trades := make([]market.Trade, 0, limit)
	for i := 0; i < limit; i++ {
		side := "buy"
		if i%3 == 0 {
			side = "sell"
		}
		trades = append(trades, market.Trade{
			Price:     p * (1 + 0.0001*float64(i%5-2)),
			Size:      0.1 + 0.01*float64(i%10),
			Side:      side,
			Timestamp: now.Add(-time.Duration(i) * time.Second),
		})
	}
	return trades, nil
}

func (m *MockProvider) GetOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	p := m.basePrice(symbol)
	return &market.OpenInterest{
		Value:     5_000_000 / p,
		USDValue:  5_000_000,
		Delta:     0,
		Timestamp: m.now(),
	}, nil
}

func (m *MockProvider) GetFunding(ctx context.Context, symbol string) (*market.Funding, error) {
	return &market.Funding{
		Rate:            0.0001,
		NextFundingTime: m.now().Truncate(8 * time.Hour).Add(8 * time.Hour),
		Interval:        8 * time.Hour,
	}, nil
}

func (m *MockProvider) Health() HealthSnapshot { return m.health.Snapshot() }

func (m *MockProvider) ResetHealth() { m.health.Reset() }
