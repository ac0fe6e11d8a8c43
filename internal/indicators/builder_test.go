package indicators

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derivwatch/derivwatch/internal/market"
)

func testCandles(n int) []market.Candle {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		// Deterministic wave so talib indicators have real variance.
		price = 100 + 5*math.Sin(float64(i)/7) + 0.05*float64(i)
		candles = append(candles, market.Candle{
			OpenTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:     price * 0.999,
			High:     price * 1.004,
			Low:      price * 0.996,
			Close:    price,
			Volume:   1000 + 50*math.Cos(float64(i)/5)*math.Cos(float64(i)/5),
		})
	}
	return candles
}

func fullInput() Input {
	book := &market.OrderBook{
		Bids: []market.PriceLevel{{Price: 99.9, Size: 5}, {Price: 99.8, Size: 4}, {Price: 99.7, Size: 3}},
		Asks: []market.PriceLevel{{Price: 100.1, Size: 3}, {Price: 100.2, Size: 2}, {Price: 100.3, Size: 2}},
	}
	book.ComputeDerived()
	trades := make([]market.Trade, 0, 20)
	for i := 0; i < 20; i++ {
		side := "buy"
		if i%3 == 0 {
			side = "sell"
		}
		trades = append(trades, market.Trade{Price: 100, Size: 0.5 + float64(i%7), Side: side})
	}
	return Input{
		Symbol: "BTCUSDT",
		Ticker: &market.Ticker{
			LastPrice: 100, MarkPrice: 100.02, IndexPrice: 100,
			BestBid: 99.9, BestAsk: 100.1,
			High24h: 104, Low24h: 97, Volume24h: 50000, QuoteVol24h: 5_000_000,
			PriceChange: 0.012,
		},
		OrderBook:    book,
		Trades:       trades,
		OpenInterest: &market.OpenInterest{Value: 1000, USDValue: 100_000_000, Delta: 0.02},
		Funding:      &market.Funding{Rate: 0.0003, Interval: 8 * time.Hour},
		LiqStats:     &market.LiquidationStats{LongVolume: 120, ShortVolume: 80, Count: 14},
		Candles:      testCandles(120),
	}
}

func TestCatalogSize(t *testing.T) {
	require.Equal(t, 32, CatalogSize)
}

func TestBuilder_FullInputIsComplete(t *testing.T) {
	b := NewBuilder()
	values, meta := b.Build(fullInput(), market.SourcePolling)

	assert.Equal(t, 1.0, meta.Completeness)
	assert.Empty(t, meta.Missing)
	assert.Len(t, values, CatalogSize)
	for id, v := range values {
		assert.False(t, math.IsNaN(v.Value), "indicator %s is NaN", id)
		if v.Normalized != nil {
			assert.GreaterOrEqual(t, *v.Normalized, 0.0, "indicator %s normalized below 0", id)
			assert.LessOrEqual(t, *v.Normalized, 1.0, "indicator %s normalized above 1", id)
		}
	}
}

func TestBuilder_MissingInputsDegradeGracefully(t *testing.T) {
	b := NewBuilder()

	in := fullInput()
	in.OrderBook = nil
	in.Funding = nil
	values, meta := b.Build(in, market.SourcePolling)

	assert.Less(t, meta.Completeness, 1.0)
	assert.Greater(t, meta.Completeness, 0.0)
	assert.Contains(t, meta.Missing, "book_imbalance")
	assert.Contains(t, meta.Missing, "funding_rate")
	assert.NotContains(t, meta.Missing, "rsi_14")
	assert.Equal(t, len(values)+len(meta.Missing), CatalogSize)
}

func TestBuilder_EmptyInputNeverRaises(t *testing.T) {
	b := NewBuilder()
	values, meta := b.Build(Input{Symbol: "BTCUSDT"}, market.SourcePolling)

	assert.Empty(t, values)
	assert.Equal(t, 0.0, meta.Completeness)
	assert.Len(t, meta.Missing, CatalogSize)
}

func TestBuilder_PanickingCalculatorIsRecorded(t *testing.T) {
	boom := Calculator{ID: "boom", Category: market.CategoryMomentum, Compute: func(Input) (float64, *float64, error) {
		panic("deliberate")
	}}
	ok := Calculator{ID: "steady", Category: market.CategoryMomentum, Compute: func(Input) (float64, *float64, error) {
		return 1, nil, nil
	}}
	b := NewBuilderWith([]Calculator{boom, ok})

	values, meta := b.Build(Input{}, market.SourceManual)
	assert.Equal(t, []string{"boom"}, meta.Missing)
	assert.Contains(t, values, "steady")
	assert.Equal(t, 0.5, meta.Completeness)
}

func TestBuilder_NonFiniteValueIsMissing(t *testing.T) {
	inf := Calculator{ID: "inf", Category: market.CategoryVolume, Compute: func(Input) (float64, *float64, error) {
		return math.Inf(1), nil, nil
	}}
	nan := Calculator{ID: "nan", Category: market.CategoryVolume, Compute: func(Input) (float64, *float64, error) {
		return math.NaN(), nil, nil
	}}
	failing := Calculator{ID: "err", Category: market.CategoryVolume, Compute: func(Input) (float64, *float64, error) {
		return 0, nil, errors.New("no data")
	}}
	b := NewBuilderWith([]Calculator{inf, nan, failing})

	values, meta := b.Build(Input{}, market.SourceManual)
	assert.Empty(t, values)
	assert.ElementsMatch(t, []string{"inf", "nan", "err"}, meta.Missing)
}

func TestBuilder_Deterministic(t *testing.T) {
	b := NewBuilder()
	in := fullInput()

	v1, m1 := b.Build(in, market.SourcePolling)
	v2, m2 := b.Build(in, market.SourcePolling)

	require.Equal(t, m1, m2)
	require.Equal(t, v1, v2)
}

func TestOHLCVCatalog_SubsetOfCatalog(t *testing.T) {
	reduced := OHLCVCatalog()
	require.NotEmpty(t, reduced)
	require.Less(t, len(reduced), CatalogSize)

	b := NewBuilderWith(reduced)
	in := Input{Symbol: "BTCUSDT", Candles: testCandles(120)}
	_, meta := b.Build(in, market.SourceBackfill)
	assert.Equal(t, 1.0, meta.Completeness, "OHLCV catalog must be computable from candles alone")
}
