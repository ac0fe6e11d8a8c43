package indicators

import (
	"github.com/derivwatch/derivwatch/internal/market"
)

// Input carries everything a calculator may consume. Every field except
// Symbol is optional; calculators that need an absent field fail in
// isolation and are recorded as missing.
type Input struct {
	Symbol       string
	Ticker       *market.Ticker
	OrderBook    *market.OrderBook
	Trades       []market.Trade
	OpenInterest *market.OpenInterest
	Funding      *market.Funding
	LiqStats     *market.LiquidationStats
	Candles      []market.Candle // primary timeframe, ascending by open time
}

// FromSnapshot builds a calculator input from a normalized market snapshot,
// selecting the candle series for the given timeframe.
func FromSnapshot(s *market.Snapshot, tf market.Timeframe) Input {
	in := Input{
		Symbol:       s.Symbol,
		Ticker:       s.Ticker,
		OrderBook:    s.OrderBook,
		Trades:       s.Trades,
		OpenInterest: s.OpenInterest,
		Funding:      s.Funding,
		LiqStats:     s.LiqStats,
	}
	if s.Candles != nil {
		in.Candles = s.Candles[tf]
	}
	return in
}

func (in Input) closes() []float64 {
	out := make([]float64, len(in.Candles))
	for i, c := range in.Candles {
		out[i] = c.Close
	}
	return out
}

func (in Input) highs() []float64 {
	out := make([]float64, len(in.Candles))
	for i, c := range in.Candles {
		out[i] = c.High
	}
	return out
}

func (in Input) lows() []float64 {
	out := make([]float64, len(in.Candles))
	for i, c := range in.Candles {
		out[i] = c.Low
	}
	return out
}

func (in Input) volumes() []float64 {
	out := make([]float64, len(in.Candles))
	for i, c := range in.Candles {
		out[i] = c.Volume
	}
	return out
}
