package market

import (
	"strings"
	"time"
)

// Timeframe identifies a candle interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar length for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// NormalizeSymbol converts an arbitrary venue symbol to the internal
// canonical form: uppercase base+quote with no separators (BTCUSDT).
func NormalizeSymbol(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, sep := range []string{"-", "_", "/", ":"} {
		s = strings.ReplaceAll(s, sep, "")
	}
	return s
}

// PriceLevel is a single order book level.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook holds a depth snapshot. Bids are sorted descending by price,
// asks ascending.
type OrderBook struct {
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	BidDepth  float64      `json:"bid_depth"`
	AskDepth  float64      `json:"ask_depth"`
	Imbalance float64      `json:"imbalance"` // (bid-ask)/(bid+ask), 0 when empty
	Timestamp time.Time    `json:"timestamp"`
}

// ComputeDerived fills cumulative depths and imbalance from the levels.
func (ob *OrderBook) ComputeDerived() {
	ob.BidDepth, ob.AskDepth = 0, 0
	for _, l := range ob.Bids {
		ob.BidDepth += l.Size
	}
	for _, l := range ob.Asks {
		ob.AskDepth += l.Size
	}
	total := ob.BidDepth + ob.AskDepth
	if total > 0 {
		ob.Imbalance = (ob.BidDepth - ob.AskDepth) / total
	} else {
		ob.Imbalance = 0
	}
}

// Trade is one recent execution.
type Trade struct {
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Side      string    `json:"side"` // "buy" or "sell"
	Timestamp time.Time `json:"timestamp"`
}

// OpenInterest is an open interest reading with USD value and delta versus
// the previous reading when known.
type OpenInterest struct {
	Value     float64   `json:"value"`
	USDValue  float64   `json:"usd_value"`
	Delta     float64   `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
}

// Funding holds perpetual funding state.
type Funding struct {
	Rate            float64       `json:"rate"`
	NextFundingTime time.Time     `json:"next_funding_time"`
	Interval        time.Duration `json:"interval"`
}

// Liquidation is a single forced closure.
type Liquidation struct {
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Side      string    `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// LiquidationStats aggregates recent liquidations.
type LiquidationStats struct {
	LongVolume  float64 `json:"long_volume"`
	ShortVolume float64 `json:"short_volume"`
	Count       int     `json:"count"`
}

// AggregateLiquidations folds raw liquidations into side-bucketed volumes.
// A "sell" liquidation closes a long position. Returns nil for an empty
// slice so absence stays distinguishable from a zero reading.
func AggregateLiquidations(liqs []Liquidation) *LiquidationStats {
	if len(liqs) == 0 {
		return nil
	}
	st := &LiquidationStats{Count: len(liqs)}
	for _, l := range liqs {
		if l.Side == "sell" {
			st.LongVolume += l.Size
		} else {
			st.ShortVolume += l.Size
		}
	}
	return st
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Ticker carries top-of-book and 24h aggregates.
type Ticker struct {
	LastPrice    float64 `json:"last_price"`
	MarkPrice    float64 `json:"mark_price"`
	IndexPrice   float64 `json:"index_price"`
	BestBid      float64 `json:"best_bid"`
	BestAsk      float64 `json:"best_ask"`
	SpreadBps    float64 `json:"spread_bps"`
	High24h      float64 `json:"high_24h"`
	Low24h       float64 `json:"low_24h"`
	Volume24h    float64 `json:"volume_24h"`
	PriceChange  float64 `json:"price_change_24h"` // decimal fraction
	QuoteVol24h  float64 `json:"quote_volume_24h"`
}

// Snapshot is the normalized market state for one (symbol, provider, time).
// Every sub-snapshot is independently optional; absence is not an error.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`

	Ticker       *Ticker                `json:"ticker,omitempty"`
	OrderBook    *OrderBook             `json:"order_book,omitempty"`
	Trades       []Trade                `json:"trades,omitempty"`
	OpenInterest *OpenInterest          `json:"open_interest,omitempty"`
	Funding      *Funding               `json:"funding,omitempty"`
	Liquidations []Liquidation          `json:"liquidations,omitempty"`
	LiqStats     *LiquidationStats      `json:"liq_stats,omitempty"`
	Candles      map[Timeframe][]Candle `json:"candles,omitempty"`

	Missing []string `json:"missing,omitempty"` // sub-snapshot names that failed to fetch
}

// Sufficient reports whether the snapshot carries the mandatory fields for
// an observation: a last price and top-of-book quotes.
func (s *Snapshot) Sufficient() bool {
	return s.Ticker != nil && s.Ticker.LastPrice > 0 &&
		s.Ticker.BestBid > 0 && s.Ticker.BestAsk > 0
}

// MarkMissing records a failed sub-fetch by name.
func (s *Snapshot) MarkMissing(part string) {
	for _, m := range s.Missing {
		if m == part {
			return
		}
	}
	s.Missing = append(s.Missing, part)
}
