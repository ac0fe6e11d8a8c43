package indicators

import (
	"errors"
	"math"
	"sort"

	talib "github.com/markcheno/go-talib"

	"github.com/derivwatch/derivwatch/internal/market"
)

// Calculator is one pure indicator function. Compute returns the raw value
// and an optional normalized value; it must be deterministic for a given
// Input and must not touch the clock or randomness.
type Calculator struct {
	ID       string
	Category market.IndicatorCategory
	Compute  func(Input) (value float64, normalized *float64, err error)
}

var (
	errNoCandles   = errors.New("no candle data")
	errFewCandles  = errors.New("not enough candles")
	errNoTicker    = errors.New("no ticker")
	errNoBook      = errors.New("no order book")
	errNoTrades    = errors.New("no trades")
	errNoOI        = errors.New("no open interest")
	errNoFunding   = errors.New("no funding")
	errNoLiqStats  = errors.New("no liquidation stats")
)

func norm(v float64) *float64 { return &v }

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func last(series []float64) (float64, error) {
	if len(series) == 0 {
		return 0, errFewCandles
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errFewCandles
	}
	return v, nil
}

func needCandles(in Input, n int) error {
	if len(in.Candles) == 0 {
		return errNoCandles
	}
	if len(in.Candles) < n {
		return errFewCandles
	}
	return nil
}

// Catalog returns the fixed indicator catalog. The registry is built once at
// startup; CatalogSize is the expected-count denominator for completeness.
func Catalog() []Calculator {
	return []Calculator{
		// --- price-structure ---
		{ID: "price_change_24h", Category: market.CategoryPriceStructure, Compute: func(in Input) (float64, *float64, error) {
			if in.Ticker == nil {
				return 0, nil, errNoTicker
			}
			v := in.Ticker.PriceChange
			return v, norm(clamp01((v + 0.2) / 0.4)), nil
		}},
		{ID: "range_position_24h", Category: market.CategoryPriceStructure, Compute: func(in Input) (float64, *float64, error) {
			if in.Ticker == nil {
				return 0, nil, errNoTicker
			}
			span := in.Ticker.High24h - in.Ticker.Low24h
			if span <= 0 {
				return 0.5, norm(0.5), nil
			}
			v := clamp01((in.Ticker.LastPrice - in.Ticker.Low24h) / span)
			return v, norm(v), nil
		}},
		{ID: "dist_from_high_24h", Category: market.CategoryPriceStructure, Compute: func(in Input) (float64, *float64, error) {
			if in.Ticker == nil || in.Ticker.High24h <= 0 {
				return 0, nil, errNoTicker
			}
			v := (in.Ticker.High24h - in.Ticker.LastPrice) / in.Ticker.High24h
			return v, norm(clamp01(v / 0.2)), nil
		}},
		{ID: "ema20_dist", Category: market.CategoryPriceStructure, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 21); err != nil {
				return 0, nil, err
			}
			closes := in.closes()
			ema, err := last(talib.Ema(closes, 20))
			if err != nil || ema == 0 {
				return 0, nil, errFewCandles
			}
			v := (closes[len(closes)-1] - ema) / ema
			return v, norm(clamp01((v + 0.1) / 0.2)), nil
		}},
		{ID: "sma50_dist", Category: market.CategoryPriceStructure, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 51); err != nil {
				return 0, nil, err
			}
			closes := in.closes()
			sma, err := last(talib.Sma(closes, 50))
			if err != nil || sma == 0 {
				return 0, nil, errFewCandles
			}
			v := (closes[len(closes)-1] - sma) / sma
			return v, norm(clamp01((v + 0.15) / 0.3)), nil
		}},
		{ID: "bb_width", Category: market.CategoryPriceStructure, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 21); err != nil {
				return 0, nil, err
			}
			upper, middle, lower := talib.BBands(in.closes(), 20, 2, 2, 0)
			u, err := last(upper)
			if err != nil {
				return 0, nil, err
			}
			m, _ := last(middle)
			l, _ := last(lower)
			if m == 0 {
				return 0, nil, errFewCandles
			}
			v := (u - l) / m
			return v, norm(clamp01(v / 0.2)), nil
		}},
		{ID: "atr_pct", Category: market.CategoryPriceStructure, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 15); err != nil {
				return 0, nil, err
			}
			atr, err := last(talib.Atr(in.highs(), in.lows(), in.closes(), 14))
			if err != nil {
				return 0, nil, err
			}
			closes := in.closes()
			price := closes[len(closes)-1]
			if price == 0 {
				return 0, nil, errFewCandles
			}
			v := atr / price
			return v, norm(clamp01(v / 0.05)), nil
		}},

		// --- momentum ---
		{ID: "rsi_14", Category: market.CategoryMomentum, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 15); err != nil {
				return 0, nil, err
			}
			v, err := last(talib.Rsi(in.closes(), 14))
			if err != nil {
				return 0, nil, err
			}
			return v, norm(v / 100), nil
		}},
		{ID: "macd_hist", Category: market.CategoryMomentum, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 35); err != nil {
				return 0, nil, err
			}
			closes := in.closes()
			_, _, hist := talib.Macd(closes, 12, 26, 9)
			v, err := last(hist)
			if err != nil {
				return 0, nil, err
			}
			price := closes[len(closes)-1]
			if price == 0 {
				return 0, nil, errFewCandles
			}
			rel := v / price
			return v, norm(clamp01((rel + 0.01) / 0.02)), nil
		}},
		{ID: "adx_14", Category: market.CategoryMomentum, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 28); err != nil {
				return 0, nil, err
			}
			v, err := last(talib.Adx(in.highs(), in.lows(), in.closes(), 14))
			if err != nil {
				return 0, nil, err
			}
			return v, norm(clamp01(v / 50)), nil
		}},
		{ID: "roc_10", Category: market.CategoryMomentum, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 11); err != nil {
				return 0, nil, err
			}
			v, err := last(talib.Roc(in.closes(), 10))
			if err != nil {
				return 0, nil, err
			}
			return v, norm(clamp01((v + 10) / 20)), nil
		}},
		{ID: "willr_14", Category: market.CategoryMomentum, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 15); err != nil {
				return 0, nil, err
			}
			v, err := last(talib.WillR(in.highs(), in.lows(), in.closes(), 14))
			if err != nil {
				return 0, nil, err
			}
			return v, norm(clamp01((v + 100) / 100)), nil
		}},
		{ID: "cci_20", Category: market.CategoryMomentum, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 21); err != nil {
				return 0, nil, err
			}
			v, err := last(talib.Cci(in.highs(), in.lows(), in.closes(), 20))
			if err != nil {
				return 0, nil, err
			}
			return v, norm(clamp01((v + 200) / 400)), nil
		}},
		{ID: "mom_10", Category: market.CategoryMomentum, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 11); err != nil {
				return 0, nil, err
			}
			closes := in.closes()
			v, err := last(talib.Mom(closes, 10))
			if err != nil {
				return 0, nil, err
			}
			price := closes[len(closes)-1]
			if price == 0 {
				return 0, nil, errFewCandles
			}
			rel := v / price
			return v, norm(clamp01((rel + 0.05) / 0.1)), nil
		}},

		// --- volume ---
		{ID: "volume_change", Category: market.CategoryVolume, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 21); err != nil {
				return 0, nil, err
			}
			vols := in.volumes()
			recent := vols[len(vols)-1]
			base, err := last(talib.Sma(vols, 20))
			if err != nil || base == 0 {
				return 0, nil, errFewCandles
			}
			v := recent/base - 1
			return v, norm(clamp01((v + 1) / 4)), nil
		}},
		{ID: "obv_slope", Category: market.CategoryVolume, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 11); err != nil {
				return 0, nil, err
			}
			obv := talib.Obv(in.closes(), in.volumes())
			if len(obv) < 10 {
				return 0, nil, errFewCandles
			}
			head := obv[len(obv)-10]
			tail := obv[len(obv)-1]
			scale := math.Abs(head)
			if scale == 0 {
				scale = 1
			}
			v := (tail - head) / scale
			return v, norm(clamp01((v + 1) / 2)), nil
		}},
		{ID: "volume_zscore", Category: market.CategoryVolume, Compute: func(in Input) (float64, *float64, error) {
			if err := needCandles(in, 21); err != nil {
				return 0, nil, err
			}
			vols := in.volumes()
			window := vols[len(vols)-21 : len(vols)-1]
			mean, std := meanStd(window)
			if std == 0 {
				return 0, norm(0.5), nil
			}
			v := (vols[len(vols)-1] - mean) / std
			return v, norm(clamp01((v + 3) / 6)), nil
		}},
		{ID: "taker_buy_ratio", Category: market.CategoryVolume, Compute: func(in Input) (float64, *float64, error) {
			if len(in.Trades) == 0 {
				return 0, nil, errNoTrades
			}
			var buy, total float64
			for _, t := range in.Trades {
				total += t.Size
				if t.Side == "buy" {
					buy += t.Size
				}
			}
			if total == 0 {
				return 0.5, norm(0.5), nil
			}
			v := buy / total
			return v, norm(v), nil
		}},
		{ID: "quote_volume_24h", Category: market.CategoryVolume, Compute: func(in Input) (float64, *float64, error) {
			if in.Ticker == nil {
				return 0, nil, errNoTicker
			}
			v := in.Ticker.QuoteVol24h
			// Log-scale normalization: 1M..10B USD.
			n := 0.0
			if v > 0 {
				n = clamp01((math.Log10(v) - 6) / 4)
			}
			return v, norm(n), nil
		}},

		// --- order-book ---
		{ID: "book_imbalance", Category: market.CategoryOrderBook, Compute: func(in Input) (float64, *float64, error) {
			if in.OrderBook == nil {
				return 0, nil, errNoBook
			}
			v := in.OrderBook.Imbalance
			return v, norm(clamp01((v + 1) / 2)), nil
		}},
		{ID: "spread_bps", Category: market.CategoryOrderBook, Compute: func(in Input) (float64, *float64, error) {
			if in.Ticker == nil || in.Ticker.BestBid <= 0 || in.Ticker.BestAsk <= 0 {
				return 0, nil, errNoTicker
			}
			mid := (in.Ticker.BestBid + in.Ticker.BestAsk) / 2
			v := (in.Ticker.BestAsk - in.Ticker.BestBid) / mid * 10000
			return v, norm(clamp01(v / 20)), nil
		}},
		{ID: "depth_total", Category: market.CategoryOrderBook, Compute: func(in Input) (float64, *float64, error) {
			if in.OrderBook == nil {
				return 0, nil, errNoBook
			}
			v := in.OrderBook.BidDepth + in.OrderBook.AskDepth
			n := 0.0
			if v > 0 {
				n = clamp01(math.Log10(1+v) / 6)
			}
			return v, norm(n), nil
		}},
		{ID: "top_depth_share", Category: market.CategoryOrderBook, Compute: func(in Input) (float64, *float64, error) {
			ob := in.OrderBook
			if ob == nil || len(ob.Bids) == 0 || len(ob.Asks) == 0 {
				return 0, nil, errNoBook
			}
			total := ob.BidDepth + ob.AskDepth
			if total == 0 {
				return 0, nil, errNoBook
			}
			v := (ob.Bids[0].Size + ob.Asks[0].Size) / total
			return v, norm(clamp01(v)), nil
		}},
		{ID: "book_pressure", Category: market.CategoryOrderBook, Compute: func(in Input) (float64, *float64, error) {
			ob := in.OrderBook
			if ob == nil || len(ob.Bids) == 0 || len(ob.Asks) == 0 {
				return 0, nil, errNoBook
			}
			// Depth-weighted pressure over the top 10 levels.
			n := 10
			var bid, ask float64
			for i := 0; i < n && i < len(ob.Bids); i++ {
				bid += ob.Bids[i].Size * float64(n-i)
			}
			for i := 0; i < n && i < len(ob.Asks); i++ {
				ask += ob.Asks[i].Size * float64(n-i)
			}
			if bid+ask == 0 {
				return 0, norm(0.5), nil
			}
			v := (bid - ask) / (bid + ask)
			return v, norm(clamp01((v + 1) / 2)), nil
		}},

		// --- positioning ---
		{ID: "funding_rate", Category: market.CategoryPositioning, Compute: func(in Input) (float64, *float64, error) {
			if in.Funding == nil {
				return 0, nil, errNoFunding
			}
			v := in.Funding.Rate
			return v, norm(clamp01((v + 0.001) / 0.002)), nil
		}},
		{ID: "funding_extremity", Category: market.CategoryPositioning, Compute: func(in Input) (float64, *float64, error) {
			if in.Funding == nil {
				return 0, nil, errNoFunding
			}
			v := clamp01(math.Abs(in.Funding.Rate) / 0.001)
			return v, norm(v), nil
		}},
		{ID: "oi_usd", Category: market.CategoryPositioning, Compute: func(in Input) (float64, *float64, error) {
			if in.OpenInterest == nil {
				return 0, nil, errNoOI
			}
			v := in.OpenInterest.USDValue
			n := 0.0
			if v > 0 {
				n = clamp01((math.Log10(v) - 6) / 4)
			}
			return v, norm(n), nil
		}},
		{ID: "oi_delta", Category: market.CategoryPositioning, Compute: func(in Input) (float64, *float64, error) {
			if in.OpenInterest == nil {
				return 0, nil, errNoOI
			}
			v := in.OpenInterest.Delta
			return v, norm(clamp01((v + 0.1) / 0.2)), nil
		}},
		{ID: "basis", Category: market.CategoryPositioning, Compute: func(in Input) (float64, *float64, error) {
			if in.Ticker == nil || in.Ticker.IndexPrice <= 0 || in.Ticker.MarkPrice <= 0 {
				return 0, nil, errNoTicker
			}
			v := (in.Ticker.MarkPrice - in.Ticker.IndexPrice) / in.Ticker.IndexPrice
			return v, norm(clamp01((v + 0.005) / 0.01)), nil
		}},

		// --- whale-positioning ---
		{ID: "liq_long_share", Category: market.CategoryWhalePositioning, Compute: func(in Input) (float64, *float64, error) {
			if in.LiqStats == nil {
				return 0, nil, errNoLiqStats
			}
			total := in.LiqStats.LongVolume + in.LiqStats.ShortVolume
			if total == 0 {
				return 0.5, norm(0.5), nil
			}
			v := in.LiqStats.LongVolume / total
			return v, norm(v), nil
		}},
		{ID: "liq_intensity", Category: market.CategoryWhalePositioning, Compute: func(in Input) (float64, *float64, error) {
			if in.LiqStats == nil {
				return 0, nil, errNoLiqStats
			}
			if in.Ticker == nil || in.Ticker.Volume24h <= 0 {
				return 0, nil, errNoTicker
			}
			v := (in.LiqStats.LongVolume + in.LiqStats.ShortVolume) / in.Ticker.Volume24h
			return v, norm(clamp01(v / 0.05)), nil
		}},
		{ID: "large_trade_share", Category: market.CategoryWhalePositioning, Compute: func(in Input) (float64, *float64, error) {
			if len(in.Trades) < 10 {
				return 0, nil, errNoTrades
			}
			sizes := make([]float64, len(in.Trades))
			var total float64
			for i, t := range in.Trades {
				sizes[i] = t.Size
				total += t.Size
			}
			if total == 0 {
				return 0, nil, errNoTrades
			}
			sorted := append([]float64(nil), sizes...)
			sort.Float64s(sorted)
			cutoff := sorted[len(sorted)*9/10]
			var large float64
			for _, s := range sizes {
				if s >= cutoff {
					large += s
				}
			}
			v := large / total
			return v, norm(clamp01(v)), nil
		}},
	}
}

// CatalogSize is the expected indicator count used as the completeness
// denominator.
var CatalogSize = len(Catalog())

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
