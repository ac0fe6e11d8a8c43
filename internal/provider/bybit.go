package provider

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/provider/httpsched"
)

// BybitProvider reads linear perpetual market data from Bybit v5.
type BybitProvider struct {
	cfg    Config
	rest   *restClient
	health *HealthTracker
}

// NewBybitProvider creates a Bybit linear-perp provider.
func NewBybitProvider(cfg Config, sched *httpsched.Scheduler) *BybitProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.bybit.com"
	}
	health := NewHealthTracker()
	sched.RegisterVenue("bybit", httpsched.VenueLimits{RequestsPerSec: 5, Burst: 10})
	return &BybitProvider{
		cfg:    cfg,
		rest:   newRESTClient("bybit", cfg.BaseURL, cfg.Timeout, sched, health),
		health: health,
	}
}

func (b *BybitProvider) ID() string { return "bybit" }

func (b *BybitProvider) Capabilities() Capabilities {
	return Capabilities{
		Derivatives:    true,
		OrderBook:      true,
		Trades:         true,
		OpenInterest:   true,
		Funding:        true,
		RequestsPerSec: 5,
		BurstLimit:     10,
	}
}

func (b *BybitProvider) NormalizeSymbol(native string) string {
	return market.NormalizeSymbol(native)
}

func (b *BybitProvider) DenormalizeSymbol(symbol string) string { return symbol }

// bybitEnvelope is the common v5 response wrapper.
type bybitEnvelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
}

func (b *BybitProvider) check(code int, msg string) error {
	if code != 0 {
		return &Error{Provider: b.ID(), Code: ErrCodeAPIError, Message: fmt.Sprintf("retCode %d: %s", code, msg)}
	}
	return nil
}

type bybitInstruments struct {
	List []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"list"`
}

func (b *BybitProvider) ListSymbols(ctx context.Context) ([]string, error) {
	q := url.Values{"category": {"linear"}, "limit": {"1000"}}
	var resp bybitEnvelope[bybitInstruments]
	if err := b.rest.getJSON(ctx, "/v5/market/instruments-info", q, &resp); err != nil {
		return nil, err
	}
	if err := b.check(resp.RetCode, resp.RetMsg); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Result.List))
	for _, s := range resp.Result.List {
		if s.Status == "Trading" {
			out = append(out, b.NormalizeSymbol(s.Symbol))
		}
	}
	return out, nil
}

type bybitTickers struct {
	List []struct {
		LastPrice    string `json:"lastPrice"`
		MarkPrice    string `json:"markPrice"`
		IndexPrice   string `json:"indexPrice"`
		Bid1Price    string `json:"bid1Price"`
		Ask1Price    string `json:"ask1Price"`
		HighPrice24h string `json:"highPrice24h"`
		LowPrice24h  string `json:"lowPrice24h"`
		Volume24h    string `json:"volume24h"`
		Turnover24h  string `json:"turnover24h"`
		Price24hPcnt string `json:"price24hPcnt"`
		OpenInterest string `json:"openInterest"`
		FundingRate  string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	} `json:"list"`
}

func (b *BybitProvider) fetchTicker(ctx context.Context, symbol string) (*bybitTickers, error) {
	q := url.Values{"category": {"linear"}, "symbol": {b.DenormalizeSymbol(symbol)}}
	var resp bybitEnvelope[bybitTickers]
	if err := b.rest.getJSON(ctx, "/v5/market/tickers", q, &resp); err != nil {
		return nil, err
	}
	if err := b.check(resp.RetCode, resp.RetMsg); err != nil {
		return nil, err
	}
	if len(resp.Result.List) == 0 {
		return nil, &Error{Provider: b.ID(), Code: ErrCodeInvalidSymbol, Message: "no ticker for " + symbol}
	}
	return &resp.Result, nil
}

func (b *BybitProvider) GetTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	res, err := b.fetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	row := res.List[0]
	bid, ask := parseFloat(row.Bid1Price), parseFloat(row.Ask1Price)
	t := &market.Ticker{
		LastPrice:   parseFloat(row.LastPrice),
		MarkPrice:   parseFloat(row.MarkPrice),
		IndexPrice:  parseFloat(row.IndexPrice),
		BestBid:     bid,
		BestAsk:     ask,
		High24h:     parseFloat(row.HighPrice24h),
		Low24h:      parseFloat(row.LowPrice24h),
		Volume24h:   parseFloat(row.Volume24h),
		QuoteVol24h: parseFloat(row.Turnover24h),
		PriceChange: parseFloat(row.Price24hPcnt),
	}
	if mid := (bid + ask) / 2; mid > 0 {
		t.SpreadBps = (ask - bid) / mid * 10000
	}
	return t, nil
}

var bybitIntervals = map[market.Timeframe]string{
	market.Timeframe1m:  "1",
	market.Timeframe5m:  "5",
	market.Timeframe15m: "15",
	market.Timeframe1h:  "60",
	market.Timeframe4h:  "240",
	market.Timeframe1d:  "D",
}

type bybitKlines struct {
	List [][]string `json:"list"`
}

func (b *BybitProvider) GetCandles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	interval, ok := bybitIntervals[tf]
	if !ok {
		return nil, &Error{Provider: b.ID(), Code: ErrCodeUnavailable, Message: "unsupported timeframe " + string(tf)}
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q := url.Values{
		"category": {"linear"},
		"symbol":   {b.DenormalizeSymbol(symbol)},
		"interval": {interval},
		"limit":    {fmt.Sprint(limit)},
	}
	var resp bybitEnvelope[bybitKlines]
	if err := b.rest.getJSON(ctx, "/v5/market/kline", q, &resp); err != nil {
		return nil, err
	}
	if err := b.check(resp.RetCode, resp.RetMsg); err != nil {
		return nil, err
	}
	// Bybit returns newest first; reverse to ascending time.
	list := resp.Result.List
	candles := make([]market.Candle, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		k := list[i]
		if len(k) < 6 {
			continue
		}
		ts, _ := parseInt64(k[0])
		candles = append(candles, market.Candle{
			OpenTime: time.UnixMilli(ts),
			Open:     parseFloat(k[1]),
			High:     parseFloat(k[2]),
			Low:      parseFloat(k[3]),
			Close:    parseFloat(k[4]),
			Volume:   parseFloat(k[5]),
		})
	}
	return candles, nil
}

type bybitOrderBook struct {
	Bids [][]string `json:"b"`
	Asks [][]string `json:"a"`
	Ts   int64      `json:"ts"`
}

func (b *BybitProvider) GetOrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	if depth <= 0 || depth > 200 {
		depth = 50
	}
	q := url.Values{
		"category": {"linear"},
		"symbol":   {b.DenormalizeSymbol(symbol)},
		"limit":    {fmt.Sprint(depth)},
	}
	var resp bybitEnvelope[bybitOrderBook]
	if err := b.rest.getJSON(ctx, "/v5/market/orderbook", q, &resp); err != nil {
		return nil, err
	}
	if err := b.check(resp.RetCode, resp.RetMsg); err != nil {
		return nil, err
	}
	ob := &market.OrderBook{Timestamp: time.UnixMilli(resp.Result.Ts)}
	for _, lvl := range resp.Result.Bids {
		if len(lvl) >= 2 {
			ob.Bids = append(ob.Bids, market.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	for _, lvl := range resp.Result.Asks {
		if len(lvl) >= 2 {
			ob.Asks = append(ob.Asks, market.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	ob.ComputeDerived()
	return ob, nil
}

type bybitTrades struct {
	List []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
		Side  string `json:"side"`
		Time  string `json:"time"`
	} `json:"list"`
}

func (b *BybitProvider) GetTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := url.Values{
		"category": {"linear"},
		"symbol":   {b.DenormalizeSymbol(symbol)},
		"limit":    {fmt.Sprint(limit)},
	}
	var resp bybitEnvelope[bybitTrades]
	if err := b.rest.getJSON(ctx, "/v5/market/recent-trade", q, &resp); err != nil {
		return nil, err
	}
	if err := b.check(resp.RetCode, resp.RetMsg); err != nil {
		return nil, err
	}
	trades := make([]market.Trade, 0, len(resp.Result.List))
	for _, tr := range resp.Result.List {
		ts, _ := parseInt64(tr.Time)
		side := "buy"
		if tr.Side == "Sell" {
			side = "sell"
		}
		trades = append(trades, market.Trade{
			Price:     parseFloat(tr.Price),
			Size:      parseFloat(tr.Size),
			Side:      side,
			Timestamp: time.UnixMilli(ts),
		})
	}
	return trades, nil
}

func (b *BybitProvider) GetOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	res, err := b.fetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	row := res.List[0]
	oi := parseFloat(row.OpenInterest)
	return &market.OpenInterest{
		Value:     oi,
		USDValue:  oi * parseFloat(row.MarkPrice),
		Timestamp: time.Now(),
	}, nil
}

func (b *BybitProvider) GetFunding(ctx context.Context, symbol string) (*market.Funding, error) {
	res, err := b.fetchTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	row := res.List[0]
	next, _ := parseInt64(row.NextFundingTime)
	return &market.Funding{
		Rate:            parseFloat(row.FundingRate),
		NextFundingTime: time.UnixMilli(next),
		Interval:        8 * time.Hour,
	}, nil
}

func (b *BybitProvider) Health() HealthSnapshot { return b.health.Snapshot() }

func (b *BybitProvider) ResetHealth() { b.health.Reset() }
