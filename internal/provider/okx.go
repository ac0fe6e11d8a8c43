package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/provider/httpsched"
)

// OKXProvider reads USDT-margined swap market data from OKX v5.
type OKXProvider struct {
	cfg    Config
	rest   *restClient
	health *HealthTracker
}

// NewOKXProvider creates an OKX swap provider.
func NewOKXProvider(cfg Config, sched *httpsched.Scheduler) *OKXProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.okx.com"
	}
	health := NewHealthTracker()
	sched.RegisterVenue("okx", httpsched.VenueLimits{RequestsPerSec: 5, Burst: 10})
	return &OKXProvider{
		cfg:    cfg,
		rest:   newRESTClient("okx", cfg.BaseURL, cfg.Timeout, sched, health),
		health: health,
	}
}

func (o *OKXProvider) ID() string { return "okx" }

func (o *OKXProvider) Capabilities() Capabilities {
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

// OKX swap instruments look like BTC-USDT-SWAP.
func (o *OKXProvider) NormalizeSymbol(native string) string {
	native = strings.TrimSuffix(strings.ToUpper(native), "-SWAP")
	return market.NormalizeSymbol(native)
}

func (o *OKXProvider) DenormalizeSymbol(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			base := strings.TrimSuffix(symbol, quote)
			return base + "-" + quote + "-SWAP"
		}
	}
	return symbol + "-SWAP"
}

// okxEnvelope is the common v5 response wrapper.
type okxEnvelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

func (o *OKXProvider) check(code, msg string) error {
	if code != "0" {
		return &Error{Provider: o.ID(), Code: ErrCodeAPIError, Message: fmt.Sprintf("code %s: %s", code, msg)}
	}
	return nil
}

type okxInstrument struct {
	InstID string `json:"instId"`
	State  string `json:"state"`
}

func (o *OKXProvider) ListSymbols(ctx context.Context) ([]string, error) {
	q := url.Values{"instType": {"SWAP"}}
	var resp okxEnvelope[[]okxInstrument]
	if err := o.rest.getJSON(ctx, "/api/v5/public/instruments", q, &resp); err != nil {
		return nil, err
	}
	if err := o.check(resp.Code, resp.Msg); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Data))
	for _, inst := range resp.Data {
		if inst.State == "live" {
			out = append(out, o.NormalizeSymbol(inst.InstID))
		}
	}
	return out, nil
}

type okxTicker struct {
	Last      string `json:"last"`
	BidPx     string `json:"bidPx"`
	AskPx     string `json:"askPx"`
	High24h   string `json:"high24h"`
	Low24h    string `json:"low24h"`
	Vol24h    string `json:"vol24h"`
	VolCcy24h string `json:"volCcy24h"`
	Open24h   string `json:"open24h"`
}

func (o *OKXProvider) GetTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	q := url.Values{"instId": {o.DenormalizeSymbol(symbol)}}
	var resp okxEnvelope[[]okxTicker]
	if err := o.rest.getJSON(ctx, "/api/v5/market/ticker", q, &resp); err != nil {
		return nil, err
	}
	if err := o.check(resp.Code, resp.Msg); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &Error{Provider: o.ID(), Code: ErrCodeInvalidSymbol, Message: "no ticker for " + symbol}
	}
	row := resp.Data[0]
	bid, ask := parseFloat(row.BidPx), parseFloat(row.AskPx)
	last := parseFloat(row.Last)
	t := &market.Ticker{
		LastPrice:   last,
		MarkPrice:   last,
		BestBid:     bid,
		BestAsk:     ask,
		High24h:     parseFloat(row.High24h),
		Low24h:      parseFloat(row.Low24h),
		Volume24h:   parseFloat(row.Vol24h),
		QuoteVol24h: parseFloat(row.VolCcy24h),
	}
	if open := parseFloat(row.Open24h); open > 0 {
		t.PriceChange = (last - open) / open
	}
	if mid := (bid + ask) / 2; mid > 0 {
		t.SpreadBps = (ask - bid) / mid * 10000
	}
	return t, nil
}

var okxBars = map[market.Timeframe]string{
	market.Timeframe1m:  "1m",
	market.Timeframe5m:  "5m",
	market.Timeframe15m: "15m",
	market.Timeframe1h:  "1H",
	market.Timeframe4h:  "4H",
	market.Timeframe1d:  "1D",
}

func (o *OKXProvider) GetCandles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	bar, ok := okxBars[tf]
	if !ok {
		return nil, &Error{Provider: o.ID(), Code: ErrCodeUnavailable, Message: "unsupported timeframe " + string(tf)}
	}
	if limit <= 0 || limit > 300 {
		limit = 100
	}
	q := url.Values{
		"instId": {o.DenormalizeSymbol(symbol)},
		"bar":    {bar},
		"limit":  {fmt.Sprint(limit)},
	}
	var resp okxEnvelope[[][]string]
	if err := o.rest.getJSON(ctx, "/api/v5/market/candles", q, &resp); err != nil {
		return nil, err
	}
	if err := o.check(resp.Code, resp.Msg); err != nil {
		return nil, err
	}
	// Newest first; reverse to ascending.
	data := resp.Data
	candles := make([]market.Candle, 0, len(data))
	for i := len(data) - 1; i >= 0; i-- {
		k := data[i]
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

type okxBook struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   string     `json:"ts"`
}

func (o *OKXProvider) GetOrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	if depth <= 0 || depth > 400 {
		depth = 50
	}
	q := url.Values{
		"instId": {o.DenormalizeSymbol(symbol)},
		"sz":     {fmt.Sprint(depth)},
	}
	var resp okxEnvelope[[]okxBook]
	if err := o.rest.getJSON(ctx, "/api/v5/market/books", q, &resp); err != nil {
		return nil, err
	}
	if err := o.check(resp.Code, resp.Msg); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &Error{Provider: o.ID(), Code: ErrCodeUnavailable, Message: "empty order book"}
	}
	book := resp.Data[0]
	ts, _ := parseInt64(book.Ts)
	ob := &market.OrderBook{Timestamp: time.UnixMilli(ts)}
	for _, lvl := range book.Bids {
		if len(lvl) >= 2 {
			ob.Bids = append(ob.Bids, market.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	for _, lvl := range book.Asks {
		if len(lvl) >= 2 {
			ob.Asks = append(ob.Asks, market.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	ob.ComputeDerived()
	return ob, nil
}

type okxTrade struct {
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Side string `json:"side"`
	Ts   string `json:"ts"`
}

func (o *OKXProvider) GetTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := url.Values{
		"instId": {o.DenormalizeSymbol(symbol)},
		"limit":  {fmt.Sprint(limit)},
	}
	var resp okxEnvelope[[]okxTrade]
	if err := o.rest.getJSON(ctx, "/api/v5/market/trades", q, &resp); err != nil {
		return nil, err
	}
	if err := o.check(resp.Code, resp.Msg); err != nil {
		return nil, err
	}
	trades := make([]market.Trade, 0, len(resp.Data))
	for _, tr := range resp.Data {
		ts, _ := parseInt64(tr.Ts)
		trades = append(trades, market.Trade{
			Price:     parseFloat(tr.Px),
			Size:      parseFloat(tr.Sz),
			Side:      tr.Side,
			Timestamp: time.UnixMilli(ts),
		})
	}
	return trades, nil
}

type okxOpenInterest struct {
	Oi    string `json:"oi"`
	OiCcy string `json:"oiCcy"`
	Ts    string `json:"ts"`
}

func (o *OKXProvider) GetOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	q := url.Values{
		"instType": {"SWAP"},
		"instId":   {o.DenormalizeSymbol(symbol)},
	}
	var resp okxEnvelope[[]okxOpenInterest]
	if err := o.rest.getJSON(ctx, "/api/v5/public/open-interest", q, &resp); err != nil {
		return nil, err
	}
	if err := o.check(resp.Code, resp.Msg); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &Error{Provider: o.ID(), Code: ErrCodeUnavailable, Message: "no open interest"}
	}
	row := resp.Data[0]
	ts, _ := parseInt64(row.Ts)
	return &market.OpenInterest{
		Value:     parseFloat(row.OiCcy),
		USDValue:  parseFloat(row.Oi),
		Timestamp: time.UnixMilli(ts),
	}, nil
}

type okxFunding struct {
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (o *OKXProvider) GetFunding(ctx context.Context, symbol string) (*market.Funding, error) {
	q := url.Values{"instId": {o.DenormalizeSymbol(symbol)}}
	var resp okxEnvelope[[]okxFunding]
	if err := o.rest.getJSON(ctx, "/api/v5/public/funding-rate", q, &resp); err != nil {
		return nil, err
	}
	if err := o.check(resp.Code, resp.Msg); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, &Error{Provider: o.ID(), Code: ErrCodeUnavailable, Message: "no funding data"}
	}
	row := resp.Data[0]
	next, _ := parseInt64(row.NextFundingTime)
	return &market.Funding{
		Rate:            parseFloat(row.FundingRate),
		NextFundingTime: time.UnixMilli(next),
		Interval:        8 * time.Hour,
	}, nil
}

func (o *OKXProvider) Health() HealthSnapshot { return o.health.Snapshot() }

func (o *OKXProvider) ResetHealth() { o.health.Reset() }
