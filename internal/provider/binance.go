package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/provider/httpsched"

	"net/url"
)

// BinanceProvider reads USD-M futures market data from Binance.
type BinanceProvider struct {
	cfg    Config
	rest   *restClient
	wsURL  string
	health *HealthTracker
}

// NewBinanceProvider creates a Binance futures provider.
func NewBinanceProvider(cfg Config, sched *httpsched.Scheduler) *BinanceProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fapi.binance.com"
	}
	if cfg.WebSocketURL == "" {
		cfg.WebSocketURL = "wss://fstream.binance.com/ws"
	}
	health := NewHealthTracker()
	sched.RegisterVenue("binance", httpsched.VenueLimits{RequestsPerSec: 10, Burst: 20})
	return &BinanceProvider{
		cfg:    cfg,
		rest:   newRESTClient("binance", cfg.BaseURL, cfg.Timeout, sched, health),
		wsURL:  cfg.WebSocketURL,
		health: health,
	}
}

func (b *BinanceProvider) ID() string { return "binance" }

func (b *BinanceProvider) Capabilities() Capabilities {
	return Capabilities{
		Derivatives:    true,
		OrderBook:      true,
		Trades:         true,
		OpenInterest:   true,
		Funding:        true,
		Liquidations:   true,
		TradeStream:    true,
		RequestsPerSec: 10,
		BurstLimit:     20,
	}
}

// Binance futures symbols are already base+quote uppercase.
func (b *BinanceProvider) NormalizeSymbol(native string) string {
	return market.NormalizeSymbol(native)
}

func (b *BinanceProvider) DenormalizeSymbol(symbol string) string { return symbol }

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol string `json:"symbol"`
		Status string `json:"status"`
	} `json:"symbols"`
}

func (b *BinanceProvider) ListSymbols(ctx context.Context) ([]string, error) {
	var info binanceExchangeInfo
	if err := b.rest.getJSON(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" {
			out = append(out, b.NormalizeSymbol(s.Symbol))
		}
	}
	return out, nil
}

type binanceBookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

type binance24hTicker struct {
	LastPrice          string `json:"lastPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	PriceChangePercent string `json:"priceChangePercent"`
}

type binancePremiumIndex struct {
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

func (b *BinanceProvider) GetTicker(ctx context.Context, symbol string) (*market.Ticker, error) {
	q := url.Values{"symbol": {b.DenormalizeSymbol(symbol)}}

	var book binanceBookTicker
	if err := b.rest.getJSON(ctx, "/fapi/v1/ticker/bookTicker", q, &book); err != nil {
		return nil, err
	}
	var day binance24hTicker
	if err := b.rest.getJSON(ctx, "/fapi/v1/ticker/24hr", q, &day); err != nil {
		return nil, err
	}
	var premium binancePremiumIndex
	if err := b.rest.getJSON(ctx, "/fapi/v1/premiumIndex", q, &premium); err != nil {
		return nil, err
	}

	bid, ask := parseFloat(book.BidPrice), parseFloat(book.AskPrice)
	t := &market.Ticker{
		LastPrice:   parseFloat(day.LastPrice),
		MarkPrice:   parseFloat(premium.MarkPrice),
		IndexPrice:  parseFloat(premium.IndexPrice),
		BestBid:     bid,
		BestAsk:     ask,
		High24h:     parseFloat(day.HighPrice),
		Low24h:      parseFloat(day.LowPrice),
		Volume24h:   parseFloat(day.Volume),
		QuoteVol24h: parseFloat(day.QuoteVolume),
		PriceChange: parseFloat(day.PriceChangePercent) / 100,
	}
	if mid := (bid + ask) / 2; mid > 0 {
		t.SpreadBps = (ask - bid) / mid * 10000
	}
	return t, nil
}

func (b *BinanceProvider) GetCandles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error) {
	if limit <= 0 || limit > 1500 {
		limit = 500
	}
	q := url.Values{
		"symbol":   {b.DenormalizeSymbol(symbol)},
		"interval": {string(tf)},
		"limit":    {fmt.Sprint(limit)},
	}
	return b.fetchKlines(ctx, q)
}

// GetCandlesSince pages historical klines starting at a timestamp; used by
// backfill chunking.
func (b *BinanceProvider) GetCandlesSince(ctx context.Context, symbol string, tf market.Timeframe, start time.Time, limit int) ([]market.Candle, error) {
	if limit <= 0 || limit > 1500 {
		limit = 500
	}
	q := url.Values{
		"symbol":    {b.DenormalizeSymbol(symbol)},
		"interval":  {string(tf)},
		"startTime": {fmt.Sprint(start.UnixMilli())},
		"limit":     {fmt.Sprint(limit)},
	}
	return b.fetchKlines(ctx, q)
}

func (b *BinanceProvider) fetchKlines(ctx context.Context, q url.Values) ([]market.Candle, error) {
	var raw [][]json.RawMessage
	if err := b.rest.getJSON(ctx, "/fapi/v1/klines", q, &raw); err != nil {
		return nil, err
	}
	candles := make([]market.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		var openTime int64
		var o, h, l, c, v string
		json.Unmarshal(k[0], &openTime)
		json.Unmarshal(k[1], &o)
		json.Unmarshal(k[2], &h)
		json.Unmarshal(k[3], &l)
		json.Unmarshal(k[4], &c)
		json.Unmarshal(k[5], &v)
		candles = append(candles, market.Candle{
			OpenTime: time.UnixMilli(openTime),
			Open:     parseFloat(o),
			High:     parseFloat(h),
			Low:      parseFloat(l),
			Close:    parseFloat(c),
			Volume:   parseFloat(v),
		})
	}
	return candles, nil
}

type binanceDepth struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (b *BinanceProvider) GetOrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error) {
	if depth <= 0 {
		depth = 50
	}
	q := url.Values{
		"symbol": {b.DenormalizeSymbol(symbol)},
		"limit":  {fmt.Sprint(depth)},
	}
	var raw binanceDepth
	if err := b.rest.getJSON(ctx, "/fapi/v1/depth", q, &raw); err != nil {
		return nil, err
	}
	ob := &market.OrderBook{Timestamp: time.Now()}
	for _, lvl := range raw.Bids {
		if len(lvl) >= 2 {
			ob.Bids = append(ob.Bids, market.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	for _, lvl := range raw.Asks {
		if len(lvl) >= 2 {
			ob.Asks = append(ob.Asks, market.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
		}
	}
	ob.ComputeDerived()
	return ob, nil
}

type binanceTrade struct {
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

func (b *BinanceProvider) GetTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := url.Values{
		"symbol": {b.DenormalizeSymbol(symbol)},
		"limit":  {fmt.Sprint(limit)},
	}
	var raw []binanceTrade
	if err := b.rest.getJSON(ctx, "/fapi/v1/trades", q, &raw); err != nil {
		return nil, err
	}
	trades := make([]market.Trade, 0, len(raw))
	for _, tr := range raw {
		side := "buy"
		if tr.IsBuyerMaker {
			side = "sell"
		}
		trades = append(trades, market.Trade{
			Price:     parseFloat(tr.Price),
			Size:      parseFloat(tr.Qty),
			Side:      side,
			Timestamp: time.UnixMilli(tr.Time),
		})
	}
	return trades, nil
}

type binanceOpenInterest struct {
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

func (b *BinanceProvider) GetOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	q := url.Values{"symbol": {b.DenormalizeSymbol(symbol)}}
	var raw binanceOpenInterest
	if err := b.rest.getJSON(ctx, "/fapi/v1/openInterest", q, &raw); err != nil {
		return nil, err
	}
	oi := &market.OpenInterest{
		Value:     parseFloat(raw.OpenInterest),
		Timestamp: time.UnixMilli(raw.Time),
	}
	var premium binancePremiumIndex
	if err := b.rest.getJSON(ctx, "/fapi/v1/premiumIndex", q, &premium); err == nil {
		oi.USDValue = oi.Value * parseFloat(premium.MarkPrice)
	}
	return oi, nil
}

func (b *BinanceProvider) GetFunding(ctx context.Context, symbol string) (*market.Funding, error) {
	q := url.Values{"symbol": {b.DenormalizeSymbol(symbol)}}
	var premium binancePremiumIndex
	if err := b.rest.getJSON(ctx, "/fapi/v1/premiumIndex", q, &premium); err != nil {
		return nil, err
	}
	return &market.Funding{
		Rate:            parseFloat(premium.LastFundingRate),
		NextFundingTime: time.UnixMilli(premium.NextFundingTime),
		Interval:        8 * time.Hour,
	}, nil
}

func (b *BinanceProvider) Health() HealthSnapshot { return b.health.Snapshot() }

func (b *BinanceProvider) ResetHealth() { b.health.Reset() }

type binanceStreamTrade struct {
	Price string `json:"p"`
	Qty   string `json:"q"`
	Time  int64  `json:"T"`
	Maker bool   `json:"m"`
}

// SubscribeTrades streams aggregate trades over websocket until the context
// is cancelled.
func (b *BinanceProvider) SubscribeTrades(ctx context.Context, symbol string, out chan<- market.Trade) error {
	stream := strings.ToLower(b.DenormalizeSymbol(symbol)) + "@aggTrade"
	endpoint := b.wsURL + "/" + stream

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		b.health.RecordFailure(err)
		return &Error{Provider: b.ID(), Code: ErrCodeNetworkError, Message: err.Error(), Temporary: true, Cause: err}
	}
	b.health.RecordSuccess()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer conn.Close()
		for {
			var msg binanceStreamTrade
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("symbol", symbol).Msg("binance trade stream closed")
				}
				return
			}
			side := "buy"
			if msg.Maker {
				side = "sell"
			}
			select {
			case out <- market.Trade{
				Price:     parseFloat(msg.Price),
				Size:      parseFloat(msg.Qty),
				Side:      side,
				Timestamp: time.UnixMilli(msg.Time),
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
