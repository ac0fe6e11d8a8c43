package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/derivwatch/derivwatch/internal/market"
)

// Provider is the normalized read-only contract for an exchange connector.
// Providers are pure observers: no trading side effects, no shared writes
// except their own health. Methods may report unavailability by returning a
// nil sub-snapshot rather than failing.
type Provider interface {
	ID() string
	Capabilities() Capabilities

	// Symbol translation between internal (BTCUSDT) and venue-native form.
	// NormalizeSymbol(DenormalizeSymbol(x)) == x for supported symbols.
	NormalizeSymbol(native string) string
	DenormalizeSymbol(symbol string) string

	ListSymbols(ctx context.Context) ([]string, error)
	GetTicker(ctx context.Context, symbol string) (*market.Ticker, error)
	GetCandles(ctx context.Context, symbol string, tf market.Timeframe, limit int) ([]market.Candle, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (*market.OrderBook, error)
	GetTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error)
	GetOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error)
	GetFunding(ctx context.Context, symbol string) (*market.Funding, error)

	Health() HealthSnapshot
	ResetHealth()
}

// TradeStreamer is implemented by providers that support a live trade feed.
type TradeStreamer interface {
	SubscribeTrades(ctx context.Context, symbol string, out chan<- market.Trade) error
}

// HistoricalCandles is implemented by providers that can page candles
// forward from a start time; backfill requires it.
type HistoricalCandles interface {
	GetCandlesSince(ctx context.Context, symbol string, tf market.Timeframe, start time.Time, limit int) ([]market.Candle, error)
}

// Capabilities enumerates which streams and market types a provider supports
// plus its declared rate limits.
type Capabilities struct {
	Spot            bool    `json:"spot"`
	Derivatives     bool    `json:"derivatives"`
	OrderBook       bool    `json:"order_book"`
	Trades          bool    `json:"trades"`
	OpenInterest    bool    `json:"open_interest"`
	Funding         bool    `json:"funding"`
	Liquidations    bool    `json:"liquidations"`
	TradeStream     bool    `json:"trade_stream"`
	RequestsPerSec  float64 `json:"requests_per_sec"`
	BurstLimit      int     `json:"burst_limit"`
}

// Config holds per-provider registry configuration.
type Config struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Priority       int           `yaml:"priority" json:"priority"` // higher = preferred
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	Retries        int           `yaml:"retries" json:"retries"`
	TrackedSymbols []string      `yaml:"tracked_symbols" json:"tracked_symbols"`
	PollInterval   time.Duration `yaml:"poll_interval" json:"poll_interval"`
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	WebSocketURL   string        `yaml:"websocket_url" json:"websocket_url"`
	APIKey         string        `yaml:"api_key" json:"-"`
	APISecret      string        `yaml:"api_secret" json:"-"`
}

// Error is a provider-specific error with classification flags.
type Error struct {
	Provider    string `json:"provider"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	RateLimited bool   `json:"rate_limited"`
	Temporary   bool   `json:"temporary"`
	Cause       error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	ErrCodeRateLimit     = "RATE_LIMIT"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeInvalidSymbol = "INVALID_SYMBOL"
	ErrCodeAPIError      = "API_ERROR"
	ErrCodeNetworkError  = "NETWORK_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// RateLimitError builds a rate-limit classified error for a venue.
func RateLimitError(provider string, cause error) *Error {
	return &Error{
		Provider:    provider,
		Code:        ErrCodeRateLimit,
		Message:     "rate limit exceeded",
		HTTPStatus:  429,
		RateLimited: true,
		Temporary:   true,
		Cause:       cause,
	}
}

// CommonSymbols is the hard-coded set the resolver treats as universally
// listed; a live catalog miss for these falls through optimistically.
var CommonSymbols = map[string]bool{
	"BTCUSDT": true,
	"ETHUSDT": true,
	"SOLUSDT": true,
	"BNBUSDT": true,
	"XRPUSDT": true,
	"ADAUSDT": true,
	"DOGEUSDT": true,
	"LINKUSDT": true,
}
