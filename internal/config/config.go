// Package config loads and validates the process configuration from a YAML
// file, an optional .env file and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/derivwatch/derivwatch/internal/collector"
	"github.com/derivwatch/derivwatch/internal/lifecycle"
	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/perf"
	"github.com/derivwatch/derivwatch/internal/store/postgres"
	"github.com/derivwatch/derivwatch/internal/store/rediscache"
)

// Duration wraps time.Duration so YAML can carry values like "30s" or "6h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig configures one venue adapter.
type ProviderConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Priority int      `yaml:"priority"`
	BaseURL  string   `yaml:"base_url"`
	Timeout  Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	DSN          string   `yaml:"dsn"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	MaxIdleConns int      `yaml:"max_idle_conns"`
	QueryTimeout Duration `yaml:"query_timeout"`
}

// RedisConfig configures the hot cache. An empty addr disables it.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

// CollectorConfig configures the observation collector.
type CollectorConfig struct {
	Symbols        []string `yaml:"symbols"`
	Timeframe      string   `yaml:"timeframe"`
	Interval       Duration `yaml:"interval"`
	InterSymbolGap Duration `yaml:"inter_symbol_gap"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
	CandleLimit    int      `yaml:"candle_limit"`
	OrderBookDepth int      `yaml:"order_book_depth"`
	TradeLimit     int      `yaml:"trade_limit"`
}

// LifecycleConfig configures the automated promotion/rollback passes.
type LifecycleConfig struct {
	AutoPromote    bool     `yaml:"auto_promote"`
	AutoRollback   bool     `yaml:"auto_rollback"`
	WindowDays     int      `yaml:"window_days"`
	MinSamples     int      `yaml:"min_samples"`
	PromotionEvery Duration `yaml:"promotion_every"`
	RollbackEvery  Duration `yaml:"rollback_every"`

	Promotion perf.PromotionRules `yaml:"promotion"`
	Rollback  perf.RollbackRules  `yaml:"rollback"`
}

// Config is the full process configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Server    ServerConfig              `yaml:"server"`
	Postgres  PostgresConfig            `yaml:"postgres"`
	Redis     RedisConfig               `yaml:"redis"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	Collector  CollectorConfig           `yaml:"collector"`
	Lifecycle  LifecycleConfig           `yaml:"lifecycle"`
	Guardrails lifecycle.GuardrailConfig `yaml:"guardrails"`

	// MemoryStore switches persistence to the in-memory store. Useful for
	// local runs without Postgres; implies no Redis cache.
	MemoryStore bool `yaml:"memory_store"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	col := collector.DefaultConfig([]string{"BTCUSDT", "ETHUSDT"})
	lc := lifecycle.DefaultControllerConfig()
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:         ":8090",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
		},
		Postgres: PostgresConfig{
			MaxOpenConns: 16,
			MaxIdleConns: 4,
			QueryTimeout: Duration(10 * time.Second),
		},
		Redis: RedisConfig{
			Addr: "", // empty disables the hot cache
			TTL:  Duration(rediscache.DefaultTTL),
		},
		Providers: map[string]ProviderConfig{
			"binance": {Enabled: true, Priority: 10, Timeout: Duration(10 * time.Second)},
			"bybit":   {Enabled: true, Priority: 8, Timeout: Duration(10 * time.Second)},
			"okx":     {Enabled: true, Priority: 6, Timeout: Duration(10 * time.Second)},
			"mock":    {Enabled: true, Priority: 1},
		},
		Collector: CollectorConfig{
			Symbols:        col.Symbols,
			Timeframe:      string(col.Timeframe),
			Interval:       Duration(col.Interval),
			InterSymbolGap: Duration(col.InterSymbolGap),
			RetryBackoff:   Duration(col.RetryBackoff),
			CandleLimit:    col.CandleLimit,
			OrderBookDepth: col.OrderBookDepth,
			TradeLimit:     col.TradeLimit,
		},
		Lifecycle: LifecycleConfig{
			AutoPromote:    lc.AutoPromote,
			AutoRollback:   lc.AutoRollback,
			WindowDays:     lc.WindowDays,
			MinSamples:     lc.MinSamples,
			PromotionEvery: Duration(lc.PromotionEvery),
			RollbackEvery:  Duration(lc.RollbackEvery),
			Promotion:      lc.Promotion,
			Rollback:       lc.Rollback,
		},
		Guardrails: lifecycle.DefaultGuardrailConfig(),
	}
}

// Load reads the YAML file (when path is non-empty) over the defaults, then
// applies .env and environment overrides, then validates.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("DERIVWATCH_LOG_LEVEL", c.LogLevel)
	c.Server.Addr = getEnv("DERIVWATCH_ADDR", c.Server.Addr)
	c.Postgres.DSN = getEnv("DERIVWATCH_PG_DSN", c.Postgres.DSN)
	c.Redis.Addr = getEnv("DERIVWATCH_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("DERIVWATCH_REDIS_PASSWORD", c.Redis.Password)
	c.MemoryStore = getEnvAsBool("DERIVWATCH_MEMORY_STORE", c.MemoryStore)
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if !c.MemoryStore && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required (or set memory_store: true)")
	}
	if len(c.Collector.Symbols) == 0 {
		return fmt.Errorf("collector.symbols must not be empty")
	}
	if c.Collector.Interval.Std() <= 0 {
		return fmt.Errorf("collector.interval must be positive, got %s", c.Collector.Interval.Std())
	}
	if c.Lifecycle.WindowDays < 1 {
		return fmt.Errorf("lifecycle.window_days must be >= 1, got %d", c.Lifecycle.WindowDays)
	}
	if c.Guardrails.MaxDailyRetrains < 1 {
		return fmt.Errorf("guardrails.max_daily_retrains must be >= 1, got %d", c.Guardrails.MaxDailyRetrains)
	}
	if c.Guardrails.MaxPortfolioExposure <= 0 || c.Guardrails.MaxPortfolioExposure > 1 {
		return fmt.Errorf("guardrails.max_portfolio_exposure must be in (0, 1], got %v", c.Guardrails.MaxPortfolioExposure)
	}
	enabled := 0
	for _, p := range c.Providers {
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one provider must be enabled")
	}
	return nil
}

// CollectorConfig converts to the collector's runtime config.
func (c *Config) CollectorConfig() collector.Config {
	return collector.Config{
		Symbols:        c.Collector.Symbols,
		Timeframe:      market.Timeframe(c.Collector.Timeframe),
		Interval:       c.Collector.Interval.Std(),
		InterSymbolGap: c.Collector.InterSymbolGap.Std(),
		RetryBackoff:   c.Collector.RetryBackoff.Std(),
		CandleLimit:    c.Collector.CandleLimit,
		OrderBookDepth: c.Collector.OrderBookDepth,
		TradeLimit:     c.Collector.TradeLimit,
	}
}

// ControllerConfig converts to the lifecycle controller's runtime config.
func (c *Config) ControllerConfig() lifecycle.ControllerConfig {
	return lifecycle.ControllerConfig{
		AutoPromote:    c.Lifecycle.AutoPromote,
		AutoRollback:   c.Lifecycle.AutoRollback,
		WindowDays:     c.Lifecycle.WindowDays,
		MinSamples:     c.Lifecycle.MinSamples,
		PromotionEvery: c.Lifecycle.PromotionEvery.Std(),
		RollbackEvery:  c.Lifecycle.RollbackEvery.Std(),
		Promotion:      c.Lifecycle.Promotion,
		Rollback:       c.Lifecycle.Rollback,
	}
}

// PostgresConfig converts to the store's runtime config.
func (c *Config) PostgresConfig() postgres.Config {
	return postgres.Config{
		DSN:          c.Postgres.DSN,
		MaxOpenConns: c.Postgres.MaxOpenConns,
		MaxIdleConns: c.Postgres.MaxIdleConns,
		QueryTimeout: c.Postgres.QueryTimeout.Std(),
	}
}

// RedisConfig converts to the cache's runtime config.
func (c *Config) RedisConfig() rediscache.Config {
	return rediscache.Config{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		TTL:      c.Redis.TTL.Std(),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
