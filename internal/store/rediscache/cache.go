// Package rediscache layers a Redis hot cache over the observation store so
// latest-observation reads skip the database on the serving path.
package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/metrics"
	"github.com/derivwatch/derivwatch/internal/store"
)

// DefaultTTL bounds staleness when the collector stalls.
const DefaultTTL = 2 * time.Minute

// Config holds Redis connection settings.
type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// ObservationCache decorates an ObservationStore with a latest-value cache.
// Cache failures are logged and fall through to the backing store.
type ObservationCache struct {
	inner store.ObservationStore
	rdb   *redis.Client
	ttl   time.Duration
}

// New connects the client and wraps the backing store.
func New(ctx context.Context, cfg Config, inner store.ObservationStore) (*ObservationCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ObservationCache{inner: inner, rdb: rdb, ttl: ttl}, nil
}

// Wrap builds the cache around an existing client; used by tests.
func Wrap(rdb *redis.Client, ttl time.Duration, inner store.ObservationStore) *ObservationCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ObservationCache{inner: inner, rdb: rdb, ttl: ttl}
}

func latestKey(symbol string, tf market.Timeframe) string {
	return fmt.Sprintf("obs:latest:%s:%s", symbol, tf)
}

func (c *ObservationCache) Insert(ctx context.Context, obs market.Observation) error {
	if err := c.inner.Insert(ctx, obs); err != nil {
		return err
	}
	c.cacheLatest(ctx, obs)
	return nil
}

func (c *ObservationCache) InsertBatch(ctx context.Context, obs []market.Observation) error {
	if err := c.inner.InsertBatch(ctx, obs); err != nil {
		return err
	}
	for _, o := range obs {
		c.cacheLatest(ctx, o)
	}
	return nil
}

func (c *ObservationCache) cacheLatest(ctx context.Context, obs market.Observation) {
	payload, err := msgpack.Marshal(obs)
	if err != nil {
		log.Warn().Err(err).Str("symbol", obs.Symbol).Msg("cache encode failed")
		return
	}
	key := latestKey(obs.Symbol, obs.Timeframe)

	// Only advance the cached value; a replayed older write must not win.
	cur, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var existing market.Observation
		if msgpack.Unmarshal(cur, &existing) == nil && existing.Timestamp.After(obs.Timestamp) {
			return
		}
	}
	if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

func (c *ObservationCache) Latest(ctx context.Context, symbol string, tf market.Timeframe) (*market.Observation, error) {
	payload, err := c.rdb.Get(ctx, latestKey(symbol, tf)).Bytes()
	if err == nil {
		var obs market.Observation
		if err := msgpack.Unmarshal(payload, &obs); err == nil {
			metrics.RecordCacheHit("redis")
			return &obs, nil
		}
		log.Warn().Str("symbol", symbol).Msg("cache decode failed, falling through")
	} else if err != redis.Nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("cache read failed, falling through")
	}
	metrics.RecordCacheMiss("redis")
	return c.inner.Latest(ctx, symbol, tf)
}

// Reads below are range or point queries; they always hit the backing store.

func (c *ObservationCache) Get(ctx context.Context, symbol string, tf market.Timeframe, ts time.Time) (*market.Observation, error) {
	return c.inner.Get(ctx, symbol, tf, ts)
}

func (c *ObservationCache) FirstAtOrAfter(ctx context.Context, symbol string, tf market.Timeframe, ts time.Time) (*market.Observation, error) {
	return c.inner.FirstAtOrAfter(ctx, symbol, tf, ts)
}

func (c *ObservationCache) List(ctx context.Context, tf market.Timeframe, q store.ObservationQuery) ([]market.Observation, error) {
	return c.inner.List(ctx, tf, q)
}

func (c *ObservationCache) Count(ctx context.Context, symbol string, tr store.TimeRange) (int64, error) {
	return c.inner.Count(ctx, symbol, tr)
}

// Close releases the Redis client.
func (c *ObservationCache) Close() error {
	return c.rdb.Close()
}
