// Package postgres implements the store contracts on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/store"
)

// Config holds connection settings.
type Config struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns sane pool settings for a single collector process.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:          dsn,
		MaxOpenConns: 16,
		MaxIdleConns: 4,
		QueryTimeout: 10 * time.Second,
	}
}

// Connect opens the pool, verifies connectivity and applies the schema.
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Int("max_open", cfg.MaxOpenConns).Msg("postgres connected")
	return db, nil
}

// NewStore wires every repository over one pool.
func NewStore(db *sqlx.DB, timeout time.Duration) *store.Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &store.Store{
		Observations: NewObservationRepo(db, timeout),
		MLRows:       NewMLRowRepo(db, timeout),
		Models:       NewModelRepo(db, timeout),
		Registry:     NewRegistryRepo(db, timeout),
		Events:       NewEventRepo(db, timeout),
		Outcomes:     NewOutcomeRepo(db, timeout),
	}
}
