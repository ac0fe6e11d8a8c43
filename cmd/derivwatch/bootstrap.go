package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/backfill"
	"github.com/derivwatch/derivwatch/internal/collector"
	"github.com/derivwatch/derivwatch/internal/config"
	"github.com/derivwatch/derivwatch/internal/indicators"
	"github.com/derivwatch/derivwatch/internal/lifecycle"
	"github.com/derivwatch/derivwatch/internal/metrics"
	"github.com/derivwatch/derivwatch/internal/modelreg"
	"github.com/derivwatch/derivwatch/internal/provider"
	"github.com/derivwatch/derivwatch/internal/provider/httpsched"
	"github.com/derivwatch/derivwatch/internal/regime"
	"github.com/derivwatch/derivwatch/internal/store"
	"github.com/derivwatch/derivwatch/internal/store/memory"
	"github.com/derivwatch/derivwatch/internal/store/postgres"
	"github.com/derivwatch/derivwatch/internal/store/rediscache"
	"github.com/derivwatch/derivwatch/internal/train"
)

// app wires the configured services together for the CLI commands.
type app struct {
	cfg config.Config
	db  *sqlx.DB // nil for the memory store

	st       *store.Store
	resolver *provider.Resolver

	collector  *collector.Collector
	backfill   *backfill.Engine
	trainer    *train.Trainer
	registry   *modelreg.Registry
	guards     *lifecycle.Guardrails
	controller *lifecycle.Controller
	metrics    *metrics.Metrics
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	setLogLevel(cfg.LogLevel)

	a := &app{cfg: cfg, metrics: metrics.New()}
	metrics.SetDefault(a.metrics)
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.buildProviders(); err != nil {
		a.Close()
		return nil, err
	}

	builder := indicators.NewBuilder()
	classifier := regime.NewClassifier(regime.DefaultThresholds())

	a.collector = collector.New(cfg.CollectorConfig(), a.resolver, builder, classifier, a.st.Observations)
	a.backfill = backfill.NewEngine(a.resolver, a.st.Observations, a.st.MLRows)
	a.trainer = train.New(a.st.MLRows, a.st.Models, a.st.Events)
	a.registry = modelreg.New(a.st.Registry, a.st.Models, a.st.Events)

	a.guards = lifecycle.NewGuardrails(cfg.Guardrails, a.st.Events)
	if err := a.guards.Restore(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("restore guardrail state: %w", err)
	}
	a.controller = lifecycle.NewController(cfg.ControllerConfig(), a.registry, a.st.Outcomes, a.guards)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.MemoryStore {
		log.Info().Msg("using in-memory store")
		a.st = memory.NewStore()
		return nil
	}

	db, err := postgres.Connect(ctx, a.cfg.PostgresConfig())
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.db = db
	a.st = postgres.NewStore(db, a.cfg.PostgresConfig().QueryTimeout)

	if a.cfg.Redis.Addr != "" {
		cache, err := rediscache.New(ctx, a.cfg.RedisConfig(), a.st.Observations)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, serving without hot cache")
		} else {
			a.st.Observations = cache
		}
	}
	return nil
}

func (a *app) buildProviders() error {
	reg := provider.NewRegistry()
	sched := httpsched.NewScheduler()

	for id, pc := range a.cfg.Providers {
		cfg := provider.Config{
			Enabled:  pc.Enabled,
			Priority: pc.Priority,
			Timeout:  pc.Timeout.Std(),
			BaseURL:  pc.BaseURL,
		}
		var p provider.Provider
		switch id {
		case "binance":
			p = provider.NewBinanceProvider(cfg, sched)
		case "bybit":
			p = provider.NewBybitProvider(cfg, sched)
		case "okx":
			p = provider.NewOKXProvider(cfg, sched)
		case "mock":
			p = provider.NewMockProvider()
		default:
			return fmt.Errorf("unknown provider %q in config", id)
		}
		if err := reg.Register(p, cfg); err != nil {
			return err
		}
	}

	a.resolver = provider.NewResolver(reg)
	return nil
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn().Err(err).Msg("closing postgres")
		}
	}
}
