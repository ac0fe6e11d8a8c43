package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithMemoryStore(t *testing.T) {
	t.Setenv("DERIVWATCH_MEMORY_STORE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.MemoryStore)
	assert.NotEmpty(t, cfg.Collector.Symbols)
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "derivwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
memory_store: true
server:
  addr: ":9999"
collector:
  symbols: ["SOLUSDT"]
  timeframe: "5m"
  interval: 1m
`), 0o644))

	t.Setenv("DERIVWATCH_ADDR", ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":7777", cfg.Server.Addr, "environment wins over the file")
	assert.Equal(t, []string{"SOLUSDT"}, cfg.Collector.Symbols)
	assert.Equal(t, time.Minute, cfg.Collector.Interval.Std())

	col := cfg.CollectorConfig()
	assert.Equal(t, time.Minute, col.Interval)
	assert.Equal(t, "5m", string(col.Timeframe))
}

func TestValidate_RequiresDSNWithoutMemoryStore(t *testing.T) {
	cfg := Default()
	cfg.Postgres.DSN = ""
	cfg.MemoryStore = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.dsn")

	cfg.Postgres.DSN = "postgres://localhost/derivwatch?sslmode=disable"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := Default()
	cfg.MemoryStore = true

	cfg.Guardrails.MaxPortfolioExposure = 1.5
	assert.Error(t, cfg.Validate())
	cfg.Guardrails.MaxPortfolioExposure = 0.25

	cfg.Collector.Symbols = nil
	assert.Error(t, cfg.Validate())
	cfg.Collector.Symbols = []string{"BTCUSDT"}

	for id, p := range cfg.Providers {
		p.Enabled = false
		cfg.Providers[id] = p
	}
	assert.Error(t, cfg.Validate())
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
