package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied idempotently at startup. Timestamps are stored as Unix
// milliseconds (BIGINT); document payloads are JSONB with the index columns
// extracted.
const schema = `
CREATE TABLE IF NOT EXISTS exchange_observations (
	symbol        TEXT    NOT NULL,
	timeframe     TEXT    NOT NULL,
	ts            BIGINT  NOT NULL,
	regime_type   TEXT    NOT NULL,
	completeness  DOUBLE PRECISION NOT NULL,
	data_mode     TEXT    NOT NULL,
	doc           JSONB   NOT NULL,
	created_at    BIGINT  NOT NULL,
	PRIMARY KEY (symbol, timeframe, ts)
);
CREATE INDEX IF NOT EXISTS idx_obs_symbol_ts
	ON exchange_observations (symbol, ts);
CREATE INDEX IF NOT EXISTS idx_obs_symbol_regime_ts
	ON exchange_observations (symbol, regime_type, ts);
CREATE INDEX IF NOT EXISTS idx_obs_symbol_completeness_ts
	ON exchange_observations (symbol, completeness DESC, ts);

CREATE TABLE IF NOT EXISTS exchange_ml_rows (
	id           BIGSERIAL PRIMARY KEY,
	symbol       TEXT    NOT NULL,
	horizon      TEXT    NOT NULL,
	t0           BIGINT  NOT NULL,
	t1           BIGINT  NOT NULL,
	horizon_bars INTEGER NOT NULL,
	features     JSONB   NOT NULL,
	label        SMALLINT NOT NULL,
	data_mode    TEXT    NOT NULL,
	created_at   BIGINT  NOT NULL,
	UNIQUE (symbol, horizon, t0)
);
CREATE INDEX IF NOT EXISTS idx_mlrows_horizon_t0
	ON exchange_ml_rows (horizon, t0);

CREATE TABLE IF NOT EXISTS exch_models (
	id          TEXT PRIMARY KEY,
	horizon     TEXT    NOT NULL,
	version     INTEGER NOT NULL,
	algorithm   TEXT    NOT NULL,
	status      TEXT    NOT NULL,
	run_id      TEXT    NOT NULL,
	doc         JSONB   NOT NULL,
	artifact    BYTEA   NOT NULL,
	trained_at  BIGINT  NOT NULL,
	promoted_at BIGINT,
	retired_at  BIGINT,
	UNIQUE (horizon, version)
);
CREATE INDEX IF NOT EXISTS idx_models_horizon_status
	ON exch_models (horizon, status);

CREATE TABLE IF NOT EXISTS exch_training_runs (
	id          TEXT PRIMARY KEY,
	horizon     TEXT    NOT NULL,
	algorithm   TEXT    NOT NULL,
	state       TEXT    NOT NULL,
	model_id    TEXT,
	error       TEXT,
	progress    JSONB   NOT NULL,
	started_at  BIGINT  NOT NULL,
	finished_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_runs_horizon_started
	ON exch_training_runs (horizon, started_at DESC);

CREATE TABLE IF NOT EXISTS exch_model_registry (
	horizon          TEXT PRIMARY KEY,
	active_model_id  TEXT,
	active_version   INTEGER NOT NULL DEFAULT 0,
	shadow_model_id  TEXT,
	prev_model_id    TEXT,
	prev_version     INTEGER NOT NULL DEFAULT 0,
	total_versions   INTEGER NOT NULL DEFAULT 0,
	promotions       INTEGER NOT NULL DEFAULT 0,
	rollbacks        INTEGER NOT NULL DEFAULT 0,
	last_promoted_at BIGINT,
	last_rollback_at BIGINT,
	updated_at       BIGINT  NOT NULL
);

CREATE TABLE IF NOT EXISTS exch_model_events (
	id            BIGSERIAL PRIMARY KEY,
	type          TEXT   NOT NULL,
	horizon       TEXT   NOT NULL,
	from_model_id TEXT,
	to_model_id   TEXT,
	reason        TEXT,
	meta          JSONB,
	ts            BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type_horizon_ts
	ON exch_model_events (type, horizon, ts DESC);
CREATE INDEX IF NOT EXISTS idx_events_ts
	ON exch_model_events (ts DESC);
CREATE INDEX IF NOT EXISTS idx_events_horizon_ts
	ON exch_model_events (horizon, ts DESC);

CREATE TABLE IF NOT EXISTS exch_trade_outcomes (
	id         BIGSERIAL PRIMARY KEY,
	ts         BIGINT NOT NULL,
	horizon    TEXT   NOT NULL,
	symbol     TEXT   NOT NULL,
	direction  TEXT   NOT NULL,
	return_pct DOUBLE PRECISION NOT NULL,
	result     TEXT   NOT NULL,
	model_id   TEXT   NOT NULL,
	is_shadow  BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_horizon_shadow_ts
	ON exch_trade_outcomes (horizon, is_shadow, ts DESC);
`

func applySchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
