package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

type outcomeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOutcomeRepo creates the PostgreSQL trade outcome store.
func NewOutcomeRepo(db *sqlx.DB, timeout time.Duration) store.OutcomeStore {
	return &outcomeRepo{db: db, timeout: timeout}
}

func (r *outcomeRepo) Append(ctx context.Context, o model.TradeOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exch_trade_outcomes
		(ts, horizon, symbol, direction, return_pct, result, model_id, is_shadow)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.Timestamp.UnixMilli(), string(o.Horizon), o.Symbol, string(o.Direction),
		o.ReturnPct, string(o.Result), o.ModelID, o.IsShadow)
	if err != nil {
		return fmt.Errorf("append trade outcome: %w", err)
	}
	return nil
}

func (r *outcomeRepo) List(ctx context.Context, horizon model.Horizon, tr store.TimeRange, shadow bool) ([]model.TradeOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `
		SELECT ts, horizon, symbol, direction, return_pct, result, model_id, is_shadow
		FROM exch_trade_outcomes
		WHERE horizon=$1 AND is_shadow=$2 AND ts >= $3 AND ts <= $4
		ORDER BY ts DESC`,
		string(horizon), shadow, tr.From.UnixMilli(), tr.To.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list trade outcomes: %w", err)
	}
	defer rows.Close()

	var out []model.TradeOutcome
	for rows.Next() {
		var (
			o                     model.TradeOutcome
			h, dir, res           string
			tsMS                  int64
		)
		if err := rows.Scan(&tsMS, &h, &o.Symbol, &dir, &o.ReturnPct, &res, &o.ModelID, &o.IsShadow); err != nil {
			return nil, fmt.Errorf("scan trade outcome: %w", err)
		}
		o.Timestamp = time.UnixMilli(tsMS).UTC()
		o.Horizon = model.Horizon(h)
		o.Direction = model.Direction(dir)
		o.Result = model.Result(res)
		out = append(out, o)
	}
	return out, rows.Err()
}
