package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

type mlRowRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMLRowRepo creates the PostgreSQL ML row store.
func NewMLRowRepo(db *sqlx.DB, timeout time.Duration) store.MLRowStore {
	return &mlRowRepo{db: db, timeout: timeout}
}

const mlRowInsert = `
	INSERT INTO exchange_ml_rows
	(symbol, horizon, t0, t1, horizon_bars, features, label, data_mode, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (symbol, horizon, t0) DO NOTHING`

func (r *mlRowRepo) Append(ctx context.Context, row model.MLRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.append(ctx, r.db, row)
}

func (r *mlRowRepo) AppendBatch(ctx context.Context, rows []model.MLRow) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ml row batch: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if err := r.append(ctx, tx, row); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *mlRowRepo) append(ctx context.Context, ext sqlx.ExtContext, row model.MLRow) error {
	features, err := json.Marshal(row.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	created := row.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = ext.ExecContext(ctx, mlRowInsert,
		row.Symbol, string(row.Horizon), row.T0.UnixMilli(), row.T1.UnixMilli(),
		row.HorizonBars, features, row.Label, row.DataMode, created.UnixMilli())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("append ml row %s/%s@%d: %w", row.Symbol, row.Horizon, row.T0.UnixMilli(), err)
	}
	return nil
}

func (r *mlRowRepo) ListByHorizon(ctx context.Context, horizon model.Horizon, tr store.TimeRange, limit int) ([]model.MLRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT id, symbol, horizon, t0, t1, horizon_bars, features, label, data_mode, created_at
		FROM exchange_ml_rows
		WHERE horizon=$1 AND t0 >= $2 AND t0 <= $3
		ORDER BY t0 ASC`
	args := []any{string(horizon), tr.From.UnixMilli(), tr.To.UnixMilli()}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ml rows: %w", err)
	}
	defer rows.Close()

	var out []model.MLRow
	for rows.Next() {
		var (
			row                     model.MLRow
			horizonStr, dataMode    string
			t0ms, t1ms, createdMS   int64
			features                []byte
		)
		if err := rows.Scan(&row.ID, &row.Symbol, &horizonStr, &t0ms, &t1ms,
			&row.HorizonBars, &features, &row.Label, &dataMode, &createdMS); err != nil {
			return nil, fmt.Errorf("scan ml row: %w", err)
		}
		row.Horizon = model.Horizon(horizonStr)
		row.DataMode = dataMode
		row.T0 = time.UnixMilli(t0ms).UTC()
		row.T1 = time.UnixMilli(t1ms).UTC()
		row.CreatedAt = time.UnixMilli(createdMS).UTC()
		if err := json.Unmarshal(features, &row.Features); err != nil {
			return nil, fmt.Errorf("unmarshal features: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *mlRowRepo) CountByHorizon(ctx context.Context, horizon model.Horizon) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM exchange_ml_rows WHERE horizon=$1`, string(horizon)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ml rows: %w", err)
	}
	return n, nil
}
