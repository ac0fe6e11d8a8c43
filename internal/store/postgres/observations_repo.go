package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/store"
)

type observationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewObservationRepo creates the PostgreSQL observation store.
func NewObservationRepo(db *sqlx.DB, timeout time.Duration) store.ObservationStore {
	return &observationRepo{db: db, timeout: timeout}
}

const obsInsert = `
	INSERT INTO exchange_observations
	(symbol, timeframe, ts, regime_type, completeness, data_mode, doc, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (symbol, timeframe, ts) DO NOTHING`

func (r *observationRepo) Insert(ctx context.Context, obs market.Observation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	doc, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("marshal observation: %w", err)
	}

	_, err = r.db.ExecContext(ctx, obsInsert,
		obs.Symbol, string(obs.Timeframe), obs.Timestamp.UnixMilli(),
		string(obs.Regime.Type), obs.Meta.Completeness, string(obs.Source.DataMode),
		doc, time.Now().UnixMilli())
	if err != nil {
		// Duplicate key means a concurrent idempotent write already landed.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

func (r *observationRepo) InsertBatch(ctx context.Context, obs []market.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, o := range obs {
		doc, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("marshal observation %s@%d: %w", o.Symbol, o.Timestamp.UnixMilli(), err)
		}
		if _, err := tx.ExecContext(ctx, obsInsert,
			o.Symbol, string(o.Timeframe), o.Timestamp.UnixMilli(),
			string(o.Regime.Type), o.Meta.Completeness, string(o.Source.DataMode),
			doc, now); err != nil {
			return fmt.Errorf("insert observation %s@%d: %w", o.Symbol, o.Timestamp.UnixMilli(), err)
		}
	}
	return tx.Commit()
}

func (r *observationRepo) Get(ctx context.Context, symbol string, tf market.Timeframe, ts time.Time) (*market.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc []byte
	err := r.db.QueryRowxContext(ctx,
		`SELECT doc FROM exchange_observations WHERE symbol=$1 AND timeframe=$2 AND ts=$3`,
		symbol, string(tf), ts.UnixMilli()).Scan(&doc)
	return decodeObservation(doc, err)
}

func (r *observationRepo) FirstAtOrAfter(ctx context.Context, symbol string, tf market.Timeframe, ts time.Time) (*market.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc []byte
	err := r.db.QueryRowxContext(ctx,
		`SELECT doc FROM exchange_observations
		 WHERE symbol=$1 AND timeframe=$2 AND ts >= $3
		 ORDER BY ts ASC LIMIT 1`,
		symbol, string(tf), ts.UnixMilli()).Scan(&doc)
	return decodeObservation(doc, err)
}

func (r *observationRepo) Latest(ctx context.Context, symbol string, tf market.Timeframe) (*market.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc []byte
	err := r.db.QueryRowxContext(ctx,
		`SELECT doc FROM exchange_observations
		 WHERE symbol=$1 AND timeframe=$2
		 ORDER BY ts DESC LIMIT 1`,
		symbol, string(tf)).Scan(&doc)
	return decodeObservation(doc, err)
}

func (r *observationRepo) List(ctx context.Context, tf market.Timeframe, q store.ObservationQuery) ([]market.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT doc FROM exchange_observations
		WHERE symbol=$1 AND timeframe=$2 AND ts >= $3 AND ts <= $4`
	args := []any{q.Symbol, string(tf), q.Range.From.UnixMilli(), q.Range.To.UnixMilli()}

	if q.Regime != "" {
		args = append(args, string(q.Regime))
		query += fmt.Sprintf(" AND regime_type = $%d", len(args))
	}
	if q.MinCompleteness > 0 {
		args = append(args, q.MinCompleteness)
		query += fmt.Sprintf(" AND completeness >= $%d", len(args))
	}
	query += " ORDER BY ts ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var out []market.Observation
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		var o market.Observation
		if err := json.Unmarshal(doc, &o); err != nil {
			return nil, fmt.Errorf("unmarshal observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *observationRepo) Count(ctx context.Context, symbol string, tr store.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int64
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM exchange_observations WHERE symbol=$1 AND ts >= $2 AND ts <= $3`,
		symbol, tr.From.UnixMilli(), tr.To.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return n, nil
}

func decodeObservation(doc []byte, err error) (*market.Observation, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query observation: %w", err)
	}
	var o market.Observation
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("unmarshal observation: %w", err)
	}
	return &o, nil
}
