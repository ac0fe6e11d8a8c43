package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

type eventRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEventRepo creates the PostgreSQL lifecycle event log.
func NewEventRepo(db *sqlx.DB, timeout time.Duration) store.EventStore {
	return &eventRepo{db: db, timeout: timeout}
}

func (r *eventRepo) Append(ctx context.Context, ev model.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var meta []byte
	if ev.Meta != nil {
		var err error
		if meta, err = json.Marshal(ev.Meta); err != nil {
			return fmt.Errorf("marshal event meta: %w", err)
		}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exch_model_events (type, horizon, from_model_id, to_model_id, reason, meta, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(ev.Type), string(ev.Horizon), nullStr(ev.FromModelID),
		nullStr(ev.ToModelID), nullStr(ev.Reason), meta, ts.UnixMilli())
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.Type, err)
	}
	return nil
}

func (r *eventRepo) List(ctx context.Context, q store.EventQuery) ([]model.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT id, type, horizon, from_model_id, to_model_id, reason, meta, ts
		FROM exch_model_events WHERE 1=1`
	var args []any
	if q.Type != "" {
		args = append(args, string(q.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if q.Horizon != "" {
		args = append(args, string(q.Horizon))
		query += fmt.Sprintf(" AND horizon = $%d", len(args))
	}
	query += " ORDER BY ts DESC"
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func (r *eventRepo) LastOfType(ctx context.Context, t model.EventType, horizon model.Horizon) (*model.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT id, type, horizon, from_model_id, to_model_id, reason, meta, ts
		FROM exch_model_events
		WHERE type=$1 AND horizon=$2
		ORDER BY ts DESC LIMIT 1`, string(t), string(horizon))
	ev, err := scanEvent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last event %s/%s: %w", t, horizon, err)
	}
	return ev, nil
}

func (r *eventRepo) Stats(ctx context.Context, recentWindow time.Duration) (store.EventStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stats := store.EventStats{
		ByType:           make(map[model.EventType]int64),
		ByHorizon:        make(map[model.Horizon]int64),
		RecentWindowDays: int(recentWindow.Hours() / 24),
	}

	rows, err := r.db.QueryxContext(ctx,
		`SELECT type, horizon, COUNT(*) FROM exch_model_events GROUP BY type, horizon`)
	if err != nil {
		return stats, fmt.Errorf("event stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, horizon string
		var n int64
		if err := rows.Scan(&typ, &horizon, &n); err != nil {
			return stats, fmt.Errorf("scan event stats: %w", err)
		}
		stats.Total += n
		stats.ByType[model.EventType(typ)] += n
		stats.ByHorizon[model.Horizon(horizon)] += n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	cutoff := time.Now().Add(-recentWindow).UnixMilli()
	err = r.db.QueryRowxContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE type = $1),
			COUNT(*) FILTER (WHERE type = $2)
		FROM exch_model_events WHERE ts >= $3`,
		string(model.EventPromoted), string(model.EventRolledBack), cutoff).
		Scan(&stats.RecentPromotions, &stats.RecentRollbacks)
	if err != nil {
		return stats, fmt.Errorf("recent event stats: %w", err)
	}
	return stats, nil
}

func scanEvent(scan func(...any) error) (*model.Event, error) {
	var (
		ev                  model.Event
		typ, horizon        string
		from, to, reason    sql.NullString
		meta                []byte
		tsMS                int64
	)
	if err := scan(&ev.ID, &typ, &horizon, &from, &to, &reason, &meta, &tsMS); err != nil {
		return nil, err
	}
	ev.Type = model.EventType(typ)
	ev.Horizon = model.Horizon(horizon)
	ev.FromModelID = from.String
	ev.ToModelID = to.String
	ev.Reason = reason.String
	ev.Timestamp = time.UnixMilli(tsMS).UTC()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &ev.Meta); err != nil {
			return nil, fmt.Errorf("unmarshal event meta: %w", err)
		}
	}
	return &ev, nil
}
