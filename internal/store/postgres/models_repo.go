package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

type modelRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewModelRepo creates the PostgreSQL model and training-run store.
func NewModelRepo(db *sqlx.DB, timeout time.Duration) store.ModelStore {
	return &modelRepo{db: db, timeout: timeout}
}

func (r *modelRepo) SaveModel(ctx context.Context, m model.Model) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := m.Artifact.Validate(); err != nil {
		return fmt.Errorf("save model %s: %w", m.ID, err)
	}

	// The artifact is stored msgpack-encoded in its own column; the JSON doc
	// carries everything else for inspection queries.
	artifact, err := msgpack.Marshal(m.Artifact)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	stripped := m
	stripped.Artifact = model.Artifact{Algorithm: m.Algorithm}
	doc, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Errorf("marshal model doc: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO exch_models
		(id, horizon, version, algorithm, status, run_id, doc, artifact, trained_at, promoted_at, retired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			doc = EXCLUDED.doc,
			promoted_at = EXCLUDED.promoted_at,
			retired_at = EXCLUDED.retired_at`,
		m.ID, string(m.Horizon), m.Version, string(m.Algorithm), string(m.Status),
		m.RunID, doc, artifact, m.TrainedAt.UnixMilli(), msOrNil(m.PromotedAt), msOrNil(m.RetiredAt))
	if err != nil {
		return fmt.Errorf("save model %s: %w", m.ID, err)
	}
	return nil
}

func (r *modelRepo) GetModel(ctx context.Context, id string) (*model.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var doc, artifact []byte
	err := r.db.QueryRowxContext(ctx,
		`SELECT doc, artifact FROM exch_models WHERE id=$1`, id).Scan(&doc, &artifact)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get model %s: %w", id, err)
	}
	return decodeModel(doc, artifact)
}

func (r *modelRepo) ListModels(ctx context.Context, horizon model.Horizon, limit int) ([]model.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT doc, artifact FROM exch_models WHERE horizon=$1 ORDER BY version DESC`
	args := []any{string(horizon)}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []model.Model
	for rows.Next() {
		var doc, artifact []byte
		if err := rows.Scan(&doc, &artifact); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		m, err := decodeModel(doc, artifact)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (r *modelRepo) UpdateStatus(ctx context.Context, id string, status model.Status, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE exch_models SET status=$2, doc = jsonb_set(doc, '{status}', to_jsonb($2::text))`
	args := []any{id, string(status)}
	switch status {
	case model.StatusActive:
		query += `, promoted_at=$3`
		args = append(args, at.UnixMilli())
	case model.StatusRetired:
		query += `, retired_at=$3`
		args = append(args, at.UnixMilli())
	}
	query += ` WHERE id=$1`

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update model %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update model %s status: not found", id)
	}
	return nil
}

func (r *modelRepo) NextVersion(ctx context.Context, horizon model.Horizon) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var max sql.NullInt64
	err := r.db.QueryRowxContext(ctx,
		`SELECT MAX(version) FROM exch_models WHERE horizon=$1`, string(horizon)).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}
	return int(max.Int64) + 1, nil
}

func (r *modelRepo) SaveRun(ctx context.Context, run model.TrainingRun) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	progress, err := json.Marshal(run.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO exch_training_runs
		(id, horizon, algorithm, state, model_id, error, progress, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			model_id = EXCLUDED.model_id,
			error = EXCLUDED.error,
			progress = EXCLUDED.progress,
			finished_at = EXCLUDED.finished_at`,
		run.ID, string(run.Horizon), string(run.Algorithm), string(run.State),
		nullStr(run.ModelID), nullStr(run.Error), progress,
		run.StartedAt.UnixMilli(), msOrNil(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (r *modelRepo) GetRun(ctx context.Context, id string) (*model.TrainingRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `
		SELECT id, horizon, algorithm, state, model_id, error, progress, started_at, finished_at
		FROM exch_training_runs WHERE id=$1`, id)
	run, err := scanRun(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (r *modelRepo) ListRuns(ctx context.Context, horizon model.Horizon, limit int) ([]model.TrainingRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT id, horizon, algorithm, state, model_id, error, progress, started_at, finished_at
		FROM exch_training_runs WHERE horizon=$1 ORDER BY started_at DESC`
	args := []any{string(horizon)}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []model.TrainingRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(scan func(...any) error) (*model.TrainingRun, error) {
	var (
		run                model.TrainingRun
		horizon, algo, st  string
		modelID, errMsg    sql.NullString
		progress           []byte
		startedMS          int64
		finishedMS         sql.NullInt64
	)
	if err := scan(&run.ID, &horizon, &algo, &st, &modelID, &errMsg,
		&progress, &startedMS, &finishedMS); err != nil {
		return nil, err
	}
	run.Horizon = model.Horizon(horizon)
	run.Algorithm = model.Algorithm(algo)
	run.State = model.RunState(st)
	run.ModelID = modelID.String
	run.Error = errMsg.String
	run.StartedAt = time.UnixMilli(startedMS).UTC()
	if finishedMS.Valid {
		t := time.UnixMilli(finishedMS.Int64).UTC()
		run.FinishedAt = &t
	}
	if err := json.Unmarshal(progress, &run.Progress); err != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", err)
	}
	return &run, nil
}

func decodeModel(doc, artifact []byte) (*model.Model, error) {
	var m model.Model
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("unmarshal model doc: %w", err)
	}
	if err := msgpack.Unmarshal(artifact, &m.Artifact); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &m, nil
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
