package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

type registryRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRegistryRepo creates the PostgreSQL registry pointer store.
func NewRegistryRepo(db *sqlx.DB, timeout time.Duration) store.RegistryStore {
	return &registryRepo{db: db, timeout: timeout}
}

func (r *registryRepo) Get(ctx context.Context, horizon model.Horizon) (*model.RegistryState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		st                         model.RegistryState
		active, shadow, prev       sql.NullString
		promotedMS, rollbackMS     sql.NullInt64
		updatedMS                  int64
		horizonStr                 string
	)
	err := r.db.QueryRowxContext(ctx, `
		SELECT horizon, active_model_id, active_version, shadow_model_id,
		       prev_model_id, prev_version, total_versions, promotions, rollbacks,
		       last_promoted_at, last_rollback_at, updated_at
		FROM exch_model_registry WHERE horizon=$1`, string(horizon)).
		Scan(&horizonStr, &active, &st.ActiveVersion, &shadow,
			&prev, &st.PrevVersion, &st.TotalVersions, &st.Promotions, &st.Rollbacks,
			&promotedMS, &rollbackMS, &updatedMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get registry %s: %w", horizon, err)
	}
	st.Horizon = model.Horizon(horizonStr)
	st.ActiveModelID = active.String
	st.ShadowModelID = shadow.String
	st.PrevModelID = prev.String
	if promotedMS.Valid {
		t := time.UnixMilli(promotedMS.Int64).UTC()
		st.LastPromotedAt = &t
	}
	if rollbackMS.Valid {
		t := time.UnixMilli(rollbackMS.Int64).UTC()
		st.LastRollbackAt = &t
	}
	st.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return &st, nil
}

func (r *registryRepo) Put(ctx context.Context, state model.RegistryState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exch_model_registry
		(horizon, active_model_id, active_version, shadow_model_id, prev_model_id,
		 prev_version, total_versions, promotions, rollbacks,
		 last_promoted_at, last_rollback_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (horizon) DO UPDATE SET
			active_model_id = EXCLUDED.active_model_id,
			active_version = EXCLUDED.active_version,
			shadow_model_id = EXCLUDED.shadow_model_id,
			prev_model_id = EXCLUDED.prev_model_id,
			prev_version = EXCLUDED.prev_version,
			total_versions = EXCLUDED.total_versions,
			promotions = EXCLUDED.promotions,
			rollbacks = EXCLUDED.rollbacks,
			last_promoted_at = EXCLUDED.last_promoted_at,
			last_rollback_at = EXCLUDED.last_rollback_at,
			updated_at = EXCLUDED.updated_at`,
		string(state.Horizon), nullStr(state.ActiveModelID), state.ActiveVersion,
		nullStr(state.ShadowModelID), nullStr(state.PrevModelID), state.PrevVersion,
		state.TotalVersions, state.Promotions, state.Rollbacks,
		msOrNil(state.LastPromotedAt), msOrNil(state.LastRollbackAt),
		state.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put registry %s: %w", state.Horizon, err)
	}
	return nil
}
