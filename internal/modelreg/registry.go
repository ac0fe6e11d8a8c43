// Package modelreg manages the per-horizon active/shadow/prev model pointers.
package modelreg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

var (
	// ErrNoPrev marks a rollback with no retired predecessor to restore.
	ErrNoPrev = errors.New("no previous model to roll back to")
	// ErrAlreadyActive marks a promotion of the model that is already active.
	ErrAlreadyActive = errors.New("candidate is already active")
)

// Registry serializes pointer mutations per horizon. All state changes are
// persisted and emit lifecycle events.
type Registry struct {
	state  store.RegistryStore
	models store.ModelStore
	events store.EventStore

	mu    sync.Mutex
	locks map[model.Horizon]*sync.Mutex
	clock func() time.Time

	logger zerolog.Logger
}

// New creates a registry over the persistence layer.
func New(state store.RegistryStore, models store.ModelStore, events store.EventStore) *Registry {
	return &Registry{
		state:  state,
		models: models,
		events: events,
		locks:  make(map[model.Horizon]*sync.Mutex),
		clock:  time.Now,
		logger: log.With().Str("component", "modelreg").Logger(),
	}
}

func (r *Registry) lock(h model.Horizon) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.locks[h]; !ok {
		r.locks[h] = &sync.Mutex{}
	}
	return r.locks[h]
}

// State returns the pointer document for a horizon, creating an empty one on
// first use.
func (r *Registry) State(ctx context.Context, h model.Horizon) (*model.RegistryState, error) {
	st, err := r.state.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &model.RegistryState{Horizon: h}
	}
	return st, nil
}

// Promote makes the candidate the ACTIVE model for its horizon. The previous
// ACTIVE is retired and becomes PREV; prevModelId is recorded before the
// swap so a rollback target always exists after the first promotion.
func (r *Registry) Promote(ctx context.Context, h model.Horizon, candidateID string) error {
	mu := r.lock(h)
	mu.Lock()
	defer mu.Unlock()

	candidate, err := r.models.GetModel(ctx, candidateID)
	if err != nil {
		return err
	}
	if candidate == nil {
		return fmt.Errorf("promote: model %s not found", candidateID)
	}
	if candidate.Horizon != h {
		return fmt.Errorf("promote: model %s belongs to horizon %s, not %s", candidateID, candidate.Horizon, h)
	}

	st, err := r.State(ctx, h)
	if err != nil {
		return err
	}
	if st.ActiveModelID == candidateID {
		return ErrAlreadyActive
	}

	now := r.clock().UTC()
	prevID, prevVersion := st.ActiveModelID, st.ActiveVersion
	if prevID != "" {
		if err := r.models.UpdateStatus(ctx, prevID, model.StatusRetired, now); err != nil {
			return fmt.Errorf("retire %s: %w", prevID, err)
		}
		st.PrevModelID = prevID
		st.PrevVersion = prevVersion
	}
	if err := r.models.UpdateStatus(ctx, candidateID, model.StatusActive, now); err != nil {
		return fmt.Errorf("activate %s: %w", candidateID, err)
	}

	st.ActiveModelID = candidateID
	st.ActiveVersion = candidate.Version
	if st.ShadowModelID == candidateID {
		st.ShadowModelID = ""
	}
	st.TotalVersions++
	st.Promotions++
	st.LastPromotedAt = &now
	st.UpdatedAt = now
	if err := r.state.Put(ctx, *st); err != nil {
		return err
	}

	if err := r.events.Append(ctx, model.Event{
		Type:        model.EventPromoted,
		Horizon:     h,
		FromModelID: prevID,
		ToModelID:   candidateID,
		Timestamp:   now,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("promotion event append failed")
	}

	r.logger.Info().
		Str("horizon", string(h)).
		Str("from", prevID).
		Str("to", candidateID).
		Int("version", candidate.Version).
		Msg("model promoted")
	return nil
}

// Rollback swaps ACTIVE and PREV. The demoted model is retired; the restored
// model's stored metrics and version come back with it.
func (r *Registry) Rollback(ctx context.Context, h model.Horizon, reason string) error {
	mu := r.lock(h)
	mu.Lock()
	defer mu.Unlock()

	st, err := r.State(ctx, h)
	if err != nil {
		return err
	}
	if st.PrevModelID == "" {
		return ErrNoPrev
	}

	prev, err := r.models.GetModel(ctx, st.PrevModelID)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("rollback: previous model %s not found", st.PrevModelID)
	}

	now := r.clock().UTC()
	demotedID, demotedVersion := st.ActiveModelID, st.ActiveVersion
	if demotedID != "" {
		if err := r.models.UpdateStatus(ctx, demotedID, model.StatusRetired, now); err != nil {
			return fmt.Errorf("retire %s: %w", demotedID, err)
		}
	}
	if err := r.models.UpdateStatus(ctx, prev.ID, model.StatusActive, now); err != nil {
		return fmt.Errorf("restore %s: %w", prev.ID, err)
	}

	st.ActiveModelID = prev.ID
	st.ActiveVersion = prev.Version
	st.PrevModelID = demotedID
	st.PrevVersion = demotedVersion
	st.Rollbacks++
	st.LastRollbackAt = &now
	st.UpdatedAt = now
	if err := r.state.Put(ctx, *st); err != nil {
		return err
	}

	if err := r.events.Append(ctx, model.Event{
		Type:        model.EventRolledBack,
		Horizon:     h,
		FromModelID: demotedID,
		ToModelID:   prev.ID,
		Reason:      reason,
		Timestamp:   now,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("rollback event append failed")
	}

	r.logger.Warn().
		Str("horizon", string(h)).
		Str("from", demotedID).
		Str("to", prev.ID).
		Str("reason", reason).
		Msg("model rolled back")
	return nil
}

// SetShadow points the shadow slot at a model; the event is emitted only
// when the pointer actually changes.
func (r *Registry) SetShadow(ctx context.Context, h model.Horizon, id string) error {
	mu := r.lock(h)
	mu.Lock()
	defer mu.Unlock()

	m, err := r.models.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("set shadow: model %s not found", id)
	}

	st, err := r.State(ctx, h)
	if err != nil {
		return err
	}
	if st.ActiveModelID == id {
		return fmt.Errorf("set shadow: %s is the active model", id)
	}
	if st.ShadowModelID == id {
		return nil
	}

	now := r.clock().UTC()
	if err := r.models.UpdateStatus(ctx, id, model.StatusShadow, now); err != nil {
		return err
	}
	st.ShadowModelID = id
	st.UpdatedAt = now
	if err := r.state.Put(ctx, *st); err != nil {
		return err
	}
	return r.events.Append(ctx, model.Event{
		Type:      model.EventShadowSet,
		Horizon:   h,
		ToModelID: id,
		Timestamp: now,
	})
}

// ClearShadow empties the shadow slot; a no-op when already empty.
func (r *Registry) ClearShadow(ctx context.Context, h model.Horizon) error {
	mu := r.lock(h)
	mu.Lock()
	defer mu.Unlock()

	st, err := r.State(ctx, h)
	if err != nil {
		return err
	}
	if st.ShadowModelID == "" {
		return nil
	}

	now := r.clock().UTC()
	cleared := st.ShadowModelID
	if err := r.models.UpdateStatus(ctx, cleared, model.StatusReady, now); err != nil {
		return err
	}
	st.ShadowModelID = ""
	st.UpdatedAt = now
	if err := r.state.Put(ctx, *st); err != nil {
		return err
	}
	return r.events.Append(ctx, model.Event{
		Type:        model.EventShadowCleared,
		Horizon:     h,
		FromModelID: cleared,
		Timestamp:   now,
	})
}

// Active loads the ACTIVE model for a horizon, or nil when none is set.
func (r *Registry) Active(ctx context.Context, h model.Horizon) (*model.Model, error) {
	st, err := r.State(ctx, h)
	if err != nil {
		return nil, err
	}
	if st.ActiveModelID == "" {
		return nil, nil
	}
	return r.models.GetModel(ctx, st.ActiveModelID)
}

// Shadow loads the SHADOW model for a horizon, or nil when none is set.
func (r *Registry) Shadow(ctx context.Context, h model.Horizon) (*model.Model, error) {
	st, err := r.State(ctx, h)
	if err != nil {
		return nil, err
	}
	if st.ShadowModelID == "" {
		return nil, nil
	}
	return r.models.GetModel(ctx, st.ShadowModelID)
}
