// Package memory holds in-process implementations of the store contracts.
// They back tests and mock-only runs where no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

// NewStore returns a fully in-memory store aggregate.
func NewStore() *store.Store {
	return &store.Store{
		Observations: NewObservationStore(),
		MLRows:       NewMLRowStore(),
		Models:       NewModelStore(),
		Registry:     NewRegistryStore(),
		Events:       NewEventStore(),
		Outcomes:     NewOutcomeStore(),
	}
}

type obsKey struct {
	symbol string
	tf     market.Timeframe
	ts     int64
}

// ObservationStore is the in-memory observation collection.
type ObservationStore struct {
	mu   sync.RWMutex
	data map[obsKey]market.Observation
}

func NewObservationStore() *ObservationStore {
	return &ObservationStore{data: make(map[obsKey]market.Observation)}
}

func (s *ObservationStore) Insert(_ context.Context, obs market.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := obsKey{obs.Symbol, obs.Timeframe, obs.Timestamp.UnixMilli()}
	if _, exists := s.data[k]; exists {
		return nil // idempotent
	}
	s.data[k] = obs
	return nil
}

func (s *ObservationStore) InsertBatch(ctx context.Context, obs []market.Observation) error {
	for _, o := range obs {
		if err := s.Insert(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func (s *ObservationStore) Get(_ context.Context, symbol string, tf market.Timeframe, ts time.Time) (*market.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.data[obsKey{symbol, tf, ts.UnixMilli()}]; ok {
		return &o, nil
	}
	return nil, nil
}

func (s *ObservationStore) FirstAtOrAfter(_ context.Context, symbol string, tf market.Timeframe, ts time.Time) (*market.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *market.Observation
	for k, o := range s.data {
		if k.symbol != symbol || k.tf != tf || o.Timestamp.Before(ts) {
			continue
		}
		if best == nil || o.Timestamp.Before(best.Timestamp) {
			c := o
			best = &c
		}
	}
	return best, nil
}

func (s *ObservationStore) Latest(_ context.Context, symbol string, tf market.Timeframe) (*market.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *market.Observation
	for k, o := range s.data {
		if k.symbol != symbol || k.tf != tf {
			continue
		}
		if best == nil || o.Timestamp.After(best.Timestamp) {
			c := o
			best = &c
		}
	}
	return best, nil
}

func (s *ObservationStore) List(_ context.Context, tf market.Timeframe, q store.ObservationQuery) ([]market.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []market.Observation
	for k, o := range s.data {
		if k.symbol != q.Symbol || k.tf != tf || !q.Range.Contains(o.Timestamp) {
			continue
		}
		if q.Regime != "" && o.Regime.Type != q.Regime {
			continue
		}
		if q.MinCompleteness > 0 && o.Meta.Completeness < q.MinCompleteness {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *ObservationStore) Count(_ context.Context, symbol string, tr store.TimeRange) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for k, o := range s.data {
		if k.symbol == symbol && tr.Contains(o.Timestamp) {
			n++
		}
	}
	return n, nil
}

// MLRowStore is the in-memory training row collection.
type MLRowStore struct {
	mu   sync.RWMutex
	rows []model.MLRow
	seen map[string]bool
	next int64
}

func NewMLRowStore() *MLRowStore {
	return &MLRowStore{seen: make(map[string]bool), next: 1}
}

func rowKey(r model.MLRow) string {
	return r.Symbol + "|" + string(r.Horizon) + "|" + r.T0.UTC().Format(time.RFC3339Nano)
}

func (s *MLRowStore) Append(_ context.Context, row model.MLRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rowKey(row)
	if s.seen[k] {
		return nil
	}
	s.seen[k] = true
	row.ID = s.next
	s.next++
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	s.rows = append(s.rows, row)
	return nil
}

func (s *MLRowStore) AppendBatch(ctx context.Context, rows []model.MLRow) error {
	for _, r := range rows {
		if err := s.Append(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *MLRowStore) ListByHorizon(_ context.Context, horizon model.Horizon, tr store.TimeRange, limit int) ([]model.MLRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.MLRow
	for _, r := range s.rows {
		if r.Horizon == horizon && tr.Contains(r.T0) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].T0.Before(out[j].T0) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MLRowStore) CountByHorizon(_ context.Context, horizon model.Horizon) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.rows {
		if r.Horizon == horizon {
			n++
		}
	}
	return n, nil
}

// ModelStore is the in-memory model and run collection.
type ModelStore struct {
	mu     sync.RWMutex
	models map[string]model.Model
	runs   map[string]model.TrainingRun
}

func NewModelStore() *ModelStore {
	return &ModelStore{
		models: make(map[string]model.Model),
		runs:   make(map[string]model.TrainingRun),
	}
}

func (s *ModelStore) SaveModel(_ context.Context, m model.Model) error {
	if err := m.Artifact.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.ID] = m
	return nil
}

func (s *ModelStore) GetModel(_ context.Context, id string) (*model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.models[id]; ok {
		return &m, nil
	}
	return nil, nil
}

func (s *ModelStore) ListModels(_ context.Context, horizon model.Horizon, limit int) ([]model.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Model
	for _, m := range s.models {
		if m.Horizon == horizon {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ModelStore) UpdateStatus(_ context.Context, id string, status model.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Status = status
	switch status {
	case model.StatusActive:
		t := at
		m.PromotedAt = &t
	case model.StatusRetired:
		t := at
		m.RetiredAt = &t
	}
	s.models[id] = m
	return nil
}

func (s *ModelStore) NextVersion(_ context.Context, horizon model.Horizon) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, m := range s.models {
		if m.Horizon == horizon && m.Version > max {
			max = m.Version
		}
	}
	return max + 1, nil
}

func (s *ModelStore) SaveRun(_ context.Context, run model.TrainingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *ModelStore) GetRun(_ context.Context, id string) (*model.TrainingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.runs[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *ModelStore) ListRuns(_ context.Context, horizon model.Horizon, limit int) ([]model.TrainingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.TrainingRun
	for _, r := range s.runs {
		if r.Horizon == horizon {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RegistryStore is the in-memory registry pointer collection.
type RegistryStore struct {
	mu    sync.RWMutex
	state map[model.Horizon]model.RegistryState
}

func NewRegistryStore() *RegistryStore {
	return &RegistryStore{state: make(map[model.Horizon]model.RegistryState)}
}

func (s *RegistryStore) Get(_ context.Context, horizon model.Horizon) (*model.RegistryState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.state[horizon]; ok {
		return &st, nil
	}
	return nil, nil
}

func (s *RegistryStore) Put(_ context.Context, state model.RegistryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[state.Horizon] = state
	return nil
}

// EventStore is the in-memory append-only event log.
type EventStore struct {
	mu     sync.RWMutex
	events []model.Event
	next   int64
}

func NewEventStore() *EventStore {
	return &EventStore{next: 1}
}

func (s *EventStore) Append(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = s.next
	s.next++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *EventStore) List(_ context.Context, q store.EventQuery) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		if q.Horizon != "" && ev.Horizon != q.Horizon {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *EventStore) LastOfType(_ context.Context, t model.EventType, horizon model.Horizon) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.Type == t && ev.Horizon == horizon {
			return &ev, nil
		}
	}
	return nil, nil
}

func (s *EventStore) Stats(_ context.Context, recentWindow time.Duration) (store.EventStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := store.EventStats{
		ByType:           make(map[model.EventType]int64),
		ByHorizon:        make(map[model.Horizon]int64),
		RecentWindowDays: int(recentWindow.Hours() / 24),
	}
	cutoff := time.Now().Add(-recentWindow)
	for _, ev := range s.events {
		stats.Total++
		stats.ByType[ev.Type]++
		stats.ByHorizon[ev.Horizon]++
		if ev.Timestamp.After(cutoff) {
			switch ev.Type {
			case model.EventPromoted:
				stats.RecentPromotions++
			case model.EventRolledBack:
				stats.RecentRollbacks++
			}
		}
	}
	return stats, nil
}

// OutcomeStore is the in-memory trade outcome collection.
type OutcomeStore struct {
	mu       sync.RWMutex
	outcomes []model.TradeOutcome
}

func NewOutcomeStore() *OutcomeStore {
	return &OutcomeStore{}
}

func (s *OutcomeStore) Append(_ context.Context, o model.TradeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *OutcomeStore) List(_ context.Context, horizon model.Horizon, tr store.TimeRange, shadow bool) ([]model.TradeOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.TradeOutcome
	for _, o := range s.outcomes {
		if o.Horizon == horizon && o.IsShadow == shadow && tr.Contains(o.Timestamp) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}
