// Package store defines the persistence contracts for observations, ML rows,
// models, registry pointers and lifecycle events.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/model"
)

// ErrNotFound marks updates against a missing record.
var ErrNotFound = errors.New("record not found")

// TimeRange is a closed query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether ts falls inside the range.
func (tr TimeRange) Contains(ts time.Time) bool {
	return !ts.Before(tr.From) && !ts.After(tr.To)
}

// ObservationQuery filters observation reads.
type ObservationQuery struct {
	Symbol          string
	Range           TimeRange
	Regime          market.RegimeType // optional
	MinCompleteness float64           // 0 disables the filter
	Limit           int
}

// ObservationStore is the append-only observation collection. Writes are
// idempotent by (symbol, timeframe, timestamp); there are no deletes.
type ObservationStore interface {
	Insert(ctx context.Context, obs market.Observation) error
	InsertBatch(ctx context.Context, obs []market.Observation) error
	Get(ctx context.Context, symbol string, tf market.Timeframe, ts time.Time) (*market.Observation, error)
	// FirstAtOrAfter returns the earliest observation with timestamp >= ts.
	FirstAtOrAfter(ctx context.Context, symbol string, tf market.Timeframe, ts time.Time) (*market.Observation, error)
	Latest(ctx context.Context, symbol string, tf market.Timeframe) (*market.Observation, error)
	List(ctx context.Context, tf market.Timeframe, q ObservationQuery) ([]market.Observation, error)
	Count(ctx context.Context, symbol string, tr TimeRange) (int64, error)
}

// MLRowStore persists supervised training rows.
type MLRowStore interface {
	Append(ctx context.Context, row model.MLRow) error
	AppendBatch(ctx context.Context, rows []model.MLRow) error
	// ListByHorizon returns rows ordered by T0 ascending for temporal splits.
	ListByHorizon(ctx context.Context, horizon model.Horizon, tr TimeRange, limit int) ([]model.MLRow, error)
	CountByHorizon(ctx context.Context, horizon model.Horizon) (int64, error)
}

// ModelStore persists trained models and their training runs.
type ModelStore interface {
	SaveModel(ctx context.Context, m model.Model) error
	GetModel(ctx context.Context, id string) (*model.Model, error)
	ListModels(ctx context.Context, horizon model.Horizon, limit int) ([]model.Model, error)
	UpdateStatus(ctx context.Context, id string, status model.Status, at time.Time) error
	NextVersion(ctx context.Context, horizon model.Horizon) (int, error)

	SaveRun(ctx context.Context, run model.TrainingRun) error
	GetRun(ctx context.Context, id string) (*model.TrainingRun, error)
	ListRuns(ctx context.Context, horizon model.Horizon, limit int) ([]model.TrainingRun, error)
}

// RegistryStore persists the per-horizon pointer documents.
type RegistryStore interface {
	Get(ctx context.Context, horizon model.Horizon) (*model.RegistryState, error)
	Put(ctx context.Context, state model.RegistryState) error
}

// EventQuery filters lifecycle event reads.
type EventQuery struct {
	Type    model.EventType // optional
	Horizon model.Horizon   // optional
	Limit   int
}

// EventStats aggregates the event log.
type EventStats struct {
	Total             int64                     `json:"total"`
	ByType            map[model.EventType]int64 `json:"by_type"`
	ByHorizon         map[model.Horizon]int64   `json:"by_horizon"`
	RecentPromotions  int64                     `json:"recent_promotions"`
	RecentRollbacks   int64                     `json:"recent_rollbacks"`
	RecentWindowDays  int                       `json:"recent_window_days"`
}

// EventStore is the append-only lifecycle event log.
type EventStore interface {
	Append(ctx context.Context, ev model.Event) error
	List(ctx context.Context, q EventQuery) ([]model.Event, error)
	// LastOfType returns the most recent event of the type for a horizon,
	// or nil when none exists.
	LastOfType(ctx context.Context, t model.EventType, horizon model.Horizon) (*model.Event, error)
	Stats(ctx context.Context, recentWindow time.Duration) (EventStats, error)
}

// OutcomeStore persists realized trade outcomes for performance tracking.
type OutcomeStore interface {
	Append(ctx context.Context, o model.TradeOutcome) error
	// List returns outcomes for a horizon within the range, newest first.
	// shadow selects shadow or active outcomes.
	List(ctx context.Context, horizon model.Horizon, tr TimeRange, shadow bool) ([]model.TradeOutcome, error)
}

// Store aggregates every persistence interface the services need.
type Store struct {
	Observations ObservationStore
	MLRows       MLRowStore
	Models       ModelStore
	Registry     RegistryStore
	Events       EventStore
	Outcomes     OutcomeStore
}
