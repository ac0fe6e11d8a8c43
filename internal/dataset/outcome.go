// Package dataset turns stored observations into resolved outcomes and
// supervised training rows.
package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/derivwatch/derivwatch/internal/market"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

// Flag thresholds compare aggregates at t1 against t0.
const (
	StressEscalationDelta = 0.20
	VolatilitySpikeDelta  = 0.25
	// PriceTolerance accepts a t1 price slightly before the exact horizon
	// boundary when bar alignment falls short.
	PriceTolerance = 10 * time.Minute
)

// DefaultLabelEpsilon separates WIN/LOSS from NEUTRAL on realized returns.
const DefaultLabelEpsilon = 0.005

// Flags capture how conditions changed between t0 and t1.
type Flags struct {
	CascadeOccurred bool `json:"cascade_occurred"`
	StressEscalated bool `json:"stress_escalated"`
	RegimeDegraded  bool `json:"regime_degraded"`
	VolatilitySpike bool `json:"volatility_spike"`
}

// Outcome pairs a base observation with its forward observation.
type Outcome struct {
	Symbol    string          `json:"symbol"`
	Horizon   model.Horizon   `json:"horizon"`
	Direction model.Direction `json:"direction"`
	T0        time.Time       `json:"t0"`
	T1        time.Time       `json:"t1"`
	Return    float64         `json:"return"` // direction-aware
	Result    model.Result    `json:"result"`
	Flags     Flags           `json:"flags"`
	Pending   bool            `json:"pending"`
}

// OutcomeBuilder resolves observations against their forward horizon.
type OutcomeBuilder struct {
	obs          store.ObservationStore
	timeframe    market.Timeframe
	labelEpsilon float64
}

// NewOutcomeBuilder creates a builder over the observation store.
func NewOutcomeBuilder(obs store.ObservationStore, tf market.Timeframe, labelEpsilon float64) *OutcomeBuilder {
	if labelEpsilon <= 0 {
		labelEpsilon = DefaultLabelEpsilon
	}
	return &OutcomeBuilder{obs: obs, timeframe: tf, labelEpsilon: labelEpsilon}
}

// Build resolves the outcome for a decision at t0. When no forward
// observation exists yet the outcome is returned with Pending set.
func (b *OutcomeBuilder) Build(ctx context.Context, symbol string, t0 time.Time, horizon model.Horizon, direction model.Direction) (*Outcome, error) {
	base, err := b.obs.Get(ctx, symbol, b.timeframe, t0)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, fmt.Errorf("no observation for %s at %s", symbol, t0.Format(time.RFC3339))
	}

	out := &Outcome{
		Symbol:    symbol,
		Horizon:   horizon,
		Direction: direction,
		T0:        t0,
	}

	target := t0.Add(horizon.Duration())
	forward, err := b.obs.FirstAtOrAfter(ctx, symbol, b.timeframe, target.Add(-PriceTolerance))
	if err != nil {
		return nil, err
	}
	if forward == nil || forward.Timestamp.Before(target.Add(-PriceTolerance)) {
		out.Pending = true
		return out, nil
	}

	out.T1 = forward.Timestamp
	out.Return = directionReturn(base.Price.Close, forward.Price.Close, direction)
	out.Result = b.result(out.Return)
	out.Flags = compareFlags(base, forward)
	return out, nil
}

func (b *OutcomeBuilder) result(ret float64) model.Result {
	switch {
	case ret > b.labelEpsilon:
		return model.ResultWin
	case ret < -b.labelEpsilon:
		return model.ResultLoss
	default:
		return model.ResultNeutral
	}
}

// directionReturn is positive when the move aligns with the declared intent.
func directionReturn(entry, exit float64, direction model.Direction) float64 {
	if entry <= 0 {
		return 0
	}
	raw := (exit - entry) / entry
	if direction == model.DirectionShort {
		return -raw
	}
	return raw
}

// compareFlags derives the condition-change flags between two observations.
func compareFlags(t0, t1 *market.Observation) Flags {
	return Flags{
		CascadeOccurred: t1.Cascade.Active,
		StressEscalated: t1.Aggregates.Stress-t0.Aggregates.Stress >= StressEscalationDelta,
		RegimeDegraded:  regimeDegraded(t0.Regime.Type, t1.Regime.Type),
		VolatilitySpike: t1.Aggregates.Volatility-t0.Aggregates.Volatility >= VolatilitySpikeDelta,
	}
}

// regimeRank orders regimes from benign to hostile.
var regimeRank = map[market.RegimeType]int{
	market.RegimeTrendingUp:   0,
	market.RegimeAccumulation: 0,
	market.RegimeRange:        1,
	market.RegimeNeutral:      1,
	market.RegimeTrendingDown: 2,
	market.RegimeTransition:   2,
	market.RegimeChaotic:      3,
	market.RegimeCrisis:       4,
}

func regimeDegraded(from, to market.RegimeType) bool {
	return regimeRank[to] > regimeRank[from]
}
