// Package lifecycle runs the automated promotion and rollback machinery and
// the guardrails that gate it.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/store"
)

// DriftState classifies feature drift for a horizon.
type DriftState string

const (
	DriftNormal   DriftState = "NORMAL"
	DriftWarning  DriftState = "WARNING"
	DriftCritical DriftState = "CRITICAL"
)

// Valid reports whether s belongs to the closed drift-state set.
func (s DriftState) Valid() bool {
	switch s {
	case DriftNormal, DriftWarning, DriftCritical:
		return true
	}
	return false
}

// GuardrailConfig holds the mutable safety limits.
type GuardrailConfig struct {
	MaxDailyRetrains        int     `yaml:"max_daily_retrains" json:"max_daily_retrains"`
	MinRetrainIntervalMin   int     `yaml:"min_retrain_interval_min" json:"min_retrain_interval_min"`
	MaxPortfolioExposure    float64 `yaml:"max_portfolio_exposure" json:"max_portfolio_exposure"`
	MaxVolatilityForTrading float64 `yaml:"max_volatility_for_trading" json:"max_volatility_for_trading"`
}

// DefaultGuardrailConfig returns the production limits.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		MaxDailyRetrains:        4,
		MinRetrainIntervalMin:   120,
		MaxPortfolioExposure:    0.25,
		MaxVolatilityForTrading: 0.80,
	}
}

// RetrainVerdict reports whether a retrain may start now.
type RetrainVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Guardrails is the process-scoped safety state. All mutations go through a
// single lock and are audited to the event log so state survives restarts.
type Guardrails struct {
	mu     sync.Mutex
	cfg    GuardrailConfig
	events store.EventStore
	clock  func() time.Time
	logger zerolog.Logger

	killSwitch    bool
	promotionLock bool
	drift         map[model.Horizon]DriftState

	retrainsToday   int
	retrainDay      string // UTC date the counter belongs to
	lastRetrainAt   time.Time
	lastRetrainSeen bool
}

// NewGuardrails creates guardrails with everything open.
func NewGuardrails(cfg GuardrailConfig, events store.EventStore) *Guardrails {
	return &Guardrails{
		cfg:    cfg,
		events: events,
		clock:  time.Now,
		drift:  make(map[model.Horizon]DriftState),
		logger: log.With().Str("component", "guardrails").Logger(),
	}
}

// Restore replays the event log so kill switch, promotion lock and drift
// state survive a process restart.
func (g *Guardrails) Restore(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	on, err := g.events.LastOfType(ctx, model.EventKillSwitchOn, model.HorizonGlobal)
	if err != nil {
		return err
	}
	off, err := g.events.LastOfType(ctx, model.EventKillSwitchOff, model.HorizonGlobal)
	if err != nil {
		return err
	}
	g.killSwitch = on != nil && (off == nil || on.Timestamp.After(off.Timestamp))

	lockOn, err := g.events.LastOfType(ctx, model.EventPromotionLockOn, model.HorizonGlobal)
	if err != nil {
		return err
	}
	lockOff, err := g.events.LastOfType(ctx, model.EventPromotionLockOff, model.HorizonGlobal)
	if err != nil {
		return err
	}
	g.promotionLock = lockOn != nil && (lockOff == nil || lockOn.Timestamp.After(lockOff.Timestamp))

	for _, h := range model.Horizons {
		ev, err := g.events.LastOfType(ctx, model.EventDriftChanged, h)
		if err != nil {
			return err
		}
		if ev != nil && ev.Reason != "" {
			g.drift[h] = DriftState(ev.Reason)
		}
	}

	g.logger.Info().
		Bool("kill_switch", g.killSwitch).
		Bool("promotion_lock", g.promotionLock).
		Msg("guardrail state restored")
	return nil
}

// IsKillSwitchActive reports the kill switch.
func (g *Guardrails) IsKillSwitchActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killSwitch
}

// IsPromotionLocked reports the promotion lock.
func (g *Guardrails) IsPromotionLocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.promotionLock
}

// SetKillSwitch flips the kill switch; a no-op when already in that state.
func (g *Guardrails) SetKillSwitch(ctx context.Context, on bool, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.killSwitch == on {
		return nil
	}
	g.killSwitch = on

	evType := model.EventKillSwitchOff
	if on {
		evType = model.EventKillSwitchOn
	}
	g.logger.Warn().Bool("on", on).Str("reason", reason).Msg("kill switch changed")
	return g.events.Append(ctx, model.Event{
		Type:      evType,
		Horizon:   model.HorizonGlobal,
		Reason:    reason,
		Timestamp: g.clock().UTC(),
	})
}

// SetPromotionLock flips the promotion lock; a no-op when already in that state.
func (g *Guardrails) SetPromotionLock(ctx context.Context, on bool, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.promotionLock == on {
		return nil
	}
	g.promotionLock = on

	evType := model.EventPromotionLockOff
	if on {
		evType = model.EventPromotionLockOn
	}
	g.logger.Info().Bool("on", on).Str("reason", reason).Msg("promotion lock changed")
	return g.events.Append(ctx, model.Event{
		Type:      evType,
		Horizon:   model.HorizonGlobal,
		Reason:    reason,
		Timestamp: g.clock().UTC(),
	})
}

// CanRetrain reports whether the daily budget and minimum spacing allow a
// retrain to start now. The counter resets at the UTC day boundary.
func (g *Guardrails) CanRetrain() RetrainVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock().UTC()
	g.resetDayLocked(now)

	if g.retrainsToday >= g.cfg.MaxDailyRetrains {
		return RetrainVerdict{Reason: fmt.Sprintf("daily retrain budget exhausted: %d of %d",
			g.retrainsToday, g.cfg.MaxDailyRetrains)}
	}
	if g.lastRetrainSeen {
		since := now.Sub(g.lastRetrainAt)
		minGap := time.Duration(g.cfg.MinRetrainIntervalMin) * time.Minute
		if since < minGap {
			return RetrainVerdict{Reason: fmt.Sprintf("last retrain %s ago, minimum interval %s",
				since.Round(time.Minute), minGap)}
		}
	}
	return RetrainVerdict{Allowed: true, Reason: "ok"}
}

// MarkRetrainExecuted charges one retrain against today's budget.
func (g *Guardrails) MarkRetrainExecuted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock().UTC()
	g.resetDayLocked(now)
	g.retrainsToday++
	g.lastRetrainAt = now
	g.lastRetrainSeen = true
}

func (g *Guardrails) resetDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if day != g.retrainDay {
		g.retrainDay = day
		g.retrainsToday = 0
	}
}

// CapExposure clamps a requested exposure to the portfolio limit.
func (g *Guardrails) CapExposure(x float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if x > g.cfg.MaxPortfolioExposure {
		return g.cfg.MaxPortfolioExposure
	}
	return x
}

// ShouldBlockTrading reports whether volatility exceeds the trading ceiling.
func (g *Guardrails) ShouldBlockTrading(vol float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return vol > g.cfg.MaxVolatilityForTrading
}

// DriftStateFor returns the recorded drift for a horizon, NORMAL by default.
func (g *Guardrails) DriftStateFor(h model.Horizon) DriftState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.drift[h]; ok {
		return s
	}
	return DriftNormal
}

// SetDriftState records drift for a horizon and audits the transition; a
// no-op when the state is unchanged.
func (g *Guardrails) SetDriftState(ctx context.Context, h model.Horizon, state DriftState) error {
	if !state.Valid() {
		return fmt.Errorf("unknown drift state %q", state)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, ok := g.drift[h]
	if !ok {
		prev = DriftNormal
	}
	if prev == state {
		return nil
	}
	g.drift[h] = state

	g.logger.Info().
		Str("horizon", string(h)).
		Str("from", string(prev)).
		Str("to", string(state)).
		Msg("drift state changed")
	return g.events.Append(ctx, model.Event{
		Type:      model.EventDriftChanged,
		Horizon:   h,
		Reason:    string(state),
		Meta:      map[string]any{"from": string(prev)},
		Timestamp: g.clock().UTC(),
	})
}

// ConfigPatch carries optional overrides for UpdateConfig.
type ConfigPatch struct {
	MaxDailyRetrains        *int     `json:"max_daily_retrains,omitempty"`
	MinRetrainIntervalMin   *int     `json:"min_retrain_interval_min,omitempty"`
	MaxPortfolioExposure    *float64 `json:"max_portfolio_exposure,omitempty"`
	MaxVolatilityForTrading *float64 `json:"max_volatility_for_trading,omitempty"`
}

// UpdateConfig applies a patch and audits the change. Invalid values reject
// the whole patch.
func (g *Guardrails) UpdateConfig(ctx context.Context, patch ConfigPatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.cfg
	changed := map[string]any{}
	if patch.MaxDailyRetrains != nil {
		if *patch.MaxDailyRetrains < 1 {
			return fmt.Errorf("update config: max_daily_retrains must be >= 1, got %d", *patch.MaxDailyRetrains)
		}
		next.MaxDailyRetrains = *patch.MaxDailyRetrains
		changed["max_daily_retrains"] = *patch.MaxDailyRetrains
	}
	if patch.MinRetrainIntervalMin != nil {
		if *patch.MinRetrainIntervalMin < 0 {
			return fmt.Errorf("update config: min_retrain_interval_min must be >= 0, got %d", *patch.MinRetrainIntervalMin)
		}
		next.MinRetrainIntervalMin = *patch.MinRetrainIntervalMin
		changed["min_retrain_interval_min"] = *patch.MinRetrainIntervalMin
	}
	if patch.MaxPortfolioExposure != nil {
		if *patch.MaxPortfolioExposure <= 0 || *patch.MaxPortfolioExposure > 1 {
			return fmt.Errorf("update config: max_portfolio_exposure must be in (0, 1], got %v", *patch.MaxPortfolioExposure)
		}
		next.MaxPortfolioExposure = *patch.MaxPortfolioExposure
		changed["max_portfolio_exposure"] = *patch.MaxPortfolioExposure
	}
	if patch.MaxVolatilityForTrading != nil {
		if *patch.MaxVolatilityForTrading <= 0 {
			return fmt.Errorf("update config: max_volatility_for_trading must be > 0, got %v", *patch.MaxVolatilityForTrading)
		}
		next.MaxVolatilityForTrading = *patch.MaxVolatilityForTrading
		changed["max_volatility_for_trading"] = *patch.MaxVolatilityForTrading
	}
	if len(changed) == 0 {
		return nil
	}
	g.cfg = next

	g.logger.Info().Interface("changed", changed).Msg("guardrail config updated")
	return g.events.Append(ctx, model.Event{
		Type:      model.EventConfigUpdated,
		Horizon:   model.HorizonGlobal,
		Meta:      changed,
		Timestamp: g.clock().UTC(),
	})
}

// Config returns a copy of the current limits.
func (g *Guardrails) Config() GuardrailConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}
