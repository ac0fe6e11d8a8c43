package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/metrics"
	"github.com/derivwatch/derivwatch/internal/model"
	"github.com/derivwatch/derivwatch/internal/modelreg"
	"github.com/derivwatch/derivwatch/internal/perf"
	"github.com/derivwatch/derivwatch/internal/store"
)

// ControllerConfig tunes the automated passes.
type ControllerConfig struct {
	AutoPromote    bool          `yaml:"auto_promote"`
	AutoRollback   bool          `yaml:"auto_rollback"`
	WindowDays     int           `yaml:"window_days"`
	MinSamples     int           `yaml:"min_samples"`
	PromotionEvery time.Duration `yaml:"promotion_every"`
	RollbackEvery  time.Duration `yaml:"rollback_every"`

	Promotion perf.PromotionRules `yaml:"promotion"`
	Rollback  perf.RollbackRules  `yaml:"rollback"`
}

// DefaultControllerConfig returns the production pass setup.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		AutoPromote:    true,
		AutoRollback:   true,
		WindowDays:     30,
		MinSamples:     perf.MinShadowSamples,
		PromotionEvery: 6 * time.Hour,
		RollbackEvery:  3 * time.Hour,
		Promotion:      perf.DefaultPromotionRules(),
		Rollback:       perf.DefaultRollbackRules(),
	}
}

// PassResult summarizes one promotion or rollback pass.
type PassResult struct {
	Ran       bool              `json:"ran"`
	Actions   int               `json:"actions"`
	SkipNote  string            `json:"skip_note,omitempty"`
	PerReason map[string]string `json:"per_reason,omitempty"` // horizon -> decision reason
}

// Controller runs the auto-promotion and auto-rollback passes. The two pass
// kinds are mutually exclusive under one lock.
type Controller struct {
	cfg      ControllerConfig
	registry *modelreg.Registry
	outcomes store.OutcomeStore
	guards   *Guardrails

	passMu sync.Mutex
	clock  func() time.Time
	logger zerolog.Logger
}

// NewController wires the lifecycle passes over the registry and outcome data.
func NewController(cfg ControllerConfig, registry *modelreg.Registry, outcomes store.OutcomeStore, guards *Guardrails) *Controller {
	return &Controller{
		cfg:      cfg,
		registry: registry,
		outcomes: outcomes,
		guards:   guards,
		clock:    time.Now,
		logger:   log.With().Str("component", "lifecycle").Logger(),
	}
}

// PromotionPass compares shadow against active per horizon and promotes the
// shadow when it is better and clears the safety floors. No-op under the
// kill switch or the promotion lock.
func (c *Controller) PromotionPass(ctx context.Context) (PassResult, error) {
	if !c.cfg.AutoPromote {
		return PassResult{SkipNote: "auto-promotion disabled"}, nil
	}
	if c.guards.IsKillSwitchActive() {
		c.logger.Warn().Msg("promotion pass skipped: kill switch active")
		metrics.RecordLifecycleAction("skip")
		return PassResult{SkipNote: "skipped: kill switch active"}, nil
	}
	if c.guards.IsPromotionLocked() {
		c.logger.Info().Msg("promotion pass skipped: promotion lock active")
		metrics.RecordLifecycleAction("skip")
		return PassResult{SkipNote: "skipped: promotion lock active"}, nil
	}

	c.passMu.Lock()
	defer c.passMu.Unlock()

	res := PassResult{Ran: true, PerReason: make(map[string]string)}
	now := c.clock().UTC()
	window := store.TimeRange{From: now.AddDate(0, 0, -c.cfg.WindowDays), To: now}

	for _, h := range model.Horizons {
		shadow, err := c.registry.Shadow(ctx, h)
		if err != nil {
			return res, err
		}
		if shadow == nil {
			res.PerReason[string(h)] = "no shadow model"
			continue
		}

		activeOutcomes, err := c.outcomes.List(ctx, h, window, false)
		if err != nil {
			return res, err
		}
		shadowOutcomes, err := c.outcomes.List(ctx, h, window, true)
		if err != nil {
			return res, err
		}

		activeWin := perf.Compute(activeOutcomes, h, "", c.cfg.WindowDays, now)
		shadowWin := perf.Compute(shadowOutcomes, h, "", c.cfg.WindowDays, now)
		cmp := perf.Compare(activeWin, shadowWin, c.cfg.MinSamples)
		decision := perf.CheckPromotion(cmp, c.cfg.Promotion)
		res.PerReason[string(h)] = decision.Reason
		if !decision.Ready {
			continue
		}

		if err := c.registry.Promote(ctx, h, shadow.ID); err != nil {
			c.logger.Error().Err(err).Str("horizon", string(h)).Msg("auto-promotion failed")
			continue
		}
		c.guards.MarkRetrainExecuted()
		res.Actions++
		metrics.RecordLifecycleAction("promotion")
		c.logger.Info().
			Str("horizon", string(h)).
			Str("model_id", shadow.ID).
			Str("confidence", string(cmp.Confidence)).
			Msg("auto-promoted shadow model")
	}

	c.logger.Info().Int("promotions", res.Actions).Msg("promotion pass complete")
	return res, nil
}

// RollbackPass checks the active model's recent window per horizon and rolls
// back on a CRITICAL verdict. No-op under the kill switch.
func (c *Controller) RollbackPass(ctx context.Context) (PassResult, error) {
	if !c.cfg.AutoRollback {
		return PassResult{SkipNote: "auto-rollback disabled"}, nil
	}
	if c.guards.IsKillSwitchActive() {
		c.logger.Warn().Msg("rollback pass skipped: kill switch active")
		metrics.RecordLifecycleAction("skip")
		return PassResult{SkipNote: "skipped: kill switch active"}, nil
	}

	c.passMu.Lock()
	defer c.passMu.Unlock()

	res := PassResult{Ran: true, PerReason: make(map[string]string)}
	now := c.clock().UTC()
	window := store.TimeRange{From: now.AddDate(0, 0, -c.cfg.WindowDays), To: now}

	for _, h := range model.Horizons {
		active, err := c.registry.Active(ctx, h)
		if err != nil {
			return res, err
		}
		if active == nil {
			res.PerReason[string(h)] = "no active model"
			continue
		}

		outcomes, err := c.outcomes.List(ctx, h, window, false)
		if err != nil {
			return res, err
		}
		w := perf.Compute(outcomes, h, "", c.cfg.WindowDays, now)
		decision := perf.CheckRollback(w, c.cfg.Rollback)
		res.PerReason[string(h)] = decision.Reason
		if !decision.Needed {
			continue
		}

		if err := c.registry.Rollback(ctx, h, decision.Reason); err != nil {
			if errors.Is(err, modelreg.ErrNoPrev) {
				c.logger.Warn().Str("horizon", string(h)).Msg("rollback needed but no previous model exists")
				res.PerReason[string(h)] = decision.Reason + " (no previous model)"
				continue
			}
			c.logger.Error().Err(err).Str("horizon", string(h)).Msg("auto-rollback failed")
			continue
		}
		res.Actions++
		metrics.RecordLifecycleAction("rollback")
		c.logger.Warn().
			Str("horizon", string(h)).
			Str("model_id", active.ID).
			Str("reason", decision.Reason).
			Msg("auto-rolled back active model")
	}

	c.logger.Info().Int("rollbacks", res.Actions).Msg("rollback pass complete")
	return res, nil
}
