package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupDelay is how long after Start the initial passes run.
const StartupDelay = 30 * time.Second

// Scheduler drives the controller's passes on their intervals.
type Scheduler struct {
	controller   *Controller
	cron         *cron.Cron
	startupDelay time.Duration
	logger       zerolog.Logger
}

// NewScheduler creates the scheduler; intervals come from the controller
// config.
func NewScheduler(controller *Controller) *Scheduler {
	return &Scheduler{
		controller:   controller,
		cron:         cron.New(),
		startupDelay: StartupDelay,
		logger:       log.With().Str("component", "lifecycle-scheduler").Logger(),
	}
}

// Start registers the periodic passes and kicks off a delayed initial pass.
// The context bounds each pass, not the scheduler lifetime; call Stop to shut
// down.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg := s.controller.cfg
	if !cfg.AutoPromote && !cfg.AutoRollback {
		s.logger.Info().Msg("lifecycle automation disabled, scheduler idle")
		return nil
	}

	if cfg.AutoPromote {
		spec := fmt.Sprintf("@every %s", cfg.PromotionEvery)
		if _, err := s.cron.AddFunc(spec, func() { s.runPromotion(ctx) }); err != nil {
			return fmt.Errorf("schedule promotion pass: %w", err)
		}
	}
	if cfg.AutoRollback {
		spec := fmt.Sprintf("@every %s", cfg.RollbackEvery)
		if _, err := s.cron.AddFunc(spec, func() { s.runRollback(ctx) }); err != nil {
			return fmt.Errorf("schedule rollback pass: %w", err)
		}
	}
	s.cron.Start()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.startupDelay):
		}
		if cfg.AutoRollback {
			s.runRollback(ctx)
		}
		if cfg.AutoPromote {
			s.runPromotion(ctx)
		}
	}()

	s.logger.Info().
		Dur("promotion_every", cfg.PromotionEvery).
		Dur("rollback_every", cfg.RollbackEvery).
		Msg("lifecycle scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
	s.logger.Info().Msg("lifecycle scheduler stopped")
}

func (s *Scheduler) runPromotion(ctx context.Context) {
	res, err := s.controller.PromotionPass(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("promotion pass failed")
		return
	}
	s.logger.Debug().Int("actions", res.Actions).Str("note", res.SkipNote).Msg("promotion tick")
}

func (s *Scheduler) runRollback(ctx context.Context) {
	res, err := s.controller.RollbackPass(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("rollback pass failed")
		return
	}
	s.logger.Debug().Int("actions", res.Actions).Str("note", res.SkipNote).Msg("rollback tick")
}
