// Package httpsched schedules outbound venue requests through per-venue
// token buckets and circuit breakers. All provider HTTP calls pass through
// Schedule; the scheduler holds no persistent state.
package httpsched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// RateLimitBackoff is the minimum pause after a 429 before the same venue
// may be retried.
const RateLimitBackoff = 5 * time.Second

// VenueLimits declares a venue's token bucket parameters.
type VenueLimits struct {
	RequestsPerSec float64
	Burst          int
}

type venueState struct {
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	mu          sync.Mutex
	backoffTill time.Time
}

// Scheduler admits outbound calls per venue when a token is available and
// delays otherwise. A gobreaker per venue sheds load when a venue keeps
// failing.
type Scheduler struct {
	mu     sync.RWMutex
	venues map[string]*venueState
}

// NewScheduler creates an empty scheduler; venues are registered lazily or
// up front via RegisterVenue.
func NewScheduler() *Scheduler {
	return &Scheduler{venues: make(map[string]*venueState)}
}

// RegisterVenue installs limits for a venue. Unregistered venues get a
// conservative default bucket on first use.
func (s *Scheduler) RegisterVenue(venueID string, limits VenueLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.venues[venueID] = newVenueState(venueID, limits)
}

func newVenueState(venueID string, limits VenueLimits) *venueState {
	rps := limits.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}
	burst := limits.Burst
	if burst <= 0 {
		burst = int(rps * 2)
	}
	settings := gobreaker.Settings{
		Name: venueID,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("venue", name).Str("from", from.String()).Str("to", to.String()).
				Msg("venue breaker state change")
		},
	}
	return &venueState{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (s *Scheduler) venue(venueID string) *venueState {
	s.mu.RLock()
	v, ok := s.venues[venueID]
	s.mu.RUnlock()
	if ok {
		return v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok = s.venues[venueID]; ok {
		return v
	}
	v = newVenueState(venueID, VenueLimits{})
	s.venues[venueID] = v
	return v
}

// Schedule runs fn once a token is available for the venue. It honors any
// active 429 backoff window and routes the call through the venue breaker.
func (s *Scheduler) Schedule(ctx context.Context, venueID string, fn func() error) error {
	v := s.venue(venueID)

	v.mu.Lock()
	wait := time.Until(v.backoffTill)
	v.mu.Unlock()
	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if err := v.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := v.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("venue %s: circuit open: %w", venueID, err)
	}
	return err
}

// ReportRateLimited records a 429 for the venue; subsequent calls back off
// for at least RateLimitBackoff.
func (s *Scheduler) ReportRateLimited(venueID string, retryAfter time.Duration) {
	if retryAfter < RateLimitBackoff {
		retryAfter = RateLimitBackoff
	}
	v := s.venue(venueID)
	v.mu.Lock()
	till := time.Now().Add(retryAfter)
	if till.After(v.backoffTill) {
		v.backoffTill = till
	}
	v.mu.Unlock()
	log.Warn().Str("venue", venueID).Dur("backoff", retryAfter).Msg("venue rate limited")
}

// BackoffRemaining reports how long the venue is still paused, zero when
// callable.
func (s *Scheduler) BackoffRemaining(venueID string) time.Duration {
	v := s.venue(venueID)
	v.mu.Lock()
	defer v.mu.Unlock()
	if d := time.Until(v.backoffTill); d > 0 {
		return d
	}
	return 0
}
