package provider

import (
	"sync"
	"time"
)

// Status is the provider health state.
type Status string

const (
	StatusUp           Status = "UP"
	StatusDegraded     Status = "DEGRADED"
	StatusDown         Status = "DOWN"
	StatusInitializing Status = "INITIALIZING"
)

// Streak thresholds for the health state machine.
const (
	DegradedThreshold = 3
	DownThreshold     = 5
)

// HealthSnapshot is an immutable view of provider health.
type HealthSnapshot struct {
	Status             Status    `json:"status"`
	ConsecutiveErrors  int       `json:"consecutive_errors"`
	LastSuccess        time.Time `json:"last_success,omitempty"`
	LastError          time.Time `json:"last_error,omitempty"`
	LastErrorMessage   string    `json:"last_error_message,omitempty"`
	RateLimitRemaining int       `json:"rate_limit_remaining,omitempty"`
	RateLimitReset     time.Time `json:"rate_limit_reset,omitempty"`
}

// HealthTracker is the per-provider circuit breaker: a streak machine fed by
// request outcomes. Any success returns the provider to UP; failure streaks
// of 3 and 5 transition to DEGRADED and DOWN.
type HealthTracker struct {
	mu                 sync.Mutex
	status             Status
	streak             int
	lastSuccess        time.Time
	lastError          time.Time
	lastErrorMessage   string
	rateLimitRemaining int
	rateLimitReset     time.Time
}

// NewHealthTracker creates a tracker in INITIALIZING state.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{status: StatusInitializing}
}

// RecordSuccess resets the streak and marks the provider UP.
func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusUp
	h.streak = 0
	h.lastSuccess = time.Now()
}

// RecordFailure increments the error streak and degrades status at the
// configured thresholds.
func (h *HealthTracker) RecordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streak++
	h.lastError = time.Now()
	if err != nil {
		h.lastErrorMessage = err.Error()
	}
	switch {
	case h.streak >= DownThreshold:
		h.status = StatusDown
	case h.streak >= DegradedThreshold:
		h.status = StatusDegraded
	}
}

// SetRateLimit propagates rate-limit headers into the health object. It does
// not change status; only request failures do that.
func (h *HealthTracker) SetRateLimit(remaining int, reset time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rateLimitRemaining = remaining
	h.rateLimitReset = reset
}

// Reset forces the provider back to UP with a zero streak.
func (h *HealthTracker) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = StatusUp
	h.streak = 0
}

// Snapshot returns a copy of the current health state.
func (h *HealthTracker) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		Status:             h.status,
		ConsecutiveErrors:  h.streak,
		LastSuccess:        h.lastSuccess,
		LastError:          h.lastError,
		LastErrorMessage:   h.lastErrorMessage,
		RateLimitRemaining: h.rateLimitRemaining,
		RateLimitReset:     h.rateLimitReset,
	}
}
