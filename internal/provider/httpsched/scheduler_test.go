package httpsched

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestScheduler_AdmitsWithinBurst(t *testing.T) {
	s := NewScheduler()
	s.RegisterVenue("test", VenueLimits{RequestsPerSec: 100, Burst: 10})

	calls := 0
	for i := 0; i < 5; i++ {
		err := s.Schedule(context.Background(), "test", func() error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("schedule call %d failed: %v", i, err)
		}
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
}

func TestScheduler_PropagatesCallError(t *testing.T) {
	s := NewScheduler()
	s.RegisterVenue("test", VenueLimits{RequestsPerSec: 100, Burst: 10})

	want := errors.New("venue exploded")
	err := s.Schedule(context.Background(), "test", func() error { return want })
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestScheduler_RateLimitBackoffFloor(t *testing.T) {
	s := NewScheduler()
	s.RegisterVenue("test", VenueLimits{RequestsPerSec: 100, Burst: 10})

	s.ReportRateLimited("test", time.Second)
	remaining := s.BackoffRemaining("test")
	if remaining < 4*time.Second {
		t.Errorf("backoff = %v, want at least ~5s floor", remaining)
	}
}

func TestScheduler_ContextCancelDuringBackoff(t *testing.T) {
	s := NewScheduler()
	s.RegisterVenue("test", VenueLimits{RequestsPerSec: 100, Burst: 10})
	s.ReportRateLimited("test", RateLimitBackoff)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Schedule(ctx, "test", func() error { return nil })
	if err == nil {
		t.Error("expected context error while backing off")
	}
}

func TestScheduler_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	s := NewScheduler()
	s.RegisterVenue("test", VenueLimits{RequestsPerSec: 1000, Burst: 1000})

	fail := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = s.Schedule(context.Background(), "test", func() error { return fail })
	}

	ran := false
	err := s.Schedule(context.Background(), "test", func() error {
		ran = true
		return nil
	})
	if err == nil {
		t.Error("expected circuit-open error after 5 consecutive failures")
	}
	if ran {
		t.Error("call must not run while the breaker is open")
	}
}

func TestScheduler_LazyVenueRegistration(t *testing.T) {
	s := NewScheduler()
	err := s.Schedule(context.Background(), "unseen", func() error { return nil })
	if err != nil {
		t.Errorf("unregistered venue should get a default bucket, got %v", err)
	}
}
