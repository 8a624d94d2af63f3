package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	clk := clockwork.NewFakeClock()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: 30 * time.Second, Clock: clk})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if got := b.State(); got != BreakerClosed {
			t.Fatalf("state after %d failures = %q, want closed", i+1, got)
		}
	}

	b.RecordFailure()
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after 3 failures = %q, want open", got)
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clk := clockwork.NewFakeClock()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second, Clock: clk})

	b.RecordFailure()
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Allow() while open = %v, want ErrBreakerOpen", err)
	}

	clk.Advance(30 * time.Second)

	// First caller after the reset timeout gets the probe slot.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow() = %v, want nil", err)
	}
	if got := b.State(); got != BreakerHalfOpen {
		t.Fatalf("state = %q, want half_open", got)
	}
	// Nobody else does.
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("second Allow() during probe = %v, want ErrBreakerOpen", err)
	}

	b.RecordSuccess()
	if got := b.State(); got != BreakerClosed {
		t.Errorf("state after probe success = %q, want closed", got)
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	clk := clockwork.NewFakeClock()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second, Clock: clk})

	b.RecordFailure()
	clk.Advance(10 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow() = %v, want nil", err)
	}
	b.RecordFailure()

	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after probe failure = %q, want open", got)
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() right after reopen = %v, want ErrBreakerOpen", err)
	}

	// The reset timer re-arms from the probe failure.
	clk.Advance(10 * time.Second)
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after second reset window = %v, want nil", err)
	}
}

func TestBreakerDoRecordsOutcomes(t *testing.T) {
	clk := clockwork.NewFakeClock()
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute, Clock: clk})

	fail := func(ctx context.Context) error { return errors.New("dial failed") }
	ok := func(ctx context.Context) error { return nil }

	if err := b.Do(context.Background(), fail); err == nil {
		t.Fatal("expected error from failing call")
	}
	if err := b.Do(context.Background(), ok); err != nil {
		t.Fatalf("Do(ok) = %v", err)
	}
	if got := b.Stats().ConsecutiveFailures; got != 0 {
		t.Errorf("failures after success = %d, want 0", got)
	}

	_ = b.Do(context.Background(), fail)
	_ = b.Do(context.Background(), fail)
	if err := b.Do(context.Background(), ok); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Do() after trip = %v, want ErrBreakerOpen", err)
	}

	stats := b.Stats()
	if stats.Trips != 1 {
		t.Errorf("trips = %d, want 1", stats.Trips)
	}
	if stats.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", stats.Rejected)
	}
}
