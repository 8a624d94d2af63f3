package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrBreakerOpen is returned when the circuit breaker rejects a call.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// Breaker states
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that trips the
	// breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a
	// probe.
	ResetTimeout time.Duration
	// Clock is swappable for tests; nil means the real clock.
	Clock clockwork.Clock
}

// DefaultBreakerConfig returns the device connection breaker policy.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// BreakerStats captures breaker counters for the stats surface.
type BreakerStats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Trips               int64  `json:"trips"`
	Rejected            int64  `json:"rejected"`
}

// CircuitBreaker fails fast after repeated consecutive failures. Open state
// rejects calls until ResetTimeout has elapsed, then a single probe is let
// through; its outcome decides between closing and re-opening.
type CircuitBreaker struct {
	mu    sync.Mutex
	cfg   BreakerConfig
	clock clockwork.Clock

	state    string
	failures int
	openedAt time.Time
	probing  bool

	trips    int64
	rejected int64
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultBreakerConfig().ResetTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		cfg:   cfg,
		clock: clk,
		state: BreakerClosed,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrBreakerOpen until the reset timeout elapses, after which exactly one
// caller is admitted as a probe.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.clock.Since(b.openedAt) < b.cfg.ResetTimeout {
			b.rejected++
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	default: // half open
		if b.probing {
			b.rejected++
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
}

// RecordSuccess resets the breaker after a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failed call and trips the breaker at the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		if b.state != BreakerOpen {
			b.trips++
		}
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
		b.probing = false
	}
}

// Do runs fn under the breaker, recording its outcome.
func (b *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns current breaker counters.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Trips:               b.trips,
		Rejected:            b.rejected,
	}
}
