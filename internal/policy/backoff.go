// Package policy provides the retry, backoff and circuit-breaker primitives
// shared by the device session, the cloud batcher and the sync worker.
package policy

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// CalculateBackoff computes the delay before the given retry. attempt is
// 1-based: the delay after attempt n is base * 2^(n-1), capped at max, with
// jitter applied as delay * jitterFactor * [-1, +1). The result never drops
// below base.
func CalculateBackoff(attempt int, base, max time.Duration, jitterFactor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}

	// Jitter avoids synchronized reconnect storms across processes.
	jitter := delay * jitterFactor * (rand.Float64()*2 - 1)
	delay += jitter

	if delay < float64(base) {
		delay = float64(base)
	}

	return time.Duration(delay)
}

// RetryConfig holds retry policy parameters.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	// Retryable classifies errors; nil means IsTransient.
	Retryable func(error) bool
	// Clock is swappable for tests; nil means the real clock.
	Clock clockwork.Clock
}

// DefaultRetryConfig returns the connection retry policy: three attempts,
// exponential 2s to 10s, 25% jitter, transient transport errors only.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    2 * time.Second,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retrier runs operations under a retry policy.
type Retrier struct {
	cfg    RetryConfig
	clock  clockwork.Clock
	logger *logrus.Entry
}

// NewRetrier creates a retrier from the given policy.
func NewRetrier(cfg RetryConfig, logger *logrus.Logger) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if cfg.Retryable == nil {
		cfg.Retryable = IsTransient
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Retrier{
		cfg:    cfg,
		clock:  clk,
		logger: logger.WithField("component", "retry"),
	}
}

// Do runs fn until it succeeds, the error is classified permanent, the
// attempt budget is exhausted, or ctx is done. The operation name is only
// used for logging.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !r.cfg.Retryable(lastErr) {
			r.logger.WithError(lastErr).WithField("operation", operation).
				Debug("Permanent error, not retrying")
			return lastErr
		}

		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := CalculateBackoff(attempt, r.cfg.BaseDelay, r.cfg.MaxDelay, r.cfg.JitterFactor)
		r.logger.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay.String(),
		}).Warn("Operation failed, will retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(delay):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, r.cfg.MaxAttempts, lastErr)
}
