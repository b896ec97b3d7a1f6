package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// RetryConfig controls retries with exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts counts the first try. Default: 3.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry. Default: 200ms.
	InitialBackoff time.Duration
	// MaxBackoff caps any single delay. Default: 5s.
	MaxBackoff time.Duration
	// Jitter is the +/- fraction applied to each delay. Default: 0.
	Jitter float64
	// Retryable decides which errors are retried. Default: IsTransient.
	Retryable func(err error) bool
	// Name labels retry log lines.
	Name string
}

// DefaultRetryConfig returns the default retry settings for connector calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Jitter:         0.2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0
	}
	if c.Retryable == nil {
		c.Retryable = IsTransient
	}
	return c
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx ends. Sleeps use clock so tests can drive them.
func Retry[T any](ctx context.Context, clock clockwork.Clock, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil || !cfg.Retryable(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := Backoff(attempt, cfg)
		zap.L().Debug("resilience: retrying",
			zap.String("name", cfg.Name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.Chan():
		}
	}
	return zero, lastErr
}

// Backoff returns the delay after the given zero-based attempt.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt))
	d = math.Min(d, float64(cfg.MaxBackoff))
	if cfg.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * cfg.Jitter * d
	}
	return time.Duration(math.Max(0, d))
}
