package providers

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/platinummonkey/warden/pkg/authz"
)

// RetryConfig configures the bounded retry around an external source call.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default loader retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.BackoffMultiplier <= 1.0 {
		c.BackoffMultiplier = 2.0
	}
	return c
}

// delay computes the wait before the given attempt (1-based).
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// retriable reports whether an error is worth another attempt.
// Cancellation and malformed-input errors are permanent.
func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var invalid *authz.InvalidArgumentError
	return !errors.As(err, &invalid)
}

// withRetry runs fn with bounded exponential backoff.
func withRetry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	cfg = cfg.normalized()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retriable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.delay(attempt)):
		}
	}
	return lastErr
}
