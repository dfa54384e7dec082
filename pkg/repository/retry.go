package repository

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/warden/pkg/authz"
)

// RetryPolicy retries backend operations a bounded number of times with a
// fixed interval between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultWriteRetry is the transaction retry used by write paths.
func DefaultWriteRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Interval: 250 * time.Millisecond}
}

// DefaultReadRetry is the longer policy used by read paths, which never
// open transactions.
func DefaultReadRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Interval: 500 * time.Millisecond}
}

// Do runs fn under the policy, wrapping the final failure in a
// PermissionRepositoryError. Invalid-argument and timeout errors are
// permanent and returned as-is.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if permanent(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return &PermissionRepositoryError{Op: op, Cause: ctx.Err()}
		case <-time.After(p.Interval):
		}
	}
	return &PermissionRepositoryError{Op: op, Cause: lastErr}
}

func permanent(err error) bool {
	var invalid *authz.InvalidArgumentError
	if errors.As(err, &invalid) {
		return true
	}
	var timeout *PermissionReadTimeoutError
	return errors.As(err, &timeout)
}
