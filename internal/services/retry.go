package services

import (
	"context"
	"time"

	"splitledger/internal/core"
	"splitledger/internal/log"
)

// RetryPolicy bounds how often a retryable ledger failure is retried.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns sensible defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  30 * time.Second,
	}
}

// delay returns the wait before retry number attempt (0-based), doubling from
// BaseDelay and capped at MaxDelay.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// retry runs fn until it succeeds, fails with a non-retryable error or the
// policy runs out of attempts.
func retry[T any](ctx context.Context, p RetryPolicy, logger *log.Logger, op string, fn func() (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		result T
		err    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		result, err = fn()
		if err == nil || !core.IsRetryable(err) || attempt == attempts-1 {
			return result, err
		}

		wait := p.delay(attempt)
		logger.WarnContext(ctx, "Retrying ledger operation",
			log.FieldOperation, op,
			log.FieldAttempt, attempt+1,
			log.FieldError, err.Error(),
			"wait", wait)
		select {
		case <-ctx.Done():
			return result, err
		case <-time.After(wait):
		}
	}
	return result, err
}
