// Package reconcile contains the periodic sweeps that detect and repair
// drift between expected and actual tracker state, and the classified
// retry wrapper every network call goes through.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quorumbot/quorum/internal/tracker"
)

// RetryConfig bounds a retried operation.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the stock retry budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// WithRetry runs fn, retrying transient failures (5xx, connection
// resets/timeouts, rate limiting) with exponential backoff and jitter up
// to cfg.MaxAttempts. Any non-transient error propagates on first
// occurrence; after exhaustion the last error propagates unchanged so
// callers can still classify it.
func WithRetry(ctx context.Context, op string, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("%s: retry config needs at least one attempt", op)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	// MaxElapsedTime would race the attempt cap; attempts are the budget.
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !tracker.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
