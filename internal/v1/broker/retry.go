package broker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arkhamlabs/mudcore/internal/v1/types"
)

// Policy configures the retry handler.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
}

// DefaultPolicy matches the configuration defaults.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	JitterRatio: 0.2,
}

// Retry runs op with exponential backoff and jitter. Only errors marked
// retryable (types.IsRetryable) are retried; anything else is surfaced
// immediately. On exhaustion the last error is returned.
func Retry(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BaseDelay
	bo.MaxInterval = policy.MaxDelay
	bo.RandomizationFactor = policy.JitterRatio
	bo.MaxElapsedTime = 0 // attempts bound the loop, not wall time

	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !types.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(policy.MaxAttempts-1)), ctx))
}
