package connectors

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a value describing how a call is retried. Policies are
// passed explicitly; there are no decorator-style wrappers.
type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy suits most source API calls.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: time.Second,
	MaxInterval:     time.Minute,
	Multiplier:      2,
}

// Retry runs op under the policy. RateLimitedError sleeps at least the
// server-provided delay before the next attempt; other errors follow the
// exponential schedule. Context cancellation aborts immediately.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func() (T, error)) (T, error) {
	var zero T

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.Multiplier = policy.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()

	var result T
	attempts := uint64(0)
	for {
		var err error
		result, err = op()
		if err == nil {
			return result, nil
		}

		attempts++
		if attempts >= policy.MaxAttempts {
			return zero, err
		}

		wait := b.NextBackOff()

		var rl *RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
}
