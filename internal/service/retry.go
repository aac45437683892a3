package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ReadRetryPolicy bounds retries of idempotent reads. Writes are never retried.
type ReadRetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultReadRetryPolicy is used when no policy is configured.
func DefaultReadRetryPolicy() ReadRetryPolicy {
	return ReadRetryPolicy{
		Attempts:        3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p ReadRetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		expo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		expo.MaxInterval = p.MaxInterval
	}
	expo.MaxElapsedTime = 0

	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(retries)), ctx)
}

// retryRead runs fn until it succeeds, fails with a non-transient error, or
// the policy is exhausted. The returned error is always classified.
func retryRead[T any](ctx context.Context, policy ReadRetryPolicy, logger zerolog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	operation := func() error {
		value, err := fn(ctx)
		if err != nil {
			classified := Classify(op, err)
			if !Retryable(classified) {
				return backoff.Permanent(classified)
			}
			return classified
		}
		result = value
		return nil
	}

	notify := func(err error, wait time.Duration) {
		logger.Debug().Err(err).Str("op", op).Dur("retry_in", wait).Msg("retrying read")
	}

	if err := backoff.RetryNotify(operation, policy.backOff(ctx), notify); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
