// Package retry wraps venue, store and feed calls in bounded exponential
// backoff. Exhaustion is reported as domain.ErrRetriesExhausted so callers can
// escalate instead of retrying forever.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/camuig/tranche-trader/internal/domain"
)

type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
	// Notify, when set, is called before each wait.
	Notify func(err error, wait time.Duration)
}

// Permanent marks err as not worth retrying, e.g. a definite venue rejection.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.2

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, returns a permanent error, ctx ends, or the
// attempt budget is spent.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		permanent bool
		attempts  int
	)
	v, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempts++
		v, err := op(ctx)
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			permanent = true
		}
		return v, err
	}, p.backOff(ctx), p.Notify)
	if err == nil || permanent || ctx.Err() != nil {
		return v, err
	}
	return v, fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, attempts, err)
}
