package matchupapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// defaultMaxAttempts is the number of tries before a read gives up.
	defaultMaxAttempts = 3

	// defaultBaseDelay is the starting backoff interval (before jitter).
	defaultBaseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// retry runs fn up to maxAttempts times with jittered exponential backoff.
// Errors that are not worth repeating (4xx other than 429, malformed bodies)
// stop the loop immediately.
func retry[T any](ctx context.Context, maxAttempts int, baseDelay time.Duration, notify func(error, time.Duration), fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay

	op := func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return v, backoff.Permanent(err)
		}
		var de *decodeError
		if errors.As(err, &de) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}

	v, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		return v, fmt.Errorf("after up to %d attempts: %w", maxAttempts, err)
	}
	return v, nil
}
