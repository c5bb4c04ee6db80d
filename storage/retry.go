// storage/retry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds each remote call by Timeout and retries failures
// that might be transient, sleeping Backoff*(n+1) after the n'th failure.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	Timeout  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts: 5,
	Backoff:  100 * time.Millisecond,
	Timeout:  60 * time.Second,
}

// permanent reports whether retrying err is pointless.
func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey)
}

// retry calls f until it succeeds, fails permanently, or the attempts are
// used up. Errors from exhausted retries (including timeouts) are wrapped
// with ErrUnavailable.
func retry(ctx context.Context, n string, p RetryPolicy, f func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	for tries := 0; ; tries++ {
		err := call(ctx, p.Timeout, f)

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w: %w", n, ErrUnavailable, ctx.Err())
		}
		if permanent(err) {
			return err
		}
		if tries+1 >= attempts {
			return fmt.Errorf("%s: %w after %d attempts: %w", n, ErrUnavailable, attempts, err)
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s: sleeping due to error %s", n, err.Error())
		select {
		case <-time.After(p.Backoff * time.Duration(tries+1)):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", n, ErrUnavailable, ctx.Err())
		}
	}
}

func call(ctx context.Context, timeout time.Duration, f func(ctx context.Context) error) error {
	if timeout <= 0 {
		return f(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f(cctx)
}
