package llm

import (
	"context"
	"time"
)

// retrier is a linear-backoff retry helper, adapted from
// providers.BaseProvider.Retry: same shape (bounded attempts, caller-supplied
// retryability predicate, backoff scaled by attempt number), narrowed to the
// non-streaming one-shot calls this package makes.
type retrier struct {
	maxAttempts int
	delay       time.Duration
}

func (r retrier) do(ctx context.Context, retryable func(error) bool, op func() error) error {
	maxAttempts := r.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
			if retryable == nil || !retryable(err) || attempt >= maxAttempts {
				return lastErr
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay * time.Duration(attempt)):
			}
		}
	}
	return lastErr
}
