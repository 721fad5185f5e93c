package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

type retrying struct {
	next     Scanner
	attempts uint64
	base     time.Duration
}

// WithRetry retries transient failures (ErrUnavailable) of next with
// Fibonacci backoff. Other errors and all results are returned as they are.
// The overall deadline is the caller's context.
func WithRetry(next Scanner, attempts uint64, base time.Duration) Scanner {
	if attempts == 0 {
		return next
	}
	return &retrying{next: next, attempts: attempts, base: base}
}

func (r *retrying) Scan(ctx context.Context, t Target) (Result, error) {
	var res Result
	b := retry.WithMaxRetries(r.attempts, retry.NewFibonacci(r.base))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		res, err = r.next.Scan(ctx, t)
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
