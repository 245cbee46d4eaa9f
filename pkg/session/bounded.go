package session

import (
	"context"
	"fmt"
	"time"
)

// bounded runs fn with a deadline. When the deadline passes first, fn keeps
// running in the background and ErrTimeout is returned; a late successful
// result is handed to discard so it can be undone.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error), discard func(T)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		cancel()
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			defer cancel()
			r := <-ch
			if r.err == nil && discard != nil {
				discard(r.v)
			}
		}()
		var zero T
		return zero, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, ctx.Err())
	}
}

// boundedDo is bounded for calls without a result.
func boundedDo(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	_, err := bounded(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}
