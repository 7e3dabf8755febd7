package retry

import (
	"context"
	"fmt"
	"time"
)

// TimeoutError reports an operation that did not finish within its budget.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Duration)
}

// WithTimeout races op against a timer and the context's cancellation.
// If ctx is already cancelled the race is never started. The operation runs
// in its own goroutine and keeps running after a timeout fires; callers must
// make op honor its context if that matters.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, operation string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out T
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := op(opCtx)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Operation: operation, Duration: timeout}
	}
}

// Deadline is WithTimeout against an absolute point in time.
func Deadline[T any](ctx context.Context, at time.Time, operation string, op func(context.Context) (T, error)) (T, error) {
	remaining := time.Until(at)
	if remaining <= 0 {
		var zero T
		return zero, &TimeoutError{Operation: operation, Duration: 0}
	}
	return WithTimeout(ctx, remaining, operation, op)
}
