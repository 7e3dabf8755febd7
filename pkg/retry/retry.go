package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds a retried operation by attempts and by wall-clock time.
// The zero value is not usable; DefaultPolicy gives sane defaults.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxElapsed   time.Duration
	JitterFactor float64

	// IsRetryable reports whether an error is worth another attempt.
	// Nil means every error is retryable.
	IsRetryable func(error) bool

	// OnRetry is invoked before sleeping between attempts.
	OnRetry func(err error, attempt int, delay time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		MaxElapsed:   30 * time.Second,
		JitterFactor: 0.1,
	}
}

// Error reports a retried operation that was given up on, carrying the
// attempt count and total elapsed time.
type Error struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s) in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Do runs op under the policy. On failure it sleeps for
// min(MaxDelay, InitialDelay*2^(attempt-1)) scaled by a +/-JitterFactor spread and
// tries again, until the error is non-retryable or the attempt/time budget
// runs out. The context aborts both the operation and the backoff sleep.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error
	made := 0

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &Error{Attempts: made, Elapsed: time.Since(start), Err: err}
		}

		out, err := op(ctx)
		made = attempt
		if err == nil {
			return out, nil
		}
		lastErr = err

		if p.IsRetryable != nil && !p.IsRetryable(err) {
			return zero, &Error{Attempts: attempt, Elapsed: time.Since(start), Err: err}
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := backoffDelay(p, attempt)
		if p.MaxElapsed > 0 && time.Since(start)+delay > p.MaxElapsed {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, &Error{Attempts: attempt, Elapsed: time.Since(start), Err: ctx.Err()}
		}
	}

	return zero, &Error{Attempts: made, Elapsed: time.Since(start), Err: lastErr}
}

func backoffDelay(p Policy, attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		spread := 1 + p.JitterFactor*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	return delay
}

// Attempts extracts the attempt count from an error returned by Do.
func Attempts(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 0
}
