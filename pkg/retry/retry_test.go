package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		MaxElapsed:   time.Second,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" || calls != 3 {
		t.Fatalf("got out=%q calls=%d", out, calls)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	p := fastPolicy()
	p.IsRetryable = func(err error) bool { return !errors.Is(err, permanent) }

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
	if !errors.Is(err, permanent) {
		t.Fatalf("expected wrapped permanent error, got %v", err)
	}
	if Attempts(err) != 1 {
		t.Fatalf("expected attempt count 1, got %d", Attempts(err))
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	var retries []int
	p := fastPolicy()
	p.OnRetry = func(_ error, attempt int, _ time.Duration) { retries = append(retries, attempt) }

	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("still broken")
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if re.Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", re.Attempts)
	}
	if len(retries) != 2 {
		t.Fatalf("expected 2 OnRetry calls, got %d", len(retries))
	}
}

func TestDo_ContextCancelAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy()
	p.InitialDelay = time.Minute // would block without cancellation
	p.MaxDelay = time.Minute

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Do(ctx, p, func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation did not interrupt backoff sleep")
	}
}

func TestWithTimeout_Expires(t *testing.T) {
	_, err := WithTimeout(context.Background(), 5*time.Millisecond, "slow-op", func(ctx context.Context) (int, error) {
		select {
		case <-time.After(time.Minute):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
	if te.Operation != "slow-op" {
		t.Fatalf("unexpected operation name %q", te.Operation)
	}
}

func TestWithTimeout_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := false
	_, err := WithTimeout(ctx, time.Second, "op", func(context.Context) (int, error) {
		started = true
		return 1, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if started {
		t.Fatal("operation must not start when the context is already cancelled")
	}
}

func TestDeadline_InThePast(t *testing.T) {
	_, err := Deadline(context.Background(), time.Now().Add(-time.Second), "op", func(context.Context) (int, error) {
		return 1, nil
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
}

func TestDo_ElapsedBudgetReportsRealAttemptCount(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxElapsed:   time.Millisecond,
	}, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	// The next backoff would blow the elapsed budget, so only one
	// attempt ran; the error must say so rather than claim all five.
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
	if got := Attempts(err); got != calls {
		t.Fatalf("Attempts=%d, want %d", got, calls)
	}
}
