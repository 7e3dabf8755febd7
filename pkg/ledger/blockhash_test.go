package ledger

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBlockhashCache_SingleFlight(t *testing.T) {
	fake := newFakeClient()
	cache := NewBlockhashCache(fake, 3, nil)

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), false); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	wg.Wait()

	// With an empty cache and single-flight refresh, the network is hit at
	// most twice (callers racing just ahead of the in-flight registration),
	// but never once per caller.
	if n := fake.blockhashCalls.Load(); n > 2 {
		t.Fatalf("expected single-flight refresh, got %d blockhash fetches", n)
	}
}

func TestBlockhashCache_EvictsBeyondPrefetch(t *testing.T) {
	fake := newFakeClient()
	cache := NewBlockhashCache(fake, 2, nil)

	for i := 0; i < 5; i++ {
		if err := cache.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 cached entries, got %d", cache.Len())
	}
}

func TestBlockhashCache_EstimateRemainingValidity(t *testing.T) {
	fake := newFakeClient()
	fake.blockhash.LastValidBlockHeight = 1150
	cache := NewBlockhashCache(fake, 3, nil)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	v := cache.EstimateRemainingValidity(1100)
	if v.EstimatedSlotsRemaining != 50 {
		t.Fatalf("expected 50 slots remaining, got %d", v.EstimatedSlotsRemaining)
	}
	if v.EstimatedMsRemaining != 50*approxMsPerSlot {
		t.Fatalf("unexpected ms estimate %d", v.EstimatedMsRemaining)
	}
	if !v.IsLikelyValid {
		t.Fatal("expected still valid")
	}

	v = cache.EstimateRemainingValidity(2000)
	if v.EstimatedSlotsRemaining != 0 || v.IsLikelyValid {
		t.Fatalf("expected expired estimate, got %+v", v)
	}
}

func TestBlockhashCache_GetWithMaxAge(t *testing.T) {
	fake := newFakeClient()
	cache := NewBlockhashCache(fake, 3, nil)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := fake.blockhashCalls.Load()

	// Fresh enough: no refresh.
	if _, err := cache.GetWithMaxAge(context.Background(), time.Hour); err != nil {
		t.Fatal(err)
	}
	if fake.blockhashCalls.Load() != before {
		t.Fatal("unexpected refresh for fresh entry")
	}

	// Zero max age: must refresh.
	if _, err := cache.GetWithMaxAge(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if fake.blockhashCalls.Load() != before+1 {
		t.Fatal("expected a refresh for stale entry")
	}
}

func TestBlockhashCache_StartStopIdempotent(t *testing.T) {
	fake := newFakeClient()
	cache := NewBlockhashCache(fake, 3, nil)

	cache.Stop() // never started: no-op

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache.Start(ctx, time.Hour)
	cache.Start(ctx, time.Hour) // second Start must not spawn a second loop
	cache.Stop()
	cache.Stop()
}

func TestBlockhashCache_RefreshHookFires(t *testing.T) {
	fake := newFakeClient()
	cache := NewBlockhashCache(fake, 3, nil)

	refreshes := 0
	cache.SetOnRefresh(func() { refreshes++ })

	for i := 0; i < 3; i++ {
		if err := cache.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if refreshes != 3 {
		t.Fatalf("hook fired %d times, want 3", refreshes)
	}
}
