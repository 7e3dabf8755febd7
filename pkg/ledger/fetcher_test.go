package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
)

func testKeys(n int) []solana.PublicKey {
	keys := make([]solana.PublicKey, n)
	for i := range keys {
		keys[i] = solana.NewWallet().PublicKey()
	}
	return keys
}

func TestBatchFetcher_EmptyInputNoNetworkCall(t *testing.T) {
	fake := newFakeClient()
	f := NewBatchFetcher(fake, 10, 2, 1, nil)

	out, err := f.FetchAccounts(context.Background(), nil, "empty")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty result, got %d", len(out))
	}
	if fake.multiCalls.Load() != 0 {
		t.Fatal("empty input must not hit the network")
	}
}

func TestBatchFetcher_ConcurrencyBound(t *testing.T) {
	fake := newFakeClient()
	fake.multiDelay = func() { time.Sleep(5 * time.Millisecond) }

	keys := testKeys(30)
	for _, k := range keys {
		fake.setAccount(k, []byte{1})
	}

	f := NewBatchFetcher(fake, 10, 2, 0, nil)
	out, err := f.FetchAccounts(context.Background(), keys, "bound")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 30 {
		t.Fatalf("expected 30 results, got %d", len(out))
	}
	if fake.multiCalls.Load() != 3 {
		t.Fatalf("expected 3 chunks, got %d", fake.multiCalls.Load())
	}
	if max := fake.maxMultiFlights.Load(); max > 2 {
		t.Fatalf("concurrency bound violated: %d chunks in flight", max)
	}
}

func TestBatchFetcher_FailedChunkReportsNil(t *testing.T) {
	fake := newFakeClient()
	fake.multiErr = errors.New("rpc down")

	keys := testKeys(5)
	f := NewBatchFetcher(fake, 10, 2, 2, nil)

	out, err := f.FetchAccounts(context.Background(), keys, "failing")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range out {
		if r.Data != nil {
			t.Fatal("failed chunk must report nil accounts")
		}
	}
	// One initial try plus two retries.
	if fake.multiCalls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", fake.multiCalls.Load())
	}
}

func TestBatchFetcher_MapOmitsMissing(t *testing.T) {
	fake := newFakeClient()
	keys := testKeys(4)
	fake.setAccount(keys[0], []byte{0xAA})
	fake.setAccount(keys[2], []byte{0xBB})

	f := NewBatchFetcher(fake, 10, 2, 0, nil)
	m, err := f.FetchAccountsAsMap(context.Background(), keys, "map")
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(m))
	}
	if m[keys[0]][0] != 0xAA || m[keys[2]][0] != 0xBB {
		t.Fatal("wrong account data in map")
	}

	existing, err := f.FetchExistingAccounts(context.Background(), keys, "existing")
	if err != nil {
		t.Fatal(err)
	}
	if len(existing) != 2 {
		t.Fatalf("expected 2 existing accounts, got %d", len(existing))
	}
}

func TestBatchFetcher_SetClientSwap(t *testing.T) {
	broken := newFakeClient()
	broken.multiErr = errors.New("stale endpoint")
	healthy := newFakeClient()

	keys := testKeys(2)
	for _, k := range keys {
		healthy.setAccount(k, []byte{7})
	}

	f := NewBatchFetcher(broken, 10, 2, 0, nil)
	f.SetClient(healthy)

	out, err := f.FetchAccounts(context.Background(), keys, "swap")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range out {
		if r.Data == nil {
			t.Fatal("expected data from swapped-in client")
		}
	}
}
