package ledger

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"
)

// fakeClient implements Client in-memory, with hooks for fault injection and
// instrumentation of in-flight call counts.
type fakeClient struct {
	mu       sync.Mutex
	accounts map[solana.PublicKey][]byte

	slot      uint64
	blockhash Blockhash

	blockhashCalls  atomic.Int64
	multiCalls      atomic.Int64
	multiInFlight   atomic.Int64
	maxMultiFlights atomic.Int64

	multiDelay func() // optional barrier inside MultipleAccounts
	multiErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		accounts:  make(map[solana.PublicKey][]byte),
		slot:      1000,
		blockhash: Blockhash{LastValidBlockHeight: 1150},
	}
}

func (f *fakeClient) setAccount(key solana.PublicKey, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[key] = data
}

func (f *fakeClient) AccountInfo(_ context.Context, key solana.PublicKey) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[key], nil
}

func (f *fakeClient) MultipleAccounts(_ context.Context, keys []solana.PublicKey) ([][]byte, error) {
	f.multiCalls.Add(1)
	inFlight := f.multiInFlight.Add(1)
	for {
		max := f.maxMultiFlights.Load()
		if inFlight <= max || f.maxMultiFlights.CompareAndSwap(max, inFlight) {
			break
		}
	}
	defer f.multiInFlight.Add(-1)

	if f.multiDelay != nil {
		f.multiDelay()
	}
	if f.multiErr != nil {
		return nil, f.multiErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		out[i] = f.accounts[key]
	}
	return out, nil
}

func (f *fakeClient) ProgramAccounts(context.Context, solana.PublicKey, AccountFilter) ([]KeyedAccount, error) {
	return nil, nil
}

func (f *fakeClient) Slot(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot, nil
}

func (f *fakeClient) BlockTime(context.Context, uint64) (int64, error) { return 0, nil }

func (f *fakeClient) LatestBlockhash(context.Context) (Blockhash, error) {
	f.blockhashCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockhash, nil
}

func (f *fakeClient) SendTransaction(context.Context, *solana.Transaction) (solana.Signature, error) {
	return solana.Signature{}, nil
}

func (f *fakeClient) SignatureStatus(context.Context, solana.Signature) (TxStatus, error) {
	return TxStatus{Confirmed: true}, nil
}

func (f *fakeClient) SubscribeLogs(context.Context, solana.PublicKey) (LogSubscription, error) {
	return nil, nil
}
