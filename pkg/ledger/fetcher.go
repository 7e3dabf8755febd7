package ledger

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// FetchResult pairs a requested key with its account data; Data is nil when
// the account does not exist or its chunk permanently failed.
type FetchResult struct {
	Key  solana.PublicKey
	Data []byte
}

// BatchFetcher fetches many accounts in bounded-size chunks with at most a
// fixed number of chunks in flight. A chunk that keeps failing after its
// retries is reported as all-nil rather than aborting the whole batch.
type BatchFetcher struct {
	mu          sync.RWMutex
	client      Client
	maxPerBatch int
	concurrency int
	maxRetries  int
	logger      *zap.SugaredLogger
}

func NewBatchFetcher(client Client, maxPerBatch, concurrency, maxRetries int, logger *zap.SugaredLogger) *BatchFetcher {
	if maxPerBatch <= 0 {
		maxPerBatch = 100
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &BatchFetcher{
		client:      client,
		maxPerBatch: maxPerBatch,
		concurrency: concurrency,
		maxRetries:  maxRetries,
		logger:      logger,
	}
}

// SetClient swaps the underlying connection, e.g. for RPC failover. Calls
// already in flight finish on the old client.
func (f *BatchFetcher) SetClient(client Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.client = client
}

func (f *BatchFetcher) currentClient() Client {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.client
}

// FetchAccounts fetches all keys, preserving input order in the result.
// Empty input returns immediately without a network call.
func (f *BatchFetcher) FetchAccounts(ctx context.Context, keys []solana.PublicKey, label string) ([]FetchResult, error) {
	results := make([]FetchResult, len(keys))
	for i, key := range keys {
		results[i].Key = key
	}
	if len(keys) == 0 {
		return results, nil
	}

	type chunk struct {
		start int
		keys  []solana.PublicKey
	}
	var chunks []chunk
	for start := 0; start < len(keys); start += f.maxPerBatch {
		end := start + f.maxPerBatch
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, chunk{start: start, keys: keys[start:end]})
	}

	sem := make(chan struct{}, f.concurrency)
	var wg sync.WaitGroup
	for _, ch := range chunks {
		wg.Add(1)
		go func(ch chunk) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			data, err := f.fetchChunk(ctx, ch.keys)
			if err != nil {
				if f.logger != nil {
					f.logger.Warnw("batch_chunk_failed", "label", label, "keys", len(ch.keys), "err", err)
				}
				return // all keys in the chunk stay nil
			}
			for i, d := range data {
				results[ch.start+i].Data = d
			}
		}(ch)
	}
	wg.Wait()

	return results, ctx.Err()
}

func (f *BatchFetcher) fetchChunk(ctx context.Context, keys []solana.PublicKey) ([][]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := f.currentClient().MultipleAccounts(ctx, keys)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// FetchExistingAccounts is FetchAccounts with missing accounts filtered out.
func (f *BatchFetcher) FetchExistingAccounts(ctx context.Context, keys []solana.PublicKey, label string) ([]FetchResult, error) {
	all, err := f.FetchAccounts(ctx, keys, label)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, r := range all {
		if r.Data != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

// FetchAccountsAsMap returns a key-to-data lookup, omitting missing accounts.
func (f *BatchFetcher) FetchAccountsAsMap(ctx context.Context, keys []solana.PublicKey, label string) (map[solana.PublicKey][]byte, error) {
	all, err := f.FetchAccounts(ctx, keys, label)
	if err != nil {
		return nil, err
	}
	out := make(map[solana.PublicKey][]byte, len(all))
	for _, r := range all {
		if r.Data != nil {
			out[r.Key] = r.Data
		}
	}
	return out, nil
}
