package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Slots land roughly every 400ms on mainnet; used only for validity
// estimates, never for correctness.
const approxMsPerSlot = 400

var ErrNoBlockhash = errors.New("blockhash cache is empty")

// BlockhashEntry is one cached blockhash with its provenance.
type BlockhashEntry struct {
	Blockhash     Blockhash
	FetchedAtSlot uint64
	FetchedAt     time.Time
}

// Validity is an estimate of how much longer a cached blockhash is usable.
type Validity struct {
	EstimatedSlotsRemaining uint64
	EstimatedMsRemaining    uint64
	IsLikelyValid           bool
}

// BlockhashCache keeps a small sliding window of recent blockhashes so a
// transaction submit does not cost an extra network round trip. Concurrent
// refreshes are single-flight: callers arriving during an in-flight refresh
// wait for its result instead of issuing their own fetch.
type BlockhashCache struct {
	client   Client
	prefetch int
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	entries  []BlockhashEntry // oldest first
	inflight *refreshCall

	onRefresh func()

	loopMu   sync.Mutex
	loopStop chan struct{}
}

type refreshCall struct {
	done chan struct{}
	err  error
}

func NewBlockhashCache(client Client, prefetch int, logger *zap.SugaredLogger) *BlockhashCache {
	if prefetch <= 0 {
		prefetch = 3
	}
	return &BlockhashCache{client: client, prefetch: prefetch, logger: logger}
}

// SetOnRefresh installs a hook fired after every successful refresh,
// typically a metrics counter. Call before Start.
func (c *BlockhashCache) SetOnRefresh(fn func()) {
	c.onRefresh = fn
}

// Refresh fetches the current slot and latest blockhash together and inserts
// the pair, evicting the oldest entries beyond the prefetch capacity.
func (c *BlockhashCache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if call := c.inflight; call != nil {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	c.inflight = call
	c.mu.Unlock()

	call.err = c.doRefresh(ctx)
	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(call.done)
	return call.err
}

func (c *BlockhashCache) doRefresh(ctx context.Context) error {
	slot, err := c.client.Slot(ctx)
	if err != nil {
		return err
	}
	bh, err := c.client.LatestBlockhash(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entries = append(c.entries, BlockhashEntry{
		Blockhash:     bh,
		FetchedAtSlot: slot,
		FetchedAt:     time.Now(),
	})
	if over := len(c.entries) - c.prefetch; over > 0 {
		c.entries = append([]BlockhashEntry(nil), c.entries[over:]...)
	}
	c.mu.Unlock()

	if c.onRefresh != nil {
		c.onRefresh()
	}
	return nil
}

// Get returns the newest cached entry, refreshing first when forced or when
// the cache is empty.
func (c *BlockhashCache) Get(ctx context.Context, forceRefresh bool) (BlockhashEntry, error) {
	if !forceRefresh {
		if entry, ok := c.newest(); ok {
			return entry, nil
		}
	}
	if err := c.Refresh(ctx); err != nil {
		return BlockhashEntry{}, err
	}
	entry, ok := c.newest()
	if !ok {
		return BlockhashEntry{}, ErrNoBlockhash
	}
	return entry, nil
}

// GetWithMaxAge refreshes when the newest entry is older than maxAge.
func (c *BlockhashCache) GetWithMaxAge(ctx context.Context, maxAge time.Duration) (BlockhashEntry, error) {
	if entry, ok := c.newest(); ok && time.Since(entry.FetchedAt) <= maxAge {
		return entry, nil
	}
	return c.Get(ctx, true)
}

// EstimateRemainingValidity reports how long the newest cached blockhash is
// expected to remain accepted, given the current slot.
func (c *BlockhashCache) EstimateRemainingValidity(currentSlot uint64) Validity {
	entry, ok := c.newest()
	if !ok {
		return Validity{}
	}
	var slotsRemaining uint64
	if entry.Blockhash.LastValidBlockHeight > currentSlot {
		slotsRemaining = entry.Blockhash.LastValidBlockHeight - currentSlot
	}
	return Validity{
		EstimatedSlotsRemaining: slotsRemaining,
		EstimatedMsRemaining:    slotsRemaining * approxMsPerSlot,
		IsLikelyValid:           slotsRemaining > 0,
	}
}

// EnsureFresh refreshes when the cached entry's estimated remaining validity
// is below minSlotsRemaining.
func (c *BlockhashCache) EnsureFresh(ctx context.Context, minSlotsRemaining uint64) error {
	if _, ok := c.newest(); !ok {
		return c.Refresh(ctx)
	}
	slot, err := c.client.Slot(ctx)
	if err != nil {
		return err
	}
	if c.EstimateRemainingValidity(slot).EstimatedSlotsRemaining < minSlotsRemaining {
		return c.Refresh(ctx)
	}
	return nil
}

// Start launches the background refresh loop. Calling Start twice does not
// create a second loop.
func (c *BlockhashCache) Start(ctx context.Context, interval time.Duration) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.loopStop != nil {
		return
	}
	stop := make(chan struct{})
	c.loopStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil && c.logger != nil {
					c.logger.Warnw("blockhash_refresh_failed", "err", err)
				}
			}
		}
	}()
}

// Stop halts the background loop. Safe to call repeatedly or without Start.
func (c *BlockhashCache) Stop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.loopStop != nil {
		close(c.loopStop)
		c.loopStop = nil
	}
}

func (c *BlockhashCache) newest() (BlockhashEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return BlockhashEntry{}, false
	}
	return c.entries[len(c.entries)-1], true
}

// Len reports the number of cached entries.
func (c *BlockhashCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
