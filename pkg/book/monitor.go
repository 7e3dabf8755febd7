package book

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/veilmarkets/crank/pkg/ledger"
)

// Monitor fetches and caches resting-order accounts for the exchange
// program. Fetch failures from the RPC propagate to callers; the cache only
// reflects successful reads.
type Monitor struct {
	client  ledger.Client
	program solana.PublicKey
	logger  *zap.SugaredLogger

	mu    sync.RWMutex
	cache map[solana.PublicKey]*Order
}

func NewMonitor(client ledger.Client, program solana.PublicKey, logger *zap.SugaredLogger) *Monitor {
	return &Monitor{
		client:  client,
		program: program,
		logger:  logger,
		cache:   make(map[solana.PublicKey]*Order),
	}
}

// FetchOpenOrdersForPair returns active, not-currently-matching orders for
// one trading pair. Eligibility proof status is not checked here; that
// belongs to the matching layer.
func (m *Monitor) FetchOpenOrdersForPair(ctx context.Context, pairID uint64) ([]OrderWithAddress, error) {
	var pairBytes [8]byte
	binary.LittleEndian.PutUint64(pairBytes[:], pairID)

	accounts, err := m.client.ProgramAccounts(ctx, m.program, ledger.AccountFilter{
		DataSize: OrderSizeV5,
		Memcmp:   []ledger.MemcmpFilter{{Offset: OrderOffsetPairID, Bytes: pairBytes[:]}},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch orders for pair %d: %w", pairID, err)
	}

	return m.collect(accounts, func(o *Order) bool {
		return o.Status == OrderActive && !o.IsMatching
	}), nil
}

// FetchAllOpenOrders returns every active, proof-verified, not-matching
// order across all pairs.
func (m *Monitor) FetchAllOpenOrders(ctx context.Context) ([]OrderWithAddress, error) {
	accounts, err := m.client.ProgramAccounts(ctx, m.program, ledger.AccountFilter{DataSize: OrderSizeV5})
	if err != nil {
		return nil, fmt.Errorf("fetch all orders: %w", err)
	}

	return m.collect(accounts, func(o *Order) bool {
		return o.Status == OrderActive && !o.IsMatching && o.EligibilityProofVerified
	}), nil
}

func (m *Monitor) collect(accounts []ledger.KeyedAccount, keep func(*Order) bool) []OrderWithAddress {
	out := make([]OrderWithAddress, 0, len(accounts))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range accounts {
		order, err := DecodeOrderV5(acc.Data)
		if err != nil {
			// Corrupt account: skip it, keep scanning.
			if m.logger != nil {
				m.logger.Warnw("order_decode_failed", "address", acc.Pubkey, "err", err)
			}
			continue
		}
		m.cache[acc.Pubkey] = order
		if keep(order) {
			out = append(out, OrderWithAddress{Address: acc.Pubkey, Order: order})
		}
	}
	return out
}

// FetchOrder refreshes a single order. A vanished account is dropped from
// the cache and reported as nil without error.
func (m *Monitor) FetchOrder(ctx context.Context, addr solana.PublicKey) (*Order, error) {
	data, err := m.client.AccountInfo(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("fetch order %s: %w", addr, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if data == nil {
		delete(m.cache, addr)
		return nil, nil
	}
	order, err := DecodeOrderV5(data)
	if err != nil {
		return nil, fmt.Errorf("decode order %s: %w", addr, err)
	}
	m.cache[addr] = order
	return order, nil
}

// CachedOrder returns the last fetched state of an order, if any.
func (m *Monitor) CachedOrder(addr solana.PublicKey) (*Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.cache[addr]
	return o, ok
}

func (m *Monitor) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[solana.PublicKey]*Order)
}

func (m *Monitor) CachedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// GroupOrdersByPair buckets orders by trading pair.
func GroupOrdersByPair(orders []OrderWithAddress) map[uint64][]OrderWithAddress {
	out := make(map[uint64][]OrderWithAddress)
	for _, o := range orders {
		out[o.Order.PairID] = append(out[o.Order.PairID], o)
	}
	return out
}

// OrderCounts tallies buys and sells.
func OrderCounts(orders []OrderWithAddress) (buys, sells int) {
	for _, o := range orders {
		switch o.Order.Side {
		case SideBuy:
			buys++
		case SideSell:
			sells++
		}
	}
	return buys, sells
}
