// Package match pairs resting confidential orders for MPC price comparison.
// The algorithm is pure: all I/O lives in the monitor feeding it and the
// submitter consuming its output.
package match

import (
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/veilmarkets/crank/pkg/book"
)

// Candidate is one proposed (buy, sell) pair, consumed immediately to emit a
// match request. Never persisted.
type Candidate struct {
	Buy    book.OrderWithAddress
	Sell   book.OrderWithAddress
	PairID uint64
}

// CanPotentiallyMatch reports whether two orders are worth an encrypted
// price comparison: opposite sides, same pair, both active, proof-verified,
// not already matching, and not from the same maker (self-trade prevention).
func CanPotentiallyMatch(a, b *book.Order) bool {
	if a.Side == b.Side {
		return false
	}
	if a.PairID != b.PairID {
		return false
	}
	if !a.EligibilityProofVerified || !b.EligibilityProofVerified {
		return false
	}
	if a.Status != book.OrderActive || b.Status != book.OrderActive {
		return false
	}
	if a.IsMatching || b.IsMatching {
		return false
	}
	if a.Maker.Equals(b.Maker) {
		return false
	}
	return true
}

// FindMatchCandidates emits one candidate per eligible unordered pair, the
// buy order always first. This is deliberately the full cross product of
// eligible buys and sells within a pair; prioritization and selection happen
// downstream. Orders whose address is in locked are excluded entirely.
func FindMatchCandidates(orders []book.OrderWithAddress, locked map[solana.PublicKey]struct{}) []Candidate {
	eligible := make([]book.OrderWithAddress, 0, len(orders))
	for _, o := range orders {
		if _, isLocked := locked[o.Address]; isLocked {
			continue
		}
		eligible = append(eligible, o)
	}

	var out []Candidate
	for i := 0; i < len(eligible); i++ {
		for j := i + 1; j < len(eligible); j++ {
			a, b := eligible[i], eligible[j]
			if !CanPotentiallyMatch(a.Order, b.Order) {
				continue
			}
			buy, sell := a, b
			if buy.Order.Side != book.SideBuy {
				buy, sell = sell, buy
			}
			out = append(out, Candidate{Buy: buy, Sell: sell, PairID: buy.Order.PairID})
		}
	}
	return out
}

// PrioritizeCandidates orders candidates oldest-first by the buy order's
// creation hour, ties broken by the sell order's. Creation time on the
// ledger is hour-granular, so sub-hour ordering inside a bucket is input
// order (stable sort); that precision loss is accepted.
func PrioritizeCandidates(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Buy.Order.CreatedAtHour != out[j].Buy.Order.CreatedAtHour {
			return out[i].Buy.Order.CreatedAtHour < out[j].Buy.Order.CreatedAtHour
		}
		return out[i].Sell.Order.CreatedAtHour < out[j].Sell.Order.CreatedAtHour
	})
	return out
}

// SelectTopCandidates prioritizes and truncates to maxCount.
func SelectTopCandidates(candidates []Candidate, maxCount int) []Candidate {
	out := PrioritizeCandidates(candidates)
	if maxCount >= 0 && len(out) > maxCount {
		out = out[:maxCount]
	}
	return out
}
