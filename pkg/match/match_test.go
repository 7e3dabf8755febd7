package match

import (
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/veilmarkets/crank/pkg/book"
)

func makeOrder(pairID uint64, side book.Side, hour uint64, mutate ...func(*book.Order)) book.OrderWithAddress {
	o := &book.Order{
		Maker:                    solana.NewWallet().PublicKey(),
		PairID:                   pairID,
		Side:                     side,
		Status:                   book.OrderActive,
		EligibilityProofVerified: true,
		CreatedAtHour:            hour,
	}
	for _, fn := range mutate {
		fn(o)
	}
	return book.OrderWithAddress{Address: solana.NewWallet().PublicKey(), Order: o}
}

func TestCanPotentiallyMatch_Exclusions(t *testing.T) {
	base := func() (*book.Order, *book.Order) {
		buy := makeOrder(1, book.SideBuy, 10).Order
		sell := makeOrder(1, book.SideSell, 10).Order
		return buy, sell
	}

	tests := []struct {
		name   string
		mutate func(buy, sell *book.Order)
		want   bool
	}{
		{"matchable pair", func(buy, sell *book.Order) {}, true},
		{"same side", func(buy, sell *book.Order) { sell.Side = book.SideBuy }, false},
		{"different pair", func(buy, sell *book.Order) { sell.PairID = 2 }, false},
		{"buy proof unverified", func(buy, sell *book.Order) { buy.EligibilityProofVerified = false }, false},
		{"sell proof unverified", func(buy, sell *book.Order) { sell.EligibilityProofVerified = false }, false},
		{"buy inactive", func(buy, sell *book.Order) { buy.Status = book.OrderInactive }, false},
		{"sell cancelled", func(buy, sell *book.Order) { sell.Status = book.OrderCancelled }, false},
		{"buy already matching", func(buy, sell *book.Order) { buy.IsMatching = true }, false},
		{"sell already matching", func(buy, sell *book.Order) { sell.IsMatching = true }, false},
		{"self trade", func(buy, sell *book.Order) { sell.Maker = buy.Maker }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buy, sell := base()
			tt.mutate(buy, sell)
			if got := CanPotentiallyMatch(buy, sell); got != tt.want {
				t.Fatalf("CanPotentiallyMatch() = %v, want %v", got, tt.want)
			}
			// The predicate is symmetric.
			if got := CanPotentiallyMatch(sell, buy); got != tt.want {
				t.Fatalf("CanPotentiallyMatch() not symmetric")
			}
		})
	}
}

func TestFindMatchCandidates_CrossProduct(t *testing.T) {
	buys := []book.OrderWithAddress{
		makeOrder(1, book.SideBuy, 10),
		makeOrder(1, book.SideBuy, 11),
	}
	sells := []book.OrderWithAddress{
		makeOrder(1, book.SideSell, 9),
		makeOrder(1, book.SideSell, 12),
		makeOrder(1, book.SideSell, 13),
	}
	orders := append(append([]book.OrderWithAddress{}, buys...), sells...)

	candidates := FindMatchCandidates(orders, nil)
	if len(candidates) != 6 {
		t.Fatalf("expected full 2x3 cross product, got %d", len(candidates))
	}
	for _, c := range candidates {
		if c.Buy.Order.Side != book.SideBuy || c.Sell.Order.Side != book.SideSell {
			t.Fatal("candidate sides misassigned")
		}
		if c.PairID != 1 {
			t.Fatalf("wrong pair id %d", c.PairID)
		}
	}
}

func TestFindMatchCandidates_RespectsLockedSet(t *testing.T) {
	buy := makeOrder(1, book.SideBuy, 10)
	sellA := makeOrder(1, book.SideSell, 10)
	sellB := makeOrder(1, book.SideSell, 10)

	locked := map[solana.PublicKey]struct{}{sellA.Address: {}}
	candidates := FindMatchCandidates([]book.OrderWithAddress{buy, sellA, sellB}, locked)

	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	for _, c := range candidates {
		if c.Buy.Address == sellA.Address || c.Sell.Address == sellA.Address {
			t.Fatal("locked order appeared in a candidate")
		}
	}
}

func TestPrioritizeCandidates_OldestFirst(t *testing.T) {
	mk := func(buyHour, sellHour uint64) Candidate {
		return Candidate{
			Buy:    makeOrder(1, book.SideBuy, buyHour),
			Sell:   makeOrder(1, book.SideSell, sellHour),
			PairID: 1,
		}
	}
	in := []Candidate{mk(5, 9), mk(3, 7), mk(5, 2), mk(1, 4)}

	out := PrioritizeCandidates(in)
	for i := 1; i < len(out); i++ {
		prev, cur := out[i-1], out[i]
		if prev.Buy.Order.CreatedAtHour > cur.Buy.Order.CreatedAtHour {
			t.Fatal("output not sorted by buy creation hour")
		}
		if prev.Buy.Order.CreatedAtHour == cur.Buy.Order.CreatedAtHour &&
			prev.Sell.Order.CreatedAtHour > cur.Sell.Order.CreatedAtHour {
			t.Fatal("ties not broken by sell creation hour")
		}
	}
	// Input order untouched.
	if in[0].Buy.Order.CreatedAtHour != 5 {
		t.Fatal("PrioritizeCandidates mutated its input")
	}
}

func TestSelectTopCandidates_Truncates(t *testing.T) {
	var in []Candidate
	for hour := uint64(10); hour > 0; hour-- {
		in = append(in, Candidate{
			Buy:    makeOrder(1, book.SideBuy, hour),
			Sell:   makeOrder(1, book.SideSell, hour),
			PairID: 1,
		})
	}
	out := SelectTopCandidates(in, 3)
	if len(out) != 3 {
		t.Fatalf("expected 3, got %d", len(out))
	}
	if out[0].Buy.Order.CreatedAtHour != 1 {
		t.Fatal("oldest candidate not selected first")
	}
}
