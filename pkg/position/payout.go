package position

// CalculatePayout computes the plaintext close payout from the
// collateral escrow and signed realized pnl. A loss can never push the
// payout below zero, and the relayer fee always applies to whatever
// remains.
func CalculatePayout(collateral uint64, pnl int64, feeBps uint16) uint64 {
	var base uint64
	if pnl >= 0 {
		base = collateral + uint64(pnl)
		if base < collateral { // overflow clamp
			base = ^uint64(0)
		}
	} else {
		loss := uint64(-pnl)
		if loss >= collateral {
			return 0
		}
		base = collateral - loss
	}
	fee := mulBps(base, uint64(feeBps))
	return base - fee
}

// mulBps computes value*bps/10000 without overflowing u64 for values
// up to 2^64/10000 and degrades to a divide-first path above that.
func mulBps(value, bps uint64) uint64 {
	const scale = 10_000
	if value <= (^uint64(0))/scale {
		return value * bps / scale
	}
	return value / scale * bps
}
