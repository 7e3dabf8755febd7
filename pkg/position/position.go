// Package position settles perp position lifecycle events: pending
// closes and funding settlements. Positions are read through fixed
// byte-offset filters; the crank only ever writes by submitting
// finalize transactions the ledger program validates.
package position

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

// Position account layouts. V8 appends a referrer address to V7;
// every shared field sits at the same offset in both.
const (
	PositionSizeV7 = 692
	PositionSizeV8 = 724

	posOffsetTrader           = 8   // 32 bytes
	posOffsetMarket           = 40  // 32 bytes
	posOffsetSide             = 72  // u8
	posOffsetLeverage         = 73  // u8
	posOffsetEncSize          = 74  // 64-byte blob
	posOffsetEncEntryPrice    = 138 // 64-byte blob
	posOffsetEncCollateral    = 202 // 64-byte blob
	posOffsetEncRealizedPnl   = 266 // 64-byte blob
	posOffsetEncLiqBelow      = 330 // 64-byte blob
	posOffsetEncLiqAbove      = 394 // 64-byte blob
	posOffsetCommitment       = 458 // 32 bytes: fundingDelta i128 | cumulativeFunding u128
	posOffsetOpenedAt         = 490 // i64
	posOffsetUpdatedAt        = 498 // i64
	posOffsetFundingSettledAt = 506 // i64
	posOffsetOpenInterestIdx  = 514 // u64
	posOffsetPendingMargin    = 522 // u64

	// The two server-side filter anchors. The on-chain program pins
	// these offsets; moving a field here breaks discovery.
	PosOffsetThresholdVerified = 530 // bool
	posOffsetPendingMpcRequest = 531 // 32 bytes
	posOffsetPendingExitPrice  = 563 // u64
	posOffsetReserved1         = 571 // 47 bytes
	PosOffsetPendingClose      = 618 // bool
	posOffsetPendingCloseFull  = 619 // bool
	posOffsetBump              = 620 // u8
	posOffsetReferrerV8        = 621 // 32 bytes, V8 only
)

type Side uint8

const (
	SideLong Side = iota
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

var (
	ErrBadSize            = errors.New("position: unsupported account size")
	ErrBadDiscriminator   = errors.New("position: account discriminator mismatch")
	positionDiscriminator = accountDiscriminator("Position")
)

func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// FundingCommitment is the decoded thresholdCommitment: a signed
// 128-bit funding delta (two's complement on the wire) plus the
// cumulative funding index it was computed against.
type FundingCommitment struct {
	DeltaMagnitude    *uint256.Int
	DeltaNegative     bool
	CumulativeFunding *uint256.Int
}

// IsZero reports a zero funding delta regardless of sign encoding.
func (c FundingCommitment) IsZero() bool {
	return c.DeltaMagnitude == nil || c.DeltaMagnitude.IsZero()
}

type Position struct {
	Address              solana.PublicKey
	Trader               solana.PublicKey
	Market               solana.PublicKey
	Side                 Side
	Leverage             uint8
	EncryptedSize        [64]byte
	EncryptedEntryPrice  [64]byte
	EncryptedCollateral  [64]byte
	EncryptedRealizedPnl [64]byte
	EncryptedLiqBelow    [64]byte
	EncryptedLiqAbove    [64]byte
	Commitment           FundingCommitment
	OpenedAt             int64
	UpdatedAt            int64
	FundingSettledAt     int64
	OpenInterestIndex    uint64
	PendingMarginAmount  uint64
	ThresholdVerified    bool
	PendingMpcRequest    [32]byte
	PendingExitPrice     uint64
	PendingClose         bool
	PendingCloseFull     bool
	Bump                 uint8

	// V8 only; zero on V7 accounts.
	Referrer solana.PublicKey
}

// HasPendingRequest reports whether an MPC request is outstanding for
// this position. All-zero means none.
func (p *Position) HasPendingRequest() bool {
	return p.PendingMpcRequest != [32]byte{}
}

// CollateralEscrow reads the plaintext escrow value carried in the
// first eight bytes of the encrypted collateral blob.
func (p *Position) CollateralEscrow() uint64 {
	return binary.LittleEndian.Uint64(p.EncryptedCollateral[:8])
}

// RealizedPnlEscrow reads the signed plaintext escrow carried in the
// first eight bytes of the realized-pnl blob.
func (p *Position) RealizedPnlEscrow() int64 {
	return int64(binary.LittleEndian.Uint64(p.EncryptedRealizedPnl[:8]))
}

// LiquidationThreshold selects the threshold blob settlement should
// reference: the lower bound guards longs, the upper bound shorts.
func (p *Position) LiquidationThreshold() [64]byte {
	if p.Side == SideLong {
		return p.EncryptedLiqBelow
	}
	return p.EncryptedLiqAbove
}

// DecodePosition parses a V7 or V8 position account.
func DecodePosition(addr solana.PublicKey, data []byte) (*Position, error) {
	if len(data) != PositionSizeV7 && len(data) != PositionSizeV8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSize, len(data))
	}
	for i := 0; i < 8; i++ {
		if data[i] != positionDiscriminator[i] {
			return nil, ErrBadDiscriminator
		}
	}

	p := &Position{
		Address:             addr,
		Side:                Side(data[posOffsetSide]),
		Leverage:            data[posOffsetLeverage],
		OpenedAt:            int64(binary.LittleEndian.Uint64(data[posOffsetOpenedAt:])),
		UpdatedAt:           int64(binary.LittleEndian.Uint64(data[posOffsetUpdatedAt:])),
		FundingSettledAt:    int64(binary.LittleEndian.Uint64(data[posOffsetFundingSettledAt:])),
		OpenInterestIndex:   binary.LittleEndian.Uint64(data[posOffsetOpenInterestIdx:]),
		PendingMarginAmount: binary.LittleEndian.Uint64(data[posOffsetPendingMargin:]),
		ThresholdVerified:   data[PosOffsetThresholdVerified] == 1,
		PendingExitPrice:    binary.LittleEndian.Uint64(data[posOffsetPendingExitPrice:]),
		PendingClose:        data[PosOffsetPendingClose] == 1,
		PendingCloseFull:    data[posOffsetPendingCloseFull] == 1,
		Bump:                data[posOffsetBump],
	}
	copy(p.Trader[:], data[posOffsetTrader:posOffsetTrader+32])
	copy(p.Market[:], data[posOffsetMarket:posOffsetMarket+32])
	copy(p.EncryptedSize[:], data[posOffsetEncSize:posOffsetEncSize+64])
	copy(p.EncryptedEntryPrice[:], data[posOffsetEncEntryPrice:posOffsetEncEntryPrice+64])
	copy(p.EncryptedCollateral[:], data[posOffsetEncCollateral:posOffsetEncCollateral+64])
	copy(p.EncryptedRealizedPnl[:], data[posOffsetEncRealizedPnl:posOffsetEncRealizedPnl+64])
	copy(p.EncryptedLiqBelow[:], data[posOffsetEncLiqBelow:posOffsetEncLiqBelow+64])
	copy(p.EncryptedLiqAbove[:], data[posOffsetEncLiqAbove:posOffsetEncLiqAbove+64])
	copy(p.PendingMpcRequest[:], data[posOffsetPendingMpcRequest:posOffsetPendingMpcRequest+32])

	p.Commitment = decodeCommitment(data[posOffsetCommitment : posOffsetCommitment+32])

	if len(data) == PositionSizeV8 {
		copy(p.Referrer[:], data[posOffsetReferrerV8:posOffsetReferrerV8+32])
	}
	return p, nil
}

// decodeCommitment reads a two's-complement i128 funding delta and a
// u128 cumulative index, both little-endian.
func decodeCommitment(b []byte) FundingCommitment {
	delta := u128LE(b[:16])
	cumulative := u128LE(b[16:32])

	negative := b[15]&0x80 != 0
	magnitude := delta
	if negative {
		// magnitude = 2^128 - delta
		magnitude = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), delta)
	}
	return FundingCommitment{
		DeltaMagnitude:    magnitude,
		DeltaNegative:     negative,
		CumulativeFunding: cumulative,
	}
}

func u128LE(b []byte) *uint256.Int {
	var be [16]byte
	for i := 0; i < 16; i++ {
		be[i] = b[15-i]
	}
	return new(uint256.Int).SetBytes(be[:])
}

// EncodePosition builds V7 (or V8 when a referrer is set) account
// bytes. Test and tooling helper; the inverse of DecodePosition for
// every decoded field. The commitment delta is re-encoded from the
// magnitude/sign pair.
func EncodePosition(p *Position) []byte {
	size := PositionSizeV7
	if !p.Referrer.IsZero() {
		size = PositionSizeV8
	}
	data := make([]byte, size)
	copy(data[0:8], positionDiscriminator[:])
	copy(data[posOffsetTrader:], p.Trader[:])
	copy(data[posOffsetMarket:], p.Market[:])
	data[posOffsetSide] = byte(p.Side)
	data[posOffsetLeverage] = p.Leverage
	copy(data[posOffsetEncSize:], p.EncryptedSize[:])
	copy(data[posOffsetEncEntryPrice:], p.EncryptedEntryPrice[:])
	copy(data[posOffsetEncCollateral:], p.EncryptedCollateral[:])
	copy(data[posOffsetEncRealizedPnl:], p.EncryptedRealizedPnl[:])
	copy(data[posOffsetEncLiqBelow:], p.EncryptedLiqBelow[:])
	copy(data[posOffsetEncLiqAbove:], p.EncryptedLiqAbove[:])
	encodeCommitment(data[posOffsetCommitment:posOffsetCommitment+32], p.Commitment)
	binary.LittleEndian.PutUint64(data[posOffsetOpenedAt:], uint64(p.OpenedAt))
	binary.LittleEndian.PutUint64(data[posOffsetUpdatedAt:], uint64(p.UpdatedAt))
	binary.LittleEndian.PutUint64(data[posOffsetFundingSettledAt:], uint64(p.FundingSettledAt))
	binary.LittleEndian.PutUint64(data[posOffsetOpenInterestIdx:], p.OpenInterestIndex)
	binary.LittleEndian.PutUint64(data[posOffsetPendingMargin:], p.PendingMarginAmount)
	if p.ThresholdVerified {
		data[PosOffsetThresholdVerified] = 1
	}
	copy(data[posOffsetPendingMpcRequest:], p.PendingMpcRequest[:])
	binary.LittleEndian.PutUint64(data[posOffsetPendingExitPrice:], p.PendingExitPrice)
	if p.PendingClose {
		data[PosOffsetPendingClose] = 1
	}
	if p.PendingCloseFull {
		data[posOffsetPendingCloseFull] = 1
	}
	data[posOffsetBump] = p.Bump
	if size == PositionSizeV8 {
		copy(data[posOffsetReferrerV8:], p.Referrer[:])
	}
	return data
}

func encodeCommitment(dst []byte, c FundingCommitment) {
	delta := c.DeltaMagnitude
	if delta == nil {
		delta = uint256.NewInt(0)
	}
	if c.DeltaNegative && !delta.IsZero() {
		delta = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), delta)
	}
	putU128LE(dst[:16], delta)
	cumulative := c.CumulativeFunding
	if cumulative == nil {
		cumulative = uint256.NewInt(0)
	}
	putU128LE(dst[16:32], cumulative)
}

func putU128LE(dst []byte, v *uint256.Int) {
	be := v.Bytes32()
	for i := 0; i < 16; i++ {
		dst[i] = be[31-i]
	}
}
