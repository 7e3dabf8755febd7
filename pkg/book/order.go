// Package book reads resting confidential orders off the ledger. Account
// bytes are a fixed-offset wire protocol shared with the on-chain program;
// the data size doubles as the schema version discriminator.
package book

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// V5 order account layout, 366 bytes. Integers are little-endian.
const (
	OrderSizeV5 = 366

	orderOffsetMaker         = 8   // 32 bytes
	OrderOffsetPairID        = 40  // u64
	orderOffsetSide          = 48  // u8
	orderOffsetStatus        = 49  // u8
	orderOffsetProofVerified = 50  // bool
	orderOffsetIsMatching    = 51  // bool
	orderOffsetCreatedAtHour = 52  // u64
	OrderOffsetEncAmount     = 60  // 64-byte blob
	OrderOffsetEncPrice      = 124 // 64-byte blob
	OrderOffsetEncFilled     = 188 // 64-byte blob
	OrderOffsetEphemeralKey  = 252 // 32 bytes
)

type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

type OrderStatus uint8

const (
	OrderInactive OrderStatus = iota
	OrderActive
	OrderFilled
	OrderCancelled
)

var (
	ErrShortAccount    = errors.New("account data shorter than schema")
	ErrWrongSchema     = errors.New("account data does not match order schema")
	orderDiscriminator = accountDiscriminator("Order")
)

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// Order is the matcher-relevant view of a resting order. The encrypted blobs
// are opaque here; only the MPC path interprets them.
type Order struct {
	Maker                    solana.PublicKey
	PairID                   uint64
	Side                     Side
	Status                   OrderStatus
	EligibilityProofVerified bool
	IsMatching               bool
	CreatedAtHour            uint64
	EncryptedAmount          [64]byte
	EncryptedPrice           [64]byte
	EncryptedFilled          [64]byte
	EphemeralPubkey          [32]byte
}

// OrderWithAddress pairs a decoded order with its ledger address.
type OrderWithAddress struct {
	Address solana.PublicKey
	Order   *Order
}

// DecodeOrderV5 parses a 366-byte V5 order account. Short or mis-tagged
// buffers return a typed error; offsets are never read unchecked.
func DecodeOrderV5(data []byte) (*Order, error) {
	if len(data) != OrderSizeV5 {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrShortAccount, OrderSizeV5, len(data))
	}
	for i := 0; i < 8; i++ {
		if data[i] != orderDiscriminator[i] {
			return nil, fmt.Errorf("%w: bad discriminator", ErrWrongSchema)
		}
	}

	o := &Order{
		PairID:                   binary.LittleEndian.Uint64(data[OrderOffsetPairID:]),
		Side:                     Side(data[orderOffsetSide]),
		Status:                   OrderStatus(data[orderOffsetStatus]),
		EligibilityProofVerified: data[orderOffsetProofVerified] == 1,
		IsMatching:               data[orderOffsetIsMatching] == 1,
		CreatedAtHour:            binary.LittleEndian.Uint64(data[orderOffsetCreatedAtHour:]),
	}
	copy(o.Maker[:], data[orderOffsetMaker:orderOffsetMaker+32])
	copy(o.EncryptedAmount[:], data[OrderOffsetEncAmount:OrderOffsetEncAmount+64])
	copy(o.EncryptedPrice[:], data[OrderOffsetEncPrice:OrderOffsetEncPrice+64])
	copy(o.EncryptedFilled[:], data[OrderOffsetEncFilled:OrderOffsetEncFilled+64])
	copy(o.EphemeralPubkey[:], data[OrderOffsetEphemeralKey:OrderOffsetEphemeralKey+32])
	return o, nil
}

// EncodeOrderV5 writes an order back into its account layout. Primarily for
// tests and tooling; the crank itself never writes account data directly.
func EncodeOrderV5(o *Order) []byte {
	data := make([]byte, OrderSizeV5)
	copy(data[0:8], orderDiscriminator[:])
	copy(data[orderOffsetMaker:], o.Maker[:])
	binary.LittleEndian.PutUint64(data[OrderOffsetPairID:], o.PairID)
	data[orderOffsetSide] = byte(o.Side)
	data[orderOffsetStatus] = byte(o.Status)
	if o.EligibilityProofVerified {
		data[orderOffsetProofVerified] = 1
	}
	if o.IsMatching {
		data[orderOffsetIsMatching] = 1
	}
	binary.LittleEndian.PutUint64(data[orderOffsetCreatedAtHour:], o.CreatedAtHour)
	copy(data[OrderOffsetEncAmount:], o.EncryptedAmount[:])
	copy(data[OrderOffsetEncPrice:], o.EncryptedPrice[:])
	copy(data[OrderOffsetEncFilled:], o.EncryptedFilled[:])
	copy(data[OrderOffsetEphemeralKey:], o.EphemeralPubkey[:])
	return data
}
