// Package codec implements the fixed-layout wire framing for encrypted
// values exchanged with the MPC cluster. A V2 blob is exactly 64 bytes:
//
//	[0:16]  128-bit little-endian nonce
//	[16:48] 32-byte ciphertext
//	[48:64] 16-byte truncated ephemeral public key
//
// Legacy V1 blobs carried a low-entropy nonce whose upper half is zero; they
// are rejected outright rather than decoded best-effort.
package codec

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	BlobSize         = 64
	NonceSize        = 16
	CiphertextSize   = 32
	TruncatedKeySize = 16

	// ComparePricesInputSize is the composite MPC input buffer layout:
	// buy ciphertext | sell ciphertext | buy nonce (u128 LE) | ephemeral key.
	ComparePricesInputSize = 112
)

var (
	ErrInvalidLength = errors.New("invalid encrypted blob length")
	ErrV1Format      = errors.New("V1 blob format no longer supported")
	ErrNonceOverflow = errors.New("nonce exceeds 128 bits")
)

// ArciumInputs is one decrypted-framing view of a V2 blob. All fields are
// independent copies of the source buffer.
type ArciumInputs struct {
	Nonce           *uint256.Int
	Ciphertext      [CiphertextSize]byte
	EphemeralPubkey [TruncatedKeySize]byte
}

// ReadU128LE decodes a 16-byte little-endian unsigned 128-bit integer.
func ReadU128LE(b []byte) (*uint256.Int, error) {
	if len(b) != NonceSize {
		return nil, fmt.Errorf("%w: u128 needs %d bytes, got %d", ErrInvalidLength, NonceSize, len(b))
	}
	var be [NonceSize]byte
	for i := 0; i < NonceSize; i++ {
		be[i] = b[NonceSize-1-i]
	}
	return new(uint256.Int).SetBytes(be[:]), nil
}

// WriteU128LE is the exact inverse of ReadU128LE.
func WriteU128LE(v *uint256.Int) ([NonceSize]byte, error) {
	var out [NonceSize]byte
	if v.BitLen() > 128 {
		return out, ErrNonceOverflow
	}
	be := v.Bytes32()
	for i := 0; i < NonceSize; i++ {
		out[i] = be[31-i]
	}
	return out, nil
}

// ValidateV2Format rejects blobs of the wrong size and legacy V1 blobs.
// V2 nonces are high-entropy, so bytes [8:16] being all zero marks a V1 blob.
func ValidateV2Format(blob []byte) error {
	if len(blob) != BlobSize {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidLength, BlobSize, len(blob))
	}
	for _, b := range blob[8:16] {
		if b != 0 {
			return nil
		}
	}
	return ErrV1Format
}

// ExtractFromV2Blob validates and splits a V2 blob. The returned slices are
// copies; mutating the source afterwards does not affect them.
func ExtractFromV2Blob(blob []byte) (ArciumInputs, error) {
	var out ArciumInputs
	if err := ValidateV2Format(blob); err != nil {
		return out, err
	}
	nonce, err := ReadU128LE(blob[0:NonceSize])
	if err != nil {
		return out, err
	}
	out.Nonce = nonce
	copy(out.Ciphertext[:], blob[NonceSize:NonceSize+CiphertextSize])
	copy(out.EphemeralPubkey[:], blob[NonceSize+CiphertextSize:BlobSize])
	return out, nil
}

// BuildComparePricesInput lays out the composite buffer consumed by the
// compare_prices circuit. The sell operand's nonce is deliberately discarded:
// the circuit re-derives symmetric randomness from the buy side only, so only
// the buy nonce travels on the wire.
func BuildComparePricesInput(buy, sell ArciumInputs, ephemeralPubkey []byte) ([ComparePricesInputSize]byte, error) {
	var out [ComparePricesInputSize]byte
	copy(out[0:32], buy.Ciphertext[:])
	copy(out[32:64], sell.Ciphertext[:])
	nonceLE, err := WriteU128LE(buy.Nonce)
	if err != nil {
		return out, err
	}
	copy(out[64:80], nonceLE[:])
	// Truncate (or zero-pad) the ephemeral key to 32 bytes.
	copy(out[80:112], ephemeralPubkey)
	return out, nil
}
