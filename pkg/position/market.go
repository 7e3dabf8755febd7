package position

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Market holds the settlement-relevant slice of a market account: the
// vault funds are paid from and the address the relayer fee goes to.
type Market struct {
	Authority    solana.PublicKey
	Vault        solana.PublicKey
	FeeRecipient solana.PublicKey
}

const marketMinSize = 8 + 32 + 32 + 32

var (
	ErrMarketMissing     = errors.New("position: market account missing")
	marketDiscriminator  = accountDiscriminator("Market")
	errMarketShort       = errors.New("position: market account truncated")
	errMarketWrongSchema = errors.New("position: market discriminator mismatch")
)

// DecodeMarket parses the market account header. Trailing fields
// (funding state, oracle config) are not needed for settlement and are
// ignored, so newer market layouts decode fine.
func DecodeMarket(data []byte) (*Market, error) {
	if len(data) < marketMinSize {
		return nil, fmt.Errorf("%w: %d bytes", errMarketShort, len(data))
	}
	for i := 0; i < 8; i++ {
		if data[i] != marketDiscriminator[i] {
			return nil, errMarketWrongSchema
		}
	}
	m := &Market{}
	copy(m.Authority[:], data[8:40])
	copy(m.Vault[:], data[40:72])
	copy(m.FeeRecipient[:], data[72:104])
	return m, nil
}

// EncodeMarket is the test-side inverse of DecodeMarket.
func EncodeMarket(m *Market) []byte {
	data := make([]byte, marketMinSize)
	copy(data[0:8], marketDiscriminator[:])
	copy(data[8:40], m.Authority[:])
	copy(data[40:72], m.Vault[:])
	copy(data[72:104], m.FeeRecipient[:])
	return data
}
