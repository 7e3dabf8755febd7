package position

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
)

func samplePosition() *Position {
	p := &Position{
		Trader:              solana.NewWallet().PublicKey(),
		Market:              solana.NewWallet().PublicKey(),
		Side:                SideShort,
		Leverage:            10,
		OpenedAt:            1_700_000_000,
		UpdatedAt:           1_700_000_500,
		FundingSettledAt:    1_700_000_400,
		OpenInterestIndex:   3,
		PendingMarginAmount: 0,
		ThresholdVerified:   true,
		PendingExitPrice:    52_000,
		PendingClose:        true,
		PendingCloseFull:    true,
		Bump:                253,
		Commitment: FundingCommitment{
			DeltaMagnitude:    uint256.NewInt(777),
			DeltaNegative:     true,
			CumulativeFunding: uint256.NewInt(123_456),
		},
	}
	for i := range p.EncryptedSize {
		p.EncryptedSize[i] = 0x10
		p.EncryptedEntryPrice[i] = 0x20
		p.EncryptedCollateral[i] = 0x30
		p.EncryptedRealizedPnl[i] = 0x40
		p.EncryptedLiqBelow[i] = 0x50
		p.EncryptedLiqAbove[i] = 0x60
	}
	p.PendingMpcRequest[0] = 9
	p.PendingMpcRequest[31] = 1
	return p
}

func TestDecodePosition_RoundTripV7(t *testing.T) {
	want := samplePosition()
	data := EncodePosition(want)
	if len(data) != PositionSizeV7 {
		t.Fatalf("encoded size=%d, want V7", len(data))
	}

	addr := solana.NewWallet().PublicKey()
	got, err := DecodePosition(addr, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Address.Equals(addr) || !got.Trader.Equals(want.Trader) || !got.Market.Equals(want.Market) {
		t.Fatal("address fields mismatch")
	}
	if got.Side != SideShort || got.Leverage != 10 || got.Bump != 253 {
		t.Fatalf("scalar fields mismatch: %+v", got)
	}
	if !got.PendingClose || !got.PendingCloseFull || !got.ThresholdVerified {
		t.Fatal("flag fields mismatch")
	}
	if got.PendingMpcRequest != want.PendingMpcRequest {
		t.Fatal("pending request id mismatch")
	}
	if got.PendingExitPrice != 52_000 || got.OpenedAt != want.OpenedAt {
		t.Fatal("numeric fields mismatch")
	}
	if got.EncryptedLiqBelow != want.EncryptedLiqBelow || got.EncryptedLiqAbove != want.EncryptedLiqAbove {
		t.Fatal("encrypted blobs mismatch")
	}
	if !got.Commitment.DeltaNegative || got.Commitment.DeltaMagnitude.Uint64() != 777 {
		t.Fatalf("commitment=%+v", got.Commitment)
	}
	if got.Commitment.CumulativeFunding.Uint64() != 123_456 {
		t.Fatalf("cumulative funding=%v", got.Commitment.CumulativeFunding)
	}
}

func TestDecodePosition_V8Referrer(t *testing.T) {
	want := samplePosition()
	want.Referrer = solana.NewWallet().PublicKey()
	data := EncodePosition(want)
	if len(data) != PositionSizeV8 {
		t.Fatalf("encoded size=%d, want V8", len(data))
	}

	got, err := DecodePosition(solana.NewWallet().PublicKey(), data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Referrer.Equals(want.Referrer) {
		t.Fatal("referrer lost")
	}
	// Shared fields keep their V7 offsets.
	if !got.PendingClose || got.PendingExitPrice != 52_000 {
		t.Fatal("shared fields shifted in V8")
	}
}

func TestDecodePosition_Rejections(t *testing.T) {
	if _, err := DecodePosition(solana.PublicKey{}, make([]byte, 100)); !errors.Is(err, ErrBadSize) {
		t.Fatalf("err=%v, want ErrBadSize", err)
	}
	data := EncodePosition(samplePosition())
	data[0] ^= 0xff
	if _, err := DecodePosition(solana.PublicKey{}, data); !errors.Is(err, ErrBadDiscriminator) {
		t.Fatalf("err=%v, want ErrBadDiscriminator", err)
	}
}

func TestFundingCommitment_SignEncoding(t *testing.T) {
	cases := []struct {
		name      string
		magnitude uint64
		negative  bool
	}{
		{"positive", 1_000, false},
		{"negative", 1_000, true},
		{"zero", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := samplePosition()
			p.Commitment = FundingCommitment{
				DeltaMagnitude:    uint256.NewInt(tc.magnitude),
				DeltaNegative:     tc.negative,
				CumulativeFunding: uint256.NewInt(5),
			}
			got, err := DecodePosition(solana.PublicKey{}, EncodePosition(p))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Commitment.DeltaMagnitude.Uint64() != tc.magnitude {
				t.Fatalf("magnitude=%v, want %d", got.Commitment.DeltaMagnitude, tc.magnitude)
			}
			if tc.magnitude != 0 && got.Commitment.DeltaNegative != tc.negative {
				t.Fatalf("negative=%t, want %t", got.Commitment.DeltaNegative, tc.negative)
			}
			if (tc.magnitude == 0) != got.Commitment.IsZero() {
				t.Fatalf("IsZero=%t for magnitude %d", got.Commitment.IsZero(), tc.magnitude)
			}
		})
	}
}

func TestPosition_EscrowReads(t *testing.T) {
	p := samplePosition()
	binary.LittleEndian.PutUint64(p.EncryptedCollateral[:8], 250_000)
	pnl := int64(-40_000)
	binary.LittleEndian.PutUint64(p.EncryptedRealizedPnl[:8], uint64(pnl))

	got, err := DecodePosition(solana.PublicKey{}, EncodePosition(p))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CollateralEscrow() != 250_000 {
		t.Fatalf("collateral escrow=%d", got.CollateralEscrow())
	}
	if got.RealizedPnlEscrow() != -40_000 {
		t.Fatalf("pnl escrow=%d", got.RealizedPnlEscrow())
	}
}

func TestPosition_LiquidationThresholdBySide(t *testing.T) {
	p := samplePosition()
	p.Side = SideLong
	if got := p.LiquidationThreshold(); got != p.EncryptedLiqBelow {
		t.Fatal("long position must reference the lower threshold")
	}
	p.Side = SideShort
	if got := p.LiquidationThreshold(); got != p.EncryptedLiqAbove {
		t.Fatal("short position must reference the upper threshold")
	}
}

func TestPosition_HasPendingRequest(t *testing.T) {
	p := samplePosition()
	if !p.HasPendingRequest() {
		t.Fatal("non-zero id reported absent")
	}
	p.PendingMpcRequest = [32]byte{}
	if p.HasPendingRequest() {
		t.Fatal("all-zero id reported outstanding")
	}
}

func TestCalculatePayout(t *testing.T) {
	cases := []struct {
		name       string
		collateral uint64
		pnl        int64
		feeBps     uint16
		want       uint64
	}{
		{"profit no fee", 100_000, 20_000, 0, 120_000},
		{"profit with fee", 100_000, 20_000, 10, 119_880},
		{"loss partial", 100_000, -40_000, 0, 60_000},
		{"loss exceeds collateral", 100_000, -500_000, 10, 0},
		{"loss equals collateral", 100_000, -100_000, 10, 0},
		{"zero collateral", 0, -1, 10, 0},
		{"fee on full amount", 10_000, 0, 100, 9_900},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculatePayout(tc.collateral, tc.pnl, tc.feeBps)
			if got != tc.want {
				t.Fatalf("CalculatePayout(%d, %d, %d)=%d, want %d",
					tc.collateral, tc.pnl, tc.feeBps, got, tc.want)
			}
		})
	}
}

func TestDecodeMarket(t *testing.T) {
	want := &Market{
		Authority:    solana.NewWallet().PublicKey(),
		Vault:        solana.NewWallet().PublicKey(),
		FeeRecipient: solana.NewWallet().PublicKey(),
	}
	got, err := DecodeMarket(EncodeMarket(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Vault.Equals(want.Vault) || !got.FeeRecipient.Equals(want.FeeRecipient) {
		t.Fatal("market fields mismatch")
	}
	if _, err := DecodeMarket([]byte{1}); err == nil {
		t.Fatal("short market accepted")
	}
}
