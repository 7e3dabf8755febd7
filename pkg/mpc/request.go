// Package mpc drives the computation request/callback protocol: it
// discovers pending requests on the ledger, computes (or obtains)
// results, and delivers them through callback instructions.
package mpc

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ComputationType tags the circuit a request wants evaluated.
type ComputationType uint8

const (
	ComputeComparePrices ComputationType = iota
	ComputeCalculateFill
	ComputeAdd
	ComputeSubtract
	ComputeMultiply
	ComputeVerifyPositionParams
	ComputeCheckLiquidation
	ComputeCalculatePnl
	ComputeCalculateFunding
	ComputeCalculateMarginRatio
	ComputeUpdateCollateral
)

func (t ComputationType) String() string {
	switch t {
	case ComputeComparePrices:
		return "compare_prices"
	case ComputeCalculateFill:
		return "calculate_fill"
	case ComputeAdd:
		return "add"
	case ComputeSubtract:
		return "subtract"
	case ComputeMultiply:
		return "multiply"
	case ComputeVerifyPositionParams:
		return "verify_position_params"
	case ComputeCheckLiquidation:
		return "check_liquidation"
	case ComputeCalculatePnl:
		return "calculate_pnl"
	case ComputeCalculateFunding:
		return "calculate_funding"
	case ComputeCalculateMarginRatio:
		return "calculate_margin_ratio"
	case ComputeUpdateCollateral:
		return "update_collateral"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// RequestStatus is the ledger-side lifecycle state. The crank never
// writes it; the program transitions it when the callback lands.
type RequestStatus uint8

const (
	StatusPending RequestStatus = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusExpired
)

func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

func (s RequestStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

var (
	ErrShortRequest        = errors.New("mpc: request account data truncated")
	ErrWrongRequestSchema  = errors.New("mpc: account discriminator mismatch")
	requestDiscriminator   = accountDiscriminator("ComputationRequest")
	mxeConfigDiscriminator = accountDiscriminator("MXEConfig")
)

func accountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// ComputationRequest mirrors the on-ledger request account.
type ComputationRequest struct {
	RequestID             [32]byte
	Type                  ComputationType
	Requester             solana.PublicKey
	CallbackProgram       solana.PublicKey
	CallbackDiscriminator [8]byte
	Inputs                []byte
	Status                RequestStatus
	CreatedAt             int64
	CompletedAt           int64
	Result                []byte
	CallbackAccount1      solana.PublicKey
	CallbackAccount2      solana.PublicKey
	Bump                  uint8
}

// Index is the request's position in the MXE queue; the first eight
// bytes of the id double as the index used for address derivation.
func (r *ComputationRequest) Index() uint64 {
	return binary.LittleEndian.Uint64(r.RequestID[:8])
}

// DecodeComputationRequest parses the fixed-header/variable-payload
// request layout. Both blobs are length-prefixed with a u32, so every
// read past the header is bounds-checked.
func DecodeComputationRequest(data []byte) (*ComputationRequest, error) {
	const fixedHead = 8 + 32 + 1 + 32 + 32 + 8 // disc, id, type, requester, callback program, callback disc
	if len(data) < fixedHead+4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortRequest, len(data))
	}
	if !bytes.Equal(data[:8], requestDiscriminator[:]) {
		return nil, ErrWrongRequestSchema
	}

	req := &ComputationRequest{}
	copy(req.RequestID[:], data[8:40])
	req.Type = ComputationType(data[40])
	req.Requester = solana.PublicKeyFromBytes(data[41:73])
	req.CallbackProgram = solana.PublicKeyFromBytes(data[73:105])
	copy(req.CallbackDiscriminator[:], data[105:113])

	off := 113
	inputs, off, err := readBytesU32(data, off)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	req.Inputs = inputs

	if len(data) < off+1+8+8 {
		return nil, ErrShortRequest
	}
	req.Status = RequestStatus(data[off])
	off++
	req.CreatedAt = int64(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	req.CompletedAt = int64(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8

	result, off, err := readBytesU32(data, off)
	if err != nil {
		return nil, fmt.Errorf("result: %w", err)
	}
	req.Result = result

	if len(data) < off+32+32+1 {
		return nil, ErrShortRequest
	}
	req.CallbackAccount1 = solana.PublicKeyFromBytes(data[off : off+32])
	off += 32
	req.CallbackAccount2 = solana.PublicKeyFromBytes(data[off : off+32])
	off += 32
	req.Bump = data[off]
	return req, nil
}

func readBytesU32(data []byte, off int) ([]byte, int, error) {
	if len(data) < off+4 {
		return nil, 0, ErrShortRequest
	}
	n := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if n > len(data)-off {
		return nil, 0, fmt.Errorf("%w: declared %d bytes, %d remain", ErrShortRequest, n, len(data)-off)
	}
	out := make([]byte, n)
	copy(out, data[off:off+n])
	return out, off + n, nil
}

// DeriveRequestAddress computes the deterministic address of the
// request at the given queue index.
func DeriveRequestAddress(mxeProgram solana.PublicKey, index uint64) (solana.PublicKey, error) {
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("computation_request"), idx[:]}, mxeProgram)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive request %d: %w", index, err)
	}
	return addr, nil
}

// MXEConfig is the cluster bookkeeping account: the half-open range
// [CompletedCount, ComputationCount) is the outstanding work queue.
type MXEConfig struct {
	Authority        solana.PublicKey
	ComputationCount uint64
	CompletedCount   uint64
	Bump             uint8
}

const mxeConfigSize = 8 + 32 + 8 + 8 + 1

func DecodeMXEConfig(data []byte) (*MXEConfig, error) {
	if len(data) < mxeConfigSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortRequest, len(data))
	}
	if !bytes.Equal(data[:8], mxeConfigDiscriminator[:]) {
		return nil, ErrWrongRequestSchema
	}
	return &MXEConfig{
		Authority:        solana.PublicKeyFromBytes(data[8:40]),
		ComputationCount: binary.LittleEndian.Uint64(data[40:48]),
		CompletedCount:   binary.LittleEndian.Uint64(data[48:56]),
		Bump:             data[56],
	}, nil
}

func DeriveMXEConfigAddress(mxeProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte("mxe_config")}, mxeProgram)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive mxe config: %w", err)
	}
	return addr, nil
}

// EncodeComputationRequest builds account bytes in the request layout.
// Used by tests and local tooling.
func EncodeComputationRequest(req *ComputationRequest) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, requestDiscriminator[:]...)
	buf = append(buf, req.RequestID[:]...)
	buf = append(buf, byte(req.Type))
	buf = append(buf, req.Requester.Bytes()...)
	buf = append(buf, req.CallbackProgram.Bytes()...)
	buf = append(buf, req.CallbackDiscriminator[:]...)
	buf = appendBytesU32(buf, req.Inputs)
	buf = append(buf, byte(req.Status))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(req.CreatedAt))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(req.CompletedAt))
	buf = appendBytesU32(buf, req.Result)
	buf = append(buf, req.CallbackAccount1.Bytes()...)
	buf = append(buf, req.CallbackAccount2.Bytes()...)
	buf = append(buf, req.Bump)
	return buf
}

func appendBytesU32(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// EncodeMXEConfig is the test-side inverse of DecodeMXEConfig.
func EncodeMXEConfig(cfg *MXEConfig) []byte {
	buf := make([]byte, 0, mxeConfigSize)
	buf = append(buf, mxeConfigDiscriminator[:]...)
	buf = append(buf, cfg.Authority.Bytes()...)
	buf = binary.LittleEndian.AppendUint64(buf, cfg.ComputationCount)
	buf = binary.LittleEndian.AppendUint64(buf, cfg.CompletedCount)
	buf = append(buf, cfg.Bump)
	return buf
}
