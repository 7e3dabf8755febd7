package mpc

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/veilmarkets/crank/pkg/book"
	"github.com/veilmarkets/crank/pkg/codec"
	"github.com/veilmarkets/crank/pkg/ledger"
)

// Executor computes a result for one pending request. The mode
// (simulated vs real cluster) is fixed at construction so there is no
// per-call fallback path between them.
type Executor interface {
	// Execute returns the result payload and the success flag to embed
	// in the callback. An error means nothing settlement-worthy could
	// be computed and the callback must not be sent.
	Execute(ctx context.Context, req *ComputationRequest) (result []byte, success bool, err error)
}

// SimulatedExecutor is the demo-mode stand-in: compares always match
// and fills are always full. It must never be selected silently in a
// production configuration.
type SimulatedExecutor struct {
	logger *zap.SugaredLogger
}

func NewSimulatedExecutor(logger *zap.SugaredLogger) *SimulatedExecutor {
	return &SimulatedExecutor{logger: logger}
}

func (e *SimulatedExecutor) Execute(_ context.Context, req *ComputationRequest) ([]byte, bool, error) {
	switch req.Type {
	case ComputeComparePrices:
		return []byte{1}, true, nil
	case ComputeCalculateFill:
		// Full fill both ways: echo the two encrypted amount blobs.
		if len(req.Inputs) < 2*codec.BlobSize {
			return nil, false, fmt.Errorf("calculate_fill inputs too short: %d bytes", len(req.Inputs))
		}
		out := make([]byte, 2*codec.BlobSize)
		copy(out, req.Inputs[:2*codec.BlobSize])
		return out, true, nil
	default:
		e.logger.Warnw("unsupported_computation_type", "type", req.Type.String(), "request", fmt.Sprintf("%x", req.RequestID[:8]))
		return nil, false, nil
	}
}

// RealExecutor resolves the two order accounts a compare request
// points at and asks the MPC cluster for the comparison. Failures
// propagate: in real mode an unverifiable result is an error, never a
// guess.
type RealExecutor struct {
	client  ledger.Client
	cluster ClusterClient
	logger  *zap.SugaredLogger
}

func NewRealExecutor(client ledger.Client, cluster ClusterClient, logger *zap.SugaredLogger) *RealExecutor {
	return &RealExecutor{client: client, cluster: cluster, logger: logger}
}

func (e *RealExecutor) Execute(ctx context.Context, req *ComputationRequest) ([]byte, bool, error) {
	switch req.Type {
	case ComputeComparePrices:
		match, err := e.comparePrices(ctx, req)
		if err != nil {
			return nil, false, err
		}
		if match {
			return []byte{1}, true, nil
		}
		return []byte{0}, true, nil
	default:
		e.logger.Warnw("unsupported_computation_type", "type", req.Type.String(), "request", fmt.Sprintf("%x", req.RequestID[:8]))
		return nil, false, nil
	}
}

func (e *RealExecutor) comparePrices(ctx context.Context, req *ComputationRequest) (bool, error) {
	if !e.cluster.IsAvailable(ctx) {
		return false, fmt.Errorf("mpc cluster unavailable for request %x", req.RequestID[:8])
	}

	buyOrder, err := e.fetchOrder(ctx, req, req.CallbackAccount1)
	if err != nil {
		return false, fmt.Errorf("buy order: %w", err)
	}
	sellOrder, err := e.fetchOrder(ctx, req, req.CallbackAccount2)
	if err != nil {
		return false, fmt.Errorf("sell order: %w", err)
	}

	buy, err := codec.ExtractFromV2Blob(buyOrder.EncryptedPrice[:])
	if err != nil {
		return false, fmt.Errorf("buy price blob: %w", err)
	}
	sell, err := codec.ExtractFromV2Blob(sellOrder.EncryptedPrice[:])
	if err != nil {
		return false, fmt.Errorf("sell price blob: %w", err)
	}

	e.logger.Debugw("compare_prices_dispatch",
		"request", fmt.Sprintf("%x", req.RequestID[:8]),
		"buy_nonce", nonceForLog(buy.Nonce),
	)
	return e.cluster.ExecuteComparePrices(ctx, buy, sell, buyOrder.EphemeralPubkey)
}

func (e *RealExecutor) fetchOrder(ctx context.Context, req *ComputationRequest, addr solana.PublicKey) (*book.Order, error) {
	if addr.IsZero() {
		return nil, fmt.Errorf("request %x has no order account", req.RequestID[:8])
	}
	data, err := e.client.AccountInfo(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", addr, err)
	}
	if data == nil {
		return nil, fmt.Errorf("order %s not found", addr)
	}
	return book.DecodeOrderV5(data)
}
