package position

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/veilmarkets/crank/pkg/alert"
	"github.com/veilmarkets/crank/pkg/ledger"
	"github.com/veilmarkets/crank/pkg/mpc"
	"github.com/veilmarkets/crank/pkg/observability"
)

func instructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

var settleCloseDiscriminator = instructionDiscriminator("settle_close_position")

// CloseProcessor settles positions whose close was initiated on-chain:
// it waits for the close computation to finish, derives the plaintext
// payout, and submits the finalize transaction.
type CloseProcessor struct {
	processorCore
}

func NewCloseProcessor(client ledger.Client, sender *ledger.Sender, program, mxeProgram solana.PublicKey, opts ProcessorOptions, logger *zap.SugaredLogger, metrics *observability.Metrics, alerts *alert.Manager) *CloseProcessor {
	return &CloseProcessor{
		processorCore: newProcessorCore("close", "ClosePositionInitiated",
			client, sender, program, mxeProgram, opts, logger, metrics, alerts),
	}
}

// PollOnce runs one settlement pass over pending-close positions.
func (p *CloseProcessor) PollOnce(ctx context.Context) error {
	positions, err := p.scanPositions(ctx, PosOffsetPendingClose, 1)
	if err != nil {
		return err
	}

	seen := make(map[[32]byte]struct{})
	for _, pos := range positions {
		if !pos.PendingClose || !pos.HasPendingRequest() {
			continue
		}
		id := pos.PendingMpcRequest
		seen[id] = struct{}{}
		if !p.claim(id) {
			continue
		}
		p.settleClose(ctx, pos)
		p.release(id)
	}

	p.pruneCache(seen)
	return nil
}

func (p *CloseProcessor) settleClose(ctx context.Context, pos *Position) {
	id := pos.PendingMpcRequest

	if !p.opts.Simulated {
		p.refuseRealMode(ctx, id, pos.Address)
		return
	}

	result, ok := p.cachedResult(id)
	if !ok {
		payout := CalculatePayout(pos.CollateralEscrow(), pos.RealizedPnlEscrow(), p.opts.FeeBps)
		result = make([]byte, 9)
		binary.LittleEndian.PutUint64(result[:8], payout)
		if pos.PendingCloseFull {
			result[8] = 1
		}
		p.cacheResult(id, result)
		p.logger.Infow("close_payout_computed",
			"position", pos.Address,
			"collateral", pos.CollateralEscrow(),
			"pnl", pos.RealizedPnlEscrow(),
			"payout", payout,
			"full", pos.PendingCloseFull,
		)
	}

	reqAddr, err := p.requestAddress(id)
	if err != nil {
		p.logger.Errorw("request_address_underivable", "position", pos.Address, "err", err)
		return
	}
	req, err := p.waitForRequestTerminal(ctx, reqAddr)
	if err != nil {
		p.logger.Warnw("request_poll_failed", "position", pos.Address, "err", err)
		return
	}
	if req == nil {
		// Computation still running; next cycle picks it up.
		return
	}
	if req.Status != mpc.StatusCompleted {
		p.logger.Errorw("close_computation_failed", "position", pos.Address, "status", req.Status.String())
		p.mu.Lock()
		p.failed[id] = struct{}{}
		p.failedCount++
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.SettleFailures.WithLabelValues(p.kind).Inc()
		}
		return
	}

	market, err := p.fetchMarket(ctx, pos.Market)
	if err != nil {
		p.logger.Errorw("market_unavailable", "position", pos.Address, "market", pos.Market, "err", err)
		p.mu.Lock()
		p.failedCount++
		p.mu.Unlock()
		return
	}

	ix := buildSettleCloseInstruction(p.program, p.sender.Signer(), pos, market, reqAddr, result)
	if p.deliver(ctx, id, ix) {
		p.logger.Infow("close_settled", "position", pos.Address, "trader", pos.Trader)
	}
}

func buildSettleCloseInstruction(program, signer solana.PublicKey, pos *Position, market *Market, requestAddr solana.PublicKey, result []byte) solana.Instruction {
	data := make([]byte, 0, 8+32+len(result))
	data = append(data, settleCloseDiscriminator[:]...)
	data = append(data, pos.PendingMpcRequest[:]...)
	data = append(data, result...)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(signer, true, true),
		solana.NewAccountMeta(pos.Address, true, false),
		solana.NewAccountMeta(pos.Market, true, false),
		solana.NewAccountMeta(market.Vault, true, false),
		solana.NewAccountMeta(market.FeeRecipient, true, false),
		solana.NewAccountMeta(pos.Trader, true, false),
		solana.NewAccountMeta(requestAddr, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(program, accounts, data)
}

// Start launches the dual-trigger loops: a periodic pass and a log
// watcher reacting to close-initiated events.
func (p *CloseProcessor) Start(ctx context.Context, interval time.Duration) {
	p.startLoops(ctx, interval, p.PollOnce)
}

func (p *CloseProcessor) Stop() { p.stopLoops() }
