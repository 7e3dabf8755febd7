package position

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/veilmarkets/crank/pkg/alert"
	"github.com/veilmarkets/crank/pkg/ledger"
	"github.com/veilmarkets/crank/pkg/mpc"
	"github.com/veilmarkets/crank/pkg/observability"
)

var settleFundingDiscriminator = instructionDiscriminator("settle_funding")

// FundingProcessor settles accrued funding: positions whose threshold
// commitment has gone stale carry a signed funding delta that must be
// paid or received before the threshold can be re-verified.
type FundingProcessor struct {
	processorCore
}

func NewFundingProcessor(client ledger.Client, sender *ledger.Sender, program, mxeProgram solana.PublicKey, opts ProcessorOptions, logger *zap.SugaredLogger, metrics *observability.Metrics, alerts *alert.Manager) *FundingProcessor {
	return &FundingProcessor{
		processorCore: newProcessorCore("funding", "FundingSettlementInitiated",
			client, sender, program, mxeProgram, opts, logger, metrics, alerts),
	}
}

// eligible applies the filters byte-equality discovery cannot express.
func (p *FundingProcessor) eligible(pos *Position) bool {
	if pos.ThresholdVerified {
		return false
	}
	if pos.PendingMarginAmount != 0 || pos.PendingClose {
		return false
	}
	if !pos.HasPendingRequest() {
		return false
	}
	return !pos.Commitment.IsZero()
}

// PollOnce runs one settlement pass over funding-pending positions.
func (p *FundingProcessor) PollOnce(ctx context.Context) error {
	positions, err := p.scanPositions(ctx, PosOffsetThresholdVerified, 0)
	if err != nil {
		return err
	}

	seen := make(map[[32]byte]struct{})
	for _, pos := range positions {
		if !p.eligible(pos) {
			continue
		}
		id := pos.PendingMpcRequest
		seen[id] = struct{}{}
		if !p.claim(id) {
			continue
		}
		p.settleFunding(ctx, pos)
		p.release(id)
	}

	p.pruneCache(seen)
	return nil
}

func (p *FundingProcessor) settleFunding(ctx context.Context, pos *Position) {
	id := pos.PendingMpcRequest

	if !p.opts.Simulated {
		p.refuseRealMode(ctx, id, pos.Address)
		return
	}

	result, ok := p.cachedResult(id)
	if !ok {
		result = buildFundingResult(pos)
		p.cacheResult(id, result)
		p.logger.Infow("funding_settlement_computed",
			"position", pos.Address,
			"receiving", pos.Commitment.DeltaNegative,
			"delta", pos.Commitment.DeltaMagnitude,
			"side", pos.Side,
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
		return
	}
	if req.Status != mpc.StatusCompleted {
		p.logger.Errorw("funding_computation_failed", "position", pos.Address, "status", req.Status.String())
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

	ix := buildSettleFundingInstruction(p.program, p.sender.Signer(), pos, market, reqAddr, result)
	if p.deliver(ctx, id, ix) {
		p.logger.Infow("funding_settled", "position", pos.Address, "trader", pos.Trader)
	}
}

// buildFundingResult encodes the settlement operand: the direction
// flag, the delta magnitude, and the side-selected liquidation
// threshold blob. A negative delta means the position receives
// funding.
func buildFundingResult(pos *Position) []byte {
	out := make([]byte, 0, 1+16+64)
	if pos.Commitment.DeltaNegative {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	var deltaLE [16]byte
	putU128LE(deltaLE[:], pos.Commitment.DeltaMagnitude)
	out = append(out, deltaLE[:]...)
	threshold := pos.LiquidationThreshold()
	return append(out, threshold[:]...)
}

func buildSettleFundingInstruction(program, signer solana.PublicKey, pos *Position, market *Market, requestAddr solana.PublicKey, result []byte) solana.Instruction {
	data := make([]byte, 0, 8+32+len(result))
	data = append(data, settleFundingDiscriminator[:]...)
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

// Start launches the dual-trigger loops.
func (p *FundingProcessor) Start(ctx context.Context, interval time.Duration) {
	p.startLoops(ctx, interval, p.PollOnce)
}

func (p *FundingProcessor) Stop() { p.stopLoops() }
