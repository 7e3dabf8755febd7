package match

import (
	"context"
	"crypto/sha256"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/veilmarkets/crank/pkg/ledger"
)

var initiateMatchDiscriminator = instructionDiscriminator("initiate_match")

func instructionDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// Submitter turns selected candidates into on-chain match requests. The
// program locks both orders (is_matching=true) and creates the pending MPC
// computation request as part of the instruction.
type Submitter struct {
	sender  *ledger.Sender
	program solana.PublicKey
	logger  *zap.SugaredLogger
}

func NewSubmitter(sender *ledger.Sender, program solana.PublicKey, logger *zap.SugaredLogger) *Submitter {
	return &Submitter{sender: sender, program: program, logger: logger}
}

// Submit sends one initiate_match instruction per candidate. A failed
// submission does not abort the remaining candidates; the candidates that
// actually made it on chain are returned so the caller knows which orders
// are now locked.
func (s *Submitter) Submit(ctx context.Context, candidates []Candidate) ([]Candidate, error) {
	var submitted []Candidate
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return submitted, err
		}
		sig, err := s.sender.SendAndConfirm(ctx, []solana.Instruction{s.buildInstruction(c)})
		if err != nil {
			if s.logger != nil {
				s.logger.Warnw("match_request_failed",
					"buy", c.Buy.Address, "sell", c.Sell.Address, "pair", c.PairID, "err", err)
			}
			continue
		}
		submitted = append(submitted, c)
		if s.logger != nil {
			s.logger.Infow("match_request_submitted",
				"buy", c.Buy.Address, "sell", c.Sell.Address, "pair", c.PairID, "signature", sig)
		}
	}
	return submitted, nil
}

func (s *Submitter) buildInstruction(c Candidate) solana.Instruction {
	data := make([]byte, 8)
	copy(data, initiateMatchDiscriminator[:])

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(s.sender.Signer(), true, true),
		solana.NewAccountMeta(c.Buy.Address, true, false),
		solana.NewAccountMeta(c.Sell.Address, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(s.program, accounts, data)
}
