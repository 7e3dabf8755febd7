package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"go.uber.org/zap"
)

// SenderOptions tune transaction submission. Compute budget instructions are
// prepended only when the corresponding value is non-zero.
type SenderOptions struct {
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	ConfirmPollInterval           time.Duration
}

// Sender signs and submits transactions using the blockhash cache, then
// polls signature status until confirmation or context expiry.
type Sender struct {
	client    Client
	blockhash *BlockhashCache
	signer    solana.PrivateKey
	opts      SenderOptions
	logger    *zap.SugaredLogger
}

func NewSender(client Client, blockhash *BlockhashCache, signer solana.PrivateKey, opts SenderOptions, logger *zap.SugaredLogger) *Sender {
	if opts.ConfirmPollInterval <= 0 {
		opts.ConfirmPollInterval = 700 * time.Millisecond
	}
	return &Sender{
		client:    client,
		blockhash: blockhash,
		signer:    signer,
		opts:      opts,
		logger:    logger,
	}
}

// Signer returns the public key transactions are paid and signed with.
func (s *Sender) Signer() solana.PublicKey { return s.signer.PublicKey() }

// SendAndConfirm builds, signs, submits, and confirms a transaction carrying
// the given instructions. Failures classified by the caller; the error text
// from the node is preserved for substring inspection.
func (s *Sender) SendAndConfirm(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	all := make([]solana.Instruction, 0, len(instructions)+2)
	if s.opts.ComputeUnitLimit > 0 {
		ix, err := computebudget.NewSetComputeUnitLimitInstruction(s.opts.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		all = append(all, ix)
	}
	if s.opts.ComputeUnitPriceMicroLamports > 0 {
		ix, err := computebudget.NewSetComputeUnitPriceInstruction(s.opts.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		all = append(all, ix)
	}
	all = append(all, instructions...)

	entry, err := s.blockhash.Get(ctx, false)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(all, entry.Blockhash.Hash, solana.TransactionPayer(s.signer.PublicKey()))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}

	if err := s.waitForConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

func (s *Sender) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(s.opts.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := s.client.SignatureStatus(ctx, sig)
			if err != nil {
				continue
			}
			if status.Err != nil {
				return status.Err
			}
			if status.Confirmed {
				return nil
			}
		}
	}
}

// ClusterTime returns the ledger's notion of now, falling back to the local
// clock when the node cannot serve slot or block time.
func ClusterTime(ctx context.Context, client Client, logger *zap.SugaredLogger) int64 {
	slot, err := client.Slot(ctx)
	if err != nil {
		if logger != nil {
			logger.Warnw("cluster_time_fallback", "reason", "getSlot failed", "err", err)
		}
		return time.Now().Unix()
	}
	bt, err := client.BlockTime(ctx, slot)
	if err != nil {
		if logger != nil {
			logger.Warnw("cluster_time_fallback", "reason", "getBlockTime failed", "slot", slot, "err", err)
		}
		return time.Now().Unix()
	}
	return bt
}
