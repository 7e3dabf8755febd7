// Command drain marks every pending computation request as skipped so a
// crank restart (or an MXE redeploy) starts from a clean queue. It reuses
// the poller's skip path but never executes or settles anything.
package main

import (
	"context"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap/zapcore"

	"github.com/veilmarkets/crank/params"
	"github.com/veilmarkets/crank/pkg/ledger"
	"github.com/veilmarkets/crank/pkg/mpc"
	"github.com/veilmarkets/crank/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger(zapcore.InfoLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	mxeProgramID, err := solana.PublicKeyFromBase58(cfg.Crank.MXEProgramID)
	if err != nil {
		sugar.Fatalw("bad_mxe_program_id", "value", cfg.Crank.MXEProgramID, "err", err)
	}
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.Crank.KeypairPath)
	if err != nil {
		sugar.Fatalw("keypair_unreadable", "path", cfg.Crank.KeypairPath, "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client := ledger.NewRPCClient(cfg.RPC.URL, cfg.RPC.WSURL, rpc.CommitmentType(cfg.RPC.Commitment))
	client.SetSkipPreflight(cfg.RPC.SkipPreflight)
	blockhashes := ledger.NewBlockhashCache(client, cfg.Crank.BlockhashPrefetch, sugar)
	sender := ledger.NewSender(client, blockhashes, signer, ledger.SenderOptions{
		ComputeUnitLimit:              cfg.RPC.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.RPC.ComputeUnitPriceMicroLamports,
	}, sugar)

	poller, err := mpc.NewPoller(client, sender, mpc.NewSimulatedExecutor(sugar), mxeProgramID, sugar, nil, nil)
	if err != nil {
		sugar.Fatalw("poller_init_failed", "err", err)
	}
	poller.SetBatchOptions(cfg.Crank.BatchMaxAccounts, cfg.Crank.BatchConcurrency, cfg.Crank.BatchMaxRetries)

	skipped, err := poller.SkipAllPending(ctx)
	if err != nil {
		sugar.Fatalw("drain_failed", "skipped_before_error", skipped, "err", err)
	}
	sugar.Infow("drain_complete", "skipped", skipped)
}
