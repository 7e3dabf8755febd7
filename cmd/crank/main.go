package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veilmarkets/crank/params"
	"github.com/veilmarkets/crank/pkg/alert"
	"github.com/veilmarkets/crank/pkg/api"
	"github.com/veilmarkets/crank/pkg/book"
	"github.com/veilmarkets/crank/pkg/journal"
	"github.com/veilmarkets/crank/pkg/ledger"
	"github.com/veilmarkets/crank/pkg/match"
	"github.com/veilmarkets/crank/pkg/mpc"
	"github.com/veilmarkets/crank/pkg/observability"
	"github.com/veilmarkets/crank/pkg/position"
	"github.com/veilmarkets/crank/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logPath := filepath.Join(cfg.Crank.DataDir, "crank.log")
	logger, err := util.NewLoggerWithFile(logPath, zapcore.InfoLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("crank_starting", "rpc", cfg.RPC.URL, "log_file", logPath)

	programID, err := solana.PublicKeyFromBase58(cfg.Crank.ProgramID)
	if err != nil {
		sugar.Fatalw("bad_program_id", "value", cfg.Crank.ProgramID, "err", err)
	}
	mxeProgramID, err := solana.PublicKeyFromBase58(cfg.Crank.MXEProgramID)
	if err != nil {
		sugar.Fatalw("bad_mxe_program_id", "value", cfg.Crank.MXEProgramID, "err", err)
	}
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.Crank.KeypairPath)
	if err != nil {
		sugar.Fatalw("keypair_unreadable", "path", cfg.Crank.KeypairPath, "err", err)
	}
	sugar.Infow("signer_loaded", "pubkey", signer.PublicKey())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	// ---- Ledger access ----
	client := ledger.NewRPCClient(cfg.RPC.URL, cfg.RPC.WSURL, rpc.CommitmentType(cfg.RPC.Commitment))
	client.SetSkipPreflight(cfg.RPC.SkipPreflight)
	blockhashes := ledger.NewBlockhashCache(client, cfg.Crank.BlockhashPrefetch, sugar)
	blockhashes.SetOnRefresh(func() { metrics.BlockhashRefreshes.Inc() })
	blockhashes.Start(ctx, cfg.Crank.BlockhashRefreshInterval)
	defer blockhashes.Stop()

	sender := ledger.NewSender(client, blockhashes, signer, ledger.SenderOptions{
		ComputeUnitLimit:              cfg.RPC.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.RPC.ComputeUnitPriceMicroLamports,
	}, sugar)

	// ---- Alerting ----
	channels := []alert.Channel{alert.ConsoleChannel{}}
	if cfg.Alerts.SlackWebhookURL != "" {
		channels = append(channels, alert.SlackChannel{WebhookURL: cfg.Alerts.SlackWebhookURL})
	}
	if cfg.Alerts.WebhookURL != "" {
		channels = append(channels, alert.WebhookChannel{URL: cfg.Alerts.WebhookURL})
	}

	// ---- Operator API (hub doubles as an alert sink) ----
	// The server's status sources close over loop handles assigned below;
	// nothing is served until Start, so the late binding is safe.
	var (
		poller  *mpc.Poller
		closer  *position.CloseProcessor
		funding *position.FundingProcessor
	)
	monitor := book.NewMonitor(client, programID, sugar)
	server := api.NewServer(api.Sources{
		Poller:       func() mpc.PollerStatus { return poller.Status() },
		Close:        func() position.ProcessorStatus { return closer.Status() },
		Funding:      func() position.ProcessorStatus { return funding.Status() },
		BlockhashLen: blockhashes.Len,
		OrderCounts: func() (int, int) {
			orders, err := monitor.FetchAllOpenOrders(context.Background())
			if err != nil {
				return 0, 0
			}
			return book.OrderCounts(orders)
		},
		Drain: func(ctx context.Context) (int, error) { return poller.SkipAllPending(ctx) },
	}, sugar)

	channels = append(channels, server.Hub().AlertChannel())
	alerts := alert.NewManager(alert.Severity(cfg.Alerts.MinSeverity), cfg.Alerts.DedupeWindow, sugar, channels...)
	alerts.SetOnDispatch(func(sev alert.Severity) {
		metrics.AlertsDispatched.WithLabelValues(string(sev)).Inc()
	})

	// ---- MPC executor ----
	var executor mpc.Executor
	if cfg.MPC.Simulated {
		sugar.Warnw("SIMULATED MPC MODE: compare always matches, fills are always full; never run this against real funds")
		executor = mpc.NewSimulatedExecutor(sugar)
	} else {
		cluster, err := mpc.NewHTTPClusterClient(cfg.MPC.ClusterURL, cfg.RPC.TxTimeout)
		if err != nil {
			sugar.Fatalw("cluster_client_init_failed", "err", err)
		}
		executor = mpc.NewRealExecutor(client, cluster, sugar)
	}

	poller, err = mpc.NewPoller(client, sender, executor, mxeProgramID, sugar, metrics, alerts)
	if err != nil {
		sugar.Fatalw("poller_init_failed", "err", err)
	}
	poller.SetBatchOptions(cfg.Crank.BatchMaxAccounts, cfg.Crank.BatchConcurrency, cfg.Crank.BatchMaxRetries)

	if cfg.Crank.DataDir != "" {
		j, err := journal.Open(filepath.Join(cfg.Crank.DataDir, "journal"))
		if err != nil {
			sugar.Warnw("journal_unavailable", "err", err)
		} else {
			defer j.Close()
			if err := poller.AttachJournal(j); err != nil {
				sugar.Warnw("journal_attach_failed", "err", err)
			}
		}
	}

	// ---- Lifecycle processors ----
	procOpts := position.ProcessorOptions{
		MaxAttempts: cfg.Crank.MaxRetriesPerOperation,
		FeeBps:      uint16(cfg.Crank.RelayerFeeBps),
		Simulated:   cfg.MPC.Simulated,
	}
	closer = position.NewCloseProcessor(client, sender, programID, mxeProgramID, procOpts, sugar, metrics, alerts)
	funding = position.NewFundingProcessor(client, sender, programID, mxeProgramID, procOpts, sugar, metrics, alerts)

	// ---- Matching ----
	submitter := match.NewSubmitter(sender, programID, sugar)

	// ---- Start loops ----
	poller.Start(ctx, cfg.Crank.PollInterval)
	defer poller.Stop()
	closer.Start(ctx, 2*cfg.Crank.PollInterval)
	defer closer.Stop()
	funding.Start(ctx, 3*cfg.Crank.PollInterval)
	defer funding.Stop()

	go runMatchLoop(ctx, cfg, monitor, submitter, metrics, server.Hub(), sugar)

	go func() {
		if err := server.Start(ctx, cfg.Server.ListenAddr); err != nil {
			sugar.Errorw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("crank_running",
		"program", programID,
		"mxe", mxeProgramID,
		"poll_interval", cfg.Crank.PollInterval,
		"simulated_mpc", cfg.MPC.Simulated,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	sugar.Infow("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	cancel()
}

// runMatchLoop periodically scans the book, pairs eligible orders, and
// submits match requests. Orders that already have an in-flight match
// are excluded until they re-sync.
func runMatchLoop(ctx context.Context, cfg params.Config, monitor *book.Monitor, submitter *match.Submitter, metrics *observability.Metrics, hub *api.Hub, sugar *zap.SugaredLogger) {
	locked := make(map[solana.PublicKey]struct{})

	ticker := time.NewTicker(cfg.Crank.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		orders, err := monitor.FetchAllOpenOrders(ctx)
		if err != nil {
			sugar.Errorw("order_scan_failed", "err", err)
			metrics.PollErrors.WithLabelValues("match").Inc()
			continue
		}

		// An order that left the open set releases its lock.
		open := make(map[solana.PublicKey]struct{}, len(orders))
		for _, o := range orders {
			open[o.Address] = struct{}{}
		}
		for addr := range locked {
			if _, ok := open[addr]; !ok {
				delete(locked, addr)
			}
		}

		candidates := match.PrioritizeCandidates(match.FindMatchCandidates(orders, locked))
		metrics.MatchCandidates.Set(float64(len(candidates)))
		selected := match.SelectTopCandidates(candidates, cfg.Crank.MaxMatchesPerTick)
		if len(selected) == 0 {
			metrics.PollCycles.WithLabelValues("match").Inc()
			continue
		}

		submitted, err := submitter.Submit(ctx, selected)
		if err != nil {
			sugar.Errorw("match_submit_failed", "err", err)
		}
		for _, c := range submitted {
			locked[c.Buy.Address] = struct{}{}
			locked[c.Sell.Address] = struct{}{}
			hub.Publish(api.ChannelMatches, "match_submitted", map[string]any{
				"pair": c.PairID,
				"buy":  c.Buy.Address.String(),
				"sell": c.Sell.Address.String(),
			})
		}
		if len(submitted) > 0 {
			metrics.MatchesSubmitted.Add(float64(len(submitted)))
			sugar.Infow("matches_submitted", "count", len(submitted), "candidates", len(candidates))
		}
		metrics.PollCycles.WithLabelValues("match").Inc()
	}
}
