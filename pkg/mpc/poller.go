package mpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/veilmarkets/crank/pkg/alert"
	"github.com/veilmarkets/crank/pkg/ledger"
	"github.com/veilmarkets/crank/pkg/observability"
	"github.com/veilmarkets/crank/pkg/retry"
)

// Error fragments that mean the ledger program will never accept this
// callback, no matter how often it is resent.
var permanentCallbackMarkers = []string{
	"seed constraint",
	"ConstraintSeeds",
	"InstructionFallbackNotFound",
	"invalid request id",
	"stale request",
	"RequestNotPending",
}

func isPermanentCallbackError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range permanentCallbackMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

const maxProcessedEntries = 1000

// A pending request older than this is worth an operator's attention: either
// the crank was down or the MXE queue is wedged behind it.
const staleRequestWarnAge = 600 // seconds

// Journal optionally persists poller bookkeeping across restarts: the
// permanently-failed set, so a rebooted crank does not re-burn retries
// on requests it already gave up on, and computed-but-undelivered
// results, so a reboot between compute and callback never recomputes.
type Journal interface {
	MarkFailed(id [32]byte, reason string) error
	FailedIDs() ([][32]byte, error)
	SaveResult(id [32]byte, result []byte, success bool) error
	Result(id [32]byte) (result []byte, success, found bool, err error)
	DeleteResult(id [32]byte) error
}

type cachedResult struct {
	result  []byte
	success bool
}

// PollerStatus is the operator-facing snapshot.
type PollerStatus struct {
	ProcessedCount int   `json:"processedCount"`
	FailedCount    int   `json:"failedCount"`
	CachedResults  int   `json:"cachedResults"`
	LastQueueHead  int64 `json:"lastQueueHead"`
	LastQueueTail  int64 `json:"lastQueueTail"`
}

// Poller scans the MXE request queue and delivers callbacks. Each
// instance owns its dedupe state; a restart rebuilds it from the
// ledger.
type Poller struct {
	client   ledger.Client
	fetcher  *ledger.BatchFetcher
	sender   *ledger.Sender
	executor Executor

	mxeProgram solana.PublicKey
	mxeConfig  solana.PublicKey

	logger  *zap.SugaredLogger
	metrics *observability.Metrics
	alerts  *alert.Manager

	callbackPolicy retry.Policy
	journal        Journal

	mu             sync.Mutex
	processed      map[solana.PublicKey]struct{}
	processedOrder []solana.PublicKey
	failed         map[solana.PublicKey]struct{}
	cached         map[[32]byte]cachedResult
	lastHead       uint64
	lastTail       uint64

	loopMu   sync.Mutex
	loopStop chan struct{}
}

func NewPoller(client ledger.Client, sender *ledger.Sender, executor Executor, mxeProgram solana.PublicKey, logger *zap.SugaredLogger, metrics *observability.Metrics, alerts *alert.Manager) (*Poller, error) {
	cfgAddr, err := DeriveMXEConfigAddress(mxeProgram)
	if err != nil {
		return nil, err
	}
	return &Poller{
		client:     client,
		fetcher:    ledger.NewBatchFetcher(client, 100, 4, 2, logger),
		sender:     sender,
		executor:   executor,
		mxeProgram: mxeProgram,
		mxeConfig:  cfgAddr,
		logger:     logger,
		metrics:    metrics,
		alerts:     alerts,
		callbackPolicy: retry.Policy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Second,
			MaxElapsed:   30 * time.Second,
			JitterFactor: 0.1,
			IsRetryable:  func(err error) bool { return !isPermanentCallbackError(err) },
		},
		processed: make(map[solana.PublicKey]struct{}),
		failed:    make(map[solana.PublicKey]struct{}),
		cached:    make(map[[32]byte]cachedResult),
	}, nil
}

// SetBatchOptions rebuilds the window fetcher with operator-tuned batch
// size, concurrency, and per-batch retry count. Call before Start.
func (p *Poller) SetBatchOptions(maxPerBatch, concurrency, maxRetries int) {
	p.fetcher = ledger.NewBatchFetcher(p.client, maxPerBatch, concurrency, maxRetries, p.logger)
}

// AttachJournal seeds the failed set from a previous run and records
// future permanent failures. Call before Start.
func (p *Poller) AttachJournal(j Journal) error {
	ids, err := j.FailedIDs()
	if err != nil {
		return fmt.Errorf("load journaled failures: %w", err)
	}
	for _, id := range ids {
		index := binary.LittleEndian.Uint64(id[:8])
		addr, err := DeriveRequestAddress(p.mxeProgram, index)
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.failed[addr] = struct{}{}
		p.mu.Unlock()
	}
	p.journal = j
	p.logger.Infow("journal_attached", "seeded_failures", len(ids))
	return nil
}

// PollOnce runs a single scan of the outstanding queue. Per-request
// failures never abort the scan; a failure to read the queue
// bookkeeping itself is returned so the caller can count it.
func (p *Poller) PollOnce(ctx context.Context) error {
	cfg, err := p.fetchConfig(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.lastHead = cfg.CompletedCount
	p.lastTail = cfg.ComputationCount
	p.mu.Unlock()

	if cfg.ComputationCount == cfg.CompletedCount {
		return nil
	}

	type pending struct {
		index uint64
		addr  solana.PublicKey
	}
	var window []pending
	for index := cfg.CompletedCount; index < cfg.ComputationCount; index++ {
		addr, err := DeriveRequestAddress(p.mxeProgram, index)
		if err != nil {
			p.logger.Errorw("derive_request_failed", "index", index, "err", err)
			continue
		}
		if p.seen(addr) {
			continue
		}
		window = append(window, pending{index: index, addr: addr})
	}
	if len(window) == 0 {
		return nil
	}

	keys := make([]solana.PublicKey, len(window))
	for i, w := range window {
		keys[i] = w.addr
	}
	accounts, err := p.fetcher.FetchAccountsAsMap(ctx, keys, "computation_requests")
	if err != nil {
		return fmt.Errorf("fetch request window: %w", err)
	}

	now := ledger.ClusterTime(ctx, p.client, p.logger)
	for _, w := range window {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.handleRequest(ctx, w.index, w.addr, accounts[w.addr], now)
	}

	p.evictProcessed()
	return nil
}

func (p *Poller) fetchConfig(ctx context.Context) (*MXEConfig, error) {
	data, err := p.client.AccountInfo(ctx, p.mxeConfig)
	if err != nil {
		return nil, fmt.Errorf("fetch mxe config: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("mxe config %s not found", p.mxeConfig)
	}
	return DecodeMXEConfig(data)
}

func (p *Poller) seen(addr solana.PublicKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.processed[addr]; ok {
		return true
	}
	_, ok := p.failed[addr]
	return ok
}

func (p *Poller) handleRequest(ctx context.Context, index uint64, addr solana.PublicKey, data []byte, clusterNow int64) {
	if data == nil {
		p.logger.Warnw("request_unreadable", "index", index, "address", addr)
		p.markFailed(addr, "corrupt")
		return
	}
	req, err := DecodeComputationRequest(data)
	if err != nil {
		p.logger.Warnw("request_undecodable", "index", index, "address", addr, "err", err)
		p.markFailed(addr, "corrupt")
		return
	}
	if p.metrics != nil {
		p.metrics.RequestsDiscovered.Inc()
	}

	if req.Status.Terminal() || req.Status == StatusProcessing {
		p.markProcessed(addr)
		return
	}

	if age := clusterNow - req.CreatedAt; req.CreatedAt > 0 && age > staleRequestWarnAge {
		p.logger.Warnw("request_stale", "index", index, "age_seconds", age)
		p.alertf(ctx, alert.SeverityWarning, "stale computation request",
			fmt.Sprintf("request %x pending for %ds", req.RequestID[:8], age),
			fmt.Sprintf("mpc-stale-%x", req.RequestID[:8]))
	}

	res, ok := p.cachedFor(req.RequestID)
	if !ok && p.journal != nil {
		result, success, found, jerr := p.journal.Result(req.RequestID)
		if jerr != nil {
			p.logger.Warnw("journal_read_failed", "index", index, "err", jerr)
		} else if found {
			res = cachedResult{result: result, success: success}
			p.mu.Lock()
			p.cached[req.RequestID] = res
			p.mu.Unlock()
			ok = true
			p.logger.Infow("result_restored_from_journal", "index", index)
		}
	}
	if !ok {
		result, success, err := p.executor.Execute(ctx, req)
		if err != nil {
			// Transient from the poller's view: the request stays
			// unmarked and the next cycle tries again.
			p.logger.Warnw("compute_failed", "index", index, "type", req.Type.String(), "err", err)
			if p.metrics != nil {
				p.metrics.RequestsFailed.WithLabelValues("transient").Inc()
			}
			p.alertf(ctx, alert.SeverityError, "computation failed",
				fmt.Sprintf("request %x (%s): %v", req.RequestID[:8], req.Type, err),
				"mpc-compute-failed")
			return
		}
		res = cachedResult{result: result, success: success}
		p.mu.Lock()
		p.cached[req.RequestID] = res
		p.mu.Unlock()
		if p.journal != nil {
			if jerr := p.journal.SaveResult(req.RequestID, result, success); jerr != nil {
				p.logger.Warnw("journal_write_failed", "index", index, "err", jerr)
			}
		}
	}

	p.markProcessed(addr)

	start := time.Now()
	err = p.submitCallback(ctx, addr, req, res)
	if p.metrics != nil {
		p.metrics.CallbackDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if isPermanentCallbackError(err) {
			p.logger.Errorw("callback_rejected", "index", index, "address", addr, "err", err)
			p.markFailed(addr, "permanent")
			if p.journal != nil {
				if jerr := p.journal.MarkFailed(req.RequestID, err.Error()); jerr != nil {
					p.logger.Warnw("journal_write_failed", "err", jerr)
				}
			}
			p.dropResult(req.RequestID)
			p.alertf(ctx, alert.SeverityError, "callback permanently rejected",
				fmt.Sprintf("request %x: %v", req.RequestID[:8], err),
				"mpc-callback-permanent")
			return
		}
		// Transient exhaustion: forget the processed mark so a later
		// cycle retries; the cached result is kept to skip recompute.
		p.logger.Warnw("callback_deferred", "index", index, "address", addr, "attempts", retry.Attempts(err), "err", err)
		p.unmarkProcessed(addr)
		if p.metrics != nil {
			p.metrics.RequestsFailed.WithLabelValues("transient").Inc()
		}
		return
	}

	p.dropResult(req.RequestID)
	if p.metrics != nil {
		p.metrics.RequestsProcessed.Inc()
		p.metrics.CallbacksSubmitted.WithLabelValues(fmt.Sprintf("%t", res.success)).Inc()
	}
	p.logger.Infow("callback_confirmed", "index", index, "address", addr, "success", res.success)
}

func (p *Poller) submitCallback(ctx context.Context, addr solana.PublicKey, req *ComputationRequest, res cachedResult) error {
	ix := BuildCallbackInstruction(p.sender.Signer(), p.mxeConfig, addr, req, res.result, res.success)
	_, err := retry.Do(ctx, p.callbackPolicy, func(ctx context.Context) (solana.Signature, error) {
		return p.sender.SendAndConfirm(ctx, []solana.Instruction{ix})
	})
	return err
}

// BuildCallbackInstruction embeds the exact request id read off the
// account, the length-prefixed result, and the success flag, addressed
// to the request's registered callback routine.
func BuildCallbackInstruction(signer, mxeConfig, requestAddr solana.PublicKey, req *ComputationRequest, result []byte, success bool) solana.Instruction {
	data := make([]byte, 0, 8+32+4+len(result)+1)
	data = append(data, req.CallbackDiscriminator[:]...)
	data = append(data, req.RequestID[:]...)
	data = appendBytesU32(data, result)
	if success {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(signer, true, true),
		solana.NewAccountMeta(requestAddr, true, false),
		solana.NewAccountMeta(mxeConfig, true, false),
		solana.NewAccountMeta(req.CallbackAccount1, true, false),
		solana.NewAccountMeta(req.CallbackAccount2, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(req.CallbackProgram, accounts, data)
}

// SkipAllPending marks every unprocessed pending request as permanently
// failed without computing anything. Operator drain for a stuck queue.
func (p *Poller) SkipAllPending(ctx context.Context) (int, error) {
	cfg, err := p.fetchConfig(ctx)
	if err != nil {
		return 0, err
	}
	skipped := 0
	for index := cfg.CompletedCount; index < cfg.ComputationCount; index++ {
		addr, err := DeriveRequestAddress(p.mxeProgram, index)
		if err != nil {
			continue
		}
		if p.seen(addr) {
			continue
		}
		p.markFailed(addr, "")
		if p.metrics != nil {
			p.metrics.RequestsSkipped.Inc()
		}
		skipped++
	}
	p.logger.Infow("pending_requests_skipped", "count", skipped)
	return skipped, nil
}

func (p *Poller) markProcessed(addr solana.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.processed[addr]; ok {
		return
	}
	p.processed[addr] = struct{}{}
	p.processedOrder = append(p.processedOrder, addr)
}

func (p *Poller) unmarkProcessed(addr solana.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.processed, addr)
	for i, a := range p.processedOrder {
		if a == addr {
			p.processedOrder = append(p.processedOrder[:i], p.processedOrder[i+1:]...)
			break
		}
	}
}

func (p *Poller) markFailed(addr solana.PublicKey, reason string) {
	p.mu.Lock()
	p.failed[addr] = struct{}{}
	delete(p.processed, addr)
	p.mu.Unlock()
	if reason != "" && p.metrics != nil {
		p.metrics.RequestsFailed.WithLabelValues(reason).Inc()
	}
}

func (p *Poller) cachedFor(id [32]byte) (cachedResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.cached[id]
	return res, ok
}

func (p *Poller) clearCached(id [32]byte) {
	p.mu.Lock()
	delete(p.cached, id)
	p.mu.Unlock()
}

// dropResult forgets a result everywhere: the in-memory cache and, when
// attached, the journal. Used once a result is delivered or the request
// is permanently dead.
func (p *Poller) dropResult(id [32]byte) {
	p.clearCached(id)
	if p.journal != nil {
		if err := p.journal.DeleteResult(id); err != nil {
			p.logger.Warnw("journal_delete_failed", "err", err)
		}
	}
}

func (p *Poller) evictProcessed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.processedOrder) <= maxProcessedEntries {
		return
	}
	drop := len(p.processedOrder) / 2
	for _, addr := range p.processedOrder[:drop] {
		delete(p.processed, addr)
	}
	p.processedOrder = append([]solana.PublicKey(nil), p.processedOrder[drop:]...)
}

func (p *Poller) alertf(ctx context.Context, sev alert.Severity, title, message, dedupeKey string) {
	if p.alerts == nil {
		return
	}
	p.alerts.Alert(ctx, sev, title, message, nil, dedupeKey)
}

// Status is safe to call whether or not the loop is running.
func (p *Poller) Status() PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PollerStatus{
		ProcessedCount: len(p.processed),
		FailedCount:    len(p.failed),
		CachedResults:  len(p.cached),
		LastQueueHead:  int64(p.lastHead),
		LastQueueTail:  int64(p.lastTail),
	}
}

// Start launches the scan loop. Idempotent: a second Start while the
// loop runs does nothing.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	if p.loopStop != nil {
		return
	}
	stop := make(chan struct{})
	p.loopStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := p.PollOnce(ctx); err != nil {
					p.logger.Errorw("poll_cycle_failed", "err", err)
					if p.metrics != nil {
						p.metrics.PollErrors.WithLabelValues("mpc").Inc()
					}
					continue
				}
				if p.metrics != nil {
					p.metrics.PollCycles.WithLabelValues("mpc").Inc()
				}
			}
		}
	}()
}

// Stop halts the scan loop. Safe to call twice.
func (p *Poller) Stop() {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	if p.loopStop == nil {
		return
	}
	close(p.loopStop)
	p.loopStop = nil
}
