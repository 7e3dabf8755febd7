package position

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/veilmarkets/crank/pkg/alert"
	"github.com/veilmarkets/crank/pkg/ledger"
	"github.com/veilmarkets/crank/pkg/mpc"
	"github.com/veilmarkets/crank/pkg/observability"
)

// ProcessorOptions tune a lifecycle processor.
type ProcessorOptions struct {
	// MaxAttempts is the per-request delivery ceiling; past it the
	// request is abandoned for this process lifetime.
	MaxAttempts int
	// RequestWait bounds how long one poll pass waits for the MPC
	// request to reach a terminal state before deferring.
	RequestWait time.Duration
	// RequestPollEvery is the granularity of that wait.
	RequestPollEvery time.Duration
	// FeeBps is the relayer fee applied to close payouts.
	FeeBps uint16
	// Simulated permits the local plaintext settlement derivation that
	// pairs with the simulated MPC backend. When false the crank has
	// no way to produce settlement operands itself, so any pending
	// position is surfaced as a configuration fault instead of being
	// settled with locally fabricated bytes.
	Simulated bool
}

func (o *ProcessorOptions) fill() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RequestWait <= 0 {
		o.RequestWait = 20 * time.Second
	}
	if o.RequestPollEvery <= 0 {
		o.RequestPollEvery = 2 * time.Second
	}
}

// ProcessorStatus is the operator snapshot; valid before Start.
type ProcessorStatus struct {
	Kind            string `json:"kind"`
	FailedCount     int    `json:"failedCount"`
	ProcessingCount int    `json:"processingCount"`
	CachedResults   int    `json:"cachedResults"`
}

// processorCore carries the mechanics both lifecycle processors share:
// dedupe/attempt trackers, the request-terminal wait, delivery with a
// retry ceiling, and the dual-trigger loop (periodic tick plus a log
// event watcher feeding the same idempotent poll pass).
type processorCore struct {
	kind         string
	triggerEvent string

	client  ledger.Client
	sender  *ledger.Sender
	program solana.PublicKey
	mxe     solana.PublicKey
	opts    ProcessorOptions

	logger  *zap.SugaredLogger
	metrics *observability.Metrics
	alerts  *alert.Manager

	mu          sync.Mutex
	failed      map[[32]byte]struct{}
	attempts    map[[32]byte]int
	cached      map[[32]byte][]byte
	inFlight    map[[32]byte]struct{}
	failedCount int

	loopMu   sync.Mutex
	loopStop chan struct{}
}

func newProcessorCore(kind, triggerEvent string, client ledger.Client, sender *ledger.Sender, program, mxe solana.PublicKey, opts ProcessorOptions, logger *zap.SugaredLogger, metrics *observability.Metrics, alerts *alert.Manager) processorCore {
	opts.fill()
	return processorCore{
		kind:         kind,
		triggerEvent: triggerEvent,
		client:       client,
		sender:       sender,
		program:      program,
		mxe:          mxe,
		opts:         opts,
		logger:       logger,
		metrics:      metrics,
		alerts:       alerts,
		failed:       make(map[[32]byte]struct{}),
		attempts:     make(map[[32]byte]int),
		cached:       make(map[[32]byte][]byte),
		inFlight:     make(map[[32]byte]struct{}),
	}
}

func (c *processorCore) Status() ProcessorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ProcessorStatus{
		Kind:            c.kind,
		FailedCount:     c.failedCount,
		ProcessingCount: len(c.inFlight),
		CachedResults:   len(c.cached),
	}
}

// scanPositions runs the byte-offset discovery for both account sizes
// and returns decoded positions. Decode failures are logged and the
// account skipped.
func (c *processorCore) scanPositions(ctx context.Context, offset uint64, match byte) ([]*Position, error) {
	var out []*Position
	for _, size := range []uint64{PositionSizeV7, PositionSizeV8} {
		accounts, err := c.client.ProgramAccounts(ctx, c.program, ledger.AccountFilter{
			DataSize: size,
			Memcmp:   []ledger.MemcmpFilter{{Offset: offset, Bytes: []byte{match}}},
		})
		if err != nil {
			return nil, err
		}
		for _, acc := range accounts {
			pos, err := DecodePosition(acc.Pubkey, acc.Data)
			if err != nil {
				c.logger.Warnw("position_undecodable", "kind", c.kind, "address", acc.Pubkey, "err", err)
				continue
			}
			out = append(out, pos)
		}
	}
	return out, nil
}

// claim marks a request in flight for this pass; returns false when it
// is already being worked, permanently failed, or over the ceiling.
func (c *processorCore) claim(id [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.failed[id]; ok {
		return false
	}
	if _, ok := c.inFlight[id]; ok {
		return false
	}
	c.inFlight[id] = struct{}{}
	return true
}

func (c *processorCore) release(id [32]byte) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

func (c *processorCore) cachedResult(id [32]byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.cached[id]
	return res, ok
}

func (c *processorCore) cacheResult(id [32]byte, res []byte) {
	c.mu.Lock()
	c.cached[id] = res
	c.mu.Unlock()
}

// pruneCache drops cached results for requests that no longer appear
// in the pending scan; the position settled or vanished.
func (c *processorCore) pruneCache(seen map[[32]byte]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.cached {
		if _, ok := seen[id]; !ok {
			delete(c.cached, id)
			delete(c.attempts, id)
		}
	}
}

// requestAddress derives the ledger address of the request named by a
// position's pending id; the first eight id bytes are the queue index.
func (c *processorCore) requestAddress(id [32]byte) (solana.PublicKey, error) {
	index := uint64(0)
	for i := 0; i < 8; i++ {
		index |= uint64(id[i]) << (8 * i)
	}
	return mpc.DeriveRequestAddress(c.mxe, index)
}

// waitForRequestTerminal polls the request account until it leaves
// Pending/Processing. Returns (nil, nil) when the wait budget runs out
// so the caller defers to the next cycle.
func (c *processorCore) waitForRequestTerminal(ctx context.Context, addr solana.PublicKey) (*mpc.ComputationRequest, error) {
	deadline := time.Now().Add(c.opts.RequestWait)
	for {
		data, err := c.client.AccountInfo(ctx, addr)
		if err != nil {
			return nil, err
		}
		if data != nil {
			req, err := mpc.DecodeComputationRequest(data)
			if err != nil {
				return nil, err
			}
			if req.Status.Terminal() {
				return req, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.RequestPollEvery):
		}
	}
}

// deliver submits the finalize instruction and applies the per-request
// retry ceiling: transient failures leave the request for the next
// cycle until MaxAttempts is reached, then it is abandoned.
func (c *processorCore) deliver(ctx context.Context, id [32]byte, ix solana.Instruction) bool {
	c.mu.Lock()
	c.attempts[id]++
	attempt := c.attempts[id]
	c.mu.Unlock()

	_, err := c.sender.SendAndConfirm(ctx, []solana.Instruction{ix})
	if err == nil {
		c.mu.Lock()
		delete(c.cached, id)
		delete(c.attempts, id)
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.PositionsSettled.WithLabelValues(c.kind).Inc()
		}
		return true
	}

	if attempt >= c.opts.MaxAttempts {
		c.mu.Lock()
		c.failed[id] = struct{}{}
		c.failedCount++
		delete(c.cached, id)
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.SettleFailures.WithLabelValues(c.kind).Inc()
		}
		c.logger.Errorw("settle_abandoned", "kind", c.kind, "attempts", attempt, "err", err)
		c.alertOnce(ctx, alert.SeverityError, "settlement abandoned",
			"finalize kept failing past the retry ceiling: "+err.Error())
		return false
	}

	c.logger.Warnw("settle_deferred", "kind", c.kind, "attempt", attempt, "err", err)
	return false
}

// refuseRealMode marks a position that needs locally derived
// settlement operands while the crank runs against a real MPC
// cluster. A real backend is the only legitimate source for those
// bytes, so this is a configuration fault: surfaced loudly, never
// settled with fabricated values.
func (c *processorCore) refuseRealMode(ctx context.Context, id [32]byte, addr solana.PublicKey) {
	c.mu.Lock()
	if _, done := c.failed[id]; done {
		c.mu.Unlock()
		return
	}
	c.failed[id] = struct{}{}
	c.failedCount++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SettleFailures.WithLabelValues(c.kind).Inc()
	}
	c.logger.Errorw("settle_requires_simulated_backend", "kind", c.kind, "position", addr)
	c.alertOnce(ctx, alert.SeverityCritical, "settlement backend mismatch",
		"local settlement derivation is simulated-mode only; position "+addr.String()+" left pending")
}

// fetchMarket resolves the market a finalize depends on. A missing
// account is a configuration fault: surfaced loudly, never skipped.
func (c *processorCore) fetchMarket(ctx context.Context, addr solana.PublicKey) (*Market, error) {
	data, err := c.client.AccountInfo(ctx, addr)
	if err != nil {
		return nil, err
	}
	if data == nil {
		c.alertOnce(ctx, alert.SeverityCritical, "market account missing",
			"settlement blocked: market "+addr.String()+" not found")
		return nil, ErrMarketMissing
	}
	return DecodeMarket(data)
}

func (c *processorCore) alertOnce(ctx context.Context, sev alert.Severity, title, message string) {
	if c.alerts == nil {
		return
	}
	c.alerts.Alert(ctx, sev, title, message, map[string]string{"processor": c.kind}, c.kind+"-"+title)
}

// startLoops runs the dual trigger: a fixed-interval tick and a log
// watcher that fires the same poll pass when the trigger event shows
// up in program logs. pollOnce must be idempotent.
func (c *processorCore) startLoops(ctx context.Context, interval time.Duration, pollOnce func(context.Context) error) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.loopStop != nil {
		return
	}
	stop := make(chan struct{})
	c.loopStop = stop

	run := func() {
		if err := pollOnce(ctx); err != nil {
			c.logger.Errorw("poll_cycle_failed", "kind", c.kind, "err", err)
			if c.metrics != nil {
				c.metrics.PollErrors.WithLabelValues(c.kind).Inc()
			}
			return
		}
		if c.metrics != nil {
			c.metrics.PollCycles.WithLabelValues(c.kind).Inc()
		}
	}

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
				run()
			}
		}
	}()

	go c.watchLogs(ctx, stop, run)
}

func (c *processorCore) watchLogs(ctx context.Context, stop chan struct{}, run func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		sub, err := c.client.SubscribeLogs(ctx, c.program)
		if err != nil {
			c.logger.Warnw("log_subscribe_failed", "kind", c.kind, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Recv blocks inside the websocket client, so teardown goes
		// through Unsubscribe: a stop (or ctx cancel) tears the
		// subscription down, which errors the pending Recv out.
		subDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-stop:
			case <-subDone:
			}
			sub.Unsubscribe()
		}()

		for {
			lines, err := sub.Recv(ctx)
			if err != nil {
				close(subDone)
				break
			}
			select {
			case <-stop:
				close(subDone)
				return
			default:
			}
			for _, line := range lines {
				if strings.Contains(line, c.triggerEvent) {
					run()
					break
				}
			}
		}
	}
}

func (c *processorCore) stopLoops() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.loopStop == nil {
		return
	}
	close(c.loopStop)
	c.loopStop = nil
}
