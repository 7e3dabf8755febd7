package mpc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/veilmarkets/crank/pkg/ledger"
)

type fakeChain struct {
	mu         sync.Mutex
	accounts   map[solana.PublicKey][]byte
	sends      int
	batchCalls int
	sendErr    error
}

func newFakeChain() *fakeChain {
	return &fakeChain{accounts: make(map[solana.PublicKey][]byte)}
}

func (f *fakeChain) set(key solana.PublicKey, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[key] = data
}

func (f *fakeChain) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *fakeChain) AccountInfo(_ context.Context, key solana.PublicKey) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[key], nil
}

func (f *fakeChain) batchCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls
}

func (f *fakeChain) MultipleAccounts(_ context.Context, keys []solana.PublicKey) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = f.accounts[k]
	}
	return out, nil
}

func (f *fakeChain) ProgramAccounts(_ context.Context, _ solana.PublicKey, _ ledger.AccountFilter) ([]ledger.KeyedAccount, error) {
	return nil, nil
}

func (f *fakeChain) Slot(context.Context) (uint64, error) { return 1000, nil }

func (f *fakeChain) BlockTime(context.Context, uint64) (int64, error) { return 1_700_000_000, nil }

func (f *fakeChain) LatestBlockhash(context.Context) (ledger.Blockhash, error) {
	return ledger.Blockhash{Hash: solana.Hash{1}, LastValidBlockHeight: 1300}, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, _ *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	return solana.Signature{1}, nil
}

func (f *fakeChain) SignatureStatus(context.Context, solana.Signature) (ledger.TxStatus, error) {
	return ledger.TxStatus{Confirmed: true}, nil
}

func (f *fakeChain) SubscribeLogs(context.Context, solana.PublicKey) (ledger.LogSubscription, error) {
	return nil, errors.New("not supported")
}

type pollerFixture struct {
	chain      *fakeChain
	poller     *Poller
	mxeProgram solana.PublicKey
}

func newPollerFixture(t *testing.T) *pollerFixture {
	t.Helper()
	chain := newFakeChain()
	logger := zap.NewNop().Sugar()

	cache := ledger.NewBlockhashCache(chain, 3, logger)
	wallet := solana.NewWallet()
	sender := ledger.NewSender(chain, cache, wallet.PrivateKey, ledger.SenderOptions{
		ConfirmPollInterval: time.Millisecond,
	}, logger)

	mxeProgram := solana.NewWallet().PublicKey()
	poller, err := NewPoller(chain, sender, NewSimulatedExecutor(logger), mxeProgram, logger, nil, nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	// Sub-second backoff so transient-exhaustion tests stay fast.
	poller.callbackPolicy.InitialDelay = time.Millisecond
	poller.callbackPolicy.MaxDelay = 5 * time.Millisecond

	return &pollerFixture{chain: chain, poller: poller, mxeProgram: mxeProgram}
}

// seedQueue writes an MXE config covering [0, n) and one pending
// compare request per index. Returns the request addresses.
func (fx *pollerFixture) seedQueue(t *testing.T, n uint64) []solana.PublicKey {
	t.Helper()
	cfgAddr, err := DeriveMXEConfigAddress(fx.mxeProgram)
	if err != nil {
		t.Fatalf("derive config: %v", err)
	}
	fx.chain.set(cfgAddr, EncodeMXEConfig(&MXEConfig{
		Authority:        solana.NewWallet().PublicKey(),
		ComputationCount: n,
	}))

	addrs := make([]solana.PublicKey, 0, n)
	for i := uint64(0); i < n; i++ {
		req := sampleRequest()
		for j := range req.RequestID {
			req.RequestID[j] = 0
		}
		req.RequestID[0] = byte(i)
		addr, err := DeriveRequestAddress(fx.mxeProgram, i)
		if err != nil {
			t.Fatalf("derive request %d: %v", i, err)
		}
		fx.chain.set(addr, EncodeComputationRequest(req))
		addrs = append(addrs, addr)
	}
	return addrs
}

func TestPoller_SimulatedCompareSubmitsOneCallback(t *testing.T) {
	fx := newPollerFixture(t)
	fx.seedQueue(t, 1)

	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 1 {
		t.Fatalf("sends=%d, want 1", got)
	}

	status := fx.poller.Status()
	if status.ProcessedCount != 1 || status.FailedCount != 0 {
		t.Fatalf("status=%+v", status)
	}
	if status.CachedResults != 0 {
		t.Fatalf("result cache not cleared after delivery: %+v", status)
	}

	// A second pass over the same queue is a no-op.
	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 1 {
		t.Fatalf("repeat poll resent callback: sends=%d", got)
	}
}

func TestPoller_ProcessedRequestNeverResent(t *testing.T) {
	fx := newPollerFixture(t)
	addrs := fx.seedQueue(t, 1)

	fx.poller.markProcessed(addrs[0])
	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 0 {
		t.Fatalf("callback sent for pre-processed request: sends=%d", got)
	}
}

func TestPoller_TerminalStatusMarkedWithoutCallback(t *testing.T) {
	fx := newPollerFixture(t)
	addrs := fx.seedQueue(t, 1)

	req := sampleRequest()
	req.Status = StatusCompleted
	fx.chain.set(addrs[0], EncodeComputationRequest(req))

	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 0 {
		t.Fatalf("callback sent for terminal request: sends=%d", got)
	}
	if fx.poller.Status().ProcessedCount != 1 {
		t.Fatalf("terminal request not marked processed")
	}
}

func TestPoller_PermanentFailureShortCircuits(t *testing.T) {
	fx := newPollerFixture(t)
	fx.seedQueue(t, 1)
	fx.chain.sendErr = errors.New("custom program error: RequestNotPending")

	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 1 {
		t.Fatalf("permanent failure retried: sends=%d", got)
	}

	status := fx.poller.Status()
	if status.FailedCount != 1 || status.ProcessedCount != 0 {
		t.Fatalf("status=%+v, want failed=1 processed=0", status)
	}

	// Never touched again, even after the node recovers.
	fx.chain.sendErr = nil
	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 1 {
		t.Fatalf("permanently failed request retried: sends=%d", got)
	}
}

func TestPoller_TransientFailureStaysRetryable(t *testing.T) {
	fx := newPollerFixture(t)
	fx.seedQueue(t, 1)
	fx.chain.sendErr = errors.New("connection reset by peer")

	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 3 {
		t.Fatalf("sends=%d, want 3 attempts", got)
	}

	status := fx.poller.Status()
	if status.FailedCount != 0 || status.ProcessedCount != 0 {
		t.Fatalf("status=%+v, want request left retry-eligible", status)
	}
	if status.CachedResults != 1 {
		t.Fatalf("computed result not cached for the next cycle: %+v", status)
	}

	// Node recovers; the next cycle delivers from cache.
	fx.chain.sendErr = nil
	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 4 {
		t.Fatalf("sends=%d, want 4", got)
	}
	if st := fx.poller.Status(); st.ProcessedCount != 1 || st.CachedResults != 0 {
		t.Fatalf("status after recovery=%+v", st)
	}
}

func TestPoller_CorruptRequestIsolated(t *testing.T) {
	fx := newPollerFixture(t)
	addrs := fx.seedQueue(t, 3)
	fx.chain.set(addrs[1], []byte{0xde, 0xad})

	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 2 {
		t.Fatalf("sends=%d, want 2 (corrupt request skipped)", got)
	}
	status := fx.poller.Status()
	if status.ProcessedCount != 2 || status.FailedCount != 1 {
		t.Fatalf("status=%+v", status)
	}
}

func TestPoller_SkipAllPending(t *testing.T) {
	fx := newPollerFixture(t)
	fx.seedQueue(t, 3)

	skipped, err := fx.poller.SkipAllPending(context.Background())
	if err != nil {
		t.Fatalf("SkipAllPending: %v", err)
	}
	if skipped != 3 {
		t.Fatalf("skipped=%d, want 3", skipped)
	}

	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 0 {
		t.Fatalf("drained queue still produced callbacks: sends=%d", got)
	}
}

func TestPoller_EmptyQueueNoWork(t *testing.T) {
	fx := newPollerFixture(t)
	cfgAddr, _ := DeriveMXEConfigAddress(fx.mxeProgram)
	fx.chain.set(cfgAddr, EncodeMXEConfig(&MXEConfig{
		ComputationCount: 5,
		CompletedCount:   5,
	}))

	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := fx.chain.sendCount(); got != 0 {
		t.Fatalf("sends=%d, want 0", got)
	}
}

func TestPoller_MissingConfigReturnsError(t *testing.T) {
	fx := newPollerFixture(t)
	if err := fx.poller.PollOnce(context.Background()); err == nil {
		t.Fatal("missing config did not error")
	}
}

func TestPoller_ProcessedEviction(t *testing.T) {
	fx := newPollerFixture(t)
	for i := 0; i < maxProcessedEntries+2; i++ {
		fx.poller.markProcessed(solana.NewWallet().PublicKey())
	}
	fx.poller.evictProcessed()

	status := fx.poller.Status()
	want := (maxProcessedEntries + 2) - (maxProcessedEntries+2)/2
	if status.ProcessedCount != want {
		t.Fatalf("ProcessedCount=%d, want %d after eviction", status.ProcessedCount, want)
	}
}

func TestPoller_StartStopIdempotent(t *testing.T) {
	fx := newPollerFixture(t)
	fx.seedQueue(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.poller.Start(ctx, 10*time.Millisecond)
	fx.poller.Start(ctx, 10*time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	fx.poller.Stop()
	fx.poller.Stop()
}

func TestIsPermanentCallbackError(t *testing.T) {
	cases := []struct {
		msg       string
		permanent bool
	}{
		{"Error: ConstraintSeeds violated", true},
		{"a seed constraint was not met", true},
		{"InstructionFallbackNotFound", true},
		{"invalid request id supplied", true},
		{"stale request rejected", true},
		{"RequestNotPending", true},
		{"connection reset by peer", false},
		{"429 Too Many Requests", false},
		{"context deadline exceeded", false},
	}
	for _, tc := range cases {
		got := isPermanentCallbackError(errors.New(tc.msg))
		if got != tc.permanent {
			t.Errorf("isPermanentCallbackError(%q)=%t, want %t", tc.msg, got, tc.permanent)
		}
	}
	if isPermanentCallbackError(nil) {
		t.Error("nil error classified permanent")
	}
}

func TestBuildCallbackInstruction_Layout(t *testing.T) {
	req := sampleRequest()
	signer := solana.NewWallet().PublicKey()
	mxeConfig := solana.NewWallet().PublicKey()
	reqAddr := solana.NewWallet().PublicKey()
	result := []byte{0x01, 0x02, 0x03}

	ix := BuildCallbackInstruction(signer, mxeConfig, reqAddr, req, result, true)
	if !ix.ProgramID().Equals(req.CallbackProgram) {
		t.Fatalf("program=%s, want callback program", ix.ProgramID())
	}

	data, err := ix.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if len(data) != 8+32+4+len(result)+1 {
		t.Fatalf("data length=%d", len(data))
	}
	if !strings.HasPrefix(string(data), string(req.CallbackDiscriminator[:])) {
		t.Fatal("callback discriminator not first")
	}
	if string(data[8:40]) != string(req.RequestID[:]) {
		t.Fatal("request id not embedded verbatim")
	}
	if data[len(data)-1] != 1 {
		t.Fatal("success flag not set")
	}

	accounts := ix.Accounts()
	if len(accounts) != 6 {
		t.Fatalf("accounts=%d, want 6", len(accounts))
	}
	if !accounts[0].PublicKey.Equals(signer) || !accounts[0].IsSigner {
		t.Fatal("first account must be the signing payer")
	}
}

func TestPoller_BatchOptionsControlWindowChunking(t *testing.T) {
	fx := newPollerFixture(t)
	fx.seedQueue(t, 3)
	fx.poller.SetBatchOptions(1, 1, 0)

	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	// maxPerBatch=1 splits the 3-request window into 3 account fetches.
	if got := fx.chain.batchCallCount(); got != 3 {
		t.Fatalf("batch calls=%d, want 3", got)
	}
	if got := fx.chain.sendCount(); got != 3 {
		t.Fatalf("sends=%d, want 3", got)
	}
}

// memJournal is an in-memory stand-in for the pebble-backed journal.
type memJournal struct {
	mu      sync.Mutex
	failed  map[[32]byte]string
	results map[[32]byte]memResult
}

type memResult struct {
	result  []byte
	success bool
}

func newMemJournal() *memJournal {
	return &memJournal{
		failed:  make(map[[32]byte]string),
		results: make(map[[32]byte]memResult),
	}
}

func (m *memJournal) MarkFailed(id [32]byte, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = reason
	return nil
}

func (m *memJournal) FailedIDs() ([][32]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][32]byte, 0, len(m.failed))
	for id := range m.failed {
		out = append(out, id)
	}
	return out, nil
}

func (m *memJournal) SaveResult(id [32]byte, result []byte, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = memResult{result: result, success: success}
	return nil
}

func (m *memJournal) Result(id [32]byte) ([]byte, bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return nil, false, false, nil
	}
	return r.result, r.success, true, nil
}

func (m *memJournal) DeleteResult(id [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, id)
	return nil
}

func (m *memJournal) resultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

type countingExecutor struct {
	inner Executor
	n     int
}

func (e *countingExecutor) Execute(ctx context.Context, req *ComputationRequest) ([]byte, bool, error) {
	e.n++
	return e.inner.Execute(ctx, req)
}

func TestPoller_JournaledResultSurvivesRestart(t *testing.T) {
	j := newMemJournal()
	fx := newPollerFixture(t)
	fx.seedQueue(t, 1)
	if err := fx.poller.AttachJournal(j); err != nil {
		t.Fatalf("AttachJournal: %v", err)
	}

	// Compute succeeds, delivery keeps failing: the result must land in
	// the journal alongside the in-memory cache.
	fx.chain.sendErr = errors.New("connection reset by peer")
	if err := fx.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if j.resultCount() != 1 {
		t.Fatalf("journaled results=%d, want 1", j.resultCount())
	}

	// A fresh process over the same chain and journal delivers the
	// journaled result without recomputing.
	logger := zap.NewNop().Sugar()
	cache := ledger.NewBlockhashCache(fx.chain, 3, logger)
	sender := ledger.NewSender(fx.chain, cache, solana.NewWallet().PrivateKey, ledger.SenderOptions{
		ConfirmPollInterval: time.Millisecond,
	}, logger)
	exec := &countingExecutor{inner: NewSimulatedExecutor(logger)}
	restarted, err := NewPoller(fx.chain, sender, exec, fx.mxeProgram, logger, nil, nil)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	restarted.callbackPolicy.InitialDelay = time.Millisecond
	restarted.callbackPolicy.MaxDelay = 5 * time.Millisecond
	if err := restarted.AttachJournal(j); err != nil {
		t.Fatalf("AttachJournal: %v", err)
	}

	fx.chain.sendErr = nil
	sendsBefore := fx.chain.sendCount()
	if err := restarted.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if exec.n != 0 {
		t.Fatalf("executor re-ran %d times for a journaled result", exec.n)
	}
	if got := fx.chain.sendCount(); got != sendsBefore+1 {
		t.Fatalf("sends=%d, want %d", got, sendsBefore+1)
	}
	if j.resultCount() != 0 {
		t.Fatal("delivered result left in journal")
	}
}
