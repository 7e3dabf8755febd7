// Package ledger wraps access to the Solana RPC node: account reads,
// program-account filters, blockhash caching, batched fetches, and
// transaction submission. Everything network-facing lives behind the Client
// interface so pollers can be driven by fakes in tests.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

// MemcmpFilter matches raw bytes at a fixed account offset, server-side.
type MemcmpFilter struct {
	Offset uint64
	Bytes  []byte
}

// AccountFilter narrows a program-account scan. DataSize doubles as a coarse
// schema version discriminator (e.g. a V5 order is exactly 366 bytes).
type AccountFilter struct {
	DataSize uint64
	Memcmp   []MemcmpFilter
}

// KeyedAccount is one result of a filtered program-account scan.
type KeyedAccount struct {
	Pubkey solana.PublicKey
	Data   []byte
}

// Blockhash pairs a recent blockhash with the height it stays valid for.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// TxStatus is the confirmation state of a submitted signature.
type TxStatus struct {
	Confirmed bool
	Err       error
}

// LogSubscription delivers program log lines until unsubscribed.
type LogSubscription interface {
	Recv(ctx context.Context) ([]string, error)
	Unsubscribe()
}

// Client is the ledger read/write surface the crank consumes. Account data
// is returned as raw bytes; a missing account is (nil, nil), not an error.
type Client interface {
	AccountInfo(ctx context.Context, key solana.PublicKey) ([]byte, error)
	MultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([][]byte, error)
	ProgramAccounts(ctx context.Context, program solana.PublicKey, filter AccountFilter) ([]KeyedAccount, error)
	Slot(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, slot uint64) (int64, error)
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (TxStatus, error)
	SubscribeLogs(ctx context.Context, program solana.PublicKey) (LogSubscription, error)
}

// RPCClient implements Client against a real node. The underlying connection
// can be hot-swapped with SetEndpoint; in-flight calls finish on the old
// connection, new calls pick up the new one.
type RPCClient struct {
	mu            sync.RWMutex
	rpc           *rpc.Client
	wsURL         string
	commitment    rpc.CommitmentType
	skipPreflight bool
}

func NewRPCClient(url, wsURL string, commitment rpc.CommitmentType) *RPCClient {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &RPCClient{
		rpc:        rpc.New(url),
		wsURL:      wsURL,
		commitment: commitment,
	}
}

// SetEndpoint swaps the RPC endpoint without reconstructing the client.
func (c *RPCClient) SetEndpoint(url, wsURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rpc = rpc.New(url)
	if wsURL != "" {
		c.wsURL = wsURL
	}
}

// SetSkipPreflight skips the node-side simulation on submit. Confirmed
// cranks trade the early error signal for lower submit latency.
func (c *RPCClient) SetSkipPreflight(skip bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipPreflight = skip
}

func (c *RPCClient) conn() *rpc.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rpc
}

func (c *RPCClient) AccountInfo(ctx context.Context, key solana.PublicKey) ([]byte, error) {
	resp, err := c.conn().GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getAccountInfo %s: %w", key, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, nil
	}
	return resp.Value.Data.GetBinary(), nil
}

func (c *RPCClient) MultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([][]byte, error) {
	resp, err := c.conn().GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{Commitment: c.commitment})
	if err != nil {
		return nil, fmt.Errorf("getMultipleAccounts(%d keys): %w", len(keys), err)
	}
	out := make([][]byte, len(keys))
	for i, acc := range resp.Value {
		if acc == nil {
			continue
		}
		out[i] = acc.Data.GetBinary()
	}
	return out, nil
}

func (c *RPCClient) ProgramAccounts(ctx context.Context, program solana.PublicKey, filter AccountFilter) ([]KeyedAccount, error) {
	var filters []rpc.RPCFilter
	if filter.DataSize > 0 {
		filters = append(filters, rpc.RPCFilter{DataSize: filter.DataSize})
	}
	for _, m := range filter.Memcmp {
		filters = append(filters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{Offset: m.Offset, Bytes: solana.Base58(m.Bytes)},
		})
	}

	resp, err := c.conn().GetProgramAccountsWithOpts(ctx, program, &rpc.GetProgramAccountsOpts{
		Commitment: c.commitment,
		Filters:    filters,
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts %s: %w", program, err)
	}

	out := make([]KeyedAccount, 0, len(resp))
	for _, item := range resp {
		if item == nil || item.Account == nil {
			continue
		}
		out = append(out, KeyedAccount{Pubkey: item.Pubkey, Data: item.Account.Data.GetBinary()})
	}
	return out, nil
}

func (c *RPCClient) Slot(ctx context.Context) (uint64, error) {
	return c.conn().GetSlot(ctx, c.commitment)
}

func (c *RPCClient) BlockTime(ctx context.Context, slot uint64) (int64, error) {
	bt, err := c.conn().GetBlockTime(ctx, slot)
	if err != nil {
		return 0, fmt.Errorf("getBlockTime(%d): %w", slot, err)
	}
	if bt == nil {
		return 0, fmt.Errorf("getBlockTime(%d): no timestamp", slot)
	}
	return bt.Time().Unix(), nil
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	resp, err := c.conn().GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return Blockhash{}, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	return Blockhash{
		Hash:                 resp.Value.Blockhash,
		LastValidBlockHeight: resp.Value.LastValidBlockHeight,
	}, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	c.mu.RLock()
	skip := c.skipPreflight
	c.mu.RUnlock()
	return c.conn().SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       skip,
		PreflightCommitment: c.commitment,
	})
}

func (c *RPCClient) SignatureStatus(ctx context.Context, sig solana.Signature) (TxStatus, error) {
	resp, err := c.conn().GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return TxStatus{}, err
	}
	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return TxStatus{}, nil
	}
	status := resp.Value[0]
	if status.Err != nil {
		return TxStatus{Confirmed: true, Err: fmt.Errorf("transaction failed: %v", status.Err)}, nil
	}
	confirmed := status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		status.ConfirmationStatus == rpc.ConfirmationStatusFinalized
	return TxStatus{Confirmed: confirmed}, nil
}

func (c *RPCClient) SubscribeLogs(ctx context.Context, program solana.PublicKey) (LogSubscription, error) {
	c.mu.RLock()
	wsURL := c.wsURL
	c.mu.RUnlock()

	client, err := ws.Connect(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("ws connect %s: %w", wsURL, err)
	}
	sub, err := client.LogsSubscribeMentions(program, c.commitment)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("logsSubscribe %s: %w", program, err)
	}
	return &wsLogSubscription{client: client, sub: sub}, nil
}

type wsLogSubscription struct {
	client *ws.Client
	sub    *ws.LogSubscription
	once   sync.Once
}

func (s *wsLogSubscription) Recv(ctx context.Context) ([]string, error) {
	result, err := s.sub.Recv(ctx)
	if err != nil {
		return nil, err
	}
	return result.Value.Logs, nil
}

func (s *wsLogSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.sub.Unsubscribe()
		s.client.Close()
	})
}
