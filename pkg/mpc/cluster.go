package mpc

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/holiman/uint256"

	"github.com/veilmarkets/crank/pkg/codec"
)

// ClusterClient talks to the external MPC cluster. Only the compare
// operation is in scope; the remaining circuit kinds run on-ledger or
// in simulated mode.
type ClusterClient interface {
	IsAvailable(ctx context.Context) bool
	ExecuteComparePrices(ctx context.Context, buy, sell codec.ArciumInputs, ephemeralPubkey [32]byte) (bool, error)
}

// HTTPClusterClient is the production ClusterClient. Each client holds
// a session x25519 keypair so the cluster can address its reply
// shares; the per-order ephemeral keys travel inside the request body.
type HTTPClusterClient struct {
	baseURL    string
	httpClient *http.Client

	sessionPub  x25519.Key
	sessionPriv x25519.Key
}

func NewHTTPClusterClient(baseURL string, timeout time.Duration) (*HTTPClusterClient, error) {
	c := &HTTPClusterClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
	if _, err := rand.Read(c.sessionPriv[:]); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	x25519.KeyGen(&c.sessionPub, &c.sessionPriv)
	return c, nil
}

// SessionPublicKey exposes the session key for diagnostics.
func (c *HTTPClusterClient) SessionPublicKey() [32]byte { return c.sessionPub }

func (c *HTTPClusterClient) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type comparePricesRequest struct {
	Input      string `json:"input"`
	SessionKey string `json:"session_key"`
}

type comparePricesResponse struct {
	Match bool   `json:"match"`
	Error string `json:"error,omitempty"`
}

func (c *HTTPClusterClient) ExecuteComparePrices(ctx context.Context, buy, sell codec.ArciumInputs, ephemeralPubkey [32]byte) (bool, error) {
	input, err := codec.BuildComparePricesInput(buy, sell, ephemeralPubkey[:])
	if err != nil {
		return false, fmt.Errorf("build compare input: %w", err)
	}
	body, err := json.Marshal(comparePricesRequest{
		Input:      hex.EncodeToString(input[:]),
		SessionKey: hex.EncodeToString(c.sessionPub[:]),
	})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/compare-prices", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("cluster request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("cluster returned %s", resp.Status)
	}

	var out comparePricesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode cluster response: %w", err)
	}
	if out.Error != "" {
		return false, fmt.Errorf("cluster error: %s", out.Error)
	}
	return out.Match, nil
}

// nonceForLog renders a nonce compactly for log fields.
func nonceForLog(n *uint256.Int) string {
	if n == nil {
		return ""
	}
	return n.Hex()
}
