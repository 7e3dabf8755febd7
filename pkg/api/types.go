package api

import (
	"time"

	"github.com/veilmarkets/crank/pkg/mpc"
	"github.com/veilmarkets/crank/pkg/position"
)

// StatusResponse is the /api/v1/status payload. Sections are pointers
// so unwired loops simply disappear from the JSON.
type StatusResponse struct {
	Uptime           string                    `json:"uptime"`
	Poller           *mpc.PollerStatus         `json:"poller,omitempty"`
	CloseProcessor   *position.ProcessorStatus `json:"closeProcessor,omitempty"`
	FundingProcessor *position.ProcessorStatus `json:"fundingProcessor,omitempty"`
	BlockhashEntries *int                      `json:"blockhashEntries,omitempty"`
	OpenOrders       *OrderCounts              `json:"openOrders,omitempty"`
}

type OrderCounts struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

type DrainResponse struct {
	Skipped int `json:"skipped"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Event is one websocket broadcast. Channel routes it to subscribers.
type Event struct {
	Channel string    `json:"channel"`
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data,omitempty"`
}

// Websocket channels loops publish on.
const (
	ChannelMatches     = "matches"
	ChannelCallbacks   = "callbacks"
	ChannelSettlements = "settlements"
	ChannelAlerts      = "alerts"
)

// wsSubscribeRequest is the client-side subscription op.
type wsSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}
