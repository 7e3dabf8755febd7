package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veilmarkets/crank/pkg/alert"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans crank events out to websocket subscribers.
type Hub struct {
	logger *zap.SugaredLogger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan Event

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan Event, 256),
		clients:    make(map[*wsClient]struct{}),
	}
}

// Publish queues an event; a saturated hub drops rather than blocks
// the publishing loop.
func (h *Hub) Publish(channel, eventType string, data any) {
	ev := Event{Channel: channel, Type: eventType, Time: time.Now().UTC(), Data: data}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warnw("event_dropped", "channel", channel, "type", eventType)
	}
}

// AlertChannel adapts the hub into an alerting sink so operators
// watching the websocket see alerts inline.
func (h *Hub) AlertChannel() alert.Channel { return hubAlertChannel{hub: h} }

type hubAlertChannel struct{ hub *Hub }

func (hubAlertChannel) Name() string { return "websocket" }

func (c hubAlertChannel) Send(_ context.Context, a alert.Alert) error {
	c.hub.Publish(ChannelAlerts, string(a.Severity), map[string]any{
		"title":   a.Title,
		"message": a.Message,
		"context": a.Context,
	})
	return nil
}

// Run drives registration and broadcast until the context ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("ws_client_connected", "id", client.id, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warnw("event_marshal_failed", "err", err)
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				if !client.subscribed(ev.Channel) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					// Slow consumer; skip this event for it.
				}
			}
			h.mu.RUnlock()
		}
	}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu sync.RWMutex
	subs   map[string]struct{}
}

func (c *wsClient) subscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	if len(c.subs) == 0 {
		// No explicit subscription means everything.
		return true
	}
	_, ok := c.subs[channel]
	return ok
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		c.subsMu.Lock()
		switch req.Op {
		case "subscribe":
			for _, ch := range req.Channels {
				c.subs[ch] = struct{}{}
			}
		case "unsubscribe":
			for _, ch := range req.Channels {
				delete(c.subs, ch)
			}
		}
		c.subsMu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
		id:   conn.RemoteAddr().String(),
		subs: make(map[string]struct{}),
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}
