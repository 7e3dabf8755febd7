// Package api serves the operator surface: status and drain endpoints,
// prometheus metrics, and a websocket feed of crank events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/veilmarkets/crank/pkg/mpc"
	"github.com/veilmarkets/crank/pkg/position"
)

// Sources wires the server to the running loops. Nil members render as
// absent sections in the status payload.
type Sources struct {
	Poller       func() mpc.PollerStatus
	Close        func() position.ProcessorStatus
	Funding      func() position.ProcessorStatus
	BlockhashLen func() int
	OrderCounts  func() (buys, sells int)
	Drain        func(ctx context.Context) (int, error)
}

type Server struct {
	sources Sources
	router  *mux.Router
	hub     *Hub
	logger  *zap.SugaredLogger
	started time.Time

	httpServer *http.Server
}

func NewServer(sources Sources, logger *zap.SugaredLogger) *Server {
	s := &Server{
		sources: sources,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		logger:  logger,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/drain", s.handleDrain).Methods("POST")

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Hub exposes the event hub so loops can publish without holding the
// whole server.
func (s *Server) Hub() *Hub { return s.hub }

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	c := cors.New(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infow("api_listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Uptime: time.Since(s.started).Round(time.Second).String()}
	if s.sources.Poller != nil {
		st := s.sources.Poller()
		resp.Poller = &st
	}
	if s.sources.Close != nil {
		st := s.sources.Close()
		resp.CloseProcessor = &st
	}
	if s.sources.Funding != nil {
		st := s.sources.Funding()
		resp.FundingProcessor = &st
	}
	if s.sources.BlockhashLen != nil {
		n := s.sources.BlockhashLen()
		resp.BlockhashEntries = &n
	}
	if s.sources.OrderCounts != nil {
		buys, sells := s.sources.OrderCounts()
		resp.OpenOrders = &OrderCounts{Buys: buys, Sells: sells}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.sources.Drain == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "drain not available"})
		return
	}
	skipped, err := s.sources.Drain(r.Context())
	if err != nil {
		s.logger.Errorw("drain_failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	s.logger.Infow("drain_requested", "skipped", skipped, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, DrainResponse{Skipped: skipped})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
