// Package api serves the status HTTP endpoint set: /health, /status with
// the latest marketDataStatus per symbol, /ws pushing status updates, and
// /metrics in prometheus format.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketpipe/internal/bus"
	"marketpipe/pkg/types"
)

// Server runs the status HTTP/WebSocket API.
type Server struct {
	b       *bus.Bus
	metrics *Metrics
	server  *http.Server
	hub     *Hub
	logger  *slog.Logger

	mu       sync.RWMutex
	statuses map[string]types.MarketDataStatus
	control  types.ControlState
	subs     []bus.Subscription
}

// NewServer creates the status server.
func NewServer(port int, b *bus.Bus, metrics *Metrics, logger *slog.Logger) *Server {
	s := &Server{
		b:        b,
		metrics:  metrics,
		hub:      NewHub(logger),
		logger:   logger.With("component", "api-server"),
		statuses: make(map[string]types.MarketDataStatus),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/control", s.handleControl)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start subscribes to status topics and serves until Stop.
func (s *Server) Start() error {
	s.subs = append(s.subs,
		bus.Subscribe(s.b, bus.TopicMarketDataStatus, s.onStatus),
		bus.Subscribe(s.b, bus.TopicControlState, s.onControlState),
		bus.Subscribe(s.b, bus.TopicConfidence, s.onConfidence),
		bus.Subscribe(s.b, bus.TopicGapDetected, func(types.GapEvent) { s.metrics.GapsDetected.Inc() }),
	)
	go s.hub.Run()

	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop unsubscribes and shuts the server down gracefully.
func (s *Server) Stop() error {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) onStatus(evt types.MarketDataStatus) {
	s.mu.Lock()
	s.statuses[evt.Symbol] = evt
	s.mu.Unlock()
	s.hub.Broadcast(evt)
}

func (s *Server) onControlState(evt types.ControlState) {
	s.mu.Lock()
	s.control = evt
	s.mu.Unlock()
}

func (s *Server) onConfidence(evt types.ConfidenceEvent) {
	s.metrics.Confidence.WithLabelValues(evt.Symbol, string(evt.Block)).Set(evt.Score)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.mu.RLock()
	lifecycle := s.control.Lifecycle
	s.mu.RUnlock()
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"lifecycle": lifecycle,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.mu.RLock()
	defer s.mu.RUnlock()
	json.NewEncoder(w).Encode(map[string]any{
		"control": s.control,
		"symbols": s.statuses,
	})
}

// handleControl accepts a control command and publishes it on the bus.
// This is how the out-of-process CLI reaches the orchestrator.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cmd types.ControlCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if cmd.Meta.TsEvent == 0 {
		cmd.Meta = types.NewMeta("api", time.Now)
	}
	bus.Publish(s.b, bus.TopicControlCommand, cmd)
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(s.hub, conn)
}
