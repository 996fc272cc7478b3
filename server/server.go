package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"newsflow/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

// Message is one websocket frame pushed to status subscribers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Snapshotter exposes the folded metrics for /stats.
type Snapshotter interface {
	Snapshot() map[string]float64
}

// Server is the observability surface: a health endpoint, a metrics
// snapshot, and a websocket stream of terminal ingestion results. It is
// strictly read-only; ingestion control stays in the daemon.
type Server struct {
	addr    string
	metrics Snapshotter
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]bool

	httpSrv *http.Server
}

// New builds the server; Start must be called to begin listening.
func New(addr string, metrics Snapshotter, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		metrics: metrics,
		logger:  logger,
		conns:   map[*websocket.Conn]bool{},
	}
}

// Start listens in a background goroutine until Shutdown.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/stats", s.handleStats)

	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		s.logger.Info("status server listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server failed", "error", err)
		}
	}()
}

// Shutdown closes the listener and all subscriber connections.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = map[*websocket.Conn]bool{}
	s.mu.Unlock()

	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
}

// Broadcast pushes one terminal result to every subscriber. Slow or dead
// connections are dropped rather than allowed to stall the pipeline.
func (s *Server) Broadcast(res models.IngestionResult) {
	payload, err := json.Marshal(Message{Type: "result", Data: res})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Warn("dropping status subscriber", "error", err)
			_ = conn.Close()
			delete(s.conns, conn)
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()

	// Reader goroutine exists only to observe close frames.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
				return
			}
		}
	}()
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.metrics.Snapshot()); err != nil {
		s.logger.Warn("stats encode failed", "error", err)
	}
}
