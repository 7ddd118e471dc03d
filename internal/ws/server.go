// Package ws is the WebSocket boundary of the relay. It upgrades HTTP
// requests, extracts the participant identifiers from the request, and hands
// the established connection to the session relay, one goroutine per
// connection.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/pairlink/chat-relay/internal/ratelimit"
)

// SessionHandler runs the lifecycle of one upgraded connection. It blocks
// until the connection is closed.
type SessionHandler interface {
	HandleConn(ctx context.Context, userID, partnerID string, conn net.Conn)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string // address to listen on, e.g. ":8080"
	MaxConnections int    // hard cap on concurrent connections
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
	}
}

// Server accepts WebSocket upgrade requests on /ws and runs each accepted
// connection through the session handler. Identifier validation happens in
// the relay after the upgrade, so rejected peers still get an error frame
// over the socket.
type Server struct {
	config     ServerConfig
	handler    SessionHandler
	limiter    *ratelimit.Limiter // optional join throttle, nil disables
	httpServer *http.Server
	active     int64 // atomic count of in-flight connections
	startedAt  time.Time
}

// NewServer creates a Server bound to the given session handler.
func NewServer(config ServerConfig, handler SessionHandler) *Server {
	return &Server{
		config:  config,
		handler: handler,
	}
}

// SetLimiter attaches an optional Redis-backed join rate limiter.
func (s *Server) SetLimiter(l *ratelimit.Limiter) {
	s.limiter = l
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. It blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("ws: server listening on %s (max_conns=%d)",
		s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and runs
// it through the session handler in its own goroutine. The userId and
// partnerId query parameters are passed through untouched; the relay owns
// their validation.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt64(&s.active) >= int64(s.config.MaxConnections) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		allowed, _ := s.limiter.Allow(r.Context(), host, ratelimit.RuleJoin)
		if !allowed {
			http.Error(w, "join rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	userID := r.URL.Query().Get("userId")
	partnerID := r.URL.Query().Get("partnerId")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	atomic.AddInt64(&s.active, 1)
	go func() {
		defer atomic.AddInt64(&s.active, -1)
		s.handler.HandleConn(context.Background(), userID, partnerID, conn)
	}()
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int64  `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: atomic.LoadInt64(&s.active),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown stops the HTTP listener with a deadline. In-flight relay
// goroutines are terminated by the caller closing their connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ws: http shutdown: %w", err)
	}
	return nil
}
