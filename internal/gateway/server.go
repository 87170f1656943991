// Package gateway is the HTTP/WebSocket surface: a thin REST adapter over
// the lifecycle manager plus the push subscription endpoint.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crewhall/crewhall/internal/auth"
	"github.com/crewhall/crewhall/internal/bus"
	"github.com/crewhall/crewhall/internal/config"
	"github.com/crewhall/crewhall/internal/lifecycle"
	"github.com/crewhall/crewhall/internal/router"
	"github.com/crewhall/crewhall/internal/store"
	"github.com/crewhall/crewhall/pkg/protocol"
)

// Server handles REST and WebSocket connections.
type Server struct {
	cfg      *config.Config
	manager  *lifecycle.Manager
	msgs     *router.Router
	b        *bus.Broadcaster
	verifier auth.Verifier
	stores   *store.Stores

	upgrader websocket.Upgrader
	limiter  *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the gateway.
func NewServer(cfg *config.Config, m *lifecycle.Manager, msgs *router.Router,
	b *bus.Broadcaster, verifier auth.Verifier, stores *store.Stores) *Server {

	s := &Server{
		cfg:      cfg,
		manager:  m,
		msgs:     msgs,
		b:        b,
		verifier: verifier,
		stores:   stores,
		clients:  make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// rate_limit_rpm > 0 enables per-tenant limiting; anything else disables.
	s.limiter = NewRateLimiter(cfg.Server.RateLimitRPM, 5)
	return s
}

// checkOrigin validates the WebSocket Origin header against the allow list.
// No configured origins means allow all (dev mode); an empty Origin header
// (CLI and SDK clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Heartbeats are auth-exempt: containers cannot hold tenant credentials.
	// Integrity comes from network reachability plus opaque ids.
	mux.HandleFunc("POST /heartbeat/{team}/{agent}", s.handleHeartbeat)

	mux.HandleFunc("POST /teams", s.authed(s.handleCreateTeam))
	mux.HandleFunc("GET /teams", s.authed(s.handleListTeams))
	mux.HandleFunc("GET /teams/{id}", s.authed(s.handleGetTeam))
	mux.HandleFunc("PATCH /teams/{id}", s.authed(s.handleUpdateTeam))
	mux.HandleFunc("DELETE /teams/{id}", s.authed(s.handleDeleteTeam))
	mux.HandleFunc("POST /teams/{id}/start", s.authed(s.handleStartTeam))
	mux.HandleFunc("POST /teams/{id}/stop", s.authed(s.handleStopTeam))

	mux.HandleFunc("POST /teams/{id}/agents", s.authed(s.handleAddAgent))
	mux.HandleFunc("DELETE /teams/{id}/agents/{aid}", s.authed(s.handleRemoveAgent))
	mux.HandleFunc("POST /teams/{id}/agents/{aid}/{op}", s.authed(s.handleAgentControl))

	mux.HandleFunc("GET /teams/{id}/channels/{name}/messages", s.authed(s.handleChannelMessages))
	mux.HandleFunc("POST /teams/{id}/channels/{name}/messages", s.authed(s.handlePublishMessage))

	mux.HandleFunc("GET /templates", s.authed(s.handleListTemplates))
	mux.HandleFunc("POST /templates", s.authed(s.handleCreateTemplate))
	mux.HandleFunc("PUT /templates/{id}", s.authed(s.handleUpdateTemplate))
	mux.HandleFunc("DELETE /templates/{id}", s.authed(s.handleDeleteTemplate))

	mux.HandleFunc("POST /auth/exchange", s.authed(s.handleMintExchange))

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the connection and runs the subscription session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer creates a listener on 127.0.0.1:0 and returns the actual
// address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(shutdownCtx)
		}()
		_ = s.httpServer.Serve(ln)
	}

	return addr, start
}
