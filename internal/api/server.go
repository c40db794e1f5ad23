// Package api exposes the deliberation engine over HTTP: a JSON REST surface
// for session control, a one-shot SSE stream for running rounds, and a
// persistent WebSocket for fine-grained interaction. Both streams translate
// the same canonical event vocabulary.
package api

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/internal/branch"
	"github.com/conclave-ai/conclave/internal/deliberation"
)

// Config carries the HTTP server settings.
type Config struct {
	Addr string
	// AuthToken, when non-empty, is required as a Bearer token (or ?token=
	// query parameter for browser EventSource/WebSocket clients).
	AuthToken string
	// RequestsPerSecond and Burst configure per-client rate limiting.
	// Zero RequestsPerSecond disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Server is the HTTP front of the deliberation engine.
type Server struct {
	cfg      Config
	manager  *deliberation.Manager
	branches *branch.Manager
	limiter  *RateLimiter

	httpServer *http.Server
}

// NewServer wires the REST, SSE, and WebSocket handlers.
func NewServer(cfg Config, manager *deliberation.Manager, branches *branch.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		branches: branches,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond) + 1
		}
		s.limiter = NewRateLimiter(cfg.RequestsPerSecond, burst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/rounds", s.handleGetRounds)
	mux.HandleFunc("GET /api/sessions/{id}/branches", s.handleGetBranches)
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/sessions/{id}/butt-in", s.handleButtIn)
	mux.HandleFunc("POST /api/sessions/{id}/fork", s.handleFork)
	mux.HandleFunc("POST /api/sessions/{id}/agents", s.handleAddAgent)
	mux.HandleFunc("DELETE /api/sessions/{id}/agents/{agentID}", s.handleRemoveAgent)
	mux.HandleFunc("POST /api/sessions/{id}/run", s.handleRun)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Printf("api server listening on %s", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// middleware applies auth and rate limiting to every route.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades authenticate inside the handler so policy
		// violations can be reported with a close code.
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			if !validateToken(r, s.cfg.AuthToken) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		if s.limiter != nil && !s.limiter.Allow(clientID(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validateToken accepts a Bearer header or a token query parameter. An empty
// configured token disables auth.
func validateToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == token
	}
	if queryToken := r.URL.Query().Get("token"); queryToken != "" {
		return queryToken == token
	}
	return false
}

// clientID keys rate limiting by remote host.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
