// Package server provides the HTTP and websocket surface of the
// workspace backend.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaeyoungkang/ai-agent-platform/internal/auth"
	"github.com/jaeyoungkang/ai-agent-platform/internal/claudecli"
	"github.com/jaeyoungkang/ai-agent-platform/internal/config"
	"github.com/jaeyoungkang/ai-agent-platform/internal/hub"
	"github.com/jaeyoungkang/ai-agent-platform/internal/store"
	"github.com/jaeyoungkang/ai-agent-platform/internal/workspace"
)

// Server hosts the workspace websocket and the management API.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	verifier   *auth.Verifier
	store      *store.Store
	hub        *hub.Hub
}

// New creates a new server instance.
func New(cfg *config.Config) (*Server, error) {
	// The verifier is optional: without a JWKS endpoint the server runs
	// in open mode for local development.
	var verifier *auth.Verifier
	if cfg.JWKSEndpoint != "" {
		v, err := auth.NewVerifier(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("create token verifier: %w", err)
		}
		verifier = v
	} else {
		slog.Warn("No JWKS endpoint configured; token verification disabled")
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	factory := func(userID, sessionID, contextLabel string) *claudecli.Session {
		return claudecli.NewSession(claudecli.SessionConfig{
			UserID:       userID,
			SessionID:    sessionID,
			ContextLabel: contextLabel,
			Mode:         claudecli.TransportMode(cfg.TransportMode),
			Command: claudecli.CommandConfig{
				Command:         cfg.CLICommand,
				ReadBufferBytes: cfg.ReadBufferBytes,
				RingCapacity:    cfg.OutputRingLines,
			},
			InactivityThreshold: cfg.InactivityTimeout,
			HistoryLimit:        cfg.HistoryLimit,
			Availability: func() claudecli.Availability {
				return claudecli.Probe(cfg.CLICommand, cfg.CredentialVar)
			},
		})
	}

	s := &Server{
		config:   cfg,
		verifier: verifier,
		store:    st,
		hub: hub.New(hub.Config{
			SessionFactory: workspace.SessionFactory(factory),
			Store:          st,
			SendTimeout:    cfg.SendTimeout,
		}),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays 0: it would set a deadline on the underlying
	// net.Conn before the handler runs, which kills hijacked websocket
	// connections once the timeout elapses.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Hub exposes the connection hub, mainly for tests.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	slog.Info("Starting workspace backend", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server: live connections are closed, every
// CLI subprocess is torn down, then the store and listener shut down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.hub.Shutdown(ctx); err != nil {
		slog.Warn("Hub shutdown did not finish in time", "error", err)
	}

	if err := s.store.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	// Chat websocket
	mux.HandleFunc("GET /workspace/{userId}", s.handleWorkspaceWS)

	// Conversation history
	mux.HandleFunc("GET /api/sessions/{sessionId}/conversation", s.handleGetConversation)

	// Agent management
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{agentId}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{agentId}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{agentId}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/agents/{agentId}/runs", s.handleRecordAgentRun)

	// Beta access
	mux.HandleFunc("POST /api/beta/applications", s.handleSubmitBetaApplication)
	mux.HandleFunc("GET /api/beta/applications", s.handleListBetaApplications)
	mux.HandleFunc("POST /api/whitelist", s.handleAddToWhitelist)
	mux.HandleFunc("GET /api/whitelist", s.handleListWhitelist)
	mux.HandleFunc("DELETE /api/whitelist/{entryId}", s.handleRemoveFromWhitelist)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if strings.Contains(o, "*.") && matchWildcardOrigin(origin, o) {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
