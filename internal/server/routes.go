package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jaeyoungkang/ai-agent-platform/internal/auth"
	"github.com/jaeyoungkang/ai-agent-platform/internal/claudecli"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.ConnectionCount(),
	})
}

// handleReady reports whether the CLI dependency is usable. Readiness
// fails when the binary is missing or the credential is not set.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	avail := claudecli.Probe(s.config.CLICommand, s.config.CredentialVar)
	if !avail.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"reason": avail.Err().Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
	})
}

// handleGetConversation returns a session's transcript. Users can only
// read their own sessions.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	sessionID := r.PathValue("sessionId")

	rec, err := s.store.GetSession(sessionID)
	if err != nil {
		slog.Error("Session lookup failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if rec == nil || rec.UserID != userID {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	entries, err := s.store.ListConversation(sessionID)
	if err != nil {
		slog.Error("Conversation lookup failed", "session", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"context":   rec.Context,
		"messages":  entries,
	})
}

// requireUser resolves the caller's user ID. With a verifier configured
// the bearer token is mandatory; otherwise the X-User-ID header is
// trusted, which only makes sense for local development.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.verifier == nil {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			userID = "local"
		}
		return userID, true
	}

	token := auth.TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		slog.Warn("Token verification failed", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	return claims.Subject, true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
