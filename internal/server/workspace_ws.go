package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jaeyoungkang/ai-agent-platform/internal/auth"
	"github.com/jaeyoungkang/ai-agent-platform/internal/claudecli"
	"github.com/jaeyoungkang/ai-agent-platform/internal/hub"
)

// handleWorkspaceWS accepts the per-user chat websocket. The connection
// is authenticated before the upgrade; after the upgrade every inbound
// frame is routed through the hub and answered on the same connection.
func (s *Server) handleWorkspaceWS(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if avail := claudecli.Probe(s.config.CLICommand, s.config.CredentialVar); !avail.Ready() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	if s.verifier != nil {
		token := auth.TokenFromRequest(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		claims, err := s.verifier.Verify(token)
		if err != nil {
			slog.Warn("Websocket auth failed", "user", userID, "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		// The token's subject must match the path. One user cannot
		// attach to another user's workspace.
		if claims.Subject != userID {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if claims.Email != "" {
			ok, err := s.store.IsWhitelisted(claims.Email)
			if err != nil {
				slog.Error("Whitelist check failed", "user", userID, "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "user", userID, "error", err)
		return
	}

	if err := s.hub.Connect(conn, userID); err != nil {
		// Connect registered the connection before the ack write failed;
		// unregister it or the dead entry lingers until the next connect.
		slog.Warn("Websocket ack failed", "user", userID, "error", err)
		s.hub.DisconnectConn(userID, conn)
		conn.Close()
		return
	}
	defer s.hub.DisconnectConn(userID, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocketUnexpectedClose(err) {
				slog.Warn("Websocket read failed", "user", userID, "error", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.writeFrame(conn, userID, hub.TypeError, "Message must be JSON with a \"message\" field.")
			continue
		}
		text := strings.TrimSpace(msg.Message)
		if text == "" {
			s.writeFrame(conn, userID, hub.TypeError, "Message must not be empty.")
			continue
		}

		sessionID := msg.SessionID
		if sessionID == "" {
			sessionID = "default_" + userID
		}
		contextLabel := s.resolveContext(userID, sessionID, msg.Context)

		env := s.hub.HandleMessage(r.Context(), userID, sessionID, contextLabel, text)
		if err := conn.WriteJSON(env); err != nil {
			slog.Warn("Websocket write failed", "user", userID, "error", err)
			return
		}
	}
}

// resolveContext picks the session's context label. A label supplied by
// the client only sticks on first use; afterwards the stored label wins
// so a session cannot change persona mid-conversation.
func (s *Server) resolveContext(userID, sessionID, requested string) string {
	label := strings.TrimSpace(requested)
	if label == "" {
		stored, err := s.store.GetSessionContext(sessionID)
		if err != nil {
			slog.Error("Session context lookup failed", "session", sessionID, "error", err)
			stored = "workspace"
		}
		label = stored
	}
	if err := s.store.UpsertSession(sessionID, userID, label); err != nil {
		slog.Error("Session record upsert failed", "session", sessionID, "error", err)
	}
	// Re-read so a label that lost the first-write race is not used.
	stored, err := s.store.GetSessionContext(sessionID)
	if err != nil {
		return label
	}
	return stored
}

func (s *Server) writeFrame(conn hub.Conn, userID, typ, content string) {
	if err := conn.WriteJSON(hub.NewEnvelope(typ, content)); err != nil {
		slog.Warn("Websocket write failed", "user", userID, "error", err)
	}
}
