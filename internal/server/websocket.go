package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// createUpgrader creates a websocket upgrader with origin validation.
// Websocket upgrades bypass CORS, so origins are checked explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Same-origin or non-browser client.
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks the origin against the allowed list. An empty
// list rejects every cross-origin upgrade.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

// websocketUnexpectedClose reports whether a read error is anything
// other than a clean client disconnect.
func websocketUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// matchWildcardOrigin checks an origin against a wildcard pattern.
// "https://*.example.com" matches "https://foo.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]

	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The wildcard may only cover a subdomain label, never a path.
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}
