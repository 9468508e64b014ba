// Package workspace manages the set of CLI sessions owned by one user.
// A registry is created when the user's connection is accepted and torn
// down, with all of its sessions, when the connection closes.
package workspace

import (
	"log/slog"
	"sync"

	"github.com/jaeyoungkang/ai-agent-platform/internal/claudecli"
)

// SessionFactory builds a session for this registry's user. Injected so
// tests can substitute sessions backed by mock transports.
type SessionFactory func(userID, sessionID, contextLabel string) *claudecli.Session

// Registry maps session IDs to live sessions for a single user. All
// sessions in the map belong to that user.
type Registry struct {
	userID  string
	factory SessionFactory

	mu       sync.Mutex
	sessions map[string]*claudecli.Session
}

// NewRegistry creates an empty registry for userID.
func NewRegistry(userID string, factory SessionFactory) *Registry {
	return &Registry{
		userID:   userID,
		factory:  factory,
		sessions: make(map[string]*claudecli.Session),
	}
}

// UserID returns the owning user.
func (r *Registry) UserID() string { return r.userID }

// GetOrCreate returns the session for sessionID, constructing it on
// first use. The context label is fixed at creation; a differing label
// on a later call is ignored.
func (r *Registry) GetOrCreate(sessionID, contextLabel string) *claudecli.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s
	}
	s := r.factory(r.userID, sessionID, contextLabel)
	r.sessions[sessionID] = s
	slog.Info("session created", "user", r.userID, "session", sessionID, "context", contextLabel)
	return s
}

// Get returns the session for sessionID, or nil.
func (r *Registry) Get(sessionID string) *claudecli.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*claudecli.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*claudecli.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// DestroyAll stops every owned session and clears the map. Session Stop
// never panics, so one bad session cannot abort the sweep.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	sessions := make([]*claudecli.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*claudecli.Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	if len(sessions) > 0 {
		slog.Info("registry destroyed", "user", r.userID, "sessions", len(sessions))
	}
}
