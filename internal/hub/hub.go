// Package hub binds one duplex connection per user and routes inbound
// chat messages to that user's CLI sessions.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jaeyoungkang/ai-agent-platform/internal/claudecli"
	"github.com/jaeyoungkang/ai-agent-platform/internal/workspace"
)

// Conn is the connection surface the hub writes to. *websocket.Conn
// satisfies it directly.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// ConversationStore is the narrow document-store surface the hub needs.
// Writes are fire-and-forget: a store failure is logged, never surfaced
// to the user exchange.
type ConversationStore interface {
	AppendConversation(userID, sessionID, role, content string, ts time.Time) error
}

// Envelope is an outbound frame.
type Envelope struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

const (
	TypeSystem   = "system"
	TypeResponse = "response"
	TypeError    = "error"
)

// NewEnvelope stamps an outbound frame with the current UTC time.
func NewEnvelope(typ, content string) Envelope {
	return Envelope{
		Type:      typ,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Config configures a Hub.
type Config struct {
	// SessionFactory builds sessions for new registries.
	SessionFactory workspace.SessionFactory
	// Store receives conversation appends; may be nil.
	Store ConversationStore
	// SendTimeout bounds each CLI exchange. Default 30s.
	SendTimeout time.Duration
}

// Hub owns the connection and registry maps. A user has a connection
// entry if and only if it has a registry entry; both are created in
// Connect and removed in Disconnect, under one lock.
type Hub struct {
	factory     workspace.SessionFactory
	store       ConversationStore
	sendTimeout time.Duration

	mu         sync.Mutex
	conns      map[string]Conn
	registries map[string]*workspace.Registry

	// cleanup tracks scheduled registry teardowns so Shutdown can join
	// them instead of leaving detached goroutines behind.
	cleanup sync.WaitGroup
}

// New creates a hub with no live connections.
func New(cfg Config) *Hub {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Hub{
		factory:     cfg.SessionFactory,
		store:       cfg.Store,
		sendTimeout: cfg.SendTimeout,
		conns:       make(map[string]Conn),
		registries:  make(map[string]*workspace.Registry),
	}
}

// Connect registers a user's connection and a fresh registry, then sends
// the system "connected" acknowledgement. A prior connection for the
// same user is replaced: closed, with its registry torn down.
func (h *Hub) Connect(conn Conn, userID string) error {
	h.mu.Lock()
	prevConn := h.conns[userID]
	prevReg := h.registries[userID]
	h.conns[userID] = conn
	h.registries[userID] = workspace.NewRegistry(userID, h.factory)
	h.mu.Unlock()

	if prevConn != nil {
		slog.Warn("replacing existing connection", "user", userID)
		_ = prevConn.Close()
	}
	if prevReg != nil {
		h.scheduleTeardown(prevReg)
	}

	slog.Info("user connected", "user", userID)
	return conn.WriteJSON(NewEnvelope(TypeSystem, "Connected to Claude Code CLI. Start the conversation."))
}

// Disconnect removes the user's connection and schedules registry
// teardown. The teardown runs off the caller's goroutine so the
// disconnect handler never blocks on subprocess shutdown, but it is
// joined during Shutdown.
func (h *Hub) Disconnect(userID string) {
	h.mu.Lock()
	reg := h.registries[userID]
	delete(h.conns, userID)
	delete(h.registries, userID)
	h.mu.Unlock()

	if reg != nil {
		h.scheduleTeardown(reg)
	}
	slog.Info("user disconnected", "user", userID)
}

// DisconnectConn removes the user's entry only while conn is still the
// registered connection. A handler whose connection was replaced must
// not tear down the replacement's registry.
func (h *Hub) DisconnectConn(userID string, conn Conn) {
	h.mu.Lock()
	if h.conns[userID] != conn {
		h.mu.Unlock()
		return
	}
	reg := h.registries[userID]
	delete(h.conns, userID)
	delete(h.registries, userID)
	h.mu.Unlock()

	if reg != nil {
		h.scheduleTeardown(reg)
	}
	slog.Info("user disconnected", "user", userID)
}

func (h *Hub) scheduleTeardown(reg *workspace.Registry) {
	h.cleanup.Add(1)
	go func() {
		defer h.cleanup.Done()
		reg.DestroyAll()
	}()
}

// Connected reports whether the user has a live connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[userID]
	return ok
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Registry returns the user's registry, or nil.
func (h *Hub) Registry(userID string) *workspace.Registry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registries[userID]
}

// HandleMessage routes one inbound message to the right session and
// returns the outbound frame. Transport errors never escape: they are
// logged and converted to a user-safe error frame, so the connection
// stays usable after a failed message.
func (h *Hub) HandleMessage(ctx context.Context, userID, sessionID, contextLabel, text string) Envelope {
	if sessionID == "" {
		sessionID = "default_" + userID
	}

	h.mu.Lock()
	reg := h.registries[userID]
	h.mu.Unlock()
	if reg == nil {
		return NewEnvelope(TypeError, "Workspace not found. Please reconnect.")
	}

	session := reg.GetOrCreate(sessionID, contextLabel)

	reply, err := session.Send(ctx, text, h.sendTimeout)
	if err != nil {
		slog.Error("message routing failed",
			"user", userID, "session", sessionID, "error", err)
		return NewEnvelope(TypeError, userFacingError(err))
	}

	h.persistExchange(userID, sessionID, text, reply)
	return NewEnvelope(TypeResponse, reply)
}

// persistExchange appends both sides of the exchange to the document
// store, best effort.
func (h *Hub) persistExchange(userID, sessionID, request, response string) {
	if h.store == nil {
		return
	}
	now := time.Now().UTC()
	if err := h.store.AppendConversation(userID, sessionID, "user", request, now); err != nil {
		slog.Error("conversation persist failed", "user", userID, "session", sessionID, "error", err)
		return
	}
	if err := h.store.AppendConversation(userID, sessionID, "assistant", response, now); err != nil {
		slog.Error("conversation persist failed", "user", userID, "session", sessionID, "error", err)
	}
}

// userFacingError maps the error taxonomy to plain replies. Never leaks
// internals or stack traces.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, claudecli.ErrBusy):
		return "A previous message is still being processed. Please wait for the reply and try again."
	case errors.Is(err, claudecli.ErrTimeout):
		return "Claude did not respond in time. Please try again."
	case errors.Is(err, claudecli.ErrNotReady):
		return "The Claude CLI is not available on this server."
	case errors.Is(err, claudecli.ErrStopped):
		return "This session has ended. Please reconnect."
	case errors.Is(err, claudecli.ErrUnavailable), errors.Is(err, claudecli.ErrCommunication):
		return "Communication with Claude failed. Please try again."
	default:
		return "Something went wrong processing your message. Please try again."
	}
}

// Shutdown closes every connection, destroys every registry, and waits
// for scheduled teardowns to finish (bounded by ctx). Guarantees no
// subprocess outlives the service.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	conns := h.conns
	registries := h.registries
	h.conns = make(map[string]Conn)
	h.registries = make(map[string]*workspace.Registry)
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	for _, reg := range registries {
		h.scheduleTeardown(reg)
	}

	done := make(chan struct{})
	go func() {
		h.cleanup.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
