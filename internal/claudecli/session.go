package claudecli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TransportMode selects how a session talks to the CLI. Resolved once at
// session creation, never re-read per call.
type TransportMode string

const (
	// ModePersistent keeps one subprocess alive across messages and
	// falls back to one-shot when the pipe breaks.
	ModePersistent TransportMode = "persistent"
	// ModeOneShot spawns a fresh subprocess per message.
	ModeOneShot TransportMode = "one-shot"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateBusy
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PersistentConn is a Transport whose subprocess outlives a single
// exchange and can report on its own health.
type PersistentConn interface {
	Transport
	Healthy(inactivityThreshold time.Duration) bool
}

// Exchange is one request/response pair, kept for diagnostics and
// replay. Not required for correctness.
type Exchange struct {
	Request  string
	Response string
	At       time.Time
}

// SessionConfig configures a Session. Zero values get defaults.
type SessionConfig struct {
	UserID       string
	SessionID    string
	ContextLabel string
	Mode         TransportMode
	Command      CommandConfig

	// InactivityThreshold bounds how stale a persistent subprocess may
	// be before the health check replaces it. Default 30 minutes.
	InactivityThreshold time.Duration
	// HistoryLimit caps conversation history; oldest entries are
	// evicted first. Default 100.
	HistoryLimit int

	// OneShot overrides the one-shot transport (tests inject mocks).
	OneShot Transport
	// StartPersistent overrides the persistent transport factory.
	StartPersistent func(CommandConfig) (PersistentConn, error)
	// Availability overrides the startup probe.
	Availability func() Availability
}

// Session owns exactly one CLI subprocess for one (user, session) pair.
// Sends are serialized: a Send while another is in flight is rejected
// with ErrBusy, since the CLI protocol is single-request/single-response.
type Session struct {
	userID       string
	sessionID    string
	contextLabel string
	mode         TransportMode
	cmdCfg       CommandConfig
	inactivity   time.Duration
	historyLimit int

	oneShot         Transport
	startPersistent func(CommandConfig) (PersistentConn, error)
	availability    func() Availability

	mu           sync.Mutex
	state        State
	persistent   PersistentConn
	lastActivity time.Time
	history      []Exchange
}

// NewSession constructs a session in the Idle state. No subprocess is
// spawned until the first Send or an explicit Start.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Mode == "" {
		cfg.Mode = ModePersistent
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = 30 * time.Minute
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}

	cmdCfg := cfg.Command.withDefaults()
	cmdCfg.SystemPrompt = SystemPromptFor(cfg.ContextLabel)

	s := &Session{
		userID:          cfg.UserID,
		sessionID:       cfg.SessionID,
		contextLabel:    cfg.ContextLabel,
		mode:            cfg.Mode,
		cmdCfg:          cmdCfg,
		inactivity:      cfg.InactivityThreshold,
		historyLimit:    cfg.HistoryLimit,
		oneShot:         cfg.OneShot,
		startPersistent: cfg.StartPersistent,
		availability:    cfg.Availability,
		state:           StateIdle,
		lastActivity:    time.Now(),
	}
	if s.oneShot == nil {
		s.oneShot = NewOneShotTransport(cmdCfg)
	}
	if s.startPersistent == nil {
		s.startPersistent = func(c CommandConfig) (PersistentConn, error) {
			return StartPersistentTransport(c)
		}
	}
	if s.availability == nil {
		s.availability = func() Availability {
			return Probe(cmdCfg.Command, DefaultCredentialVar)
		}
	}
	return s
}

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// SessionID returns the session identifier.
func (s *Session) SessionID() string { return s.sessionID }

// ContextLabel returns the context label fixed at creation.
func (s *Session) ContextLabel() string { return s.contextLabel }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last successful exchange.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// History returns a copy of the bounded conversation history.
func (s *Session) History() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.history))
	copy(out, s.history)
	return out
}

// Start warms the session up: it verifies the CLI is available and, in
// persistent mode, launches the subprocess. Returns false instead of an
// error when the binary or credential is missing so the caller can show
// a clear not-ready message rather than crash.
func (s *Session) Start(initialContext string) bool {
	if a := s.availability(); !a.Ready() {
		slog.Error("CLI not available for session start",
			"user", s.userID, "session", s.sessionID, "error", a.Err())
		return false
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return false
	}
	if s.state == StateBusy || s.state == StateStarting {
		// An exchange or spawn is already in flight; a second Start must
		// not race it for the transport slot and orphan a subprocess.
		s.mu.Unlock()
		return true
	}
	if s.contextLabel == "" && initialContext != "" {
		s.contextLabel = initialContext
		s.cmdCfg.SystemPrompt = SystemPromptFor(initialContext)
	}
	if s.mode != ModePersistent {
		s.state = StateReady
		s.mu.Unlock()
		return true
	}
	if s.persistent != nil && s.persistent.Healthy(s.inactivity) {
		s.state = StateReady
		s.mu.Unlock()
		return true
	}
	stale := s.persistent
	s.persistent = nil
	s.state = StateStarting
	cfg := s.cmdCfg
	s.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}
	t, err := s.startPersistent(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		if t != nil {
			go t.Close()
		}
		return false
	}
	if err != nil {
		slog.Warn("persistent subprocess start failed",
			"user", s.userID, "session", s.sessionID, "error", err)
		s.state = StateDegraded
		return false
	}
	s.persistent = t
	s.state = StateReady
	return true
}

// Send delivers one message and returns the cleaned reply. The timeout
// bounds the whole exchange; on expiry the subprocess is killed (one-shot)
// or the pipe torn down (persistent) so nothing is left running
// unaccounted.
func (s *Session) Send(ctx context.Context, message string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("message must not be empty")
	}
	if timeout <= 0 {
		return "", fmt.Errorf("timeout must be positive")
	}

	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return "", ErrStopped
	case StateBusy, StateStarting:
		s.mu.Unlock()
		return "", ErrBusy
	}
	s.state = StateBusy
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		raw string
		err error
	)
	if s.mode == ModePersistent {
		raw, err = s.sendPersistent(ctx, message)
	} else {
		raw, err = s.oneShot.Exchange(ctx, message)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		if s.state != StateStopped {
			if errors.Is(err, ErrCommunication) || (s.mode == ModePersistent && errors.Is(err, ErrTimeout)) {
				s.state = StateDegraded
			} else {
				s.state = StateReady
			}
		}
		return "", err
	}

	cleaned := CleanResponse(raw)
	s.lastActivity = time.Now()
	s.history = append(s.history, Exchange{Request: message, Response: cleaned, At: s.lastActivity})
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	if s.state != StateStopped {
		s.state = StateReady
	}
	return cleaned, nil
}

// sendPersistent tries the long-lived pipe, then exactly one pipe
// restart, then a one-shot fallback for this single call.
func (s *Session) sendPersistent(ctx context.Context, message string) (string, error) {
	out, err := s.persistentExchange(ctx, message)
	if err == nil {
		return out, nil
	}
	s.teardownPersistent()
	if ctx.Err() != nil {
		return "", err
	}

	slog.Warn("persistent exchange failed, restarting pipe",
		"user", s.userID, "session", s.sessionID, "error", err)

	out, err = s.persistentExchange(ctx, message)
	if err == nil {
		return out, nil
	}
	s.teardownPersistent()
	if ctx.Err() != nil {
		return "", err
	}

	slog.Warn("restarted pipe failed, falling back to one-shot",
		"user", s.userID, "session", s.sessionID, "error", err)

	out, fbErr := s.oneShot.Exchange(ctx, message)
	if fbErr != nil {
		if errors.Is(fbErr, ErrTimeout) {
			return "", fbErr
		}
		return "", fmt.Errorf("%w: restart and one-shot fallback both failed: %v", ErrCommunication, fbErr)
	}
	return out, nil
}

// persistentExchange runs one exchange over the pipe, launching or
// replacing the subprocess first when the health check fails.
func (s *Session) persistentExchange(ctx context.Context, message string) (string, error) {
	s.mu.Lock()
	t := s.persistent
	cfg := s.cmdCfg
	s.mu.Unlock()

	if t == nil || !t.Healthy(s.inactivity) {
		if t != nil {
			_ = t.Close()
		}
		nt, err := s.startPersistent(cfg)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		if s.state == StateStopped {
			s.mu.Unlock()
			go nt.Close()
			return "", ErrStopped
		}
		s.persistent = nt
		s.mu.Unlock()
		t = nt
	}

	return t.Exchange(ctx, message)
}

func (s *Session) teardownPersistent() {
	s.mu.Lock()
	t := s.persistent
	s.persistent = nil
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

// Stop terminates any owned subprocess and releases transport resources.
// Idempotent; never panics. The session is unusable afterwards.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	t := s.persistent
	s.persistent = nil
	s.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	_ = s.oneShot.Close()

	slog.Info("session stopped", "user", s.userID, "session", s.sessionID)
}

// CleanResponse strips prompt artifacts from raw CLI output: blank
// lines, re-echoed "Human:" lines, and bare prompt markers ending in ">".
func CleanResponse(raw string) string {
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "Human:") || strings.HasSuffix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
