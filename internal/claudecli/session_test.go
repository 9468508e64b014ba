package claudecli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockTransport is a scriptable Transport for session tests.
type mockTransport struct {
	mu        sync.Mutex
	exchanges int
	closes    int
	healthy   bool
	respond   func(ctx context.Context, message string) (string, error)
}

func (m *mockTransport) Exchange(ctx context.Context, message string) (string, error) {
	m.mu.Lock()
	m.exchanges++
	fn := m.respond
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, message)
	}
	return "ok: " + message, nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *mockTransport) Healthy(time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

func (m *mockTransport) exchangeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exchanges
}

func (m *mockTransport) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func readyAvailability() Availability {
	return Availability{BinaryPath: "/usr/bin/claude", CredentialSet: true}
}

func newTestSession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.UserID == "" {
		cfg.UserID = "u1"
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "s1"
	}
	if cfg.Availability == nil {
		cfg.Availability = readyAvailability
	}
	return NewSession(cfg)
}

func TestSendOneShotMode(t *testing.T) {
	oneShot := &mockTransport{}
	s := newTestSession(t, SessionConfig{Mode: ModeOneShot, OneShot: oneShot})

	got, err := s.Send(context.Background(), "hello", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok: hello" {
		t.Fatalf("unexpected response: %q", got)
	}
	if oneShot.exchangeCount() != 1 {
		t.Fatalf("expected 1 one-shot exchange, got %d", oneShot.exchangeCount())
	}
	if s.State() != StateReady {
		t.Fatalf("expected ready after send, got %s", s.State())
	}
}

func TestSendValidation(t *testing.T) {
	s := newTestSession(t, SessionConfig{Mode: ModeOneShot, OneShot: &mockTransport{}})

	if _, err := s.Send(context.Background(), "   ", time.Second); err == nil {
		t.Fatal("expected error for empty message")
	}
	if _, err := s.Send(context.Background(), "hi", 0); err == nil {
		t.Fatal("expected error for non-positive timeout")
	}
}

func TestSendResponsesInOrder(t *testing.T) {
	var n int
	oneShot := &mockTransport{respond: func(ctx context.Context, msg string) (string, error) {
		n++
		return fmt.Sprintf("reply-%d to %s", n, msg), nil
	}}
	s := newTestSession(t, SessionConfig{Mode: ModeOneShot, OneShot: oneShot})

	for i := 1; i <= 5; i++ {
		got, err := s.Send(context.Background(), fmt.Sprintf("msg-%d", i), time.Second)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		want := fmt.Sprintf("reply-%d to msg-%d", i, i)
		if got != want {
			t.Fatalf("send %d: expected %q, got %q", i, want, got)
		}
	}

	hist := s.History()
	if len(hist) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(hist))
	}
	for i, ex := range hist {
		if ex.Request != fmt.Sprintf("msg-%d", i+1) {
			t.Fatalf("history out of order at %d: %q", i, ex.Request)
		}
	}
}

func TestSendRejectsConcurrentWithBusy(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	oneShot := &mockTransport{respond: func(ctx context.Context, msg string) (string, error) {
		close(inFlight)
		<-release
		return "done", nil
	}}
	s := newTestSession(t, SessionConfig{Mode: ModeOneShot, OneShot: oneShot})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "first", 5*time.Second)
		errCh <- err
	}()

	<-inFlight
	_, err := s.Send(context.Background(), "second", time.Second)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first send failed: %v", err)
	}
}

func TestSendTimeoutTearsDownSubprocess(t *testing.T) {
	persistent := &mockTransport{healthy: true, respond: func(ctx context.Context, msg string) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("%w: no response before deadline", ErrTimeout)
	}}
	s := newTestSession(t, SessionConfig{
		Mode: ModePersistent,
		StartPersistent: func(CommandConfig) (PersistentConn, error) {
			return persistent, nil
		},
		OneShot: &mockTransport{},
	})

	start := time.Now()
	_, err := s.Send(context.Background(), "hello", 200*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
	if persistent.closeCount() == 0 {
		t.Fatal("expected timed-out transport to be torn down (kill recorded)")
	}
}

func TestPersistentRestartOnceThenFallback(t *testing.T) {
	var factoryCalls int
	failing := func(CommandConfig) (PersistentConn, error) {
		factoryCalls++
		return &mockTransport{healthy: true, respond: func(ctx context.Context, msg string) (string, error) {
			return "", fmt.Errorf("%w: write: broken pipe", ErrCommunication)
		}}, nil
	}
	oneShot := &mockTransport{respond: func(ctx context.Context, msg string) (string, error) {
		return "fallback reply", nil
	}}
	s := newTestSession(t, SessionConfig{
		Mode:            ModePersistent,
		StartPersistent: failing,
		OneShot:         oneShot,
	})

	got, err := s.Send(context.Background(), "hello", time.Second)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if got != "fallback reply" {
		t.Fatalf("unexpected response: %q", got)
	}
	// Initial spawn plus exactly one restart attempt.
	if restarts := factoryCalls - 1; restarts != 1 {
		t.Fatalf("expected exactly 1 restart attempt, got %d", restarts)
	}
	if oneShot.exchangeCount() != 1 {
		t.Fatalf("expected 1 fallback call, got %d", oneShot.exchangeCount())
	}
}

func TestPersistentFallbackAlsoFails(t *testing.T) {
	failing := func(CommandConfig) (PersistentConn, error) {
		return &mockTransport{healthy: true, respond: func(ctx context.Context, msg string) (string, error) {
			return "", fmt.Errorf("%w: write: broken pipe", ErrCommunication)
		}}, nil
	}
	oneShot := &mockTransport{respond: func(ctx context.Context, msg string) (string, error) {
		return "", fmt.Errorf("%w: spawn failed", ErrUnavailable)
	}}
	s := newTestSession(t, SessionConfig{
		Mode:            ModePersistent,
		StartPersistent: failing,
		OneShot:         oneShot,
	})

	_, err := s.Send(context.Background(), "hello", time.Second)
	if !errors.Is(err, ErrCommunication) {
		t.Fatalf("expected ErrCommunication, got %v", err)
	}
	if s.State() != StateDegraded {
		t.Fatalf("expected degraded state, got %s", s.State())
	}
}

func TestPersistentReuseWhenHealthy(t *testing.T) {
	persistent := &mockTransport{healthy: true}
	var factoryCalls int
	s := newTestSession(t, SessionConfig{
		Mode: ModePersistent,
		StartPersistent: func(CommandConfig) (PersistentConn, error) {
			factoryCalls++
			return persistent, nil
		},
	})

	for i := 0; i < 3; i++ {
		if _, err := s.Send(context.Background(), "hi", time.Second); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if factoryCalls != 1 {
		t.Fatalf("expected subprocess spawned once, got %d", factoryCalls)
	}
	if persistent.exchangeCount() != 3 {
		t.Fatalf("expected 3 exchanges on same pipe, got %d", persistent.exchangeCount())
	}
}

func TestStopIdempotent(t *testing.T) {
	persistent := &mockTransport{healthy: true}
	s := newTestSession(t, SessionConfig{
		Mode: ModePersistent,
		StartPersistent: func(CommandConfig) (PersistentConn, error) {
			return persistent, nil
		},
	})
	if ok := s.Start(""); !ok {
		t.Fatal("expected Start to succeed")
	}

	s.Stop()
	s.Stop()

	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}
	if persistent.closeCount() != 1 {
		t.Fatalf("expected exactly 1 close, got %d", persistent.closeCount())
	}
	if _, err := s.Send(context.Background(), "hi", time.Second); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after stop, got %v", err)
	}
}

func TestStartNotReady(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Mode:    ModeOneShot,
		OneShot: &mockTransport{},
		Availability: func() Availability {
			return Availability{BinaryPath: "", CredentialSet: true}
		},
	})
	if s.Start("") {
		t.Fatal("expected Start to return false when binary is missing")
	}
}

func TestStartPersistentLaunches(t *testing.T) {
	var factoryCalls int
	s := newTestSession(t, SessionConfig{
		Mode: ModePersistent,
		StartPersistent: func(CommandConfig) (PersistentConn, error) {
			factoryCalls++
			return &mockTransport{healthy: true}, nil
		},
	})

	if s.State() != StateIdle {
		t.Fatalf("expected idle before start, got %s", s.State())
	}
	if !s.Start("") {
		t.Fatal("expected Start to succeed")
	}
	if s.State() != StateReady {
		t.Fatalf("expected ready after start, got %s", s.State())
	}
	if factoryCalls != 1 {
		t.Fatalf("expected 1 spawn, got %d", factoryCalls)
	}
}

func TestStartClosesStaleSubprocess(t *testing.T) {
	var spawned []*mockTransport
	s := newTestSession(t, SessionConfig{
		Mode: ModePersistent,
		StartPersistent: func(CommandConfig) (PersistentConn, error) {
			m := &mockTransport{healthy: false}
			spawned = append(spawned, m)
			return m, nil
		},
	})

	if !s.Start("") {
		t.Fatal("expected first Start to succeed")
	}
	// The first transport reports unhealthy, so this Start replaces it.
	if !s.Start("") {
		t.Fatal("expected second Start to succeed")
	}

	if len(spawned) != 2 {
		t.Fatalf("expected 2 spawns, got %d", len(spawned))
	}
	if spawned[0].closeCount() != 1 {
		t.Fatalf("expected replaced transport closed once, got %d closes", spawned[0].closeCount())
	}
	if spawned[1].closeCount() != 0 {
		t.Fatalf("expected live transport left open, got %d closes", spawned[1].closeCount())
	}
}

func TestStartDuringSendDoesNotReplaceSubprocess(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	persistent := &mockTransport{healthy: true, respond: func(ctx context.Context, msg string) (string, error) {
		close(inFlight)
		<-release
		return "done", nil
	}}
	var factoryCalls int
	s := newTestSession(t, SessionConfig{
		Mode: ModePersistent,
		StartPersistent: func(CommandConfig) (PersistentConn, error) {
			factoryCalls++
			return persistent, nil
		},
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "first", 5*time.Second)
		errCh <- err
	}()

	<-inFlight
	if !s.Start("") {
		t.Fatal("expected Start on a busy session to report success")
	}
	if s.State() != StateBusy {
		t.Fatalf("expected busy to survive Start, got %s", s.State())
	}
	if persistent.closeCount() != 0 {
		t.Fatalf("expected in-flight transport left open, got %d closes", persistent.closeCount())
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if factoryCalls != 1 {
		t.Fatalf("expected 1 spawn, got %d", factoryCalls)
	}
}

func TestHistoryBounded(t *testing.T) {
	s := newTestSession(t, SessionConfig{
		Mode:         ModeOneShot,
		OneShot:      &mockTransport{},
		HistoryLimit: 5,
	})

	for i := 0; i < 8; i++ {
		if _, err := s.Send(context.Background(), fmt.Sprintf("m%d", i), time.Second); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	hist := s.History()
	if len(hist) != 5 {
		t.Fatalf("expected history capped at 5, got %d", len(hist))
	}
	if hist[0].Request != "m3" {
		t.Fatalf("expected oldest entries evicted, first is %q", hist[0].Request)
	}
}

func TestCleanResponse(t *testing.T) {
	raw := "\nHuman: hello\nThe answer is 42.\n  \nclaude>\nSecond line.\n"
	got := CleanResponse(raw)
	want := "The answer is 42.\nSecond line."
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
