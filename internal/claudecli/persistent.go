package claudecli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// responseQuietPeriod is how long the output stream must stay silent,
// after the first byte of a reply, before the reply is considered
// complete. The interactive CLI emits its turn as a burst of lines.
const responseQuietPeriod = 200 * time.Millisecond

// stopGracePeriod is how long Close waits after SIGTERM before killing.
const stopGracePeriod = 5 * time.Second

// PersistentTransport keeps one CLI subprocess alive across many
// exchanges. A background goroutine continuously drains stdout into a
// bounded line ring so the subprocess never blocks on a full OS pipe
// buffer between calls.
type PersistentTransport struct {
	cfg   CommandConfig
	cmd   *exec.Cmd
	stdin io.WriteCloser
	ring  *LineRing

	// notify gets a (coalesced) tick whenever the drain goroutine
	// appends a line.
	notify chan struct{}
	// exited is closed once the subprocess has been reaped.
	exited chan struct{}

	mu           sync.Mutex
	closed       bool
	lastExchange time.Time
	startedAt    time.Time
}

// StartPersistentTransport spawns the interactive CLI subprocess and
// begins draining its output.
func StartPersistentTransport(cfg CommandConfig) (*PersistentTransport, error) {
	cfg = cfg.withDefaults()

	args := []string{cfg.Subcommand, "--interactive"}
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}

	cmd := exec.Command(cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("%w: start: %v", ErrUnavailable, err)
	}

	now := time.Now()
	t := &PersistentTransport{
		cfg:          cfg,
		cmd:          cmd,
		stdin:        stdin,
		ring:         NewLineRing(cfg.RingCapacity),
		notify:       make(chan struct{}, 1),
		exited:       make(chan struct{}),
		lastExchange: now,
		startedAt:    now,
	}

	go t.drainStdout(stdout)
	go t.drainStderr(stderr)
	go func() {
		_ = cmd.Wait()
		close(t.exited)
	}()

	slog.Info("persistent CLI subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// drainStdout pumps subprocess output into the line ring. Runs until the
// pipe reports EOF (process exit or Close).
func (t *PersistentTransport) drainStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), t.cfg.ReadBufferBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		t.ring.Append(line)
		select {
		case t.notify <- struct{}{}:
		default:
		}
	}
}

func (t *PersistentTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Debug("CLI stderr", "output", scanner.Text())
	}
}

// Exchange writes one newline-terminated message and collects the reply:
// it waits for output to begin, then returns once the stream has been
// quiet for responseQuietPeriod, the ring holds a full read buffer, or
// the context expires.
func (t *PersistentTransport) Exchange(ctx context.Context, message string) (string, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: transport closed", ErrCommunication)
	}
	t.mu.Unlock()

	// Discard output left over from a previous, possibly timed-out turn.
	t.ring.Reset()

	if _, err := io.WriteString(t.stdin, message+"\n"); err != nil {
		return "", fmt.Errorf("%w: write: %v", ErrCommunication, err)
	}

	var (
		lastData time.Time
		sawData  bool
	)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: no response before deadline", ErrTimeout)
		case <-t.exited:
			// Process died mid-turn. Hand back whatever arrived only if
			// the turn had already produced output.
			if lines := t.ring.Drain(); len(lines) > 0 {
				t.markExchange()
				return strings.Join(lines, "\n"), nil
			}
			return "", fmt.Errorf("%w: subprocess exited mid-exchange", ErrCommunication)
		case <-t.notify:
			sawData = true
			lastData = time.Now()
		case <-ticker.C:
			if !sawData {
				continue
			}
			full := t.ring.Len() >= t.cfg.RingCapacity ||
				t.approxBytes() >= t.cfg.ReadBufferBytes
			if full || time.Since(lastData) >= responseQuietPeriod {
				t.markExchange()
				return strings.Join(t.ring.Drain(), "\n"), nil
			}
		}
	}
}

// approxBytes estimates buffered output size without draining the ring.
func (t *PersistentTransport) approxBytes() int {
	// Cheap upper-bound check: count is enough when lines are short, and
	// a full ring triggers completion regardless.
	return t.ring.Len() * 80
}

func (t *PersistentTransport) markExchange() {
	t.mu.Lock()
	t.lastExchange = time.Now()
	t.mu.Unlock()
}

// Healthy reports whether the subprocess is alive and has completed an
// exchange within the inactivity threshold.
func (t *PersistentTransport) Healthy(inactivityThreshold time.Duration) bool {
	select {
	case <-t.exited:
		return false
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	return time.Since(t.lastExchange) < inactivityThreshold
}

// Close terminates the subprocess: stdin is closed to let it exit on its
// own, SIGTERM follows, and after the grace period it is killed.
// Idempotent; never panics.
func (t *PersistentTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	_ = t.stdin.Close()

	if t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-t.exited:
	case <-time.After(stopGracePeriod):
		slog.Warn("persistent CLI subprocess did not exit, killing", "pid", t.cmd.Process.Pid)
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		<-t.exited
	}

	return nil
}
