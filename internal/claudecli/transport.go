package claudecli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Transport carries a single request/response exchange with the CLI.
// The context bounds the whole exchange; on expiry the transport must
// kill any subprocess it spawned before returning.
type Transport interface {
	Exchange(ctx context.Context, message string) (string, error)
	Close() error
}

// CommandConfig describes how to invoke the CLI subprocess.
type CommandConfig struct {
	// Command is the binary name, e.g. "claude".
	Command string
	// Subcommand is the fixed chat subcommand, e.g. "chat".
	Subcommand string
	// SystemPrompt, when non-empty, is passed to the CLI so the session
	// adopts a specific persona (selected by the session's context label).
	SystemPrompt string
	// ReadBufferBytes bounds a single persistent-mode read (default 8KB).
	ReadBufferBytes int
	// RingCapacity bounds the persistent-mode output ring (default 100 lines).
	RingCapacity int
}

func (c CommandConfig) withDefaults() CommandConfig {
	if c.Command == "" {
		c.Command = "claude"
	}
	if c.Subcommand == "" {
		c.Subcommand = "chat"
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = 8192
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = 100
	}
	return c
}

// OneShotTransport spawns a fresh subprocess per exchange: the message
// goes to stdin, the process runs to completion, stdout is the reply.
type OneShotTransport struct {
	cfg CommandConfig
}

// NewOneShotTransport returns a transport that spawns per call.
func NewOneShotTransport(cfg CommandConfig) *OneShotTransport {
	return &OneShotTransport{cfg: cfg.withDefaults()}
}

// Exchange runs one spawn-write-wait cycle. exec.CommandContext kills
// the subprocess when the context expires, so a timeout never leaves an
// orphaned process behind.
func (t *OneShotTransport) Exchange(ctx context.Context, message string) (string, error) {
	args := []string{t.cfg.Subcommand}
	if t.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", t.cfg.SystemPrompt)
	}

	cmd := exec.CommandContext(ctx, t.cfg.Command, args...)
	cmd.Stdin = strings.NewReader(message + "\n")
	// After the context kills the process, don't wait on pipe FDs that a
	// grandchild may still hold open.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		slog.Debug("CLI stderr", "output", strings.TrimSpace(stderr.String()))
	}

	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: subprocess killed after deadline", ErrTimeout)
	}
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", fmt.Errorf("%w: subprocess exited: %v", ErrUnavailable, err)
	}

	return stdout.String(), nil
}

// Close is a no-op; one-shot transports own no long-lived resources.
func (t *OneShotTransport) Close() error { return nil }
