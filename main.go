// Workspace backend: chats with the Claude Code CLI over per-user
// websockets, one CLI subprocess per session.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaeyoungkang/ai-agent-platform/internal/claudecli"
	"github.com/jaeyoungkang/ai-agent-platform/internal/config"
	"github.com/jaeyoungkang/ai-agent-platform/internal/logging"
	"github.com/jaeyoungkang/ai-agent-platform/internal/server"
)

func main() {
	logging.Setup()
	slog.Info("Starting workspace backend")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// The CLI is a hard dependency. Refusing to start beats accepting
	// connections that can never be served.
	if avail := claudecli.Probe(cfg.CLICommand, cfg.CredentialVar); !avail.Ready() {
		slog.Error("Claude CLI is not usable", "error", avail.Err())
		os.Exit(1)
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	// Shutdown kills every CLI subprocess before the listener closes.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	slog.Info("Workspace backend stopped")
}
