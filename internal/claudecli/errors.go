package claudecli

import "errors"

// Error taxonomy for subprocess communication. Callers are expected to
// match with errors.Is; everything else returned by this package wraps
// one of these sentinels.
var (
	// ErrNotReady means the CLI binary or its API credential is missing.
	// At service startup this is fatal; from Start it is a recoverable
	// "not ready" condition.
	ErrNotReady = errors.New("claude cli not ready")

	// ErrTimeout means no response arrived within the caller's bound.
	// The subprocess has been killed; the caller may retry.
	ErrTimeout = errors.New("claude cli timed out")

	// ErrUnavailable means a per-call subprocess spawn failed.
	ErrUnavailable = errors.New("claude cli unavailable")

	// ErrCommunication means the persistent pipe broke and both the
	// single restart attempt and the one-shot fallback failed.
	ErrCommunication = errors.New("claude cli communication failure")

	// ErrBusy means a Send was issued while another Send on the same
	// session was still in flight. Sends are serialized per session;
	// concurrent calls are rejected rather than queued.
	ErrBusy = errors.New("session busy")

	// ErrStopped means the session was stopped and cannot accept sends.
	ErrStopped = errors.New("session stopped")
)
