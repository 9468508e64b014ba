package claudecli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProbeMissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv(DefaultCredentialVar, "sk-test")

	a := probe("definitely-not-a-real-binary", DefaultCredentialVar)
	if a.Ready() {
		t.Fatal("expected not ready when binary is missing")
	}
	if a.Err() == nil {
		t.Fatal("expected descriptive error")
	}
}

func TestProbeMissingCredential(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	t.Setenv("PATH", dir)
	t.Setenv(DefaultCredentialVar, "")

	a := probe("claude", DefaultCredentialVar)
	if a.Ready() {
		t.Fatal("expected not ready when credential is missing")
	}
	if a.BinaryPath == "" {
		t.Fatal("expected binary to be found")
	}
}

func TestProbeReady(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	t.Setenv("PATH", dir)
	t.Setenv(DefaultCredentialVar, "sk-test")

	a := probe("claude", DefaultCredentialVar)
	if !a.Ready() {
		t.Fatalf("expected ready, got %+v", a)
	}
	if a.Err() != nil {
		t.Fatalf("expected nil error, got %v", a.Err())
	}
}
