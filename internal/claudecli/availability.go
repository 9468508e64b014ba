// Package claudecli drives the Claude Code CLI as a subprocess, one
// session per (user, chat session) pair. It owns the process lifecycle:
// lazy spawn, health checks, restart on failure, and teardown.
package claudecli

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// DefaultCredentialVar is the environment variable holding the API key
// the CLI needs. Its absence is fatal at service startup.
const DefaultCredentialVar = "ANTHROPIC_API_KEY"

// Availability is the result of probing for the CLI binary and its
// credential. Computed once at startup and cached; per-call checks would
// just re-discover the same PATH and environment.
type Availability struct {
	BinaryPath    string
	CredentialSet bool
	CredentialVar string
}

// Ready reports whether the CLI can be invoked at all.
func (a Availability) Ready() bool {
	return a.BinaryPath != "" && a.CredentialSet
}

// Err returns a descriptive ErrNotReady when the probe failed, nil
// otherwise.
func (a Availability) Err() error {
	switch {
	case a.BinaryPath == "":
		return fmt.Errorf("%w: binary not found in PATH", ErrNotReady)
	case !a.CredentialSet:
		return fmt.Errorf("%w: %s not set", ErrNotReady, a.CredentialVar)
	default:
		return nil
	}
}

var (
	probeOnce   sync.Once
	probeResult Availability
)

// Probe locates the CLI binary and verifies the credential variable.
// The first call does the work; later calls return the cached result.
func Probe(command, credentialVar string) Availability {
	probeOnce.Do(func() {
		probeResult = probe(command, credentialVar)
	})
	return probeResult
}

func probe(command, credentialVar string) Availability {
	if credentialVar == "" {
		credentialVar = DefaultCredentialVar
	}
	a := Availability{
		CredentialSet: os.Getenv(credentialVar) != "",
		CredentialVar: credentialVar,
	}
	if path, err := exec.LookPath(command); err == nil {
		a.BinaryPath = path
	}
	return a
}
