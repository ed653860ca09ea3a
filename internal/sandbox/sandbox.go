// Package sandbox provides pooled, isolated execution environments for
// function-tool code. Environments are reused across invocations keyed by a
// dependency fingerprint — never shared across fingerprints, sessions, or
// providers.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// Environment is one live execution environment (a local workspace process
// jail or a remote micro-VM). All paths are relative to the environment root.
type Environment interface {
	// ID returns the unique environment identifier.
	ID() string

	// WriteFile materializes a file at the given relative path, creating
	// parent directories as needed.
	WriteFile(ctx context.Context, relPath string, data []byte) error

	// RunCommand executes a command with dir (relative to the root) as the
	// working directory. A non-zero exit code is a result, not an error.
	RunCommand(ctx context.Context, dir string, command []string, env map[string]string) (*ExecutionResult, error)

	// RemovePath removes a file or directory tree under the root. Best-effort
	// callers may ignore the returned error.
	RemovePath(ctx context.Context, relPath string) error

	// InstallPackages installs the declared dependencies into the environment.
	// Called at most once, immediately after creation, before first use.
	InstallPackages(ctx context.Context, deps map[string]string) error

	// Close tears the environment down and releases its resources.
	Close(ctx context.Context) error
}

// Factory creates environments for one provider.
type Factory interface {
	Provider() domain.Provider
	Create(ctx context.Context, spec domain.SandboxSpec) (Environment, error)
}

// ExecutionResult captures the outcome of one command inside an environment.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Recorder receives pool lifecycle events for metrics. Implementations live
// in the observability package; a nil Recorder disables recording.
type Recorder interface {
	EnvironmentCreated(provider string)
	EnvironmentReused(provider string)
	EnvironmentExpired(provider, reason string)
	PooledEnvironments(provider string, n int)
}

// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
const maxOutputBytes = 1 << 20 // 1 MB

// newEnvironmentID returns a unique environment name: kazi-env-<16 hex chars>.
func newEnvironmentID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "kazi-env-" + hex.EncodeToString(b), nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
