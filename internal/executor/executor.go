package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// Result is the structured outcome of one function-tool invocation.
// Execution failures (non-zero exit, thrown errors in tool code) are captured
// here, not returned as Go errors — the caller decides how to surface them.
type Result struct {
	Success         bool     `json:"success"`
	Result          any      `json:"result,omitempty"`
	Error           string   `json:"error,omitempty"`
	Logs            []string `json:"logs,omitempty"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
}

// Executor runs one function tool to completion.
type Executor interface {
	Execute(ctx context.Context, tool *domain.FunctionTool, args map[string]any) (*Result, error)

	// Shutdown drains the executor's environment pool.
	Shutdown(ctx context.Context) error
}

// SecretSource supplies values for environment variables referenced by tool
// code. Real secret injection is a collaborator concern; see Placeholders.
type SecretSource interface {
	Lookup(ctx context.Context, name string) (string, error)
}

// placeholderSecrets resolves every variable to the empty string, so tool
// code sees the variable defined but carries no real secret material.
type placeholderSecrets struct{}

func (placeholderSecrets) Lookup(context.Context, string) (string, error) { return "", nil }

// Placeholders returns the default SecretSource: empty-string placeholders
// for every detected reference.
func Placeholders() SecretSource { return placeholderSecrets{} }

// SandboxExecutor is the canonical executor over a pooled environment
// provider. The native and remote strategies differ only in the sandbox
// factory backing the pool.
type SandboxExecutor struct {
	provider domain.Provider
	pool     *sandbox.Pool
	secrets  SecretSource
	logger   *slog.Logger
}

// NewSandboxExecutor creates an executor over the given environment factory.
// It owns the pool it creates; Shutdown drains it.
func NewSandboxExecutor(factory sandbox.Factory, poolCfg sandbox.PoolConfig, secrets SecretSource, logger *slog.Logger, recorder sandbox.Recorder) *SandboxExecutor {
	if secrets == nil {
		secrets = Placeholders()
	}
	return &SandboxExecutor{
		provider: factory.Provider(),
		pool:     sandbox.NewPool(factory, poolCfg, logger, recorder),
		secrets:  secrets,
		logger:   logger,
	}
}

// Execute runs the tool's code in a pooled environment under a unique
// invocation path. Concurrent invocations against the same dependency set
// share one environment but never a working directory.
func (x *SandboxExecutor) Execute(ctx context.Context, tool *domain.FunctionTool, args map[string]any) (*Result, error) {
	spec := tool.Sandbox
	if spec.Runtime == "" {
		spec.Runtime = domain.RuntimeNode
	}

	// The pool key carries the runtime: identical dependency sets for
	// different runtimes must not share an environment.
	key := string(spec.Runtime) + ":" + sandbox.Fingerprint(tool.Dependencies)

	env, created, err := x.pool.Acquire(ctx, key, spec, tool.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("acquiring environment: %w", err)
	}

	runID, err := newRunID()
	if err != nil {
		return nil, fmt.Errorf("generating run id: %w", err)
	}
	runDir := "runs/" + runID

	script, err := WrapScript(spec.Runtime, tool.ExecuteCode, args)
	if err != nil {
		return nil, fmt.Errorf("wrapping tool code: %w", err)
	}
	if err := env.WriteFile(ctx, runDir+"/"+scriptFileName(spec.Runtime), []byte(script)); err != nil {
		return nil, fmt.Errorf("writing execution script: %w", err)
	}

	// The dependency manifest lands at the environment root exactly once,
	// alongside the packages installed at creation time.
	if created && len(tool.Dependencies) > 0 {
		name, data, merr := DependencyManifest(spec.Runtime, tool.Dependencies)
		if merr != nil {
			return nil, fmt.Errorf("rendering dependency manifest: %w", merr)
		}
		if err := env.WriteFile(ctx, name, data); err != nil {
			return nil, fmt.Errorf("writing dependency manifest: %w", err)
		}
	}

	// The invocation directory is disposable regardless of outcome.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rerr := env.RemovePath(cleanupCtx, runDir); rerr != nil {
			x.logger.Warn("failed to remove invocation directory",
				slog.String("env", env.ID()),
				slog.String("dir", runDir),
				slog.String("error", rerr.Error()),
			)
		}
	}()

	execEnv, err := x.buildEnv(ctx, tool.ExecuteCode)
	if err != nil {
		return nil, err
	}

	x.logger.Info("executing function tool",
		slog.String("tool", tool.Name),
		slog.String("provider", string(x.provider)),
		slog.String("env", env.ID()),
		slog.String("run", runID),
	)

	start := time.Now()
	outcome, err := env.RunCommand(ctx, runDir, runCommand(spec.Runtime), execEnv)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("running tool %s: %w", tool.Name, err)
	}

	result := &Result{
		Logs:            collectLogs(outcome),
		ExecutionTimeMS: elapsed.Milliseconds(),
	}

	if outcome.ExitCode != 0 {
		result.Error = strings.TrimSpace(outcome.Stderr)
		if result.Error == "" {
			result.Error = fmt.Sprintf("tool exited with code %d", outcome.ExitCode)
		}
		// The script may still have printed a structured error line.
		if decoded, ok := decodeEnvelope(x.logger, outcome.Stdout); ok && !decoded.Success {
			if decoded.Error != "" {
				result.Error = decoded.Error
			}
		}
		return result, nil
	}

	if decoded, ok := decodeEnvelope(x.logger, outcome.Stdout); ok {
		result.Success = decoded.Success
		result.Result = decoded.Result
		result.Error = decoded.Error
		return result, nil
	}

	// No recognizable envelope: treat whatever parsed as the result.
	result.Success = true
	result.Result = ParseResult(x.logger, outcome.Stdout)
	return result, nil
}

// Shutdown drains the executor's pool.
func (x *SandboxExecutor) Shutdown(ctx context.Context) error {
	return x.pool.DrainAll(ctx)
}

// PoolSize reports the number of live pooled environments.
func (x *SandboxExecutor) PoolSize() int { return x.pool.Size() }

// buildEnv resolves the tool's referenced environment variables through the
// secret source.
func (x *SandboxExecutor) buildEnv(ctx context.Context, code string) (map[string]string, error) {
	names := DetectEnvVars(code)
	if len(names) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(names))
	for _, name := range names {
		value, err := x.secrets.Lookup(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolving secret %s: %w", name, err)
		}
		env[name] = value
	}
	return env, nil
}

// envelope is the single JSON line the wrapped script prints.
type envelope struct {
	Success bool   `json:"success"`
	Result  any    `json:"result"`
	Error   string `json:"error"`
}

// decodeEnvelope reports whether the script output carries the codec's
// {success, result|error} envelope.
func decodeEnvelope(logger *slog.Logger, stdout string) (envelope, bool) {
	value := ParseResult(logger, stdout)
	m, ok := value.(map[string]any)
	if !ok {
		return envelope{}, false
	}
	success, ok := m["success"].(bool)
	if !ok {
		return envelope{}, false
	}
	e := envelope{Success: success, Result: m["result"]}
	if msg, ok := m["error"].(string); ok {
		e.Error = msg
	}
	return e, true
}

// collectLogs merges stdout and stderr into per-line logs, stdout first.
func collectLogs(outcome *sandbox.ExecutionResult) []string {
	var logs []string
	for _, chunk := range []string{outcome.Stdout, outcome.Stderr} {
		for _, line := range strings.Split(chunk, "\n") {
			if trimmed := strings.TrimRight(line, "\r"); trimmed != "" {
				logs = append(logs, trimmed)
			}
		}
	}
	return logs
}

// newRunID returns a unique invocation-run name: <timestamp>-<8 hex chars>.
func newRunID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return time.Now().UTC().Format("20060102t150405") + "-" + hex.EncodeToString(b), nil
}
