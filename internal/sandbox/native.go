package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

const (
	defaultCommandTimeout = 60 * time.Second
	defaultInstallTimeout = 2 * time.Minute
	defaultCPUSeconds     = 60
	defaultMemoryMB       = 512
)

// NativeConfig configures local process-based environments.
type NativeConfig struct {
	WorkRoot       string        // Parent directory for environment roots. Empty = os.TempDir().
	CommandTimeout time.Duration // Wall-clock timeout per command.
	InstallTimeout time.Duration // Wall-clock timeout for dependency installs.
	MaxMemoryMB    int           // ulimit -v, in MB.
	MaxCPUSeconds  int           // ulimit -t.
}

// NativeFactory creates process-based environments on the local host.
type NativeFactory struct {
	cfg    NativeConfig
	logger *slog.Logger
}

// NewNativeFactory creates a NativeFactory with defaults applied.
func NewNativeFactory(cfg NativeConfig, logger *slog.Logger) *NativeFactory {
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.InstallTimeout == 0 {
		cfg.InstallTimeout = defaultInstallTimeout
	}
	if cfg.MaxMemoryMB == 0 {
		cfg.MaxMemoryMB = defaultMemoryMB
	}
	if cfg.MaxCPUSeconds == 0 {
		cfg.MaxCPUSeconds = defaultCPUSeconds
	}
	return &NativeFactory{cfg: cfg, logger: logger}
}

func (f *NativeFactory) Provider() domain.Provider { return domain.ProviderNative }

// Create provisions a fresh environment root under the work root.
func (f *NativeFactory) Create(_ context.Context, spec domain.SandboxSpec) (Environment, error) {
	id, err := newEnvironmentID()
	if err != nil {
		return nil, fmt.Errorf("generating environment id: %w", err)
	}

	workRoot := f.cfg.WorkRoot
	if workRoot == "" {
		workRoot = os.TempDir()
	}
	root := filepath.Join(workRoot, id)
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating environment root: %w", err)
	}

	return &NativeEnvironment{
		id:      id,
		root:    root,
		runtime: spec.Runtime,
		cfg:     f.cfg,
		logger:  f.logger,
	}, nil
}

// NativeEnvironment executes commands as isolated OS processes rooted in a
// dedicated directory.
//
// Security guarantees:
//   - Each environment gets its own root directory (removed on Close)
//   - Commands run in their own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from the parent — only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
type NativeEnvironment struct {
	id      string
	root    string
	runtime domain.Runtime
	cfg     NativeConfig
	logger  *slog.Logger
}

func (e *NativeEnvironment) ID() string { return e.id }

// WriteFile materializes a file under the environment root.
func (e *NativeEnvironment) WriteFile(_ context.Context, relPath string, data []byte) error {
	path, err := e.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", relPath, err)
	}
	return nil
}

// RunCommand executes a command inside the environment root.
func (e *NativeEnvironment) RunCommand(ctx context.Context, dir string, command []string, env map[string]string) (*ExecutionResult, error) {
	return e.run(ctx, dir, command, env, e.cfg.CommandTimeout)
}

func (e *NativeEnvironment) run(ctx context.Context, dir string, command []string, env map[string]string, timeout time.Duration) (*ExecutionResult, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	workDir := e.root
	if dir != "" {
		resolved, err := e.resolve(dir)
		if err != nil {
			return nil, err
		}
		workDir = resolved
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The command is wrapped: sh -c 'ulimit -v KB; ulimit -t SEC; exec "$@"' _ cmd args...
	// Using exec "$@" with positional parameters prevents shell injection —
	// the command is never interpolated into the shell string.
	memKB := e.cfg.MaxMemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, e.cfg.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(command))
	args = append(args, "-c", shellScript, "_") // "_" is the $0 placeholder
	args = append(args, command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = workDir

	// Process group isolation — the child runs in its own group so the whole
	// tree can be killed on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// Sanitized environment — NO inheritance from the host process.
	cmd.Env = e.buildEnv(env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.Info("native environment executing",
		slog.String("env", e.id),
		slog.Any("command", command),
		slog.String("dir", workDir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			e.logger.Warn("native execution timed out",
				slog.String("env", e.id),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("execution timed out after %s", timeout)
		}

		// Non-zero exit code is not an error — it's a result.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// InstallPackages installs the declared dependencies with the runtime's
// package manager. Install failures carry the installer's stderr so callers
// can see what the package manager rejected.
func (e *NativeEnvironment) InstallPackages(ctx context.Context, deps map[string]string) error {
	if len(deps) == 0 {
		return nil
	}

	command, err := installCommand(e.runtime, deps)
	if err != nil {
		return err
	}

	result, err := e.run(ctx, "", command, nil, e.cfg.InstallTimeout)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("package install exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// RemovePath removes a file or directory tree under the environment root.
func (e *NativeEnvironment) RemovePath(_ context.Context, relPath string) error {
	path, err := e.resolve(relPath)
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// Close removes the environment root and everything under it.
func (e *NativeEnvironment) Close(_ context.Context) error {
	if err := os.RemoveAll(e.root); err != nil {
		return fmt.Errorf("removing environment root: %w", err)
	}
	return nil
}

// resolve joins a relative path onto the root, rejecting escapes.
func (e *NativeEnvironment) resolve(relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("path must be relative: %q", relPath)
	}
	path := filepath.Join(e.root, relPath)
	if path != e.root && !strings.HasPrefix(path, e.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes environment root: %q", relPath)
	}
	return path, nil
}

// buildEnv constructs a minimal, safe environment. The parent process's
// environment is NEVER inherited — this prevents API keys and credentials
// from leaking into tool code.
func (e *NativeEnvironment) buildEnv(extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + e.root,
		"TMPDIR=" + e.root,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// installCommand builds the package-manager invocation for a runtime.
func installCommand(runtime domain.Runtime, deps map[string]string) ([]string, error) {
	switch runtime {
	case domain.RuntimeNode, "":
		command := []string{"npm", "install", "--no-audit", "--no-fund", "--loglevel=error"}
		for name, version := range deps {
			if version == "" {
				command = append(command, name)
				continue
			}
			command = append(command, name+"@"+version)
		}
		return command, nil
	case domain.RuntimePython:
		command := []string{"pip", "install", "--quiet", "--disable-pip-version-check"}
		for name, version := range deps {
			switch {
			case version == "":
				command = append(command, name)
			case strings.ContainsAny(version, "<>=!~"):
				command = append(command, name+version)
			default:
				command = append(command, name+"=="+version)
			}
		}
		return command, nil
	default:
		return nil, fmt.Errorf("unsupported runtime %q", runtime)
	}
}
