package sandbox

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jkaninda/kazi/internal/domain"
)

func newTestNativeEnv(t *testing.T) *NativeEnvironment {
	t.Helper()
	factory := NewNativeFactory(NativeConfig{WorkRoot: t.TempDir()}, discardLogger())
	env, err := factory.Create(context.Background(), domain.SandboxSpec{Runtime: domain.RuntimeNode})
	if err != nil {
		t.Fatalf("creating environment: %v", err)
	}
	t.Cleanup(func() { _ = env.Close(context.Background()) })
	return env.(*NativeEnvironment)
}

func TestNativeEnvironment_BasicExecution(t *testing.T) {
	env := newTestNativeEnv(t)

	result, err := env.RunCommand(context.Background(), "", []string{"echo", "hello"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestNativeEnvironment_NonZeroExit(t *testing.T) {
	env := newTestNativeEnv(t)

	result, err := env.RunCommand(context.Background(), "", []string{"sh", "-c", "echo oops >&2; exit 42"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "oops") {
		t.Errorf("stderr = %q, want to contain %q", result.Stderr, "oops")
	}
}

func TestNativeEnvironment_SanitizedEnv(t *testing.T) {
	t.Setenv("KAZI_TEST_SECRET", "leaked")
	env := newTestNativeEnv(t)

	result, err := env.RunCommand(context.Background(), "",
		[]string{"sh", "-c", "echo \"${KAZI_TEST_SECRET:-empty}\""}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "empty" {
		t.Errorf("host environment leaked into sandbox: %q", got)
	}
}

func TestNativeEnvironment_ExtraEnvApplied(t *testing.T) {
	env := newTestNativeEnv(t)

	result, err := env.RunCommand(context.Background(), "",
		[]string{"sh", "-c", "echo \"$API_KEY\""}, map[string]string{"API_KEY": "placeholder"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "placeholder" {
		t.Errorf("extra env not applied: %q", got)
	}
}

func TestNativeEnvironment_WriteAndRemove(t *testing.T) {
	env := newTestNativeEnv(t)
	ctx := context.Background()

	if err := env.WriteFile(ctx, "runs/abc/index.js", []byte("console.log(1)")); err != nil {
		t.Fatalf("write: %v", err)
	}
	result, err := env.RunCommand(ctx, "runs/abc", []string{"cat", "index.js"}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(result.Stdout, "console.log(1)") {
		t.Errorf("stdout = %q, want written file content", result.Stdout)
	}

	if err := env.RemovePath(ctx, "runs/abc"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	result, err = env.RunCommand(ctx, "", []string{"ls", "runs"}, nil)
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if strings.Contains(result.Stdout, "abc") {
		t.Error("run directory still present after RemovePath")
	}
}

func TestNativeEnvironment_RejectsEscapingPaths(t *testing.T) {
	env := newTestNativeEnv(t)
	ctx := context.Background()

	for _, path := range []string{"../outside", "/etc/passwd", "runs/../../escape"} {
		if err := env.WriteFile(ctx, path, []byte("x")); err == nil {
			t.Errorf("WriteFile(%q) succeeded, want path rejection", path)
		}
	}
}

func TestNativeEnvironment_CloseRemovesRoot(t *testing.T) {
	factory := NewNativeFactory(NativeConfig{WorkRoot: t.TempDir()}, discardLogger())
	env, err := factory.Create(context.Background(), domain.SandboxSpec{Runtime: domain.RuntimeNode})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	root := env.(*NativeEnvironment).root

	if err := env.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Errorf("environment root still exists after Close: %v", err)
	}
}
