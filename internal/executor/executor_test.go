package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// scriptedEnvironment records filesystem traffic and replays canned command
// results.
type scriptedEnvironment struct {
	id     string
	result sandbox.ExecutionResult

	mu      sync.Mutex
	files   map[string][]byte
	runDirs []string
	removed []string
	runEnvs []map[string]string
}

func newScriptedEnvironment(id string, result sandbox.ExecutionResult) *scriptedEnvironment {
	return &scriptedEnvironment{id: id, result: result, files: make(map[string][]byte)}
}

func (s *scriptedEnvironment) ID() string { return s.id }

func (s *scriptedEnvironment) WriteFile(_ context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = data
	return nil
}

func (s *scriptedEnvironment) RunCommand(_ context.Context, dir string, _ []string, env map[string]string) (*sandbox.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runDirs = append(s.runDirs, dir)
	s.runEnvs = append(s.runEnvs, env)
	result := s.result
	return &result, nil
}

func (s *scriptedEnvironment) RemovePath(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, path)
	return nil
}

func (s *scriptedEnvironment) InstallPackages(context.Context, map[string]string) error { return nil }

func (s *scriptedEnvironment) Close(context.Context) error { return nil }

// scriptedFactory hands out scripted environments and counts creations.
type scriptedFactory struct {
	result    sandbox.ExecutionResult
	creations atomic.Int32

	mu   sync.Mutex
	envs []*scriptedEnvironment
}

func (f *scriptedFactory) Provider() domain.Provider { return domain.ProviderNative }

func (f *scriptedFactory) Create(context.Context, domain.SandboxSpec) (sandbox.Environment, error) {
	n := f.creations.Add(1)
	env := newScriptedEnvironment(fmt.Sprintf("scripted-%d", n), f.result)
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	return env, nil
}

func newScriptedExecutor(t *testing.T, result sandbox.ExecutionResult) (*SandboxExecutor, *scriptedFactory) {
	t.Helper()
	factory := &scriptedFactory{result: result}
	x := NewSandboxExecutor(factory, sandbox.PoolConfig{}, nil, testLogger(), nil)
	t.Cleanup(func() { _ = x.Shutdown(context.Background()) })
	return x, factory
}

func successResult(v any) sandbox.ExecutionResult {
	payload, _ := json.Marshal(map[string]any{"success": true, "result": v})
	return sandbox.ExecutionResult{Stdout: string(payload) + "\n"}
}

func TestExecute_Success(t *testing.T) {
	x, _ := newScriptedExecutor(t, successResult(map[string]any{"sum": 3}))

	tool := &domain.FunctionTool{
		Name:        "adder",
		ExecuteCode: "async function execute(args) { return { sum: args.a + args.b }; }",
	}
	result, err := x.Execute(context.Background(), tool, map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, error = %q", result.Error)
	}
	want := map[string]any{"sum": float64(3)}
	if !reflect.DeepEqual(result.Result, want) {
		t.Errorf("result = %v, want %v", result.Result, want)
	}
	if result.ExecutionTimeMS < 0 {
		t.Errorf("execution time = %d, want >= 0", result.ExecutionTimeMS)
	}
}

func TestExecute_NonZeroExitMapsToFailure(t *testing.T) {
	x, _ := newScriptedExecutor(t, sandbox.ExecutionResult{
		Stderr:   "TypeError: boom\n",
		ExitCode: 1,
	})

	result, err := x.Execute(context.Background(), &domain.FunctionTool{Name: "broken", ExecuteCode: "x"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("success = true, want failure for non-zero exit")
	}
	if !strings.Contains(result.Error, "TypeError: boom") {
		t.Errorf("error = %q, want stderr content", result.Error)
	}
	if len(result.Logs) == 0 {
		t.Error("logs are empty, want captured stderr")
	}
}

func TestExecute_StructuredErrorPreferredOverStderr(t *testing.T) {
	x, _ := newScriptedExecutor(t, sandbox.ExecutionResult{
		Stdout:   `{"success":false,"error":"user facing message"}` + "\n",
		Stderr:   "stack trace noise\n",
		ExitCode: 1,
	})

	result, err := x.Execute(context.Background(), &domain.FunctionTool{Name: "t", ExecuteCode: "x"}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Error != "user facing message" {
		t.Errorf("error = %q, want structured error", result.Error)
	}
}

func TestExecute_UniqueInvocationPaths(t *testing.T) {
	x, factory := newScriptedExecutor(t, successResult("ok"))

	tool := &domain.FunctionTool{Name: "concurrent", ExecuteCode: "async function execute() { return 'ok'; }"}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = x.Execute(context.Background(), tool, nil)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}

	// Dependency-free invocations share exactly one environment.
	if got := factory.creations.Load(); got != 1 {
		t.Fatalf("creations = %d, want 1", got)
	}

	env := factory.envs[0]
	pattern := regexp.MustCompile(`^runs/[0-9t]+-[0-9a-f]{8}/index\.js$`)
	seen := make(map[string]bool)
	for path := range env.files {
		if !pattern.MatchString(path) {
			t.Errorf("unexpected file path %q", path)
		}
		seen[path] = true
	}
	if len(seen) != n {
		t.Errorf("distinct run files = %d, want %d", len(seen), n)
	}
	if len(env.removed) != n {
		t.Errorf("removed run dirs = %d, want %d", len(env.removed), n)
	}
}

func TestExecute_ManifestWrittenOnlyOnCreation(t *testing.T) {
	x, factory := newScriptedExecutor(t, successResult("ok"))

	tool := &domain.FunctionTool{
		Name:         "with-deps",
		ExecuteCode:  "async function execute() { return 'ok'; }",
		Dependencies: map[string]string{"axios": "^1.6.0"},
	}
	for i := 0; i < 3; i++ {
		if _, err := x.Execute(context.Background(), tool, nil); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}

	env := factory.envs[0]
	count := 0
	for path := range env.files {
		if path == "package.json" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("package.json written %d times, want exactly 1 copy", count)
	}
}

func TestExecute_EnvPlaceholdersSurfaced(t *testing.T) {
	x, factory := newScriptedExecutor(t, successResult("ok"))

	tool := &domain.FunctionTool{
		Name:        "secretive",
		ExecuteCode: "async function execute() { return process.env.API_KEY; }",
	}
	if _, err := x.Execute(context.Background(), tool, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	env := factory.envs[0]
	if len(env.runEnvs) != 1 {
		t.Fatalf("runs = %d, want 1", len(env.runEnvs))
	}
	value, ok := env.runEnvs[0]["API_KEY"]
	if !ok {
		t.Fatal("API_KEY placeholder not surfaced in execution environment")
	}
	if value != "" {
		t.Errorf("API_KEY = %q, want empty placeholder", value)
	}
}

// skipIfNoNode skips the test when no node binary is available.
func skipIfNoNode(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("node"); err != nil {
		t.Skip("node not available, skipping integration test")
	}
}

func TestExecute_NodeRoundTrip(t *testing.T) {
	skipIfNoNode(t)

	factory := sandbox.NewNativeFactory(sandbox.NativeConfig{WorkRoot: t.TempDir()}, testLogger())
	x := NewSandboxExecutor(factory, sandbox.PoolConfig{}, nil, testLogger(), nil)
	defer x.Shutdown(context.Background())

	want := map[string]any{
		"text":   "héllo \"world\"",
		"number": float64(42),
		"nested": map[string]any{"list": []any{float64(1), true, nil}},
	}
	tool := &domain.FunctionTool{
		Name:        "echo",
		ExecuteCode: "async function execute(args) { return args; }",
	}

	result, err := x.Execute(context.Background(), tool, want)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("success = false, error = %q, logs = %v", result.Error, result.Logs)
	}
	if !reflect.DeepEqual(result.Result, want) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", result.Result, want)
	}
}

func TestExecute_NodeThrownError(t *testing.T) {
	skipIfNoNode(t)

	factory := sandbox.NewNativeFactory(sandbox.NativeConfig{WorkRoot: t.TempDir()}, testLogger())
	x := NewSandboxExecutor(factory, sandbox.PoolConfig{}, nil, testLogger(), nil)
	defer x.Shutdown(context.Background())

	tool := &domain.FunctionTool{
		Name:        "thrower",
		ExecuteCode: "async function execute() { throw new Error('deliberate failure'); }",
	}
	result, err := x.Execute(context.Background(), tool, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("success = true, want failure")
	}
	if !strings.Contains(result.Error, "deliberate failure") {
		t.Errorf("error = %q, want thrown message", result.Error)
	}
}
