package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// fakeEnvironment is an in-memory Environment for pool tests.
type fakeEnvironment struct {
	id         string
	installErr error
	closed     atomic.Bool
	installs   atomic.Int32
}

func (f *fakeEnvironment) ID() string { return f.id }

func (f *fakeEnvironment) WriteFile(context.Context, string, []byte) error { return nil }

func (f *fakeEnvironment) RunCommand(context.Context, string, []string, map[string]string) (*ExecutionResult, error) {
	return &ExecutionResult{ExitCode: 0}, nil
}

func (f *fakeEnvironment) RemovePath(context.Context, string) error { return nil }

func (f *fakeEnvironment) InstallPackages(context.Context, map[string]string) error {
	f.installs.Add(1)
	return f.installErr
}

func (f *fakeEnvironment) Close(context.Context) error {
	f.closed.Store(true)
	return nil
}

// fakeFactory counts creations and can delay or fail them.
type fakeFactory struct {
	creations   atomic.Int32
	createDelay time.Duration
	createErr   error
	installErr  error

	mu   sync.Mutex
	envs []*fakeEnvironment
}

func (f *fakeFactory) Provider() domain.Provider { return domain.ProviderNative }

func (f *fakeFactory) Create(ctx context.Context, _ domain.SandboxSpec) (Environment, error) {
	n := f.creations.Add(1)
	if f.createDelay > 0 {
		select {
		case <-time.After(f.createDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	env := &fakeEnvironment{id: fmt.Sprintf("fake-%d", n), installErr: f.installErr}
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	return env, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, factory Factory, cfg PoolConfig) *Pool {
	t.Helper()
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour // Keep the sweep out of timing-sensitive tests.
	}
	p := NewPool(factory, cfg, discardLogger(), nil)
	t.Cleanup(func() { _ = p.DrainAll(context.Background()) })
	return p
}

func TestPool_AtMostOneCreation(t *testing.T) {
	factory := &fakeFactory{createDelay: 50 * time.Millisecond}
	pool := newTestPool(t, factory, PoolConfig{})

	const n = 16
	deps := map[string]string{"axios": "^1.6.0"}
	key := Fingerprint(deps)

	var wg sync.WaitGroup
	envs := make([]Environment, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			envs[i], _, errs[i] = pool.Acquire(context.Background(), key, domain.SandboxSpec{}, deps)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("acquire %d: %v", i, errs[i])
		}
		if envs[i].ID() != envs[0].ID() {
			t.Errorf("acquire %d got %s, want shared %s", i, envs[i].ID(), envs[0].ID())
		}
	}
	if got := factory.creations.Load(); got != 1 {
		t.Errorf("creations = %d, want 1", got)
	}
	if got := pool.Size(); got != 1 {
		t.Errorf("pool size = %d, want 1", got)
	}
}

func TestPool_ReuseIncrementsAndExpiresAtMaxUses(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{MaxUses: 3})

	key := Fingerprint(nil)
	for i := 0; i < 3; i++ {
		if _, _, err := pool.Acquire(context.Background(), key, domain.SandboxSpec{}, nil); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if got := factory.creations.Load(); got != 1 {
		t.Fatalf("creations after 3 uses = %d, want 1", got)
	}

	// Fourth acquire finds the entry at its reuse cap and replaces it.
	if _, _, err := pool.Acquire(context.Background(), key, domain.SandboxSpec{}, nil); err != nil {
		t.Fatalf("acquire after cap: %v", err)
	}
	if got := factory.creations.Load(); got != 2 {
		t.Errorf("creations after cap = %d, want 2", got)
	}
	if !factory.envs[0].closed.Load() {
		t.Error("capped environment was not torn down")
	}
}

func TestPool_TTLExpiry(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{TTL: 20 * time.Millisecond})

	key := Fingerprint(nil)
	if _, _, err := pool.Acquire(context.Background(), key, domain.SandboxSpec{}, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, _, err := pool.Acquire(context.Background(), key, domain.SandboxSpec{}, nil); err != nil {
		t.Fatalf("acquire after ttl: %v", err)
	}
	if got := factory.creations.Load(); got != 2 {
		t.Errorf("creations = %d, want 2 (entry past TTL must not be reused)", got)
	}
}

func TestPool_SafetyMarginExpiry(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{SafetyMargin: 30 * time.Second})

	// Budget below the safety margin: first acquire creates, second must replace.
	spec := domain.SandboxSpec{Timeout: time.Second}
	key := Fingerprint(nil)
	if _, _, err := pool.Acquire(context.Background(), key, spec, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, _, err := pool.Acquire(context.Background(), key, spec, nil); err != nil {
		t.Fatalf("acquire with exhausted budget: %v", err)
	}
	if got := factory.creations.Load(); got != 2 {
		t.Errorf("creations = %d, want 2 (remaining budget under safety margin)", got)
	}
}

func TestPool_InstallFailureDiscardsAndPropagates(t *testing.T) {
	wantErr := errors.New("registry unreachable")
	factory := &fakeFactory{installErr: wantErr, createDelay: 30 * time.Millisecond}
	pool := newTestPool(t, factory, PoolConfig{})

	deps := map[string]string{"leftpad": "1.0.0"}
	key := Fingerprint(deps)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = pool.Acquire(context.Background(), key, domain.SandboxSpec{}, deps)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("acquire %d succeeded, want install failure", i)
		}
		if !errors.Is(err, wantErr) {
			t.Errorf("acquire %d error = %v, want wrapped %v", i, err, wantErr)
		}
	}
	if got := pool.Size(); got != 0 {
		t.Errorf("pool size after failed install = %d, want 0", got)
	}
	for _, env := range factory.envs {
		if !env.closed.Load() {
			t.Error("partially created environment was not discarded")
		}
	}

	// A later acquire retries fresh instead of replaying the cached failure.
	factory.installErr = nil
	if _, _, err := pool.Acquire(context.Background(), key, domain.SandboxSpec{}, deps); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestPool_EmptyDependenciesSkipInstall(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{})

	if _, _, err := pool.Acquire(context.Background(), Fingerprint(nil), domain.SandboxSpec{}, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := factory.envs[0].installs.Load(); got != 0 {
		t.Errorf("installs = %d, want 0 for empty dependency set", got)
	}
}

func TestPool_ReleaseRemovesBeforeTeardown(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{})

	key := Fingerprint(nil)
	if _, _, err := pool.Acquire(context.Background(), key, domain.SandboxSpec{}, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := pool.Release(context.Background(), key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := pool.Size(); got != 0 {
		t.Errorf("pool size after release = %d, want 0", got)
	}
	if !factory.envs[0].closed.Load() {
		t.Error("released environment was not torn down")
	}

	// Releasing an absent key is a no-op.
	if err := pool.Release(context.Background(), key); err != nil {
		t.Errorf("releasing absent key: %v", err)
	}
}

func TestPool_SweepRetiresIdleEntries(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolConfig{
		TTL:           10 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	}, discardLogger(), nil)
	defer pool.DrainAll(context.Background())

	if _, _, err := pool.Acquire(context.Background(), Fingerprint(nil), domain.SandboxSpec{}, nil); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for pool.Size() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweep did not retire the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !factory.envs[0].closed.Load() {
		t.Error("swept environment was not torn down")
	}
}

func TestPool_DrainAll(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewPool(factory, PoolConfig{SweepInterval: time.Hour}, discardLogger(), nil)

	for i := 0; i < 3; i++ {
		deps := map[string]string{"pkg": fmt.Sprintf("%d.0.0", i)}
		if _, _, err := pool.Acquire(context.Background(), Fingerprint(deps), domain.SandboxSpec{}, deps); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	if err := pool.DrainAll(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := pool.Size(); got != 0 {
		t.Errorf("pool size after drain = %d, want 0", got)
	}
	for i, env := range factory.envs {
		if !env.closed.Load() {
			t.Errorf("environment %d not torn down after drain", i)
		}
	}

	// Second drain is a no-op.
	if err := pool.DrainAll(context.Background()); err != nil {
		t.Errorf("second drain: %v", err)
	}
}

func TestPool_DistinctKeysDoNotShare(t *testing.T) {
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{})

	d1 := map[string]string{"axios": "^1.6.0"}
	d2 := map[string]string{"axios": "^1.7.0"}

	e1, _, err := pool.Acquire(context.Background(), Fingerprint(d1), domain.SandboxSpec{}, d1)
	if err != nil {
		t.Fatalf("acquire d1: %v", err)
	}
	e2, _, err := pool.Acquire(context.Background(), Fingerprint(d2), domain.SandboxSpec{}, d2)
	if err != nil {
		t.Fatalf("acquire d2: %v", err)
	}
	if e1.ID() == e2.ID() {
		t.Error("distinct dependency sets shared one environment")
	}
	if got := pool.Size(); got != 2 {
		t.Errorf("pool size = %d, want 2", got)
	}
}
