package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

// PoolConfig holds the pool lifecycle policy.
type PoolConfig struct {
	TTL            time.Duration // Max age of a pooled environment.
	MaxUses        int           // Max invocations before retirement.
	SafetyMargin   time.Duration // Min remaining timeout budget to start another invocation.
	SweepInterval  time.Duration // Period of the background expiry sweep.
	DefaultTimeout time.Duration // Budget applied when the spec declares none.
}

const (
	defaultPoolTTL        = 10 * time.Minute
	defaultMaxUses        = 50
	defaultSafetyMargin   = 30 * time.Second
	defaultSweepInterval  = time.Minute
	defaultTimeoutBudget  = 5 * time.Minute
	teardownGraceDuration = 10 * time.Second
)

// entry is one pooled environment and its lifecycle accounting.
type entry struct {
	env       Environment
	deps      map[string]string
	createdAt time.Time
	budget    time.Duration // Declared timeout budget.
	uses      int
}

// remaining returns the unspent portion of the entry's timeout budget.
func (e *entry) remaining(now time.Time) time.Duration {
	return e.budget - now.Sub(e.createdAt)
}

// creation tracks one in-flight environment build. Concurrent acquirers for
// the same key wait on done instead of racing to create duplicates.
type creation struct {
	done chan struct{}
	err  error
}

// Pool is a per-executor registry of live environments keyed by dependency
// fingerprint. At most one entry and at most one in-flight creation exist per
// key at a time. Both maps are mutated only under p.mu, only by Pool methods.
type Pool struct {
	factory  Factory
	cfg      PoolConfig
	logger   *slog.Logger
	recorder Recorder // nil = metrics disabled.

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*creation

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a Pool and starts its background expiry sweep. The sweep is
// owned by the pool and cancelled by DrainAll — never a free-floating timer.
func NewPool(factory Factory, cfg PoolConfig, logger *slog.Logger, recorder Recorder) *Pool {
	if cfg.TTL == 0 {
		cfg.TTL = defaultPoolTTL
	}
	if cfg.MaxUses == 0 {
		cfg.MaxUses = defaultMaxUses
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = defaultSafetyMargin
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeoutBudget
	}

	p := &Pool{
		factory:  factory,
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		entries:  make(map[string]*entry),
		inflight: make(map[string]*creation),
		done:     make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweepLoop()

	return p
}

// Acquire returns a live environment for the given fingerprint key, reusing a
// valid pooled entry, awaiting an in-flight creation, or creating fresh. The
// second return value reports whether this call created the environment. A
// creation or dependency-install failure is surfaced to every waiter and the
// partial entry is discarded so a later call can retry.
func (p *Pool) Acquire(ctx context.Context, key string, spec domain.SandboxSpec, deps map[string]string) (Environment, bool, error) {
	for {
		p.mu.Lock()

		if e, ok := p.entries[key]; ok {
			if reason := p.expiryReason(e, time.Now()); reason == "" {
				e.uses++
				env := e.env
				p.mu.Unlock()
				if p.recorder != nil {
					p.recorder.EnvironmentReused(string(p.factory.Provider()))
				}
				return env, false, nil
			} else {
				// Remove before the (possibly slow) teardown so no concurrent
				// Acquire observes a half-torn-down entry.
				delete(p.entries, key)
				p.mu.Unlock()
				p.retire(e, key, reason)
				continue
			}
		}

		if c, ok := p.inflight[key]; ok {
			p.mu.Unlock()
			select {
			case <-c.done:
				if c.err != nil {
					return nil, false, c.err
				}
				continue // Entry is registered now; take the reuse path.
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		c := &creation{done: make(chan struct{})}
		p.inflight[key] = c
		p.mu.Unlock()

		env, err := p.create(ctx, spec, deps)

		p.mu.Lock()
		delete(p.inflight, key)
		if err != nil {
			c.err = fmt.Errorf("creating environment for %s: %w", shortKey(key), err)
			close(c.done)
			p.mu.Unlock()
			return nil, false, c.err
		}

		budget := spec.Timeout
		if budget == 0 {
			budget = p.cfg.DefaultTimeout
		}
		p.entries[key] = &entry{
			env:       env,
			deps:      deps,
			createdAt: time.Now(),
			budget:    budget,
			uses:      1,
		}
		size := len(p.entries)
		close(c.done)
		p.mu.Unlock()

		if p.recorder != nil {
			p.recorder.EnvironmentCreated(string(p.factory.Provider()))
			p.recorder.PooledEnvironments(string(p.factory.Provider()), size)
		}
		p.logger.Info("sandbox environment created",
			slog.String("env", env.ID()),
			slog.String("provider", string(p.factory.Provider())),
			slog.String("key", shortKey(key)),
			slog.Int("dependencies", len(deps)),
		)
		return env, true, nil
	}
}

// create builds a fresh environment and installs the declared dependencies.
// An empty dependency set skips the install step entirely.
func (p *Pool) create(ctx context.Context, spec domain.SandboxSpec, deps map[string]string) (Environment, error) {
	env, err := p.factory.Create(ctx, spec)
	if err != nil {
		return nil, err
	}

	if len(deps) > 0 {
		if err := env.InstallPackages(ctx, deps); err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), teardownGraceDuration)
			defer cancel()
			if cerr := env.Close(closeCtx); cerr != nil {
				p.logger.Warn("discarding failed environment",
					slog.String("env", env.ID()),
					slog.String("error", cerr.Error()),
				)
			}
			return nil, fmt.Errorf("installing dependencies: %w", err)
		}
	}

	return env, nil
}

// expiryReason reports why the entry can no longer serve invocations, or ""
// when it is still valid.
func (p *Pool) expiryReason(e *entry, now time.Time) string {
	if now.Sub(e.createdAt) > p.cfg.TTL {
		return "ttl"
	}
	if e.uses >= p.cfg.MaxUses {
		return "max_uses"
	}
	if e.remaining(now) <= p.cfg.SafetyMargin {
		return "timeout_budget"
	}
	return ""
}

// Release removes the entry for the given key and tears it down. The map
// entry is gone before the teardown call is issued.
func (p *Pool) Release(ctx context.Context, key string) error {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	size := len(p.entries)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	if p.recorder != nil {
		p.recorder.PooledEnvironments(string(p.factory.Provider()), size)
	}
	if err := e.env.Close(ctx); err != nil {
		return fmt.Errorf("tearing down environment %s: %w", e.env.ID(), err)
	}
	return nil
}

// DrainAll cancels the expiry sweep and tears down every pooled entry.
// Used at process/session shutdown.
func (p *Pool) DrainAll(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()

	p.mu.Lock()
	drained := make([]*entry, 0, len(p.entries))
	for key, e := range p.entries {
		drained = append(drained, e)
		delete(p.entries, key)
	}
	p.mu.Unlock()

	var errs []error
	for _, e := range drained {
		if err := e.env.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tearing down %s: %w", e.env.ID(), err))
		}
	}
	if p.recorder != nil {
		p.recorder.PooledEnvironments(string(p.factory.Provider()), 0)
	}
	return errors.Join(errs...)
}

// Size returns the number of live pooled entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// sweepLoop periodically retires expired entries. Expiry is also checked
// lazily on Acquire; the sweep exists so idle environments do not outlive
// their TTL just because nobody asks for them.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep removes and tears down every expired entry.
func (p *Pool) sweep() {
	now := time.Now()

	type expired struct {
		key    string
		e      *entry
		reason string
	}

	p.mu.Lock()
	var victims []expired
	for key, e := range p.entries {
		if reason := p.expiryReason(e, now); reason != "" {
			victims = append(victims, expired{key: key, e: e, reason: reason})
			delete(p.entries, key)
		}
	}
	size := len(p.entries)
	p.mu.Unlock()

	if len(victims) == 0 {
		return
	}
	if p.recorder != nil {
		p.recorder.PooledEnvironments(string(p.factory.Provider()), size)
	}
	for _, v := range victims {
		p.retire(v.e, v.key, v.reason)
	}
}

// retire tears down an already-unregistered entry. Teardown failure degrades
// to a warning — the entry is out of the map either way.
func (p *Pool) retire(e *entry, key, reason string) {
	if p.recorder != nil {
		p.recorder.EnvironmentExpired(string(p.factory.Provider()), reason)
	}
	p.logger.Info("sandbox environment retired",
		slog.String("env", e.env.ID()),
		slog.String("key", shortKey(key)),
		slog.String("reason", reason),
		slog.Int("uses", e.uses),
		slog.Duration("age", time.Since(e.createdAt)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), teardownGraceDuration)
	defer cancel()
	if err := e.env.Close(ctx); err != nil {
		p.logger.Warn("environment teardown failed",
			slog.String("env", e.env.ID()),
			slog.String("error", err.Error()),
		)
	}
}

// shortKey trims a fingerprint key for log readability.
func shortKey(key string) string {
	if len(key) <= 20 {
		return key
	}
	return key[:20]
}
