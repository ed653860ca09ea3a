package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// ErrUnknownProvider marks a tool that declares a sandbox provider the
// factory has no executor for. This is a configuration error — the tool is
// never silently executed elsewhere.
var ErrUnknownProvider = errors.New("unknown sandbox provider")

// ErrRemoteDisabled marks a remote-provider tool on a deployment with no
// remote sandbox configuration.
var ErrRemoteDisabled = errors.New("remote sandbox provider is not configured")

// FactoryConfig carries everything needed to build per-provider executors.
type FactoryConfig struct {
	Pool   sandbox.PoolConfig
	Native sandbox.NativeConfig
	Remote *sandbox.RemoteConfig // nil = remote provider disabled.

	// Instrument wraps each constructed executor, typically with metrics and
	// tracing. nil = no wrapping.
	Instrument func(ex Executor, provider string) Executor
}

// Factory routes tool invocations to the executor matching the tool's
// declared provider. Each executor (and its environment pool) is constructed
// lazily, at most once per factory instance.
type Factory struct {
	cfg      FactoryConfig
	secrets  SecretSource
	tracer   trace.Tracer // nil = tracing disabled.
	recorder sandbox.Recorder
	logger   *slog.Logger

	mu     sync.Mutex
	native Executor
	remote Executor
}

// NewFactory creates a Factory. No pools exist until the first invocation
// for a provider arrives.
func NewFactory(cfg FactoryConfig, secrets SecretSource, tracer trace.Tracer, recorder sandbox.Recorder, logger *slog.Logger) *Factory {
	if secrets == nil {
		secrets = Placeholders()
	}
	return &Factory{
		cfg:      cfg,
		secrets:  secrets,
		tracer:   tracer,
		recorder: recorder,
		logger:   logger,
	}
}

// ExecuteFunctionTool dispatches one invocation to the tool's provider.
func (f *Factory) ExecuteFunctionTool(ctx context.Context, tool *domain.FunctionTool, args map[string]any) (*Result, error) {
	ex, err := f.executorFor(tool.Sandbox.Provider)
	if err != nil {
		return nil, err
	}
	return ex.Execute(ctx, tool, args)
}

// executorFor returns the executor for a provider, constructing it on first
// use. Dispatch is a table over the provider tag, not a type switch.
func (f *Factory) executorFor(provider domain.Provider) (Executor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch provider {
	case domain.ProviderNative, "":
		if f.native == nil {
			f.native = f.instrument(NewSandboxExecutor(
				sandbox.NewNativeFactory(f.cfg.Native, f.logger),
				f.cfg.Pool, f.secrets, f.logger, f.recorder,
			), string(domain.ProviderNative))
		}
		return f.native, nil

	case domain.ProviderRemote:
		if f.cfg.Remote == nil {
			return nil, ErrRemoteDisabled
		}
		if f.remote == nil {
			f.remote = f.instrument(NewSandboxExecutor(
				sandbox.NewRemoteFactory(*f.cfg.Remote, f.tracer, f.logger),
				f.cfg.Pool, f.secrets, f.logger, f.recorder,
			), string(domain.ProviderRemote))
		}
		return f.remote, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

func (f *Factory) instrument(ex Executor, provider string) Executor {
	if f.cfg.Instrument == nil {
		return ex
	}
	return f.cfg.Instrument(ex, provider)
}

// Shutdown drains every constructed executor's pool.
func (f *Factory) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	executors := []Executor{f.native, f.remote}
	f.native, f.remote = nil, nil
	f.mu.Unlock()

	var errs []error
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		if err := ex.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SessionRegistry maintains one Factory per session so pooled remote
// resources are never shared across sessions. Explicit process-wide state
// with an explicit Shutdown — constructed once at startup and injected.
type SessionRegistry struct {
	cfg      FactoryConfig
	secrets  SecretSource
	tracer   trace.Tracer
	recorder sandbox.Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Factory
}

// NewSessionRegistry creates an empty registry using the given factory
// template for every session.
func NewSessionRegistry(cfg FactoryConfig, secrets SecretSource, tracer trace.Tracer, recorder sandbox.Recorder, logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		cfg:      cfg,
		secrets:  secrets,
		tracer:   tracer,
		recorder: recorder,
		logger:   logger,
		sessions: make(map[string]*Factory),
	}
}

// ForSession returns the session's factory, creating it on first use.
// Repeated calls with the same id return the identical instance until
// CleanupSession removes it.
func (r *SessionRegistry) ForSession(sessionID string) *Factory {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.sessions[sessionID]; ok {
		return f
	}
	f := NewFactory(r.cfg, r.secrets, r.tracer, r.recorder, r.logger)
	r.sessions[sessionID] = f
	return f
}

// CleanupSession tears down the session's factory and removes it, so a later
// ForSession with the same id observes a fresh instance.
func (r *SessionRegistry) CleanupSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	f, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.logger.Info("cleaning up session executors", slog.String("session", sessionID))
	return f.Shutdown(ctx)
}

// Shutdown drains every session factory. Used at process exit.
func (r *SessionRegistry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	factories := make([]*Factory, 0, len(r.sessions))
	for id, f := range r.sessions {
		factories = append(factories, f)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, f := range factories {
		if err := f.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
