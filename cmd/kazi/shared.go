package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/contextconfig"
	"github.com/jkaninda/kazi/internal/executor"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/resolver"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/storage"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kazi/internal/storage/sqlite"
)

// SharedComponents holds the initialized subsystems that both serve and mcp
// modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store

	Obs      *observability.Observability // nil = observability disabled.
	Sessions *executor.SessionRegistry
	Contexts *resolver.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between serve and mcp
// modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", cfg.DataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Storage (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	if obs != nil {
		obs.Health.AddCheck("storage", store.Ping)
	}

	var tracer trace.Tracer
	if obs != nil && obs.Tracer != nil {
		tracer = obs.Tracer.Tracer()
	}

	// Sandbox executors, one pool set per session.
	fcfg := executor.FactoryConfig{
		Pool: sandbox.PoolConfig{
			TTL:            cfg.Sandbox.PoolTTL,
			MaxUses:        cfg.Sandbox.MaxUses,
			SafetyMargin:   cfg.Sandbox.SafetyMargin,
			SweepInterval:  cfg.Sandbox.SweepInterval,
			DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		},
		Native: sandbox.NativeConfig{
			WorkRoot:       cfg.Sandbox.Native.WorkRoot,
			CommandTimeout: cfg.Sandbox.Native.CommandTimeout,
			MaxMemoryMB:    cfg.Sandbox.Native.MaxMemoryMB,
			MaxCPUSeconds:  cfg.Sandbox.Native.MaxCPUSeconds,
		},
	}
	if cfg.Sandbox.Remote != nil {
		fcfg.Remote = &sandbox.RemoteConfig{
			Endpoint: cfg.Sandbox.Remote.Endpoint,
			APIKey:   cfg.Sandbox.Remote.APIKey,
			VCPUs:    cfg.Sandbox.Remote.VCPUs,
		}
		if obs != nil {
			obs.Health.AddCheck("remote_provider",
				sandbox.NewRemoteFactory(*fcfg.Remote, nil, logger).Ping)
		}
	}
	if obs != nil {
		fcfg.Instrument = func(ex executor.Executor, provider string) executor.Executor {
			return observability.NewInstrumentedExecutor(ex, provider, obs.Metrics, obs.Tracer)
		}
	}

	sc.Sessions = executor.NewSessionRegistry(fcfg, nil, tracer, obs.PoolRecorderOrNil(), logger)
	logger.Debug("sandbox executors initialized",
		slog.Bool("remote", fcfg.Remote != nil),
		slog.String("pool_ttl", fcfg.Pool.TTL.String()),
	)

	// Context resolution service.
	cache := resolver.NewContextCache(store.ContextCache(), logger)
	engine := resolver.NewResolver(cache, resolver.Config{
		FetchTimeout:   cfg.Resolver.FetchTimeout,
		MaxConcurrency: cfg.Resolver.MaxConcurrency,
	}, logger)
	configs := contextconfig.NewLoader(filepath.Join(cfg.DataDir, "contexts"), logger)
	sc.Contexts = resolver.NewService(configs, store.Conversations(), cache, engine, logger)
	logger.Debug("context resolution service initialized",
		slog.String("config_dir", filepath.Join(cfg.DataDir, "contexts")),
	)

	return sc, nil
}

// initStore opens the configured storage backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		db, err := pgstore.Open(pgstore.Config{
			DSN:             cfg.Storage.Postgres.DSN,
			MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		return pgstore.NewStore(db), nil

	default:
		sqliteCfg := sqlitestore.Config{Path: cfg.SQLitePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqliteCfg, logger)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("KAZI_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
