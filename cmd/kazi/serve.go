package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/scheduler"
)

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API gateway",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `kazi --config path` and `kazi serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts Kazi in HTTP gateway mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.Gateway.ListenAddr = serveListenAddr
	}

	logger.Info("starting in serve mode", slog.String("listen_addr", cfg.Gateway.ListenAddr))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Context cache janitor (optional).
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		var janitorMetrics *scheduler.Metrics
		if sc.Obs != nil && sc.Obs.Metrics != nil {
			janitorMetrics = scheduler.NewMetrics(sc.Obs.Metrics.Registry)
		}
		janitor, err := scheduler.NewJanitor(
			sc.Store.ContextCache(),
			cfg.Janitor.Schedule,
			cfg.Janitor.Retention,
			janitorMetrics,
			logger,
		)
		if err != nil {
			return err
		}
		cancelJanitor := janitor.Start(ctx)
		defer cancelJanitor()
		logger.Debug("cache janitor initialized",
			slog.String("schedule", cfg.Janitor.Schedule),
			slog.String("retention", cfg.Janitor.Retention.String()),
		)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
	})

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.ListenAddr,
		EnableDocs:     cfg.Gateway.EnableDocs,
		APIKeys:        buildAPIKeys(cfg),
		MaxRequestSize: cfg.Gateway.MaxRequestSize,
	}
	if sc.Obs != nil {
		gwCfg.Metrics = sc.Obs.Metrics
		gwCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(gwCfg, sc.Sessions, limiter, logger).
		WithContextResolution(sc.Contexts)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	if err := sc.Sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down session executors", slog.String("error", err.Error()))
	}

	return nil
}

// buildAPIKeys merges the configured API key → client mapping with the
// KAZI_API_KEYS env var ("key:client,key:client").
func buildAPIKeys(cfg *config.Config) map[string]string {
	apiKeys := cfg.Gateway.APIKeyClientMapping
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("KAZI_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}
	return apiKeys
}
