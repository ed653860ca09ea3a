package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Per-dependency deadline. Readiness answers promptly even when one
// dependency hangs.
const checkTimeout = 3 * time.Second

const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDegraded = "degraded"
)

// CheckFunc reports whether one dependency can serve.
type CheckFunc func(ctx context.Context) error

// HealthChecker answers the gateway's liveness and readiness endpoints.
// Readiness fans out to every registered dependency concurrently; the checks
// registered in practice are the storage ping and, when remote execution is
// configured, the micro-VM provider.
type HealthChecker struct {
	mu     sync.Mutex
	order  []string // Registration order, for deterministic fan-out.
	checks map[string]CheckFunc
	logger *slog.Logger
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded".
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`          // "ok" or "fail".
	Error     string `json:"error,omitempty"` // Cause on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{checks: make(map[string]CheckFunc), logger: logger}
}

// AddCheck registers a dependency under a stable name. Re-registering a name
// replaces the previous check.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.checks[name]; !exists {
		h.order = append(h.order, name)
	}
	h.checks[name] = check
}

// CheckHealth is liveness: the process is up, so it reports ok.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: statusOK}
}

// CheckReady runs every dependency check concurrently under a per-check
// deadline and aggregates. Any failure degrades the whole report; per-check
// results carry the cause and observed latency.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	names := make([]string, len(h.order))
	copy(names, h.order)
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.Unlock()

	status := HealthStatus{Status: statusOK}
	if len(names) == 0 {
		return status
	}
	status.Checks = make(map[string]CheckResult, len(names))

	var (
		wg      sync.WaitGroup
		results sync.Mutex
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := check(checkCtx)

			result := CheckResult{Status: statusOK, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				result.Status = statusFail
				result.Error = err.Error()
				if h.logger != nil {
					h.logger.Warn("readiness check failed",
						slog.String("check", name),
						slog.String("error", err.Error()),
					)
				}
			}

			results.Lock()
			status.Checks[name] = result
			if err != nil {
				status.Status = statusDegraded
			}
			results.Unlock()
		}(name, checks[name])
	}
	wg.Wait()

	return status
}
