package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the context cache janitor.
type Metrics struct {
	PurgesRun     prometheus.Counter
	PurgesFailed  prometheus.Counter
	EntriesPurged prometheus.Counter
	PurgeDuration prometheus.Histogram
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		PurgesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "janitor",
			Name:      "purges_run_total",
			Help:      "Total cache purge cycles executed.",
		}),
		PurgesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "janitor",
			Name:      "purges_failed_total",
			Help:      "Total cache purge cycles that failed.",
		}),
		EntriesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "janitor",
			Name:      "entries_purged_total",
			Help:      "Total stale context cache entries removed.",
		}),
		PurgeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "janitor",
			Name:      "purge_duration_seconds",
			Help:      "Duration of each cache purge cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.PurgesRun,
		m.PurgesFailed,
		m.EntriesPurged,
		m.PurgeDuration,
	)

	return m
}
