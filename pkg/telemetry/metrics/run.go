package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tillpoint/evictor/pkg/config"
)

// RunMetrics tracks eviction runs and their per-collection results.
type RunMetrics struct {
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	evictedTotal    *prometheus.CounterVec
	queryErrorTotal *prometheus.CounterVec
}

// NewRunMetrics creates and registers run metrics with the provided registry.
func NewRunMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RunMetrics {
	rm := &RunMetrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "runs_total",
				Help:      "Total number of eviction runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of eviction runs in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
			},
			[]string{"mode"},
		),

		evictedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "documents_evicted_total",
				Help:      "Total number of documents evicted by collection",
			},
			[]string{"collection"},
		),

		queryErrorTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "query_errors_total",
				Help:      "Total number of failed eviction queries by collection",
			},
			[]string{"collection"},
		),
	}

	registry.MustRegister(
		rm.runsTotal,
		rm.runDuration,
		rm.evictedTotal,
		rm.queryErrorTotal,
	)
	return rm
}

// RecordRun records a finished run.
func (rm *RunMetrics) RecordRun(mode, outcome string, duration time.Duration) {
	rm.runsTotal.WithLabelValues(mode, outcome).Inc()
	rm.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordEvicted adds evicted documents for a collection.
func (rm *RunMetrics) RecordEvicted(collection string, n int) {
	rm.evictedTotal.WithLabelValues(collection).Add(float64(n))
}

// RecordQueryError counts a failed eviction query.
func (rm *RunMetrics) RecordQueryError(collection string) {
	rm.queryErrorTotal.WithLabelValues(collection).Inc()
}
