package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tillpoint/evictor/pkg/config"
)

// ScheduleMetrics tracks scheduling and the active config.
type ScheduleMetrics struct {
	nextEpoch     prometheus.Gauge
	configVersion *prometheus.GaugeVec
	configChanges prometheus.Counter
}

// NewScheduleMetrics creates and registers schedule metrics with the
// provided registry.
func NewScheduleMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *ScheduleMetrics {
	sm := &ScheduleMetrics{
		nextEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "next_eviction_timestamp_seconds",
			Help:      "Unix time of the next eligible eviction, 0 when eviction is disabled",
		}),

		configVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "config_version",
				Help:      "Version of the active retention config by origin",
			},
			[]string{"origin"},
		),

		configChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "config_changes_total",
			Help:      "Total number of active retention config changes",
		}),
	}

	registry.MustRegister(sm.nextEpoch, sm.configVersion, sm.configChanges)
	return sm
}

// SetNextEpoch records the next eligible epoch. The zero time means
// eviction is disabled.
func (sm *ScheduleMetrics) SetNextEpoch(epoch time.Time) {
	if epoch.IsZero() {
		sm.nextEpoch.Set(0)
		return
	}
	sm.nextEpoch.Set(float64(epoch.Unix()))
}

// SetConfig records a newly active config. Only the active origin keeps a
// series.
func (sm *ScheduleMetrics) SetConfig(origin string, version float64) {
	sm.configVersion.Reset()
	sm.configVersion.WithLabelValues(origin).Set(version)
	sm.configChanges.Inc()
}
