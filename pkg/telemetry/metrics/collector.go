package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tillpoint/evictor/pkg/config"
	"tillpoint/evictor/pkg/retention"
)

// overflowLabel replaces label values beyond the cardinality limit.
const overflowLabel = "other"

// DefaultMaxCollections bounds the collection label.
const DefaultMaxCollections = 256

// Collector records eviction metrics. It implements retention.Observer.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	runMetrics      *RunMetrics
	scheduleMetrics *ScheduleMetrics

	collections *CardinalityLimiter
}

var _ retention.Observer = (*Collector)(nil)

// NewCollector creates a collector and registers its metrics. If registry
// is nil a new one is created.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	svc, err := service.New(service.Options{Observer: collector, ...})
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}

	return &Collector{
		config:          cfg,
		registry:        registry,
		runMetrics:      NewRunMetrics(cfg, registry),
		scheduleMetrics: NewScheduleMetrics(cfg, registry),
		collections:     NewCardinalityLimiter(DefaultMaxCollections),
	}
}

// RunFinished implements retention.Observer.
func (c *Collector) RunFinished(mode retention.Mode, outcome retention.Outcome, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.runMetrics.RecordRun(string(mode), string(outcome), duration)
}

// CollectionEvicted implements retention.Observer.
func (c *Collector) CollectionEvicted(collection string, evicted int, err error) {
	if !c.config.Enabled {
		return
	}
	if !c.collections.Allow(collection) {
		collection = overflowLabel
	}
	if err != nil {
		c.runMetrics.RecordQueryError(collection)
		return
	}
	c.runMetrics.RecordEvicted(collection, evicted)
}

// NextEpochScheduled implements retention.Observer.
func (c *Collector) NextEpochScheduled(epoch time.Time) {
	if !c.config.Enabled {
		return
	}
	c.scheduleMetrics.SetNextEpoch(epoch)
}

// ConfigActivated implements retention.Observer.
func (c *Collector) ConfigActivated(cfg *retention.RetentionConfig) {
	if !c.config.Enabled || cfg == nil {
		return
	}
	origin := string(cfg.Origin)
	if origin == "" {
		origin = "default"
	}
	c.scheduleMetrics.SetConfig(origin, cfg.Version)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents label cardinality explosion by limiting the
// number of distinct values admitted.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter admitting up to maxCardinality
// distinct values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value is admitted. Values already seen are always
// admitted.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[value]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[value]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[value] = struct{}{}
	return true
}

// Count returns the number of admitted values.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
