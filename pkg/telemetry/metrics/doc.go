// Package metrics exposes eviction metrics to Prometheus.
//
// A Collector implements retention.Observer and is handed to the eviction
// service, which reports runs, per-collection results, scheduling and
// config changes to it. Metrics are registered on the registry given to
// NewCollector and served by Handler.
//
// Metrics (with the default "evictor" namespace):
//   - evictor_runs_total{mode,outcome}: eviction runs by mode and outcome
//   - evictor_run_duration_seconds{mode}: run duration
//   - evictor_documents_evicted_total{collection}: evicted documents
//   - evictor_query_errors_total{collection}: failed eviction queries
//   - evictor_next_eviction_timestamp_seconds: next eligible epoch, 0 when disabled
//   - evictor_config_version{origin}: version of the active config
//   - evictor_config_changes_total: active config changes
//
// Collection labels are bounded by a cardinality limiter; collections
// beyond the limit are reported as "other".
package metrics
