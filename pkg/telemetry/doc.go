// Package telemetry groups the observability packages of evictd:
//
//   - logging: slog handlers carrying run, mode and job identifiers
//   - metrics: Prometheus collectors for runs, collections and scheduling
//   - tracing: OpenTelemetry spans for eviction runs
//   - health: liveness and readiness probes
package telemetry
