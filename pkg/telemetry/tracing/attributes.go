package tracing

import "go.opentelemetry.io/otel/attribute"

// Span attribute keys for eviction spans.
const (
	AttrRunID       = attribute.Key("evictor.run_id")
	AttrMode        = attribute.Key("evictor.mode")
	AttrLocationID  = attribute.Key("evictor.location_id")
	AttrCollection  = attribute.Key("evictor.collection")
	AttrTTLSeconds  = attribute.Key("evictor.ttl_seconds")
	AttrEvicted     = attribute.Key("evictor.evicted")
	AttrOutcome     = attribute.Key("evictor.outcome")
	AttrAbortReason = attribute.Key("evictor.abort_reason")
)
