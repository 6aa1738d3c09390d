package executor

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"tillpoint/evictor/pkg/retention"
	"tillpoint/evictor/pkg/telemetry/tracing"
)

func TestExecutor_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness(ordersConfig(), "loc-1", night)
	res := h.exec.Run(context.Background(), RunRequest{Mode: retention.ModeForced})

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}

	collection, run := spans[0], spans[1]
	if collection.Name() != "eviction.collection" || run.Name() != "eviction.run" {
		t.Fatalf("span names = %q, %q", collection.Name(), run.Name())
	}
	if collection.Parent().SpanID() != run.SpanContext().SpanID() {
		t.Error("collection span is not a child of the run span")
	}

	attrs := map[string]string{}
	for _, kv := range run.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs[string(tracing.AttrRunID)] != res.RunID {
		t.Errorf("run_id attribute = %q, want %q", attrs[string(tracing.AttrRunID)], res.RunID)
	}
	if attrs[string(tracing.AttrOutcome)] != string(retention.OutcomeCompleted) {
		t.Errorf("outcome attribute = %q", attrs[string(tracing.AttrOutcome)])
	}
}
