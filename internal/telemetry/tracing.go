package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nimbusforge/gpucp"

// StartSpan opens a span for an outbound call (store, bus, orchestration
// plane, or target URL) so the trace context propagates across process
// boundaries the same way for all four.
func StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// TraceID extracts the current span's trace ID for log correlation, or
// the empty string if the context carries no sampled span.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
