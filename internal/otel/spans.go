package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by histsync spans and metrics.
var (
	AttrRequestID = attribute.Key("histsync.request.id")
	AttrEntryID   = attribute.Key("histsync.entry.id")
	AttrScope     = attribute.Key("histsync.scope")
	AttrStatus    = attribute.Key("histsync.status")
	AttrOutcome   = attribute.Key("histsync.outcome")
	AttrCycleID   = attribute.Key("histsync.sync.cycle_id")
	AttrOperation = attribute.Key("histsync.sync.operation")
	AttrAttempt   = attribute.Key("histsync.sync.attempt")
	AttrSessionID = attribute.Key("histsync.session.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request to the remote store.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (remote store, inference).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
