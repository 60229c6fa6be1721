package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrInboxItemID = attribute.Key("organizer.inbox.item_id")
	AttrTaskID      = attribute.Key("organizer.task.id")
	AttrIntent      = attribute.Key("organizer.command.intent")
	AttrResult      = attribute.Key("organizer.command.result")
	AttrSource      = attribute.Key("organizer.source")
	AttrJob         = attribute.Key("organizer.cron.job")
	AttrOp          = attribute.Key("op")
	AttrOutcome     = attribute.Key("outcome")
	AttrTraceID     = attribute.Key("organizer.trace_id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (calendar provider).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
