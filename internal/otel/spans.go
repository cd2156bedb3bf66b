package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by starry spans and metrics.
var (
	AttrTaskID       = attribute.Key("starry.task.id")
	AttrClientID     = attribute.Key("starry.client.id")
	AttrIntent       = attribute.Key("starry.intent")
	AttrToolName     = attribute.Key("starry.tool.name")
	AttrProvider     = attribute.Key("starry.llm.provider")
	AttrModel        = attribute.Key("starry.llm.model")
	AttrTokensInput  = attribute.Key("starry.llm.tokens.input")
	AttrTokensOutput = attribute.Key("starry.llm.tokens.output")
	AttrCatalogURL   = attribute.Key("starry.catalog.url")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound UI intent.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (model provider, catalog fetch).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
