package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for dialog engine spans.
var (
	AttrBotID        = attribute.Key("dialogengine.bot.id")
	AttrChatID       = attribute.Key("dialogengine.chat.id")
	AttrPlatform     = attribute.Key("dialogengine.platform")
	AttrScenarioID   = attribute.Key("dialogengine.scenario.id")
	AttrStepID       = attribute.Key("dialogengine.step.id")
	AttrUpdateID     = attribute.Key("dialogengine.update.id")
	AttrAutoHop      = attribute.Key("dialogengine.autotransition.depth")
	AttrMediaAssetID = attribute.Key("dialogengine.media.asset_id")
	AttrSendAttempt  = attribute.Key("dialogengine.send.attempt")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (webhook intake).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (platform adapter send/upload).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
