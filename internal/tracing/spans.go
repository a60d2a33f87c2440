package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const adapterTracerName = "amp-acp-adapter"

func adapterTracer() trace.Tracer {
	return Tracer(adapterTracerName)
}

// TracePromptTurn starts a span covering one prompt turn.
// Caller must call span.End() when the turn finishes.
func TracePromptTurn(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := adapterTracer().Start(ctx, "session.prompt",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// TracePromptResult records the turn's stop reason and error on the span.
func TracePromptResult(span trace.Span, stopReason string, err error) {
	span.SetAttributes(attribute.String("stop_reason", stopReason))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceBackendEvent creates a single span for one received backend message.
func TraceBackendEvent(ctx context.Context, eventType, sessionID string) {
	_, span := adapterTracer().Start(ctx, "backend.event."+eventType,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("event_type", eventType),
		attribute.String("session_id", sessionID),
	)
}

// TraceDriverSpawn starts a span for launching a backend execution.
// Caller must call span.End() when the spawn attempt resolves.
func TraceDriverSpawn(ctx context.Context, driverName, threadID string) (context.Context, trace.Span) {
	ctx, span := adapterTracer().Start(ctx, "driver.spawn",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("driver", driverName),
		attribute.String("thread_id", threadID),
	)
	return ctx, span
}

// TraceDriverResult records the spawn outcome on the span.
func TraceDriverResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TracePermissionRequest starts a span for a permission round trip.
// Caller must call span.End() when the decision is delivered.
func TracePermissionRequest(ctx context.Context, toolName, sessionID string) (context.Context, trace.Span) {
	ctx, span := adapterTracer().Start(ctx, "permission.request",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("tool_name", toolName),
		attribute.String("session_id", sessionID),
	)
	return ctx, span
}

// TracePermissionDecision records the decision on the span.
func TracePermissionDecision(span trace.Span, behavior string, err error) {
	span.SetAttributes(attribute.String("behavior", behavior))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
