package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "querygate"

// StartToolSpan opens the span that covers one tool call.
func StartToolSpan(ctx context.Context, tool, requestID, tenantID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("tool.name", tool),
		attribute.String("request.id", requestID),
	}
	if tenantID != "" {
		attrs = append(attrs, attribute.String("tenant.id", tenantID))
	}
	return otel.Tracer(tracerName).Start(ctx, "tool."+tool, trace.WithAttributes(attrs...))
}

// EndToolSpan records the outcome and ends span. Policy decisions are
// attached as a single event so a trace shows why a call was admitted.
func EndToolSpan(span trace.Span, errorCode string, decisions []string) {
	if span == nil {
		return
	}
	if span.IsRecording() && len(decisions) > 0 {
		span.AddEvent("policy.decisions", trace.WithAttributes(
			attribute.StringSlice("policy.decisions", decisions),
		))
	}
	if errorCode != "" {
		span.SetAttributes(attribute.String("error.code", errorCode))
		span.SetStatus(codes.Error, errorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the active trace id in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
