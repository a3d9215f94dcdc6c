package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the mesmer tracer.
const tracerName = "github.com/MrWong99/mesmer"

// Span attribute keys for call-scoped spans.
const (
	AttrCallID    = attribute.Key("mesmer.call_id")
	AttrConnID    = attribute.Key("mesmer.conn_id")
	AttrStreamSID = attribute.Key("mesmer.stream_sid")
	AttrReason    = attribute.Key("mesmer.close_reason")
)

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan starts the span that covers one media-stream session.
func StartCallSpan(ctx context.Context, callID, connID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "call "+callID,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			AttrCallID.String(callID),
			AttrConnID.String(connID),
		),
	)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
