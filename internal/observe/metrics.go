// Package observe provides application-wide observability primitives for
// mesmer: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]; the scrape endpoint itself is mounted by the
// application. A package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all mesmer metrics.
const meterName = "github.com/MrWong99/mesmer"

// Reasons attached to [Metrics.OutboundDropped].
const (
	DropUnbound = "unbound"
	DropClosed  = "closed"
	DropFull    = "queue_full"
	DropEncode  = "encode_error"
	DropWrite   = "write_error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of registered media-stream sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long sessions live, from accept to close.
	// Use with attribute:
	//   attribute.String("reason", ...)
	SessionDuration metric.Float64Histogram

	// --- Wire traffic ---

	// InboundEvents counts decoded provider frames. Use with attribute:
	//   attribute.String("event", ...)
	InboundEvents metric.Int64Counter

	// DecodeErrors counts frames dropped as malformed.
	DecodeErrors metric.Int64Counter

	// OutboundMessages counts frames written to the provider. Use with attribute:
	//   attribute.String("event", ...)
	OutboundMessages metric.Int64Counter

	// OutboundDropped counts outbound messages that never reached the wire.
	// Use with attribute:
	//   attribute.String("reason", ...)
	OutboundDropped metric.Int64Counter

	// --- Engine ---

	// EngineErrors counts engine faults. Use with attribute:
	//   attribute.String("engine", ...)
	EngineErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// durationBuckets defines histogram bucket boundaries (in seconds) spanning
// short probes up to long phone calls.
var durationBuckets = []float64{
	0.1, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("mesmer.active_sessions",
		metric.WithDescription("Number of live media-stream sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("mesmer.session.duration",
		metric.WithDescription("Lifetime of media-stream sessions by close reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	// Wire traffic.
	if met.InboundEvents, err = m.Int64Counter("mesmer.session.inbound_events",
		metric.WithDescription("Total decoded inbound frames by event."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("mesmer.session.decode_errors",
		metric.WithDescription("Total inbound frames dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.OutboundMessages, err = m.Int64Counter("mesmer.session.outbound_messages",
		metric.WithDescription("Total outbound frames written by event."),
	); err != nil {
		return nil, err
	}
	if met.OutboundDropped, err = m.Int64Counter("mesmer.session.outbound_dropped",
		metric.WithDescription("Total outbound messages dropped by reason."),
	); err != nil {
		return nil, err
	}

	// Engine.
	if met.EngineErrors, err = m.Int64Counter("mesmer.engine.errors",
		metric.WithDescription("Total engine faults by engine."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mesmer.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordInbound records one decoded inbound frame.
func (m *Metrics) RecordInbound(ctx context.Context, event string) {
	m.InboundEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordDecodeError records one malformed inbound frame.
func (m *Metrics) RecordDecodeError(ctx context.Context) {
	m.DecodeErrors.Add(ctx, 1)
}

// RecordOutbound records one outbound frame written to the provider.
func (m *Metrics) RecordOutbound(ctx context.Context, event string) {
	m.OutboundMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordOutboundDropped records one outbound message that was discarded.
func (m *Metrics) RecordOutboundDropped(ctx context.Context, reason string) {
	m.OutboundDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordEngineError records one engine fault.
func (m *Metrics) RecordEngineError(ctx context.Context, engine string) {
	m.EngineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

// RecordSessionClosed records the lifetime of a finished session.
func (m *Metrics) RecordSessionClosed(ctx context.Context, seconds float64, reason string) {
	m.SessionDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("reason", reason)))
}
