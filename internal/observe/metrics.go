// Package observe provides application-wide observability primitives for
// skald: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all skald metrics.
const meterName = "github.com/skald-labs/skald"

// Metrics holds all OpenTelemetry metric instruments for the server.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// DecodeDuration tracks inference latency per decode request. Use with
	// attributes: attribute.String("kind", "partial"|"final"),
	// attribute.String("status", "ok"|"error").
	DecodeDuration metric.Float64Histogram

	// SessionsTotal counts sessions ever admitted.
	SessionsTotal metric.Int64Counter

	// ResultsDelivered counts transcription results delivered to clients.
	// Use with attribute.String("kind", "partial"|"final").
	ResultsDelivered metric.Int64Counter

	// ResultsDropped counts results discarded without delivery (stale
	// partials, closing sessions). Use with attribute.String("reason", ...).
	ResultsDropped metric.Int64Counter

	// PoolRejections counts decode submissions rejected with pool
	// saturation.
	PoolRejections metric.Int64Counter

	// ProtocolErrors counts sessions terminated for protocol or
	// configuration violations. Use with attribute.String("kind", ...).
	ProtocolErrors metric.Int64Counter

	// AudioBytes counts inbound decoded audio bytes across all sessions.
	AudioBytes metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// PoolQueueDepth tracks the number of decode requests waiting for a
	// worker.
	PoolQueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model inference latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.DecodeDuration, err = m.Float64Histogram("skald.decode.duration",
		metric.WithDescription("Latency of inference engine decode calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionsTotal, err = m.Int64Counter("skald.sessions.total",
		metric.WithDescription("Total sessions admitted."),
	); err != nil {
		return nil, err
	}
	if met.ResultsDelivered, err = m.Int64Counter("skald.results.delivered",
		metric.WithDescription("Transcription results delivered to clients by kind."),
	); err != nil {
		return nil, err
	}
	if met.ResultsDropped, err = m.Int64Counter("skald.results.dropped",
		metric.WithDescription("Results discarded without delivery by reason."),
	); err != nil {
		return nil, err
	}
	if met.PoolRejections, err = m.Int64Counter("skald.pool.rejections",
		metric.WithDescription("Decode submissions rejected due to pool saturation."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("skald.protocol.errors",
		metric.WithDescription("Sessions terminated for protocol or configuration violations by kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("skald.audio.bytes",
		metric.WithDescription("Inbound decoded audio bytes across all sessions."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("skald.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.PoolQueueDepth, err = m.Int64UpDownCounter("skald.pool.queue_depth",
		metric.WithDescription("Decode requests waiting for a worker."),
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

// RecordDecode records one decode call's latency with the standard
// attribute set. kind is "partial" or "final"; status is "ok" or "error".
func (m *Metrics) RecordDecode(ctx context.Context, seconds float64, kind, status string) {
	m.DecodeDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordResultDelivered records one delivered result by kind.
func (m *Metrics) RecordResultDelivered(ctx context.Context, kind string) {
	m.ResultsDelivered.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordResultDropped records one discarded result by reason.
func (m *Metrics) RecordResultDropped(ctx context.Context, reason string) {
	m.ResultsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProtocolError records one session-terminating violation by kind.
func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
