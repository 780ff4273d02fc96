// Package observe provides application-wide observability primitives for
// callbridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all callbridge metrics.
const meterName = "github.com/MrWong99/callbridge"

// Frame directions for [Metrics.RecordFrame].
const (
	DirectionInbound  = "inbound"  // telephony → remote
	DirectionOutbound = "outbound" // remote → telephony
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CallDuration tracks the lifetime of bridged calls.
	CallDuration metric.Float64Histogram

	// FirstAudioLatency tracks the time from call start to the first
	// genuine output audio relayed to the caller.
	FirstAudioLatency metric.Float64Histogram

	// --- Counters ---

	// Frames counts audio frames relayed. Use with attribute:
	//   attribute.String("direction", DirectionInbound|DirectionOutbound)
	Frames metric.Int64Counter

	// FramesDropped counts frames discarded instead of relayed. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// Commits counts input buffer commits sent to the remote session.
	Commits metric.Int64Counter

	// ResponsesRequested counts response requests. Use with attribute:
	//   attribute.String("trigger", ...)
	ResponsesRequested metric.Int64Counter

	// KeepaliveFrames counts synthetic silence frames sent to callers.
	KeepaliveFrames metric.Int64Counter

	// --- Error counters ---

	// RemoteErrors counts remote-session errors. Use with attribute:
	//   attribute.String("kind", ...)
	RemoteErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live bridge pairs.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Recorded with
	// attributes method, route (the matched pattern), and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// response latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call
// durations.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CallDuration, err = m.Float64Histogram("callbridge.call.duration",
		metric.WithDescription("Duration of bridged calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("callbridge.first_audio.latency",
		metric.WithDescription("Time from call start to the first relayed output audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Frames, err = m.Int64Counter("callbridge.frames",
		metric.WithDescription("Total audio frames relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("callbridge.frames.dropped",
		metric.WithDescription("Total audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.Commits, err = m.Int64Counter("callbridge.commits",
		metric.WithDescription("Total input buffer commits sent to the remote session."),
	); err != nil {
		return nil, err
	}
	if met.ResponsesRequested, err = m.Int64Counter("callbridge.responses.requested",
		metric.WithDescription("Total response requests by trigger."),
	); err != nil {
		return nil, err
	}
	if met.KeepaliveFrames, err = m.Int64Counter("callbridge.keepalive.frames",
		metric.WithDescription("Total synthetic silence frames sent to callers."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.RemoteErrors, err = m.Int64Counter("callbridge.remote.errors",
		metric.WithDescription("Total remote-session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callbridge.active_calls",
		metric.WithDescription("Number of live bridged calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callbridge.http.request.duration",
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

// RecordFrame records one relayed frame in direction.
func (m *Metrics) RecordFrame(ctx context.Context, direction string) {
	m.Frames.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordDrop records one dropped frame with the given reason.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordResponse records one response request issued by trigger.
func (m *Metrics) RecordResponse(ctx context.Context, trigger string) {
	m.ResponsesRequested.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordRemoteError records one remote-session error of the given kind.
func (m *Metrics) RecordRemoteError(ctx context.Context, kind string) {
	m.RemoteErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
