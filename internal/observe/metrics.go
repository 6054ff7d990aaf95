// Package observe provides application-wide observability primitives for
// RIjantuby: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// All Record* methods are safe to call on a nil *Metrics, which lets
// components treat metrics as optional.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all RIjantuby metrics.
const meterName = "github.com/rijantuby/rijantuby"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChatDuration tracks the time from sending a chat message until its
	// stream ends. Use with attribute.String("status", ...).
	ChatDuration metric.Float64Histogram

	// VoiceConnectDuration tracks realtime session handshake latency.
	VoiceConnectDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CaptureFrames counts microphone frames by outcome (sent, dropped,
	// failed).
	CaptureFrames metric.Int64Counter

	// PlaybackFragments counts audio fragments scheduled for playback.
	PlaybackFragments metric.Int64Counter

	// Interruptions counts server-signalled barge-ins.
	Interruptions metric.Int64Counter

	// --- Error counters ---

	// Errors counts user-visible failures. Use with attributes:
	//   attribute.String("surface", ...), attribute.String("kind", ...)
	Errors metric.Int64Counter

	// --- Gauges ---

	// ActiveVoiceSessions tracks the number of open realtime sessions.
	ActiveVoiceSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of connected browser sockets.
	// Use with attribute.String("surface", ...).
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// streamed model responses.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChatDuration, err = m.Float64Histogram("rijantuby.chat.duration",
		metric.WithDescription("Latency of a streamed chat exchange."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VoiceConnectDuration, err = m.Float64Histogram("rijantuby.voice.connect.duration",
		metric.WithDescription("Latency of realtime session setup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("rijantuby.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("rijantuby.capture.frames",
		metric.WithDescription("Microphone frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFragments, err = m.Int64Counter("rijantuby.playback.fragments",
		metric.WithDescription("Audio fragments scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("rijantuby.voice.interruptions",
		metric.WithDescription("Server-signalled interruptions of playback."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.Errors, err = m.Int64Counter("rijantuby.errors",
		metric.WithDescription("User-visible failures by surface and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveVoiceSessions, err = m.Int64UpDownCounter("rijantuby.voice.active_sessions",
		metric.WithDescription("Number of open realtime voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("rijantuby.active_connections",
		metric.WithDescription("Number of connected browser sockets by surface."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("rijantuby.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordChatExchange records the duration of one chat exchange.
func (m *Metrics) RecordChatExchange(ctx context.Context, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.ChatDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordVoiceConnect records the duration of a realtime session handshake.
func (m *Metrics) RecordVoiceConnect(ctx context.Context, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.VoiceConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordCaptureFrame records one microphone frame outcome.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPlaybackFragment records one scheduled playback fragment.
func (m *Metrics) RecordPlaybackFragment(ctx context.Context) {
	if m == nil {
		return
	}
	m.PlaybackFragments.Add(ctx, 1)
}

// RecordInterruption records one barge-in.
func (m *Metrics) RecordInterruption(ctx context.Context) {
	if m == nil {
		return
	}
	m.Interruptions.Add(ctx, 1)
}

// RecordError records a user-visible failure.
func (m *Metrics) RecordError(ctx context.Context, surface, kind string) {
	if m == nil {
		return
	}
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("surface", surface),
			attribute.String("kind", kind),
		),
	)
}

// AddVoiceSessions adjusts the open voice session gauge by delta.
func (m *Metrics) AddVoiceSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveVoiceSessions.Add(ctx, delta)
}

// AddConnections adjusts the connected socket gauge for surface by delta.
func (m *Metrics) AddConnections(ctx context.Context, surface string, delta int64) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, delta, metric.WithAttributes(attribute.String("surface", surface)))
}
