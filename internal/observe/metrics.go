// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parleyvoice/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Playback scheduler ---

	// FramesScheduled counts frames handed to the output device.
	FramesScheduled metric.Int64Counter

	// ScheduleLead tracks how far ahead of the output clock each frame was
	// scheduled. Values near zero mean the scheduler is barely keeping up.
	ScheduleLead metric.Float64Histogram

	// IngestBytes counts PCM bytes accepted into the playback stream.
	IngestBytes metric.Int64Counter

	// StreamsCompleted counts reply streams that played out to the end.
	StreamsCompleted metric.Int64Counter

	// StreamsStopped counts reply streams cut short by a stop.
	StreamsStopped metric.Int64Counter

	// --- Recognition ---

	// RecognitionRestarts counts recogniser restarts. Use with attribute:
	//   attribute.String("side", "local"|"remote")
	RecognitionRestarts metric.Int64Counter

	// TranscriptEntries counts finalized transcript lines by source.
	TranscriptEntries metric.Int64Counter

	// VocabularyCorrections counts corrector substitutions applied.
	VocabularyCorrections metric.Int64Counter

	// --- Relay ---

	// RelayFrames counts frames forwarded by the relay. Use with attribute:
	//   attribute.String("direction", "inbound"|"outbound")
	RelayFrames metric.Int64Counter

	// RelayBytes counts payload bytes forwarded by the relay, by direction.
	RelayBytes metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveRelayConns tracks the number of open relay connection pairs.
	ActiveRelayConns metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// leadBuckets defines histogram bucket boundaries (in seconds) sized for
// scheduling lead times within a sub-second look-ahead window.
var leadBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.15, 0.2, 0.3, 0.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Playback scheduler.
	if met.FramesScheduled, err = m.Int64Counter("parley.audio.frames_scheduled",
		metric.WithDescription("Total playback frames handed to the output device."),
	); err != nil {
		return nil, err
	}
	if met.ScheduleLead, err = m.Float64Histogram("parley.audio.schedule_lead",
		metric.WithDescription("Lead time between scheduling a frame and its playback deadline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IngestBytes, err = m.Int64Counter("parley.audio.ingest_bytes",
		metric.WithDescription("Total PCM bytes accepted into the playback stream."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.StreamsCompleted, err = m.Int64Counter("parley.audio.streams_completed",
		metric.WithDescription("Total reply streams that played out to completion."),
	); err != nil {
		return nil, err
	}
	if met.StreamsStopped, err = m.Int64Counter("parley.audio.streams_stopped",
		metric.WithDescription("Total reply streams cut short by a stop."),
	); err != nil {
		return nil, err
	}

	// Recognition.
	if met.RecognitionRestarts, err = m.Int64Counter("parley.recognition.restarts",
		metric.WithDescription("Total recogniser restarts by side."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("parley.transcript.entries",
		metric.WithDescription("Total finalized transcript lines by source."),
	); err != nil {
		return nil, err
	}
	if met.VocabularyCorrections, err = m.Int64Counter("parley.transcript.corrections",
		metric.WithDescription("Total vocabulary corrections applied to transcripts."),
	); err != nil {
		return nil, err
	}

	// Relay.
	if met.RelayFrames, err = m.Int64Counter("parley.relay.frames",
		metric.WithDescription("Total frames forwarded by the relay, by direction."),
	); err != nil {
		return nil, err
	}
	if met.RelayBytes, err = m.Int64Counter("parley.relay.bytes",
		metric.WithDescription("Total payload bytes forwarded by the relay, by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRelayConns, err = m.Int64UpDownCounter("parley.relay.active_connections",
		metric.WithDescription("Number of open relay connection pairs."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordFrameScheduled records one scheduled frame together with its lead
// time ahead of the output clock.
func (m *Metrics) RecordFrameScheduled(ctx context.Context, leadSeconds float64) {
	m.FramesScheduled.Add(ctx, 1)
	m.ScheduleLead.Record(ctx, leadSeconds)
}

// RecordRecognitionRestart records one recogniser restart for the given side.
func (m *Metrics) RecordRecognitionRestart(ctx context.Context, side string) {
	m.RecognitionRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("side", side)),
	)
}

// RecordTranscriptEntry records one finalized transcript line.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, source string) {
	m.TranscriptEntries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordRelayForward records one forwarded frame and its payload size.
func (m *Metrics) RecordRelayForward(ctx context.Context, direction string, bytes int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.RelayFrames.Add(ctx, 1, attrs)
	m.RelayBytes.Add(ctx, int64(bytes), attrs)
}
