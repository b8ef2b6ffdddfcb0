// Package observe provides application-wide observability primitives for
// CantinaOS: OpenTelemetry metrics, distributed tracing, structured
// logging helpers, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can
// still be scraped via the standard /metrics endpoint. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all CantinaOS
// metrics.
const meterName = "github.com/cantinaos/cantina"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks TTS synthesis latency per utterance.
	SynthesisDuration metric.Float64Histogram

	// CommentaryDuration tracks LLM commentary generation latency.
	CommentaryDuration metric.Float64Histogram

	// PlanDuration tracks timeline plan execution time from started to any
	// terminal event.
	PlanDuration metric.Float64Histogram

	// --- Counters ---

	// EventsPublished counts bus publishes. Use with attribute:
	//   attribute.String("topic", ...)
	EventsPublished metric.Int64Counter

	// HandlerErrors counts handler failures and panics surfaced as status
	// events. Use with attribute:
	//   attribute.String("service", ...)
	HandlerErrors metric.Int64Counter

	// QueueDrops counts events dropped from full subscription queues. Use
	// with attributes:
	//   attribute.String("topic", ...), attribute.String("service", ...)
	QueueDrops metric.Int64Counter

	// CommentariesSkipped counts commentary dropped by the missing-cache
	// policy or a skip command.
	CommentariesSkipped metric.Int64Counter

	// SpeechCacheResults counts cache playback outcomes. Use with
	// attribute:
	//   attribute.String("result", "hit"|"miss")
	SpeechCacheResults metric.Int64Counter

	// --- Gauges ---

	// ActivePlans tracks plans currently executing across layers.
	ActivePlans metric.Int64UpDownCounter

	// ConnectedDashboards tracks open dashboard WebSocket connections.
	ConnectedDashboards metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized
// for synthesis and plan execution latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation
// fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("cantina.speech.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CommentaryDuration, err = m.Float64Histogram("cantina.dj.commentary.duration",
		metric.WithDescription("Latency of LLM commentary generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlanDuration, err = m.Float64Histogram("cantina.timeline.plan.duration",
		metric.WithDescription("Timeline plan execution time to any terminal state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EventsPublished, err = m.Int64Counter("cantina.bus.events",
		metric.WithDescription("Total bus publishes by topic."),
	); err != nil {
		return nil, err
	}
	if met.HandlerErrors, err = m.Int64Counter("cantina.bus.handler_errors",
		metric.WithDescription("Total handler failures and panics by service."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("cantina.bus.queue_drops",
		metric.WithDescription("Events dropped from full subscription queues by topic and service."),
	); err != nil {
		return nil, err
	}
	if met.CommentariesSkipped, err = m.Int64Counter("cantina.dj.commentary_skipped",
		metric.WithDescription("Commentary dropped before playback."),
	); err != nil {
		return nil, err
	}
	if met.SpeechCacheResults, err = m.Int64Counter("cantina.speech.cache_results",
		metric.WithDescription("Speech cache playback outcomes by result."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActivePlans, err = m.Int64UpDownCounter("cantina.timeline.active_plans",
		metric.WithDescription("Plans currently executing across layers."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedDashboards, err = m.Int64UpDownCounter("cantina.dashboard.connections",
		metric.WithDescription("Open dashboard WebSocket connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cantina.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen
// with the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity
// at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordQueueDrop records one dropped event with the standard attribute
// set. Its method value is handed to the bus as the drop hook.
func (m *Metrics) RecordQueueDrop(topic, service string) {
	m.QueueDrops.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("service", service),
		),
	)
}

// RecordCacheResult records one speech cache playback outcome.
func (m *Metrics) RecordCacheResult(ctx context.Context, result string) {
	m.SpeechCacheResults.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}
