// Package observe provides application-wide observability primitives for
// Voxcast: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so the standard /metrics
// endpoint keeps working. Pipeline-internal counters (mixer ticks,
// concealment frames, encoder restarts) are exported as asynchronous
// instruments observed from the live pipeline's own statistics, so a
// supervised restart never loses or double-counts anything the pipeline
// tracks itself. A package-level default [Metrics] instance is provided for
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

// meterName is the instrumentation scope name used for all Voxcast metrics.
const meterName = "github.com/mvarrel/voxcast"

// PipelineStats is the snapshot observed by the asynchronous pipeline
// instruments. The callback registered via [Metrics.ObservePipeline]
// produces one per collection.
type PipelineStats struct {
	MixerTicks         uint64
	ConcealmentFrames  uint64
	BackpressureEvents uint64
	ActiveSpeakers     float64
	Sources            int
	EncoderRestarts    uint64
	Listeners          int
}

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// HealthCheckFailures counts failed end-to-end stream probes.
	HealthCheckFailures metric.Int64Counter

	// PipelineRestarts counts supervised full-pipeline restarts.
	PipelineRestarts metric.Int64Counter

	// StreamBytesSent counts encoded bytes delivered to listeners.
	StreamBytesSent metric.Int64Counter

	// --- Asynchronous pipeline instruments, fed by ObservePipeline ---

	mixerTicks        metric.Int64ObservableCounter
	concealmentFrames metric.Int64ObservableCounter
	backpressure      metric.Int64ObservableCounter
	encoderRestarts   metric.Int64ObservableCounter
	activeSpeakers    metric.Float64ObservableGauge
	sources           metric.Int64ObservableGauge
	listeners         metric.Int64ObservableGauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// local HTTP serving.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxcast.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HealthCheckFailures, err = m.Int64Counter("voxcast.healthcheck.failures",
		metric.WithDescription("Total failed end-to-end stream probes."),
	); err != nil {
		return nil, err
	}
	if met.PipelineRestarts, err = m.Int64Counter("voxcast.pipeline.restarts",
		metric.WithDescription("Total supervised full-pipeline restarts."),
	); err != nil {
		return nil, err
	}
	if met.StreamBytesSent, err = m.Int64Counter("voxcast.stream.bytes_sent",
		metric.WithDescription("Total encoded bytes delivered to listeners."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if met.mixerTicks, err = m.Int64ObservableCounter("voxcast.mixer.ticks",
		metric.WithDescription("Total mixing ticks executed by the live pipeline."),
	); err != nil {
		return nil, err
	}
	if met.concealmentFrames, err = m.Int64ObservableCounter("voxcast.mixer.concealment_frames",
		metric.WithDescription("Total concealment frames served on speaker buffer underrun."),
	); err != nil {
		return nil, err
	}
	if met.backpressure, err = m.Int64ObservableCounter("voxcast.mixer.backpressure_events",
		metric.WithDescription("Total tick-loop suspensions caused by encoder backpressure."),
	); err != nil {
		return nil, err
	}
	if met.encoderRestarts, err = m.Int64ObservableCounter("voxcast.encoder.restarts",
		metric.WithDescription("Total encoder subprocess restarts within the live pipeline."),
	); err != nil {
		return nil, err
	}
	if met.activeSpeakers, err = m.Float64ObservableGauge("voxcast.mixer.active_speakers",
		metric.WithDescription("Active speakers averaged over the recent tick window."),
	); err != nil {
		return nil, err
	}
	if met.sources, err = m.Int64ObservableGauge("voxcast.mixer.sources",
		metric.WithDescription("Registered speaker sources."),
	); err != nil {
		return nil, err
	}
	if met.listeners, err = m.Int64ObservableGauge("voxcast.stream.listeners",
		metric.WithDescription("Connected stream listeners."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObservePipeline registers snap as the source for the asynchronous pipeline
// instruments. snap reports ok=false when no pipeline generation is live, in
// which case nothing is observed for that collection. The returned
// registration can be unregistered on shutdown.
func (met *Metrics) ObservePipeline(snap func() (PipelineStats, bool)) (metric.Registration, error) {
	return met.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s, ok := snap()
		if !ok {
			return nil
		}
		o.ObserveInt64(met.mixerTicks, int64(s.MixerTicks))
		o.ObserveInt64(met.concealmentFrames, int64(s.ConcealmentFrames))
		o.ObserveInt64(met.backpressure, int64(s.BackpressureEvents))
		o.ObserveInt64(met.encoderRestarts, int64(s.EncoderRestarts))
		o.ObserveFloat64(met.activeSpeakers, s.ActiveSpeakers)
		o.ObserveInt64(met.sources, int64(s.Sources))
		o.ObserveInt64(met.listeners, int64(s.Listeners))
		return nil
	},
		met.mixerTicks, met.concealmentFrames, met.backpressure,
		met.encoderRestarts, met.activeSpeakers, met.sources, met.listeners,
	)
}

// RecordHealthCheckFailure records one failed stream probe.
func (met *Metrics) RecordHealthCheckFailure(ctx context.Context) {
	met.HealthCheckFailures.Add(ctx, 1)
}

// RecordPipelineRestart records one supervised pipeline restart.
func (met *Metrics) RecordPipelineRestart(ctx context.Context) {
	met.PipelineRestarts.Add(ctx, 1)
}

// RecordStreamBytes records encoded bytes delivered to one listener.
func (met *Metrics) RecordStreamBytes(ctx context.Context, n int) {
	met.StreamBytesSent.Add(ctx, int64(n))
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
