// Package observe provides application-wide observability primitives for
// micarray: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/micarray/pkg/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all micarray metrics.
const meterName = "github.com/MrWong99/micarray"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// FramesProcessed counts blocks handled per node. Use with attribute:
	//   attribute.String("node", ...)
	FramesProcessed metric.Int64Counter

	// NodeDuration tracks per-block processing latency per node.
	NodeDuration metric.Float64Histogram

	// NodeErrors counts node failures. Use with attribute:
	//   attribute.String("node", ...)
	NodeErrors metric.Int64Counter

	// Hotwords counts keyword detections. Use with attribute:
	//   attribute.String("keyword", ...)
	Hotwords metric.Int64Counter

	// SinkPublishes counts event deliveries. Use with attributes:
	//   attribute.String("sink", ...), attribute.String("status", ...)
	SinkPublishes metric.Int64Counter

	// MonitorClients tracks connected live-monitor websocket clients.
	MonitorClients metric.Int64UpDownCounter

	// QueueDepth reports the depth of every node's output queue. Values are
	// supplied by [Metrics.ObservePipeline].
	QueueDepth metric.Int64ObservableGauge

	// Direction reports the steering direction in degrees.
	Direction metric.Int64ObservableGauge

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// blockBuckets defines histogram bucket boundaries (in seconds) for per-block
// processing, which must stay well under the 8 ms block period.
var blockBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.008, 0.016, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.FramesProcessed, err = m.Int64Counter("micarray.node.frames",
		metric.WithDescription("Total blocks processed by node."),
	); err != nil {
		return nil, err
	}
	if met.NodeDuration, err = m.Float64Histogram("micarray.node.duration",
		metric.WithDescription("Per-block processing latency by node."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(blockBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NodeErrors, err = m.Int64Counter("micarray.node.errors",
		metric.WithDescription("Total node failures by node."),
	); err != nil {
		return nil, err
	}
	if met.Hotwords, err = m.Int64Counter("micarray.hotwords",
		metric.WithDescription("Total keyword detections by keyword index."),
	); err != nil {
		return nil, err
	}
	if met.SinkPublishes, err = m.Int64Counter("micarray.sink.publishes",
		metric.WithDescription("Total event deliveries by sink and status."),
	); err != nil {
		return nil, err
	}
	if met.MonitorClients, err = m.Int64UpDownCounter("micarray.monitor.clients",
		metric.WithDescription("Number of connected live-monitor clients."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64ObservableGauge("micarray.queue.depth",
		metric.WithDescription("Blocks waiting in each node's output queue."),
	); err != nil {
		return nil, err
	}
	if met.Direction, err = m.Int64ObservableGauge("micarray.direction",
		metric.WithDescription("Steering direction in degrees, -1 when unknown."),
		metric.WithUnit("deg"),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("micarray.http.request.duration",
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

// RecordHotword records a keyword detection.
func (m *Metrics) RecordHotword(ctx context.Context, index int) {
	m.Hotwords.Add(ctx, 1,
		metric.WithAttributes(attribute.String("keyword", strconv.Itoa(index))),
	)
}

// RecordSinkPublish records an event delivery attempt.
func (m *Metrics) RecordSinkPublish(ctx context.Context, sink, status string) {
	m.SinkPublishes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("status", status),
		),
	)
}

// PipelineSource is the read side of a running pipeline polled by the
// observable gauges. *pipeline.Orchestrator satisfies it.
type PipelineSource interface {
	QueueDepths() []pipeline.QueueStat
	Direction() int
}

// ObservePipeline registers p as the source of the queue depth and direction
// gauges. Unregister the returned registration when the pipeline stops.
func (m *Metrics) ObservePipeline(p PipelineSource) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, q := range p.QueueDepths() {
			o.ObserveInt64(m.QueueDepth, int64(q.Depth),
				metric.WithAttributes(attribute.String("node", q.Node)),
			)
		}
		o.ObserveInt64(m.Direction, int64(p.Direction()))
		return nil
	}, m.QueueDepth, m.Direction)
}

// PipelineObserver adapts m to [pipeline.Observer].
func (m *Metrics) PipelineObserver() pipeline.Observer {
	return nodeObserver{m: m}
}

type nodeObserver struct {
	m *Metrics
}

func (n nodeObserver) FrameProcessed(node string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("node", node))
	n.m.FramesProcessed.Add(ctx, 1, attrs)
	n.m.NodeDuration.Record(ctx, d.Seconds(), attrs)
}

func (n nodeObserver) NodeError(node string, err error) {
	n.m.NodeErrors.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("node", node)),
	)
	Logger(context.Background()).Error("pipeline node failed", "node", node, "err", err)
}
