package workqueue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueMetrics defines the instrumentation recorded by queue handles and the
// coordinator's listener.
type QueueMetrics interface {
	// IncRequests counts a request frame handled by the listener.
	IncRequests(ctx context.Context, kind string)
	IncItemsPushed(ctx context.Context)
	IncItemsPulled(ctx context.Context)
	IncEmptyResponses(ctx context.Context)
	IncDroppedPushes(ctx context.Context, reason string)
	AddParkedPulls(ctx context.Context, delta int64)
	ObservePullWait(ctx context.Context, d time.Duration)
}

// queueMetrics implements QueueMetrics.
type queueMetrics struct {
	requests       metric.Int64Counter
	itemsPushed    metric.Int64Counter
	itemsPulled    metric.Int64Counter
	emptyResponses metric.Int64Counter
	droppedPushes  metric.Int64Counter
	parkedPulls    metric.Int64UpDownCounter
	pullWait       metric.Float64Histogram
}

const namespace = "workqueue"

// NewQueueMetrics creates the queue instruments on mp.
func NewQueueMetrics(mp metric.MeterProvider) (*queueMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(queueMetrics)
	var err error

	if m.requests, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of request frames handled by the coordinator"),
	); err != nil {
		return nil, err
	}

	if m.itemsPushed, err = meter.Int64Counter(
		"items_pushed_total",
		metric.WithDescription("Total number of work items pushed"),
	); err != nil {
		return nil, err
	}

	if m.itemsPulled, err = meter.Int64Counter(
		"items_pulled_total",
		metric.WithDescription("Total number of work items pulled"),
	); err != nil {
		return nil, err
	}

	if m.emptyResponses, err = meter.Int64Counter(
		"empty_responses_total",
		metric.WithDescription("Total number of pulls answered with the exhausted sentinel"),
	); err != nil {
		return nil, err
	}

	if m.droppedPushes, err = meter.Int64Counter(
		"dropped_pushes_total",
		metric.WithDescription("Total number of pushes rejected by the coordinator"),
	); err != nil {
		return nil, err
	}

	if m.parkedPulls, err = meter.Int64UpDownCounter(
		"parked_pulls",
		metric.WithDescription("Number of remote pulls waiting for an item"),
	); err != nil {
		return nil, err
	}

	if m.pullWait, err = meter.Float64Histogram(
		"pull_wait_seconds",
		metric.WithDescription("Time a pull spent waiting for an item"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *queueMetrics) IncRequests(ctx context.Context, kind string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *queueMetrics) IncItemsPushed(ctx context.Context) { m.itemsPushed.Add(ctx, 1) }

func (m *queueMetrics) IncItemsPulled(ctx context.Context) { m.itemsPulled.Add(ctx, 1) }

func (m *queueMetrics) IncEmptyResponses(ctx context.Context) { m.emptyResponses.Add(ctx, 1) }

func (m *queueMetrics) IncDroppedPushes(ctx context.Context, reason string) {
	m.droppedPushes.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *queueMetrics) AddParkedPulls(ctx context.Context, delta int64) {
	m.parkedPulls.Add(ctx, delta)
}

func (m *queueMetrics) ObservePullWait(ctx context.Context, d time.Duration) {
	m.pullWait.Record(ctx, d.Seconds())
}
