package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the Observer Core's instruments (SPEC_FULL.md §4 ambient
// additions: ingestion and backpressure counters, queue-depth gauge, and
// HTTP/SSE-facing request instrumentation).
type Metrics struct {
	EventsIngested     metric.Int64Counter
	CoTIngested        metric.Int64Counter
	BackpressureDrops  metric.Int64Counter
	QueueDepth         metric.Int64ObservableGauge
	PersistenceErrors  metric.Int64Counter
	RequestDuration    metric.Float64Histogram
	ActiveSubscribers  metric.Int64UpDownCounter
	SubscriberEvictions metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsIngested, err = meter.Int64Counter("observer.events.ingested",
		metric.WithDescription("Total events accepted by Ingest/Store"),
	)
	if err != nil {
		return nil, err
	}

	m.CoTIngested, err = meter.Int64Counter("observer.cot.ingested",
		metric.WithDescription("Total chain-of-thought entries accepted by Ingest/Store"),
	)
	if err != nil {
		return nil, err
	}

	m.BackpressureDrops, err = meter.Int64Counter("observer.backpressure.drops",
		metric.WithDescription("Records dropped under backpressure"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64ObservableGauge("observer.writer.queue_depth",
		metric.WithDescription("Pending async-writer records"),
	)
	if err != nil {
		return nil, err
	}

	m.PersistenceErrors, err = meter.Int64Counter("observer.writer.errors",
		metric.WithDescription("Async writer append failures"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("observer.http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSubscribers, err = meter.Int64UpDownCounter("observer.sse.active_subscribers",
		metric.WithDescription("Currently connected SSE subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.SubscriberEvictions, err = meter.Int64Counter("observer.sse.evictions",
		metric.WithDescription("SSE subscribers evicted due to the maxClients bound"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("observer.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterQueueDepthCallback wires the observer.writer.queue_depth gauge to
// read(), invoked by the SDK on every collection pass rather than on a
// timer this package would otherwise have to manage.
func RegisterQueueDepthCallback(meter metric.Meter, m *Metrics, read func() int64) error {
	_, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.QueueDepth, read())
		return nil
	}, m.QueueDepth)
	return err
}
