package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records protocol-level instruments. A nil *Metrics is valid and
// records nothing, so components can hold one unconditionally.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	retriesTotal    metric.Int64Counter
	orphansTotal    metric.Int64Counter
	framesTotal     metric.Int64Counter
	activeStreams   metric.Int64UpDownCounter
}

// RecordRequest counts a dispatched request and its round-trip duration,
// labeled by method and outcome.
func (m *Metrics) RecordRequest(ctx context.Context, method string, duration time.Duration, err error) {
	if m == nil || m.requestsTotal == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("status", status),
	}

	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.requestDuration != nil {
		m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordRetry counts one retry attempt for the given method.
func (m *Metrics) RecordRetry(ctx context.Context, method string) {
	if m == nil || m.retriesTotal == nil {
		return
	}
	m.retriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

// RecordOrphan counts a discarded response that matched no live
// correlation entry.
func (m *Metrics) RecordOrphan(ctx context.Context) {
	if m == nil || m.orphansTotal == nil {
		return
	}
	m.orphansTotal.Add(ctx, 1)
}

// RecordFrame counts one applied streaming frame by event type.
func (m *Metrics) RecordFrame(ctx context.Context, event string) {
	if m == nil || m.framesTotal == nil {
		return
	}
	m.framesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// StreamStarted increments the active-stream gauge.
func (m *Metrics) StreamStarted(ctx context.Context) {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(ctx, 1)
}

// StreamEnded decrements the active-stream gauge.
func (m *Metrics) StreamEnded(ctx context.Context) {
	if m == nil || m.activeStreams == nil {
		return
	}
	m.activeStreams.Add(ctx, -1)
}
