// Package observability exposes protocol metrics through OpenTelemetry with
// a Prometheus exporter. All recording methods are nil-safe so callers never
// need to branch on whether metrics are enabled.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the meter provider with a Prometheus reader and
// registers the protocol instruments. The returned metrics object is safe
// to use even when initialization is skipped; a zero *Metrics records
// nothing.
func InitMetrics(ctx context.Context) (*Metrics, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("strand")

	requests, err := meter.Int64Counter(
		"strand_requests_total",
		metric.WithDescription("Total requests dispatched"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests counter: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		"strand_request_duration_seconds",
		metric.WithDescription("Request round-trip duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	retries, err := meter.Int64Counter(
		"strand_retries_total",
		metric.WithDescription("Total retry attempts after the first"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	orphans, err := meter.Int64Counter(
		"strand_orphan_responses_total",
		metric.WithDescription("Responses discarded for lack of a matching correlation entry"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create orphans counter: %w", err)
	}

	frames, err := meter.Int64Counter(
		"strand_stream_frames_total",
		metric.WithDescription("Streaming frames applied, labeled by event type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create frames counter: %w", err)
	}

	activeStreams, err := meter.Int64UpDownCounter(
		"strand_active_streams",
		metric.WithDescription("Streams currently being reassembled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active streams gauge: %w", err)
	}

	return &Metrics{
		requestsTotal:   requests,
		requestDuration: requestDuration,
		retriesTotal:    retries,
		orphansTotal:    orphans,
		framesTotal:     frames,
		activeStreams:   activeStreams,
	}, nil
}
