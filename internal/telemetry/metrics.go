package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// BridgeMetricsMeterName is the name used for the bridge metrics meter
	BridgeMetricsMeterName = "github.com/trackdock/syncbridge/bridge"
)

// Event outcome labels recorded on syncbridge_events_total.
const (
	OutcomeApplied               = "applied"
	OutcomeSkipped               = "skipped"
	OutcomeRejectedSignature     = "rejected_signature"
	OutcomeRejectedUnknownSource = "rejected_unknown_source"
	OutcomeMalformed             = "malformed"
	OutcomeRetried               = "retried"
	OutcomeDeadLettered          = "deadlettered"
	OutcomeLockBusy              = "lock_busy"
	OutcomeReplayed              = "replayed"
)

// BridgeMetrics holds the OpenTelemetry instruments for sync bridge metrics
type BridgeMetrics struct {
	eventsTotal      metric.Int64Counter
	processLatency   metric.Float64Histogram
	deadLetterSize   metric.Int64Gauge
	platformAPICalls metric.Int64Counter
	rateLimitHits    metric.Int64Counter
}

// NewBridgeMetrics creates a new BridgeMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewBridgeMetrics(provider metric.MeterProvider) (*BridgeMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(BridgeMetricsMeterName)

	eventsTotal, err := meter.Int64Counter(
		"syncbridge_events_total",
		metric.WithDescription("Number of webhook events by platform and outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	processLatency, err := meter.Float64Histogram(
		"syncbridge_process_latency_seconds",
		metric.WithDescription("End-to-end event processing latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	deadLetterSize, err := meter.Int64Gauge(
		"syncbridge_deadletter_size",
		metric.WithDescription("Number of pending dead-letter entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	platformAPICalls, err := meter.Int64Counter(
		"syncbridge_platform_api_calls_total",
		metric.WithDescription("Number of apply calls to platform APIs by outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	rateLimitHits, err := meter.Int64Counter(
		"syncbridge_rate_limit_hits_total",
		metric.WithDescription("Number of rate-limited platform API responses"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return nil, err
	}

	return &BridgeMetrics{
		eventsTotal:      eventsTotal,
		processLatency:   processLatency,
		deadLetterSize:   deadLetterSize,
		platformAPICalls: platformAPICalls,
		rateLimitHits:    rateLimitHits,
	}, nil
}

// RecordEvent counts one event outcome for a platform
func (m *BridgeMetrics) RecordEvent(ctx context.Context, platform, outcome string) {
	if m == nil || m.eventsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("platform", platform),
		attribute.String("outcome", outcome),
	}

	m.eventsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProcessLatency records end-to-end processing latency for an event
func (m *BridgeMetrics) RecordProcessLatency(ctx context.Context, platform string, duration time.Duration) {
	if m == nil || m.processLatency == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("platform", platform),
	}

	m.processLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDeadLetterSize records the current pending dead-letter backlog
func (m *BridgeMetrics) RecordDeadLetterSize(ctx context.Context, size int64) {
	if m == nil || m.deadLetterSize == nil {
		return
	}

	m.deadLetterSize.Record(ctx, size)
}

// RecordPlatformAPICall counts one apply call against a platform API
func (m *BridgeMetrics) RecordPlatformAPICall(ctx context.Context, platform, outcome string) {
	if m == nil || m.platformAPICalls == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("platform", platform),
		attribute.String("outcome", outcome),
	}

	m.platformAPICalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitHit counts one rate-limited platform response
func (m *BridgeMetrics) RecordRateLimitHit(ctx context.Context, platform string) {
	if m == nil || m.rateLimitHits == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("platform", platform),
	}

	m.rateLimitHits.Add(ctx, 1, metric.WithAttributes(attrs...))
}
