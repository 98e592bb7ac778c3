package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// SyncMetrics holds the instruments recorded on the relay and publish paths.
type SyncMetrics struct {
	relayRecipients metric.Int64Counter
	relayLatency    metric.Float64Histogram
	relayDropped    metric.Int64Counter
	publishFailures metric.Int64Counter
}

// NewSyncMetrics creates the instruments on meter. A nil meter uses the
// global provider, which records nothing until an SDK is installed.
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	if meter == nil {
		meter = otel.Meter(ServiceName)
	}

	recipients, err := meter.Int64Counter("relay.recipients",
		metric.WithDescription("Connections a relayed event was queued to"))
	if err != nil {
		return nil, fmt.Errorf("failed to create relay.recipients: %w", err)
	}

	latency, err := meter.Float64Histogram("relay.latency_ms",
		metric.WithDescription("Time from publish to local delivery"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create relay.latency_ms: %w", err)
	}

	dropped, err := meter.Int64Counter("relay.dropped",
		metric.WithDescription("Inbound payloads dropped as malformed or undeliverable"))
	if err != nil {
		return nil, fmt.Errorf("failed to create relay.dropped: %w", err)
	}

	failures, err := meter.Int64Counter("publish.failures",
		metric.WithDescription("Messages dropped after publish retries ran out"))
	if err != nil {
		return nil, fmt.Errorf("failed to create publish.failures: %w", err)
	}

	return &SyncMetrics{
		relayRecipients: recipients,
		relayLatency:    latency,
		relayDropped:    dropped,
		publishFailures: failures,
	}, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *SyncMetrics {
	m, _ := NewSyncMetrics(noop.NewMeterProvider().Meter(ServiceName))
	return m
}

// RecordRelay records one relayed event.
func (m *SyncMetrics) RecordRelay(ctx context.Context, kind string, recipients int, latencyMS float64) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.relayRecipients.Add(ctx, int64(recipients), attrs)
	if latencyMS >= 0 {
		m.relayLatency.Record(ctx, latencyMS, attrs)
	}
}

// RecordDropped counts an inbound payload that was not relayed.
func (m *SyncMetrics) RecordDropped(ctx context.Context, reason string) {
	m.relayDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPublishFailure counts a message given up on by the publisher.
func (m *SyncMetrics) RecordPublishFailure(ctx context.Context, kind string) {
	m.publishFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
