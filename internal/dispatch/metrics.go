package dispatch

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics tracks delivery statistics. Counts are mirrored to OpenTelemetry
// counters (no-ops unless an SDK is installed) and kept in atomics for the
// status API.
type Metrics struct {
	sent    atomic.Int64
	queued  atomic.Int64
	retried atomic.Int64
	dropped atomic.Int64

	otelSent    metric.Int64Counter
	otelQueued  metric.Int64Counter
	otelRetried metric.Int64Counter
	otelDropped metric.Int64Counter
}

// MetricsSnapshot is a point-in-time view of delivery statistics.
type MetricsSnapshot struct {
	Sent    int64 `json:"sent"`
	Queued  int64 `json:"queued"`
	Retried int64 `json:"retried"`
	Dropped int64 `json:"dropped"`
}

// NewMetrics creates a delivery metrics tracker.
func NewMetrics() *Metrics {
	meter := otel.Meter("github.com/thebtf/solvetrack/internal/dispatch")

	m := &Metrics{}
	m.otelSent, _ = meter.Int64Counter("solvetrack.events.sent")
	m.otelQueued, _ = meter.Int64Counter("solvetrack.events.queued")
	m.otelRetried, _ = meter.Int64Counter("solvetrack.events.retried")
	m.otelDropped, _ = meter.Int64Counter("solvetrack.events.dropped")
	return m
}

// RecordSent records a confirmed delivery.
func (m *Metrics) RecordSent(ctx context.Context) {
	m.sent.Add(1)
	if m.otelSent != nil {
		m.otelSent.Add(ctx, 1)
	}
}

// RecordQueued records a payload entering the retry queue.
func (m *Metrics) RecordQueued(ctx context.Context) {
	m.queued.Add(1)
	if m.otelQueued != nil {
		m.otelQueued.Add(ctx, 1)
	}
}

// RecordRetried records a delivery attempt out of the retry queue.
func (m *Metrics) RecordRetried(ctx context.Context) {
	m.retried.Add(1)
	if m.otelRetried != nil {
		m.otelRetried.Add(ctx, 1)
	}
}

// RecordDropped records a payload evicted on queue overflow.
func (m *Metrics) RecordDropped(ctx context.Context) {
	m.dropped.Add(1)
	if m.otelDropped != nil {
		m.otelDropped.Add(ctx, 1)
	}
}

// Snapshot returns the current statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Sent:    m.sent.Load(),
		Queued:  m.queued.Load(),
		Retried: m.retried.Load(),
		Dropped: m.dropped.Load(),
	}
}
