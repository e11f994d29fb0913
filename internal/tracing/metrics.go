package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the handful of otel/metric instruments wired into the
// physical-log writer and parallel dispatcher. Built over otel's global,
// no-op-by-default MeterProvider: counts are collected but go nowhere
// unless a caller registers a real MeterProvider via otel.SetMeterProvider
// before constructing a Metrics.
type Metrics struct {
	flushBatchSize metric.Int64Histogram
	dispatchGroup  metric.Int64Histogram
}

// NewMetrics builds the instrument set under meterName.
func NewMetrics(meterName string) *Metrics {
	meter := otel.Meter(meterName)

	flushBatchSize, _ := meter.Int64Histogram(
		"txlog.logwriter.flush_batch_size",
		metric.WithDescription("number of records included in one physical flush"),
		metric.WithUnit("{record}"),
	)
	dispatchGroup, _ := meter.Int64Histogram(
		"txlog.dispatch.group_size",
		metric.WithDescription("number of records in one parallel-dispatcher barrier-bounded group"),
		metric.WithUnit("{record}"),
	)

	return &Metrics{flushBatchSize: flushBatchSize, dispatchGroup: dispatchGroup}
}

// RecordFlushBatch records the size of one completed physical flush. A nil
// receiver is a safe no-op, so components can hold an unset *Metrics field.
func (m *Metrics) RecordFlushBatch(ctx context.Context, n int) {
	if m == nil || m.flushBatchSize == nil {
		return
	}
	m.flushBatchSize.Record(ctx, int64(n))
}

// RecordDispatchGroup records the size of one parallel-dispatcher group
// dispatched between barriers.
func (m *Metrics) RecordDispatchGroup(ctx context.Context, n int) {
	if m == nil || m.dispatchGroup == nil {
		return
	}
	m.dispatchGroup.Record(ctx, int64(n))
}
