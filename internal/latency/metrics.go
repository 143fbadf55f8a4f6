package latency

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StageDurationMetric is shared with the server so client and server
// timings land in the same histogram family.
const StageDurationMetric = "loqa.interview.stage.duration"

// MetricsObserver exports sealed records as histogram samples.
type MetricsObserver struct {
	stage metric.Float64Histogram
	cycle metric.Float64Histogram
	side  attribute.KeyValue
}

func NewMetricsObserver(meter metric.Meter) (*MetricsObserver, error) {
	stage, err := meter.Float64Histogram(StageDurationMetric,
		metric.WithDescription("Duration of one interview stage"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage histogram: %w", err)
	}
	cycle, err := meter.Float64Histogram("loqa.interview.cycle.duration",
		metric.WithDescription("Sum of all stage durations for one question"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycle histogram: %w", err)
	}
	return &MetricsObserver{stage: stage, cycle: cycle, side: attribute.String("side", "client")}, nil
}

func (m *MetricsObserver) ObserveRecord(r Record) {
	ctx := context.Background()
	for _, s := range Stages {
		m.stage.Record(ctx, r.Get(s), metric.WithAttributes(m.side, attribute.String("stage", string(s))))
	}
	m.cycle.Record(ctx, r.Total(), metric.WithAttributes(m.side))
}
