package recalc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// workerMetrics records queue throughput and replay latency.
type workerMetrics struct {
	processed metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

func newWorkerMetrics(meter metric.Meter) (*workerMetrics, error) {
	processed, err := meter.Int64Counter("recalc.tasks.processed",
		metric.WithDescription("Recalculation tasks completed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter recalc.tasks.processed: %w", err)
	}

	failed, err := meter.Int64Counter("recalc.tasks.failed",
		metric.WithDescription("Recalculation attempts that failed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter recalc.tasks.failed: %w", err)
	}

	duration, err := meter.Float64Histogram("recalc.replay.duration",
		metric.WithDescription("Duration of a single account replay"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram recalc.replay.duration: %w", err)
	}

	return &workerMetrics{processed: processed, failed: failed, duration: duration}, nil
}

// defaultWorkerMetrics uses the global meter provider, which is a no-op until one is installed.
func defaultWorkerMetrics() *workerMetrics {
	m, err := newWorkerMetrics(otel.Meter("avfuel/recalc"))
	if err != nil {
		return nil
	}
	return m
}

func (m *workerMetrics) taskProcessed(ctx context.Context, product string) {
	if m == nil {
		return
	}
	m.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("product", product)))
}

func (m *workerMetrics) taskFailed(ctx context.Context, product string) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("product", product)))
}

func (m *workerMetrics) replayDuration(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("success", ok)))
}
