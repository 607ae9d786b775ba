package worker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	monitoringmetrics "github.com/certa-labs/certa/engine/infra/monitoring/metrics"
)

const (
	jobOutcomeCompleted = "completed"
	jobOutcomeFailed    = "failed"
)

var (
	jobMetricsOnce sync.Once
	jobMetricsErr  error
	jobDuration    metric.Float64Histogram
	jobsTotal      metric.Int64Counter
)

func ensureJobMetrics() error {
	jobMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("certa.worker")
		var err error
		jobDuration, err = meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem("job", "duration_seconds"),
			metric.WithDescription("Compliance job duration from dequeue to final write"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(monitoringmetrics.JobDurationBuckets...),
		)
		if err != nil {
			jobMetricsErr = err
			return
		}
		jobsTotal, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("job", "processed_total"),
			metric.WithDescription("Compliance jobs processed by outcome"),
		)
		jobMetricsErr = err
	})
	return jobMetricsErr
}

func recordJob(ctx context.Context, outcome string, duration time.Duration) {
	if err := ensureJobMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	jobDuration.Record(ctx, duration.Seconds(), attrs)
	jobsTotal.Add(ctx, 1, attrs)
}
