package checker

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
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

var (
	checkMetricsOnce sync.Once
	checkMetricsErr  error
	checkDuration    metric.Float64Histogram
	checksTotal      metric.Int64Counter
)

func ensureCheckMetrics() error {
	checkMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("certa.compliance.checker")
		var err error
		checkDuration, err = meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem("policy", "check_seconds"),
			metric.WithDescription("Consensus policy check duration"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(monitoringmetrics.JobDurationBuckets...),
		)
		if err != nil {
			checkMetricsErr = err
			return
		}
		checksTotal, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("policy", "checks_total"),
			metric.WithDescription("Policy checks by outcome"),
		)
		checkMetricsErr = err
	})
	return checkMetricsErr
}

func recordCheck(ctx context.Context, outcome string, duration time.Duration) {
	if err := ensureCheckMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	checkDuration.Record(ctx, duration.Seconds(), attrs)
	checksTotal.Add(ctx, 1, attrs)
}
