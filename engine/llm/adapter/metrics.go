package llmadapter

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	monitoringmetrics "github.com/certa-labs/certa/engine/infra/monitoring/metrics"
)

var (
	completionMetricsOnce sync.Once
	completionMetricsErr  error
	completionLatency     metric.Float64Histogram
	completionCalls       metric.Int64Counter
	completionErrors      metric.Int64Counter
)

func ensureCompletionMetrics() error {
	completionMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("certa.llm.adapter")
		var err error
		completionLatency, err = meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem("llm", "completion_seconds"),
			metric.WithDescription("Completion call latency including retries"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(monitoringmetrics.ProviderDurationBuckets...),
		)
		if err != nil {
			completionMetricsErr = err
			return
		}
		completionCalls, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("llm", "completions_total"),
			metric.WithDescription("Completion calls by outcome"),
		)
		if err != nil {
			completionMetricsErr = err
			return
		}
		completionErrors, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("llm", "attempt_errors_total"),
			metric.WithDescription("Failed completion attempts by error code"),
		)
		completionMetricsErr = err
	})
	return completionMetricsErr
}

func recordCompletion(ctx context.Context, provider, model string, duration time.Duration, success bool) {
	if ensureCompletionMetrics() != nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	completionLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	))
	completionCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	))
}

func recordCompletionError(ctx context.Context, provider, model, code string) {
	if ensureCompletionMetrics() != nil {
		return
	}
	completionErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("error_code", code),
	))
}
