package embedder

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
	embedMetricsOnce sync.Once
	embedMetricsErr  error
	embedLatency     metric.Float64Histogram
	embedTexts       metric.Int64Counter
	embedErrors      metric.Int64Counter
	embedCacheLookup metric.Int64Counter
)

func ensureEmbedMetrics() error {
	embedMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("certa.knowledge.embedder")
		var err error
		embedLatency, err = meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem("embedder", "request_seconds"),
			metric.WithDescription("Embedding request latency"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(monitoringmetrics.ProviderDurationBuckets...),
		)
		if err != nil {
			embedMetricsErr = err
			return
		}
		embedTexts, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("embedder", "texts_total"),
			metric.WithDescription("Texts embedded by provider"),
		)
		if err != nil {
			embedMetricsErr = err
			return
		}
		embedErrors, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("embedder", "errors_total"),
			metric.WithDescription("Embedding provider errors by category"),
		)
		if err != nil {
			embedMetricsErr = err
			return
		}
		embedCacheLookup, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("embedder", "cache_lookups_total"),
			metric.WithDescription("Embedding cache lookups by result"),
		)
		embedMetricsErr = err
	})
	return embedMetricsErr
}

func recordGeneration(ctx context.Context, provider Provider, model string, texts int, duration time.Duration) {
	if ensureEmbedMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("model", model),
	)
	embedLatency.Record(ctx, duration.Seconds(), attrs)
	embedTexts.Add(ctx, int64(texts), attrs)
}

func recordError(ctx context.Context, provider Provider, model string, category errorCategory) {
	if ensureEmbedMetrics() != nil {
		return
	}
	embedErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("model", model),
		attribute.String("error_type", string(category)),
	))
}

func recordCacheLookup(ctx context.Context, provider Provider, hit bool) {
	if ensureEmbedMetrics() != nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	embedCacheLookup.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("result", result),
	))
}
