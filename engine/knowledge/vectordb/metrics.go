package vectordb

import (
	"context"
	"strings"
	"sync"
	"time"

	monitoringmetrics "github.com/certa-labs/certa/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const labelUnknownValue = "unknown"

var (
	vectorMetricsOnce   sync.Once
	vectorMetricsErr    error
	vectorSearchLatency metric.Float64Histogram
	vectorResultsCount  metric.Float64Histogram
	vectorErrorsTotal   metric.Int64Counter
)

// ensureVectorMetrics lazily initializes metric instruments used by the store.
func ensureVectorMetrics() error {
	vectorMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("certa.knowledge.vector")
		var err error
		vectorSearchLatency, err = meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem("vectordb", "similarity_search_seconds"),
			metric.WithDescription("Vector similarity search latency"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(monitoringmetrics.SearchDurationBuckets...),
		)
		if err != nil {
			vectorMetricsErr = err
			return
		}
		vectorResultsCount, err = meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem("vectordb", "similarity_results_per_search"),
			metric.WithDescription("Number of results returned per search"),
			metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 20, 50),
		)
		if err != nil {
			vectorMetricsErr = err
			return
		}
		vectorErrorsTotal, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("vectordb", "store_errors_total"),
			metric.WithDescription("Vector store operation errors"),
		)
		vectorMetricsErr = err
	})
	return vectorMetricsErr
}

func recordVectorSearch(ctx context.Context, topK int, duration time.Duration, resultCount int) {
	if err := ensureVectorMetrics(); err != nil {
		return
	}
	labels := metric.WithAttributes(attribute.Int("top_k", topK))
	vectorSearchLatency.Record(ctx, duration.Seconds(), labels)
	vectorResultsCount.Record(ctx, float64(resultCount), labels)
}

func recordVectorError(ctx context.Context, operation string, errorType string) {
	if err := ensureVectorMetrics(); err != nil || vectorErrorsTotal == nil {
		return
	}
	vectorErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", sanitizeLabel(operation)),
		attribute.String("error_type", sanitizeLabel(errorType)),
	))
}

func sanitizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return labelUnknownValue
	}
	return strings.ToLower(value)
}
