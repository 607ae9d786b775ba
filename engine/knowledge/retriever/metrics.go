package retriever

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
	outcomeAnswered     = "answered"
	outcomeInsufficient = "insufficient_content"
	outcomeError        = "error"
)

var (
	queryMetricsOnce sync.Once
	queryMetricsErr  error
	queryLatency     metric.Float64Histogram
	queryTotal       metric.Int64Counter
	emptyRetrievals  metric.Int64Counter
)

func ensureQueryMetrics() error {
	queryMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("certa.knowledge.retriever")
		var err error
		queryLatency, err = meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem("retriever", "query_seconds"),
			metric.WithDescription("Grounded query latency including the completion call"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(monitoringmetrics.ProviderDurationBuckets...),
		)
		if err != nil {
			queryMetricsErr = err
			return
		}
		queryTotal, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("retriever", "queries_total"),
			metric.WithDescription("Grounded queries by outcome"),
		)
		if err != nil {
			queryMetricsErr = err
			return
		}
		emptyRetrievals, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem("retriever", "empty_retrievals_total"),
			metric.WithDescription("Queries answered with the insufficient content sentinel"),
		)
		queryMetricsErr = err
	})
	return queryMetricsErr
}

func recordQuery(ctx context.Context, outcome string, duration time.Duration) {
	if err := ensureQueryMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	queryLatency.Record(ctx, duration.Seconds(), attrs)
	queryTotal.Add(ctx, 1, attrs)
}

func recordEmptyRetrieval(ctx context.Context) {
	if err := ensureQueryMetrics(); err != nil {
		return
	}
	emptyRetrievals.Add(ctx, 1)
}
