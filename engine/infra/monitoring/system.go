package monitoring

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	monitoringmetrics "github.com/certa-labs/certa/engine/infra/monitoring/metrics"
	"github.com/certa-labs/certa/pkg/logger"
	"github.com/certa-labs/certa/pkg/version"
)

var (
	buildInfo          metric.Float64Gauge
	uptimeGauge        metric.Float64ObservableGauge
	uptimeRegistration metric.Registration
	startTime          time.Time
	systemInitOnce     sync.Once
)

// initSystemMetrics initializes system health metrics
func initSystemMetrics(ctx context.Context, meter metric.Meter) {
	log := logger.FromContext(ctx)
	systemInitOnce.Do(func() {
		var err error
		buildInfo, err = meter.Float64Gauge(
			monitoringmetrics.MetricName("build_info"),
			metric.WithDescription("Build information (value=1)"),
		)
		if err != nil {
			log.Error("Failed to create build info gauge", "error", err)
		}
		// Create observable gauge for uptime
		uptimeGauge, err = meter.Float64ObservableGauge(
			monitoringmetrics.MetricName("uptime_seconds"),
			metric.WithDescription("Worker uptime in seconds"),
		)
		if err != nil {
			log.Error("Failed to create uptime gauge", "error", err)
			return
		}
		// Record start time for uptime calculation
		startTime = time.Now()
		// Register callback to observe uptime
		uptimeRegistration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			uptime := time.Since(startTime).Seconds()
			o.ObserveFloat64(uptimeGauge, uptime)
			return nil
		}, uptimeGauge)
		if err != nil {
			log.Error("Failed to register uptime callback", "error", err)
		}
	})
}

// recordBuildInfo records build information as a gauge metric with labels
func recordBuildInfo(ctx context.Context) {
	if buildInfo == nil {
		return
	}
	info := version.Get()
	buildInfo.Record(ctx, 1,
		metric.WithAttributes(
			attribute.String("version", info.Version),
			attribute.String("commit_hash", info.CommitHash),
			attribute.String("go_version", info.GoVersion),
		),
	)
	logger.FromContext(ctx).Info("System metrics initialized",
		"version", info.Version,
		"commit", info.CommitHash,
		"go_version", info.GoVersion,
	)
}

// InitSystemMetrics initializes system health metrics and records build info
func InitSystemMetrics(ctx context.Context, meter metric.Meter) {
	initSystemMetrics(ctx, meter)
	recordBuildInfo(ctx)
}

// resetSystemMetrics is used for testing purposes only
func resetSystemMetrics() {
	// Unregister callback if it exists
	if uptimeRegistration != nil {
		err := uptimeRegistration.Unregister()
		if err != nil {
			logger.FromContext(context.Background()).Error("Failed to unregister uptime callback during reset", "error", err)
		}
		uptimeRegistration = nil
	}
	buildInfo = nil
	uptimeGauge = nil
	startTime = time.Time{}
	systemInitOnce = sync.Once{}
}
