package monitoring

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/certa-labs/certa/pkg/config"
	"github.com/certa-labs/certa/pkg/logger"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	return logger.ContextWithLogger(t.Context(), logger.NewForTests())
}

func TestConfig(t *testing.T) {
	t.Run("Should stay disabled without a metrics address", func(t *testing.T) {
		cfg := FromWorkerConfig(&appconfig.WorkerConfig{})
		assert.False(t, cfg.Enabled)
		assert.Equal(t, DefaultPath, cfg.Path)
	})

	t.Run("Should enable metrics with an address", func(t *testing.T) {
		cfg := FromWorkerConfig(&appconfig.WorkerConfig{MetricsAddr: " :9464 "})
		assert.True(t, cfg.Enabled)
		assert.Equal(t, ":9464", cfg.Addr)
		require.NoError(t, cfg.Validate())
	})

	t.Run("Should reject invalid paths and addresses", func(t *testing.T) {
		assert.ErrorContains(t, (&Config{Path: ""}).Validate(), "cannot be empty")
		assert.ErrorContains(t, (&Config{Path: "metrics"}).Validate(), "must start with '/'")
		assert.ErrorContains(t, (&Config{Path: "/m?x=1"}).Validate(), "query parameters")
		assert.Error(t, (&Config{Enabled: true, Addr: "nope", Path: "/metrics"}).Validate())
	})
}

func TestMonitoringService(t *testing.T) {
	t.Run("Should use a no-op meter when disabled", func(t *testing.T) {
		service, err := NewMonitoringService(testContext(t), nil)
		require.NoError(t, err)
		assert.False(t, service.IsInitialized())
		assert.NotNil(t, service.Meter())

		w := httptest.NewRecorder()
		service.ExporterHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		require.NoError(t, service.Start(testContext(t)))
		require.NoError(t, service.Shutdown(testContext(t)))
	})

	t.Run("Should export instruments in Prometheus format", func(t *testing.T) {
		ctx := testContext(t)
		resetSystemMetrics()
		t.Cleanup(resetSystemMetrics)
		service, err := NewMonitoringService(ctx, &Config{Enabled: true, Path: DefaultPath})
		require.NoError(t, err)
		defer service.Shutdown(ctx)
		counter, err := service.Meter().Int64Counter("certa_test_events_total")
		require.NoError(t, err)
		counter.Add(ctx, 2)

		w := httptest.NewRecorder()
		service.ExporterHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
		assert.Contains(t, w.Body.String(), "certa_test_events_total")
		assert.Contains(t, w.Body.String(), "certa_build_info")
	})

	t.Run("Should register exported instruments in the registry", func(t *testing.T) {
		ctx := testContext(t)
		resetSystemMetrics()
		t.Cleanup(resetSystemMetrics)
		service, err := NewMonitoringService(ctx, &Config{Enabled: true, Path: DefaultPath})
		require.NoError(t, err)
		defer service.Shutdown(ctx)
		counter, err := service.Meter().Int64Counter("certa_test_jobs_total")
		require.NoError(t, err)
		counter.Add(ctx, 3)

		families, err := service.registry.Gather()
		require.NoError(t, err)
		var found *dto.MetricFamily
		for _, mf := range families {
			if mf.GetName() == "certa_test_jobs_total" {
				found = mf
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, dto.MetricType_COUNTER, found.GetType())
		require.Len(t, found.GetMetric(), 1)
		assert.InDelta(t, 3, found.GetMetric()[0].GetCounter().GetValue(), 0)
	})

	t.Run("Should serve the endpoint on the configured address", func(t *testing.T) {
		ctx := testContext(t)
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())

		resetSystemMetrics()
		t.Cleanup(resetSystemMetrics)
		service, err := NewMonitoringService(ctx, &Config{Enabled: true, Addr: addr, Path: DefaultPath})
		require.NoError(t, err)
		require.NoError(t, service.Start(ctx))
		require.NoError(t, service.Start(ctx))

		client := &http.Client{Timeout: 2 * time.Second}
		var resp *http.Response
		require.Eventually(t, func() bool {
			resp, err = client.Get("http://" + addr + DefaultPath)
			return err == nil
		}, 2*time.Second, 20*time.Millisecond)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "certa_uptime_seconds")

		require.NoError(t, service.Shutdown(ctx))
		_, err = client.Get("http://" + addr + DefaultPath)
		assert.Error(t, err)
	})

	t.Run("Should degrade to a no-op service on invalid config", func(t *testing.T) {
		service := NewMonitoringServiceWithFallback(testContext(t), &Config{Enabled: true, Path: "bad"})
		assert.False(t, service.IsInitialized())
		assert.Error(t, service.InitializationError())
		assert.NotNil(t, service.Meter())
	})
}
