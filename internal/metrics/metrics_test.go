package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sectorpulse/go-sector-flow/internal/config"
	"github.com/sectorpulse/go-sector-flow/internal/logger"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	loggerMgr, err := logger.NewManager(config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	t.Cleanup(func() { loggerMgr.Close() })

	return NewCollector(config.MetricsConfig{Enabled: true, Port: 0, Path: "/metrics"}, loggerMgr)
}

func TestRecordCounterAccumulates(t *testing.T) {
	c := newTestCollector(t)

	c.RecordCounter(MetricBarsIngested, 10, "bars stored", nil)
	c.RecordCounter(MetricBarsIngested, 5, "bars stored", nil)

	m, ok := c.GetMetric(MetricBarsIngested)
	require.True(t, ok)
	assert.Equal(t, MetricTypeCounter, m.Type)
	assert.Equal(t, 15.0, m.Value)
}

func TestRecordGaugeReplaces(t *testing.T) {
	c := newTestCollector(t)

	c.RecordGauge("tracked_instruments", 11, "universe size", nil)
	c.RecordGauge("tracked_instruments", 9, "universe size", nil)

	m, ok := c.GetMetric("tracked_instruments")
	require.True(t, ok)
	assert.Equal(t, 9.0, m.Value)
}

func TestRecordDurationAndError(t *testing.T) {
	c := newTestCollector(t)

	c.RecordDuration(MetricRefreshDuration, 250*time.Millisecond, "refresh time", nil)
	c.RecordError(MetricProviderErrors, "provider failure", map[string]string{"provider": "yahoo"})

	d, ok := c.GetMetric(MetricRefreshDuration)
	require.True(t, ok)
	assert.Equal(t, MetricTypeHistogram, d.Type)
	assert.InDelta(t, 250.0, d.Value, 0.01)

	snapshot := c.GetSnapshot()
	assert.Equal(t, int64(1), snapshot.ErrorCount)
}

func TestSnapshotErrorRate(t *testing.T) {
	c := newTestCollector(t)

	for i := 0; i < 3; i++ {
		c.RecordCounter(MetricQuotesFetched, 1, "quotes", nil)
	}
	c.RecordError(MetricProviderErrors, "failure", nil)

	snapshot := c.GetSnapshot()
	assert.Equal(t, int64(3), snapshot.RequestCount)
	assert.InDelta(t, 100.0/3.0, snapshot.ErrorRate, 0.01)
	assert.Greater(t, snapshot.SystemMetrics.GoroutineCount, 0)
}

func TestMetricsEndpoint(t *testing.T) {
	c := newTestCollector(t)
	c.RecordCounter(MetricFlowSnapshots, 2, "snapshots computed", nil)

	rec := httptest.NewRecorder()
	c.handleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, MetricFlowSnapshots)
	assert.Equal(t, 2.0, body[MetricFlowSnapshots]["value"])
}

type stubChecker struct{ err error }

func (s stubChecker) HealthCheck(ctx context.Context) error { return s.err }

func TestHealthEndpoint(t *testing.T) {
	c := newTestCollector(t)
	c.RegisterHealthChecker("storage", stubChecker{})

	rec := httptest.NewRecorder()
	c.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	c.RegisterHealthChecker("provider", stubChecker{err: errors.New("connection refused")})
	rec = httptest.NewRecorder()
	c.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])
	components := body["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["storage"])
	assert.Contains(t, components["provider"], "connection refused")
}

func TestStartDisabledIsNoop(t *testing.T) {
	loggerMgr, err := logger.NewManager(config.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	t.Cleanup(func() { loggerMgr.Close() })

	c := NewCollector(config.MetricsConfig{Enabled: false}, loggerMgr)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}
