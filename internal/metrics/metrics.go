// Package metrics provides in-process metrics collection and health
// monitoring for the flow pipeline. Metrics are exposed as JSON over a
// configurable HTTP endpoint along with health and readiness probes.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sectorpulse/go-sector-flow/internal/config"
	"github.com/sectorpulse/go-sector-flow/internal/logger"
)

// Well-known metric names recorded by the pipeline.
const (
	MetricBarsIngested    = "bars_ingested_total"
	MetricBarsSkipped     = "bars_skipped_total"
	MetricQuotesFetched   = "quotes_fetched_total"
	MetricProviderErrors  = "provider_errors_total"
	MetricFlowSnapshots   = "flow_snapshots_total"
	MetricRefreshDuration = "refresh_duration_ms"
)

// MetricType represents different types of metrics.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric represents a single metric with metadata.
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// HealthChecker is implemented by components that can report health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Snapshot represents all metrics at a point in time.
type Snapshot struct {
	Timestamp     time.Time         `json:"timestamp"`
	Uptime        time.Duration     `json:"uptime"`
	Metrics       map[string]Metric `json:"metrics"`
	SystemMetrics SystemMetrics     `json:"system_metrics"`
	RequestCount  int64             `json:"request_count"`
	ErrorCount    int64             `json:"error_count"`
	ErrorRate     float64           `json:"error_rate"`
}

// SystemMetrics represents runtime-level metrics.
type SystemMetrics struct {
	GoroutineCount int    `json:"goroutine_count"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNs      uint64 `json:"gc_pause_ns"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	HeapSys        uint64 `json:"heap_sys"`
	HeapInuse      uint64 `json:"heap_inuse"`
	StackInuse     uint64 `json:"stack_inuse"`
}

// Collector manages application metrics and the monitoring HTTP server.
type Collector struct {
	config    config.MetricsConfig
	logger    *logger.ComponentLogger
	server    *http.Server
	startTime time.Time

	mu       sync.RWMutex
	metrics  map[string]Metric
	checkers map[string]HealthChecker

	requestCount int64
	errorCount   int64
}

// NewCollector creates a metrics collector.
func NewCollector(cfg config.MetricsConfig, loggerMgr *logger.Manager) *Collector {
	return &Collector{
		config:    cfg,
		logger:    loggerMgr.GetComponentLogger("metrics"),
		startTime: time.Now(),
		metrics:   make(map[string]Metric),
		checkers:  make(map[string]HealthChecker),
	}
}

// Start launches the monitoring HTTP server when metrics are enabled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		c.logger.Info("metrics collection disabled")
		return nil
	}

	mux := http.NewServeMux()
	path := c.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux.HandleFunc(path, c.handleMetrics)
	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/debug/metrics", c.handleDebugMetrics)

	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.config.Port),
		Handler: mux,
	}

	go func() {
		c.logger.Info("metrics HTTP server starting", "addr", c.server.Addr, "path", path)
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the monitoring HTTP server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.server.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("error shutting down metrics server", "error", err)
		return err
	}
	c.logger.Info("metrics collector stopped")
	return nil
}

// RegisterHealthChecker registers a named component health checker.
func (c *Collector) RegisterHealthChecker(name string, checker HealthChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkers[name] = checker
}

// RecordCounter increments a counter metric by delta.
func (c *Collector) RecordCounter(name string, delta float64, description string, labels map[string]string) {
	c.recordMetric(name, MetricTypeCounter, delta, description, labels)
	atomic.AddInt64(&c.requestCount, 1)
}

// RecordGauge sets a gauge metric value.
func (c *Collector) RecordGauge(name string, value float64, description string, labels map[string]string) {
	c.recordMetric(name, MetricTypeGauge, value, description, labels)
}

// RecordError records an error counter.
func (c *Collector) RecordError(name, description string, labels map[string]string) {
	c.recordMetric(name, MetricTypeCounter, 1, description, labels)
	atomic.AddInt64(&c.errorCount, 1)
}

// RecordDuration records a duration metric in milliseconds.
func (c *Collector) RecordDuration(name string, duration time.Duration, description string, labels map[string]string) {
	ms := float64(duration.Nanoseconds()) / float64(time.Millisecond)
	c.recordMetric(name, MetricTypeHistogram, ms, description, labels)
}

func (c *Collector) recordMetric(name string, metricType MetricType, value float64, description string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	existing, exists := c.metrics[name]
	if exists {
		if metricType == MetricTypeCounter {
			existing.Value += value
		} else {
			existing.Value = value
		}
		existing.UpdatedAt = now
		c.metrics[name] = existing
		return
	}

	c.metrics[name] = Metric{
		Name:        name,
		Type:        metricType,
		Value:       value,
		Labels:      labels,
		Description: description,
		UpdatedAt:   now,
	}
}

// GetMetric returns a metric by name.
func (c *Collector) GetMetric(name string) (Metric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metrics[name]
	return m, ok
}

// GetSnapshot returns a snapshot of all current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	metricsCopy := make(map[string]Metric, len(c.metrics))
	for k, v := range c.metrics {
		metricsCopy[k] = v
	}
	c.mu.RUnlock()

	requestCount := atomic.LoadInt64(&c.requestCount)
	errorCount := atomic.LoadInt64(&c.errorCount)
	var errorRate float64
	if requestCount > 0 {
		errorRate = float64(errorCount) / float64(requestCount) * 100
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Snapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(c.startTime),
		Metrics:   metricsCopy,
		SystemMetrics: SystemMetrics{
			GoroutineCount: runtime.NumGoroutine(),
			NumGC:          m.NumGC,
			GCPauseNs:      m.PauseTotalNs,
			HeapAlloc:      m.HeapAlloc,
			HeapSys:        m.HeapSys,
			HeapInuse:      m.HeapInuse,
			StackInuse:     m.StackInuse,
		},
		RequestCount: requestCount,
		ErrorCount:   errorCount,
		ErrorRate:    errorRate,
	}
}

func (c *Collector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := c.GetSnapshot()

	output := make(map[string]interface{}, len(snapshot.Metrics))
	for name, metric := range snapshot.Metrics {
		output[name] = map[string]interface{}{
			"value":       metric.Value,
			"type":        metric.Type,
			"description": metric.Description,
			"labels":      metric.Labels,
			"updated_at":  metric.UpdatedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(output)
}

func (c *Collector) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c.mu.RLock()
	checkers := make(map[string]HealthChecker, len(c.checkers))
	for name, checker := range c.checkers {
		checkers[name] = checker
	}
	c.mu.RUnlock()

	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(c.startTime).String(),
	}

	components := make(map[string]string, len(checkers))
	healthy := true
	for name, checker := range checkers {
		if err := checker.HealthCheck(ctx); err != nil {
			components[name] = err.Error()
			healthy = false
		} else {
			components[name] = "ok"
		}
	}
	if len(components) > 0 {
		status["components"] = components
	}
	if !healthy {
		status["status"] = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (c *Collector) handleDebugMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.GetSnapshot())
}
