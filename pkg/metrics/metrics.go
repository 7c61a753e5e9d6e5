package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Guarded operations
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	PanicsTotal       *prometheus.CounterVec

	// Recovery metrics
	RecoveriesTotal  *prometheus.CounterVec
	RecoveryDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState      *prometheus.GaugeVec
	CircuitBreakerRejections *prometheus.CounterVec

	// Health metrics
	ComponentHealthStatus *prometheus.GaugeVec
	SystemHealthStatus    prometheus.Gauge
	AlertsTotal           *prometheus.CounterVec

	// Backing stores
	DatabaseConnections *prometheus.GaugeVec
	RedisConnections    *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`

	// Registerer defaults to prometheus.DefaultRegisterer. Tests pass a
	// fresh registry so repeated construction does not panic.
	Registerer prometheus.Registerer `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "autoheal",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	registerer := config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}

	durationBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "operations_total",
				Help:      "Total number of operations executed with recovery",
			},
			[]string{"component", "outcome"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Duration of the first attempt of guarded operations",
				Buckets:   durationBuckets,
			},
			[]string{"component"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of classified errors",
			},
			[]string{"component", "category", "severity"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics recovered from guarded operations",
			},
			[]string{"component"},
		),

		RecoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recoveries_total",
				Help:      "Total number of recovery attempts",
			},
			[]string{"component", "action", "status"},
		),
		RecoveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "recovery_duration_seconds",
				Help:      "Recovery attempt duration in seconds",
				Buckets:   durationBuckets,
			},
			[]string{"action"},
		),

		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"component"},
		),
		CircuitBreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_rejections_total",
				Help:      "Total number of calls rejected by an open circuit breaker",
			},
			[]string{"component"},
		),

		ComponentHealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "component_health_status",
				Help:      "Component health (0=healthy, 1=degraded, 2=unhealthy, 3=critical)",
			},
			[]string{"component"},
		),
		SystemHealthStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "system_health_status",
				Help:      "Worst component health (0=healthy, 1=degraded, 2=unhealthy, 3=critical)",
			},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_total",
				Help:      "Total number of alert deliveries",
			},
			[]string{"channel", "status"},
		),

		DatabaseConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "database_connections",
				Help:      "Number of database connections",
			},
			[]string{"state"},
		),
		RedisConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "redis_connections",
				Help:      "Number of Redis connections",
			},
			[]string{"state"},
		),

		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.OperationsTotal,
		m.OperationDuration,
		m.ErrorsTotal,
		m.PanicsTotal,
		m.RecoveriesTotal,
		m.RecoveryDuration,
		m.CircuitBreakerState,
		m.CircuitBreakerRejections,
		m.ComponentHealthStatus,
		m.SystemHealthStatus,
		m.AlertsTotal,
		m.DatabaseConnections,
		m.RedisConnections,
	)

	return m
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordOperation records the first attempt of a guarded operation
func (m *Metrics) RecordOperation(component string, success bool, duration time.Duration) {
	if m == nil || m.OperationsTotal == nil {
		return
	}

	m.OperationsTotal.WithLabelValues(component, status(success)).Inc()
	m.OperationDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordError records a classified error
func (m *Metrics) RecordError(component, category, severity string) {
	if m == nil || m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, category, severity).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m == nil || m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// RecordRecovery records the outcome of a recovery attempt
func (m *Metrics) RecordRecovery(component, action string, success bool, duration time.Duration) {
	if m == nil || m.RecoveriesTotal == nil {
		return
	}

	m.RecoveriesTotal.WithLabelValues(component, action, status(success)).Inc()
	m.RecoveryDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// SetCircuitBreakerState records the current breaker state ordinal
func (m *Metrics) SetCircuitBreakerState(component string, state int) {
	if m == nil || m.CircuitBreakerState == nil {
		return
	}

	m.CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// RecordCircuitRejection counts a call shed by an open breaker
func (m *Metrics) RecordCircuitRejection(component string) {
	if m == nil || m.CircuitBreakerRejections == nil {
		return
	}

	m.CircuitBreakerRejections.WithLabelValues(component).Inc()
}

// SetComponentHealth records a component's health ordinal
func (m *Metrics) SetComponentHealth(component string, level int) {
	if m == nil || m.ComponentHealthStatus == nil {
		return
	}

	m.ComponentHealthStatus.WithLabelValues(component).Set(float64(level))
}

// SetSystemHealth records the system health ordinal
func (m *Metrics) SetSystemHealth(level int) {
	if m == nil || m.SystemHealthStatus == nil {
		return
	}

	m.SystemHealthStatus.Set(float64(level))
}

// RecordAlert records an alert delivery attempt
func (m *Metrics) RecordAlert(channel string, success bool) {
	if m == nil || m.AlertsTotal == nil {
		return
	}

	m.AlertsTotal.WithLabelValues(channel, status(success)).Inc()
}

// UpdateDatabaseConnections updates database connection metrics
func (m *Metrics) UpdateDatabaseConnections(open, idle, max int) {
	if m == nil || m.DatabaseConnections == nil {
		return
	}

	m.DatabaseConnections.WithLabelValues("open").Set(float64(open))
	m.DatabaseConnections.WithLabelValues("idle").Set(float64(idle))
	m.DatabaseConnections.WithLabelValues("max").Set(float64(max))
}

// UpdateRedisConnections updates Redis connection metrics
func (m *Metrics) UpdateRedisConnections(total, idle, stale int) {
	if m == nil || m.RedisConnections == nil {
		return
	}

	m.RedisConnections.WithLabelValues("total").Set(float64(total))
	m.RedisConnections.WithLabelValues("idle").Set(float64(idle))
	m.RedisConnections.WithLabelValues("stale").Set(float64(stale))
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil || m.HTTPRequestsInFlight == nil {
			c.Next()
			return
		}

		path := c.FullPath()
		m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		start := time.Now()
		c.Next()

		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// CollectFunc refreshes gauges that are sampled rather than event driven.
type CollectFunc func(m *Metrics)

// MetricsCollector runs collect functions periodically
type MetricsCollector struct {
	metrics    *Metrics
	interval   time.Duration
	collectors []CollectFunc
	stopCh     chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, collectors ...CollectFunc) *MetricsCollector {
	return &MetricsCollector{
		metrics:    metrics,
		interval:   interval,
		collectors: collectors,
		stopCh:     make(chan struct{}),
	}
}

// Start begins metrics collection. It blocks until ctx is done or Stop is called.
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collect()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

func (mc *MetricsCollector) collect() {
	for _, collect := range mc.collectors {
		collect(mc.metrics)
	}
}
