package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NikhilSetiya/autoheal/internal/notifications/channels"
	"github.com/NikhilSetiya/autoheal/internal/store"
	"github.com/NikhilSetiya/autoheal/pkg/alerting"
	"github.com/NikhilSetiya/autoheal/pkg/config"
	"github.com/NikhilSetiya/autoheal/pkg/health"
	"github.com/NikhilSetiya/autoheal/pkg/healing"
	"github.com/NikhilSetiya/autoheal/pkg/logging"
	"github.com/NikhilSetiya/autoheal/pkg/metrics"
	"github.com/NikhilSetiya/autoheal/pkg/tracing"
)

const (
	// ServiceName identifies the daemon in logs, metrics and traces
	ServiceName = "autoheal"

	dependencyAlertPrefix = "dependency:"
	collectTimeout        = 5 * time.Second
	webhookTimeout        = 10 * time.Second
)

// Service wires logging, metrics, health checks, tracing and alerting
// together for the healing daemon.
type Service struct {
	config   *config.Config
	version  string
	logger   *logging.Logger
	zap      *zap.Logger
	metrics  *metrics.Metrics
	health   *health.Service
	tracing  *tracing.TracingService
	alerting *alerting.Service

	collector *metrics.MetricsCollector
}

type options struct {
	registerer prometheus.Registerer
	exporter   trace.SpanExporter
}

// Option customizes a Service
type Option func(*options)

// WithRegisterer registers metrics somewhere other than the default registry
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithSpanExporter replaces the Jaeger exporter
func WithSpanExporter(exporter trace.SpanExporter) Option {
	return func(o *options) {
		o.exporter = exporter
	}
}

// NewService creates a new observability service
func NewService(cfg *config.Config, version string, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	zapLogger, err := newZapLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notification logger: %w", err)
	}

	namespace := cfg.Metrics.Namespace
	if namespace == "" {
		namespace = ServiceName
	}
	metricsService := metrics.NewMetrics(&metrics.Config{
		Namespace:  namespace,
		Enabled:    cfg.Metrics.Enabled,
		Registerer: o.registerer,
	})

	healthService := health.NewService(logger, &health.Config{
		Timeout: 5 * time.Second,
		Metadata: map[string]string{
			"service":     ServiceName,
			"version":     version,
			"environment": cfg.Tracing.Environment,
		},
	})

	tracingService, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		Exporter:       o.exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	alertingService := alerting.NewService(logger, cfg.Alerting.ServiceConfig(), alerting.WithMetrics(metricsService))

	return &Service{
		config:   cfg,
		version:  version,
		logger:   logger,
		zap:      zapLogger,
		metrics:  metricsService,
		health:   healthService,
		tracing:  tracingService,
		alerting: alertingService,
	}, nil
}

func newZapLogger(level string) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	// logrus level names zap does not know
	switch level {
	case "warning":
		level = "warn"
	case "trace":
		level = "debug"
	}
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		zapConfig.Level = zap.NewAtomicLevelAt(parsed)
	}
	zapConfig.InitialFields = map[string]interface{}{"service": ServiceName}
	return zapConfig.Build()
}

// Logger returns the logger instance
func (s *Service) Logger() *logging.Logger {
	return s.logger
}

// Metrics returns the metrics instance
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Health returns the health service instance
func (s *Service) Health() *health.Service {
	return s.health
}

// Tracing returns the tracing service instance
func (s *Service) Tracing() *tracing.TracingService {
	return s.tracing
}

// Alerting returns the alerting service instance
func (s *Service) Alerting() *alerting.Service {
	return s.alerting
}

// SetupAlertChannels adds a notification channel for every configured
// webhook and returns the channel names.
func (s *Service) SetupAlertChannels() []string {
	cfg := s.config.Alerting

	if cfg.SlackWebhookURL != "" {
		s.alerting.AddChannel(alerting.NewSlackChannel(
			cfg.SlackWebhookURL,
			cfg.SlackChannel,
			"autoheal",
			":rotating_light:",
		).WithHTTPClient(s.webhookClient()))
	}

	if cfg.TeamsWebhookURL != "" {
		s.alerting.AddChannel(channels.NewTeamsChannel(cfg.TeamsWebhookURL, cfg.DashboardURL, s.zap).
			WithHTTPClient(s.webhookClient()))
	}

	if cfg.WebhookURL != "" {
		s.alerting.AddChannel(alerting.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookHeaders).
			WithHTTPClient(s.webhookClient()))
	}

	names := s.alerting.Channels()
	if len(names) == 0 {
		s.logger.Warn("No alert channels configured, alerts will only be logged")
	} else {
		s.logger.Info("Alert channels configured", "channels", names)
	}
	return names
}

// webhookClient returns an HTTP client whose requests are traced
func (s *Service) webhookClient() *http.Client {
	return s.tracing.InstrumentHTTPClient(&http.Client{Timeout: webhookTimeout})
}

// SetupHealthChecks registers dependency checks. journal and archive may be nil.
func (s *Service) SetupHealthChecks(monitor *healing.HealthMonitor, journal *store.Journal, archive *store.Archive) {
	if archive != nil {
		s.health.RegisterChecker("database", health.NewDatabaseChecker(archive, "PostgreSQL"))
	}

	if journal != nil {
		s.health.RegisterChecker("redis", health.NewRedisChecker(journal, "Redis"))
	}

	if monitor != nil {
		s.health.RegisterChecker("monitor", health.NewMonitorChecker(monitor, "health monitor"))
	}
}

// AttachEngine routes the engine's alert and escalate actions, its recovery
// results and the monitor's threshold breaches into the alerting service.
func (s *Service) AttachEngine(engine *healing.Engine) {
	engine.SetNotifier(s.alerting)
	engine.AddListener(s.alerting)
	engine.Monitor().AddAlertCallback(s.alerting.HealthAlertCallback())
}

// Collectors returns the periodic jobs the daemon runs: pool gauges, the
// persisted breaker snapshot and alert reconciliation.
func (s *Service) Collectors(ctx context.Context, engine *healing.Engine, journal *store.Journal, archive *store.Archive) []metrics.CollectFunc {
	threshold := s.config.Healing.MonitorConfig().AlertThreshold

	collectors := []metrics.CollectFunc{
		func(m *metrics.Metrics) {
			result, ok := engine.Monitor().LastCheck()
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, collectTimeout)
			defer cancel()
			if s.alerting.ReconcileHealth(cctx, result, threshold) {
				s.logger.Info("System health recovered", "status", string(result.Status))
			}
		},
		func(m *metrics.Metrics) {
			cctx, cancel := context.WithTimeout(ctx, collectTimeout)
			defer cancel()
			s.CheckDependencies(cctx)
		},
	}

	if archive != nil {
		collectors = append(collectors, func(m *metrics.Metrics) {
			stats := archive.Stats()
			m.UpdateDatabaseConnections(stats.OpenConnections, stats.Idle, stats.MaxOpenConnections)
		})
	}

	if journal != nil {
		collectors = append(collectors, func(m *metrics.Metrics) {
			if stats := journal.Stats(); stats != nil {
				m.UpdateRedisConnections(int(stats.TotalConns), int(stats.IdleConns), int(stats.StaleConns))
			}
		})
		collectors = append(collectors, func(m *metrics.Metrics) {
			cctx, cancel := context.WithTimeout(ctx, collectTimeout)
			defer cancel()
			if err := journal.SaveBreakerStates(cctx, engine.CircuitBreakerStates()); err != nil {
				s.logger.LogError(cctx, err, "Failed to persist circuit breaker states", nil)
			}
		})
	}

	return collectors
}

// StartCollector runs the collectors every Metrics.CollectInterval until ctx
// is done or Shutdown is called.
func (s *Service) StartCollector(ctx context.Context, engine *healing.Engine, journal *store.Journal, archive *store.Archive) {
	interval := s.config.Metrics.CollectInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.collector = metrics.NewMetricsCollector(s.metrics, interval, s.Collectors(ctx, engine, journal, archive)...)
	go s.collector.Start(ctx)
}

// CheckDependencies raises an alert for each failing dependency check and
// resolves the alerts of checks that pass again.
func (s *Service) CheckDependencies(ctx context.Context) *health.HealthResponse {
	response := s.health.CheckHealth(ctx)

	for name, check := range response.Checks {
		alertID := dependencyAlertPrefix + name

		switch check.Status {
		case health.StatusUnhealthy, health.StatusDegraded:
			severity := alerting.SeverityCritical
			if check.Status == health.StatusDegraded {
				severity = alerting.SeverityWarning
			}
			detail := check.Message
			if check.Error != "" {
				detail = check.Error
			}
			err := s.alerting.TriggerAlert(ctx, &alerting.Alert{
				ID:          alertID,
				Title:       fmt.Sprintf("Dependency check %s: %s", check.Status, name),
				Description: detail,
				Severity:    severity,
				Component:   alertID,
				Labels: map[string]string{
					"check_name": name,
					"category":   "dependency",
				},
				Annotations: map[string]string{
					"duration": check.Duration.String(),
				},
			})
			if err != nil {
				s.logger.LogError(ctx, err, "Failed to raise dependency alert", logging.Fields{"check": name})
			}
		default:
			if _, active := s.alerting.GetAlert(alertID); active {
				if err := s.alerting.ResolveAlert(ctx, alertID); err != nil {
					s.logger.LogError(ctx, err, "Failed to resolve dependency alert", logging.Fields{"check": name})
				}
			}
		}
	}

	return response
}

// Shutdown stops the collector and flushes traces
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.WithContext(ctx).Info("Shutting down observability service")

	if s.collector != nil {
		s.collector.Stop()
		s.collector = nil
	}

	_ = s.zap.Sync()

	if err := s.tracing.Shutdown(ctx); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to shutdown tracing service")
		return err
	}

	s.logger.WithContext(ctx).Info("Observability service shutdown complete")
	return nil
}
