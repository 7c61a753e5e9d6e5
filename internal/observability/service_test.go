package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/NikhilSetiya/autoheal/pkg/alerting"
	"github.com/NikhilSetiya/autoheal/pkg/config"
	"github.com/NikhilSetiya/autoheal/pkg/health"
	"github.com/NikhilSetiya/autoheal/pkg/healing"
)

func testConfig() *config.Config {
	return &config.Config{
		Logging: config.LoggingConfig{Level: "error", Format: "json", Output: "stdout"},
		Metrics: config.MetricsConfig{Enabled: true, Namespace: "autoheal_obs", CollectInterval: 10 * time.Millisecond},
		Healing: config.HealingConfig{AlertThreshold: "unhealthy"},
		Alerting: config.AlertingConfig{
			Enabled:         true,
			DeliveryTimeout: time.Second,
			MaxActiveAlerts: 10,
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := NewService(cfg, "test", WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

func TestNewService(t *testing.T) {
	svc := newTestService(t, testConfig())

	assert.NotNil(t, svc.Logger())
	assert.NotNil(t, svc.Metrics())
	assert.NotNil(t, svc.Health())
	assert.NotNil(t, svc.Alerting())
	assert.False(t, svc.Tracing().Enabled())

	_, err := NewService(nil, "test")
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Logging.Level = "chatty"
	_, err = NewService(cfg, "test", WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
}

func TestNewService_TracingWithExporter(t *testing.T) {
	cfg := testConfig()
	cfg.Tracing = config.TracingConfig{Enabled: true, SampleRate: 1, Environment: "test"}
	exporter := tracetest.NewInMemoryExporter()

	svc, err := NewService(cfg, "test", WithRegisterer(prometheus.NewRegistry()), WithSpanExporter(exporter))
	require.NoError(t, err)
	assert.True(t, svc.Tracing().Enabled())

	_, span := svc.Tracing().StartSpan(context.Background(), "probe")
	span.End()
	require.NoError(t, svc.Shutdown(context.Background()))
}

func TestSetupAlertChannels(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Alerting.SlackWebhookURL = server.URL + "/slack"
	cfg.Alerting.TeamsWebhookURL = server.URL + "/teams"
	cfg.Alerting.WebhookURL = server.URL + "/hook"
	svc := newTestService(t, cfg)

	names := svc.SetupAlertChannels()
	assert.ElementsMatch(t, []string{"slack", "teams", "webhook"}, names)

	require.NoError(t, svc.Alerting().TriggerAlert(context.Background(), &alerting.Alert{
		ID:        "api:alert",
		Title:     "api failing",
		Severity:  alerting.SeverityWarning,
		Component: "api",
	}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestSetupAlertChannels_None(t *testing.T) {
	svc := newTestService(t, testConfig())
	assert.Empty(t, svc.SetupAlertChannels())
}

func TestAttachEngine(t *testing.T) {
	svc := newTestService(t, testConfig())
	monitor := healing.NewHealthMonitor(healing.DefaultMonitorConfig(), healing.WithMonitorLogger(svc.Logger()))
	engine := healing.NewEngine(healing.DefaultEngineConfig(), monitor, healing.WithLogger(svc.Logger()))
	svc.AttachEngine(engine)

	_, err := engine.ExecuteWithRecovery(context.Background(), "checkout", "submit", func(ctx context.Context) (any, error) {
		return nil, errors.New("validation error in payload")
	})
	require.Error(t, err)

	alert, ok := svc.Alerting().GetAlert("checkout:alert")
	require.True(t, ok)
	assert.Equal(t, alerting.SeverityWarning, alert.Severity)

	// A later successful recovery for the component resolves its alerts.
	engine.RegisterFallbacks("checkout", func(ctx context.Context) (any, error) {
		return "cached", nil
	})
	value, err := engine.ExecuteWithRecovery(context.Background(), "checkout", "submit", func(ctx context.Context) (any, error) {
		return nil, errors.New("service unavailable")
	})
	require.NoError(t, err)
	assert.Equal(t, "cached", value)
	_, ok = svc.Alerting().GetAlert("checkout:alert")
	assert.False(t, ok)
}

func TestCheckDependencies(t *testing.T) {
	svc := newTestService(t, testConfig())

	var failing atomic.Bool
	failing.Store(true)
	svc.Health().RegisterChecker("queue", health.NewCustomChecker("queue", func(ctx context.Context) (health.Status, string, error) {
		if failing.Load() {
			return health.StatusUnhealthy, "", errors.New("connection refused")
		}
		return health.StatusHealthy, "ok", nil
	}))

	response := svc.CheckDependencies(context.Background())
	assert.Equal(t, health.StatusUnhealthy, response.Status)

	alert, ok := svc.Alerting().GetAlert("dependency:queue")
	require.True(t, ok)
	assert.Equal(t, alerting.SeverityCritical, alert.Severity)
	assert.Equal(t, "dependency", alert.Labels["category"])

	failing.Store(false)
	response = svc.CheckDependencies(context.Background())
	assert.Equal(t, health.StatusHealthy, response.Status)
	_, ok = svc.Alerting().GetAlert("dependency:queue")
	assert.False(t, ok)
}

func TestSetupHealthChecks_Monitor(t *testing.T) {
	svc := newTestService(t, testConfig())
	monitor := healing.NewHealthMonitor(healing.DefaultMonitorConfig(), healing.WithMonitorLogger(svc.Logger()))
	svc.SetupHealthChecks(monitor, nil, nil)

	response := svc.Health().CheckHealth(context.Background())
	require.Contains(t, response.Checks, "monitor")
	assert.NotContains(t, response.Checks, "redis")
	assert.NotContains(t, response.Checks, "database")
	assert.Equal(t, health.StatusUnhealthy, response.Checks["monitor"].Status)

	monitor.Start(context.Background())
	defer monitor.Stop()
	response = svc.Health().CheckHealth(context.Background())
	assert.Equal(t, health.StatusHealthy, response.Checks["monitor"].Status)
}

func TestCollectors_ReconcileSystemAlert(t *testing.T) {
	svc := newTestService(t, testConfig())
	monitor := healing.NewHealthMonitor(healing.MonitorConfig{AlertThreshold: healing.StatusUnhealthy}, healing.WithMonitorLogger(svc.Logger()))
	engine := healing.NewEngine(healing.DefaultEngineConfig(), monitor, healing.WithLogger(svc.Logger()))
	svc.AttachEngine(engine)

	for i := 0; i < 10; i++ {
		monitor.RecordFailure("db", &healing.ErrorContext{Component: "db"}, time.Millisecond)
	}
	monitor.CheckNow(context.Background())
	_, ok := svc.Alerting().GetAlert(alerting.SystemComponent + ":health")
	require.True(t, ok)

	monitor.ResetComponent("db")
	monitor.CheckNow(context.Background())

	collectors := svc.Collectors(context.Background(), engine, nil, nil)
	require.Len(t, collectors, 2)
	for _, collect := range collectors {
		collect(svc.Metrics())
	}

	_, ok = svc.Alerting().GetAlert(alerting.SystemComponent + ":health")
	assert.False(t, ok)
}

func TestStartCollector(t *testing.T) {
	svc := newTestService(t, testConfig())
	engine := healing.NewEngine(healing.DefaultEngineConfig(), nil, healing.WithLogger(svc.Logger()))
	svc.Health().RegisterChecker("cache", health.NewCustomChecker("cache", func(ctx context.Context) (health.Status, string, error) {
		return health.StatusDegraded, "slow", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartCollector(ctx, engine, nil, nil)

	require.Eventually(t, func() bool {
		_, ok := svc.Alerting().GetAlert("dependency:cache")
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Shutdown(context.Background()))
	assert.Nil(t, svc.collector)
}
