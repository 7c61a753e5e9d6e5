package healing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/autoheal/pkg/logging"
	"github.com/NikhilSetiya/autoheal/pkg/metrics"
)

// DefaultCheckInterval is how often the monitoring loop evaluates health.
const DefaultCheckInterval = 30 * time.Second

// HealthCheckResult is the system-wide evaluation handed to alert callbacks.
type HealthCheckResult struct {
	Status              HealthStatus               `json:"status"`
	Timestamp           time.Time                  `json:"timestamp"`
	Components          map[string]ComponentReport `json:"components"`
	DegradedComponents  []string                   `json:"degraded_components"`
	UnhealthyComponents []string                   `json:"unhealthy_components"`
	Message             string                     `json:"message"`
}

// AlertCallback receives health-check results at or above the alert threshold.
type AlertCallback func(ctx context.Context, result HealthCheckResult) error

// MonitorConfig configures a HealthMonitor.
type MonitorConfig struct {
	CheckInterval  time.Duration
	AlertThreshold HealthStatus
	WindowSize     int
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CheckInterval:  DefaultCheckInterval,
		AlertThreshold: StatusUnhealthy,
		WindowSize:     DefaultWindowSize,
	}
}

// HealthMonitor owns one ComponentHealth per component name and evaluates
// system health, periodically when started.
type HealthMonitor struct {
	config  MonitorConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	components map[string]*ComponentHealth
	callbacks  []AlertCallback
	lastCheck  *HealthCheckResult

	loopMu  sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// MonitorOption customizes a HealthMonitor.
type MonitorOption func(*HealthMonitor)

// WithMonitorLogger sets the monitor's logger.
func WithMonitorLogger(logger *logging.Logger) MonitorOption {
	return func(m *HealthMonitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMonitorMetrics publishes health gauges to m.
func WithMonitorMetrics(mt *metrics.Metrics) MonitorOption {
	return func(m *HealthMonitor) {
		m.metrics = mt
	}
}

// NewHealthMonitor creates a monitor. Zero config fields take defaults.
func NewHealthMonitor(config MonitorConfig, opts ...MonitorOption) *HealthMonitor {
	defaults := DefaultMonitorConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.AlertThreshold == "" {
		config.AlertThreshold = defaults.AlertThreshold
	}
	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}

	m := &HealthMonitor{
		config:     config,
		logger:     logging.GetLogger(),
		components: make(map[string]*ComponentHealth),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterComponent returns the tracker for name, creating it on first use.
func (m *HealthMonitor) RegisterComponent(name string) *ComponentHealth {
	m.mu.RLock()
	health, ok := m.components[name]
	m.mu.RUnlock()
	if ok {
		return health
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if health, ok := m.components[name]; ok {
		return health
	}
	health = NewComponentHealth(name, m.config.WindowSize)
	m.components[name] = health
	m.logger.WithComponent(name).Info("Component registered for health monitoring")
	return health
}

// RecordSuccess records a successful request for component.
func (m *HealthMonitor) RecordSuccess(component string, responseTime time.Duration) {
	m.RegisterComponent(component).RecordSuccess(responseTime)
}

// RecordFailure records a failed request for component.
func (m *HealthMonitor) RecordFailure(component string, ec *ErrorContext, responseTime time.Duration) {
	m.RegisterComponent(component).RecordFailure(ec, responseTime)
}

// GetComponentHealth reports on one component. ok is false for unknown names.
func (m *HealthMonitor) GetComponentHealth(name string) (ComponentReport, bool) {
	m.mu.RLock()
	health, ok := m.components[name]
	m.mu.RUnlock()
	if !ok {
		return ComponentReport{}, false
	}
	return health.Report(), true
}

// ResetComponent clears a component's counters. It reports whether the
// component exists.
func (m *HealthMonitor) ResetComponent(name string) bool {
	m.mu.RLock()
	health, ok := m.components[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	health.Reset()
	m.logger.WithComponent(name).Info("Component health reset")
	return true
}

// Components returns the registered component names, sorted.
func (m *HealthMonitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetSystemHealth evaluates every component. The system status is the worst
// component status, or healthy when nothing is registered.
func (m *HealthMonitor) GetSystemHealth() HealthCheckResult {
	m.mu.RLock()
	trackers := make([]*ComponentHealth, 0, len(m.components))
	for _, health := range m.components {
		trackers = append(trackers, health)
	}
	m.mu.RUnlock()

	result := HealthCheckResult{
		Status:              StatusHealthy,
		Timestamp:           time.Now(),
		Components:          make(map[string]ComponentReport, len(trackers)),
		DegradedComponents:  []string{},
		UnhealthyComponents: []string{},
	}

	for _, health := range trackers {
		report := health.Report()
		result.Components[report.Name] = report
		m.metrics.SetComponentHealth(report.Name, report.Status.Level())

		switch {
		case report.Status.AtLeast(StatusUnhealthy):
			result.UnhealthyComponents = append(result.UnhealthyComponents, report.Name)
		case report.Status == StatusDegraded:
			result.DegradedComponents = append(result.DegradedComponents, report.Name)
		}

		if report.Status.Level() > result.Status.Level() {
			result.Status = report.Status
		}
	}

	sort.Strings(result.DegradedComponents)
	sort.Strings(result.UnhealthyComponents)
	result.Message = summarize(result)
	m.metrics.SetSystemHealth(result.Status.Level())

	return result
}

func summarize(result HealthCheckResult) string {
	total := len(result.Components)
	if total == 0 {
		return "no components registered"
	}
	if result.Status == StatusHealthy {
		return fmt.Sprintf("all %d components healthy", total)
	}
	return fmt.Sprintf("system %s: %d unhealthy, %d degraded of %d components",
		result.Status, len(result.UnhealthyComponents), len(result.DegradedComponents), total)
}

// AddAlertCallback registers a callback for health checks at or above the
// alert threshold.
func (m *HealthMonitor) AddAlertCallback(cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// LastCheck returns the most recent result produced by CheckNow.
func (m *HealthMonitor) LastCheck() (HealthCheckResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastCheck == nil {
		return HealthCheckResult{}, false
	}
	return *m.lastCheck, true
}

// CheckNow runs one evaluation cycle and dispatches alerts if the system
// status reaches the alert threshold. Callback errors are logged.
func (m *HealthMonitor) CheckNow(ctx context.Context) HealthCheckResult {
	result := m.GetSystemHealth()

	m.mu.Lock()
	m.lastCheck = &result
	callbacks := append([]AlertCallback(nil), m.callbacks...)
	m.mu.Unlock()

	m.logger.LogHealthEvent(ctx, "system", string(result.Status), map[string]interface{}{
		"components": len(result.Components),
		"unhealthy":  result.UnhealthyComponents,
	})

	if !result.Status.AtLeast(m.config.AlertThreshold) {
		return result
	}

	for _, cb := range callbacks {
		if err := m.invoke(ctx, cb, result); err != nil {
			m.logger.Error("Health alert callback failed", "error", err, "status", result.Status)
		}
	}
	return result
}

func (m *HealthMonitor) invoke(ctx context.Context, cb AlertCallback, result HealthCheckResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alert callback panicked: %v", r)
		}
	}()
	return cb(ctx, result)
}

// Start launches the monitoring loop. It is a no-op if already running.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.alive() {
		return
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.monitorLoop(ctx, m.stopCh, m.doneCh)
	m.logger.Info("Health monitor started", "check_interval", m.config.CheckInterval.String())
}

// Stop ends the monitoring loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if !m.running {
		return
	}

	close(m.stopCh)
	<-m.doneCh
	m.running = false
	m.logger.Info("Health monitor stopped")
}

// Running reports whether the monitoring loop is active.
func (m *HealthMonitor) Running() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.alive()
}

// alive reports whether the loop goroutine is still running. The loop also
// exits when the context passed to Start is cancelled. Callers hold loopMu.
func (m *HealthMonitor) alive() bool {
	if !m.running {
		return false
	}
	select {
	case <-m.doneCh:
		return false
	default:
		return true
	}
}

func (m *HealthMonitor) monitorLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			m.CheckNow(loopCtx)
		}
	}
}
