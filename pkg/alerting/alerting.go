package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/autoheal/pkg/healing"
	"github.com/NikhilSetiya/autoheal/pkg/logging"
	"github.com/NikhilSetiya/autoheal/pkg/metrics"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// SystemComponent is the component name used for system-wide health alerts.
const SystemComponent = "system"

var (
	// ErrRateLimited is returned when a component has exceeded its alert budget.
	ErrRateLimited = errors.New("alert rate limit exceeded")
	// ErrTooManyAlerts is returned when MaxAlerts alerts are already active.
	ErrTooManyAlerts = errors.New("maximum number of active alerts reached")
	// ErrAlertNotFound is returned when resolving an alert that is not active.
	ErrAlertNotFound = errors.New("alert not found")
)

// Alert represents an alert
type Alert struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    Severity          `json:"severity"`
	Component   string            `json:"component"`
	Timestamp   time.Time         `json:"timestamp"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	Resolved    bool              `json:"resolved"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}

func (a *Alert) clone() *Alert {
	c := *a
	c.Labels = cloneMap(a.Labels)
	c.Annotations = cloneMap(a.Annotations)
	if a.ResolvedAt != nil {
		at := *a.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// NotificationChannel represents a notification channel
type NotificationChannel interface {
	Send(ctx context.Context, alert *Alert) error
	Name() string
}

// Config holds alerting configuration
type Config struct {
	Enabled      bool          `json:"enabled"`
	AlertTimeout time.Duration `json:"alert_timeout"`
	MaxAlerts    int           `json:"max_alerts"`
	// RatePerMinute limits new alerts per component; zero disables limiting.
	RatePerMinute float64 `json:"rate_per_minute"`
	Burst         int     `json:"burst"`
}

// DefaultConfig returns default alerting configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		AlertTimeout:  10 * time.Second,
		MaxAlerts:     1000,
		RatePerMinute: 6,
		Burst:         3,
	}
}

// Service tracks active alerts and fans them out to notification channels.
// It plugs into the healing engine as a Notifier and a RecoveryListener, and
// into the health monitor through HealthAlertCallback.
type Service struct {
	channels     []NotificationChannel
	activeAlerts map[string]*Alert
	limiters     map[string]*rate.Limiter
	logger       *logging.Logger
	metrics      *metrics.Metrics
	mutex        sync.RWMutex
	config       *Config
	now          func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithMetrics counts deliveries per channel.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a new alerting service
func NewService(logger *logging.Logger, config *Config, opts ...Option) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AlertTimeout <= 0 {
		config.AlertTimeout = DefaultConfig().AlertTimeout
	}
	if config.MaxAlerts <= 0 {
		config.MaxAlerts = DefaultConfig().MaxAlerts
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	s := &Service{
		channels:     make([]NotificationChannel, 0),
		activeAlerts: make(map[string]*Alert),
		limiters:     make(map[string]*rate.Limiter),
		logger:       logger,
		config:       config,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddChannel adds a notification channel
func (s *Service) AddChannel(channel NotificationChannel) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.channels = append(s.channels, channel)
}

// Channels returns the names of the configured channels.
func (s *Service) Channels() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	names := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		names = append(names, ch.Name())
	}
	return names
}

// TriggerAlert records a copy of alert and notifies every channel. An alert
// whose ID is already active is updated in place without notifying again.
func (s *Service) TriggerAlert(ctx context.Context, alert *Alert) error {
	if !s.config.Enabled {
		return nil
	}

	s.mutex.Lock()

	if alert.Timestamp.IsZero() {
		alert.Timestamp = s.now()
	}
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("%s-%d", alert.Component, alert.Timestamp.UnixNano())
	}

	if existing, exists := s.activeAlerts[alert.ID]; exists {
		existing.Description = alert.Description
		existing.Timestamp = alert.Timestamp
		existing.Labels = cloneMap(alert.Labels)
		existing.Annotations = cloneMap(alert.Annotations)
		s.mutex.Unlock()
		return nil
	}

	if len(s.activeAlerts) >= s.config.MaxAlerts {
		s.mutex.Unlock()
		s.logger.WithContext(ctx).Warn("Maximum number of active alerts reached, dropping alert")
		return ErrTooManyAlerts
	}

	if !s.allow(alert.Component) {
		s.mutex.Unlock()
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"alert_id":  alert.ID,
			"component": alert.Component,
		}).Warn("Alert rate limited")
		return ErrRateLimited
	}

	stored := alert.clone()
	s.activeAlerts[alert.ID] = stored
	snapshot := stored.clone()
	s.mutex.Unlock()

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"alert_id":  alert.ID,
		"title":     alert.Title,
		"severity":  alert.Severity,
		"component": alert.Component,
	}).Warn("Alert triggered")

	return s.sendNotifications(ctx, snapshot)
}

// allow must be called with the mutex held.
func (s *Service) allow(component string) bool {
	if s.config.RatePerMinute <= 0 {
		return true
	}
	limiter, ok := s.limiters[component]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.config.RatePerMinute/60), s.config.Burst)
		s.limiters[component] = limiter
	}
	return limiter.AllowN(s.now(), 1)
}

// ResolveAlert removes an active alert and notifies every channel. The alert
// is resolved even when delivery fails; only a missing alert returns
// ErrAlertNotFound.
func (s *Service) ResolveAlert(ctx context.Context, alertID string) error {
	s.mutex.Lock()
	alert, exists := s.activeAlerts[alertID]
	if !exists {
		s.mutex.Unlock()
		return fmt.Errorf("alert %s: %w", alertID, ErrAlertNotFound)
	}
	delete(s.activeAlerts, alertID)
	s.mutex.Unlock()

	return s.resolve(ctx, alert)
}

// ResolveComponent resolves every active alert for component and returns
// how many were resolved.
func (s *Service) ResolveComponent(ctx context.Context, component string) int {
	s.mutex.Lock()
	var resolved []*Alert
	for id, alert := range s.activeAlerts {
		if alert.Component == component {
			resolved = append(resolved, alert)
			delete(s.activeAlerts, id)
		}
	}
	s.mutex.Unlock()

	for _, alert := range resolved {
		if err := s.resolve(ctx, alert); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("Failed to deliver alert resolution")
		}
	}
	return len(resolved)
}

func (s *Service) resolve(ctx context.Context, alert *Alert) error {
	now := s.now()
	alert.Resolved = true
	alert.ResolvedAt = &now

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"alert_id":  alert.ID,
		"title":     alert.Title,
		"component": alert.Component,
		"duration":  now.Sub(alert.Timestamp).String(),
	}).Info("Alert resolved")

	return s.sendNotifications(ctx, alert)
}

// GetActiveAlerts returns copies of all active alerts, oldest first
func (s *Service) GetActiveAlerts() []Alert {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	alerts := make([]Alert, 0, len(s.activeAlerts))
	for _, alert := range s.activeAlerts {
		alerts = append(alerts, *alert.clone())
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})

	return alerts
}

// GetAlert returns a copy of a specific alert
func (s *Service) GetAlert(alertID string) (Alert, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	alert, exists := s.activeAlerts[alertID]
	if !exists {
		return Alert{}, false
	}
	return *alert.clone(), true
}

// sendNotifications delivers alert to all channels concurrently and waits
// for them, bounded by AlertTimeout. Delivery is detached from the caller's
// cancellation so a finished request does not drop its alert.
func (s *Service) sendNotifications(ctx context.Context, alert *Alert) error {
	s.mutex.RLock()
	channels := make([]NotificationChannel, len(s.channels))
	copy(channels, s.channels)
	s.mutex.RUnlock()

	if len(channels) == 0 {
		return nil
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.AlertTimeout)
	defer cancel()

	errs := make([]error, len(channels))
	var wg sync.WaitGroup
	for i, channel := range channels {
		wg.Add(1)
		go func(i int, ch NotificationChannel) {
			defer wg.Done()

			err := ch.Send(sendCtx, alert)
			s.metrics.RecordAlert(ch.Name(), err == nil)
			if err != nil {
				s.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
					"channel":  ch.Name(),
					"alert_id": alert.ID,
				}).Error("Failed to send alert notification")
				errs[i] = fmt.Errorf("%s: %w", ch.Name(), err)
			}
		}(i, channel)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// NotifyRecovery implements healing.Notifier. Escalations are critical;
// alerts are warnings.
func (s *Service) NotifyRecovery(ctx context.Context, action healing.RecoveryAction, ec *healing.ErrorContext) error {
	if ec == nil {
		return nil
	}

	severity := SeverityWarning
	title := fmt.Sprintf("Recovery alert for %s", ec.Component)
	if action == healing.ActionEscalate {
		severity = SeverityCritical
		title = fmt.Sprintf("Escalation: %s is failing", ec.Component)
	}

	return s.TriggerAlert(ctx, &Alert{
		ID:          fmt.Sprintf("%s:%s", ec.Component, action),
		Title:       title,
		Description: ec.ErrorMessage,
		Severity:    severity,
		Component:   ec.Component,
		Labels: map[string]string{
			"action":   string(action),
			"category": string(ec.Category),
			"severity": string(ec.Severity),
		},
		Annotations: map[string]string{
			"error_id":   ec.ErrorID,
			"error_type": ec.ErrorType,
			"operation":  ec.Operation,
		},
	})
}

// OnRecovery implements healing.RecoveryListener: a successful recovery
// resolves the component's open alerts.
func (s *Service) OnRecovery(ctx context.Context, result healing.RecoveryResult) error {
	if !result.Success || result.Error == nil {
		return nil
	}
	s.ResolveComponent(ctx, result.Error.Component)
	return nil
}

// HealthAlertCallback returns a monitor callback that raises one alert per
// system health check at or above the monitor's threshold.
func (s *Service) HealthAlertCallback() healing.AlertCallback {
	return func(ctx context.Context, result healing.HealthCheckResult) error {
		severity := SeverityInfo
		switch result.Status {
		case healing.StatusCritical:
			severity = SeverityCritical
		case healing.StatusUnhealthy:
			severity = SeverityWarning
		}

		labels := map[string]string{"status": string(result.Status)}
		for _, name := range result.UnhealthyComponents {
			labels[name] = string(result.Components[name].Status)
		}

		return s.TriggerAlert(ctx, &Alert{
			ID:          SystemComponent + ":health",
			Title:       fmt.Sprintf("System health is %s", result.Status),
			Description: result.Message,
			Severity:    severity,
			Component:   SystemComponent,
			Timestamp:   result.Timestamp,
			Labels:      labels,
		})
	}
}

// ReconcileHealth resolves the system health alert once result has dropped
// below threshold. It reports whether an alert was resolved.
func (s *Service) ReconcileHealth(ctx context.Context, result healing.HealthCheckResult, threshold healing.HealthStatus) bool {
	if result.Status.AtLeast(threshold) {
		return false
	}
	err := s.ResolveAlert(ctx, SystemComponent+":health")
	if errors.Is(err, ErrAlertNotFound) {
		return false
	}
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to deliver health alert resolution")
	}
	return true
}
