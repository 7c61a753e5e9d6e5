package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/NikhilSetiya/autoheal/pkg/alerting"
	"github.com/NikhilSetiya/autoheal/pkg/healing"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Logging  LoggingConfig  `json:"logging"`
	Tracing  TracingConfig  `json:"tracing"`
	Metrics  MetricsConfig  `json:"metrics"`
	Healing  HealingConfig  `json:"healing"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
}

// DatabaseConfig contains connection settings for the recovery archive.
// The archive is disabled unless Enabled is set.
type DatabaseConfig struct {
	Enabled         bool          `json:"enabled"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// RedisConfig contains connection settings for the recovery journal.
// The journal is disabled unless Enabled is set.
type RedisConfig struct {
	Enabled       bool   `json:"enabled"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	PoolSize      int    `json:"pool_size"`
	JournalPrefix string `json:"journal_prefix"`
	JournalSize   int    `json:"journal_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	Environment    string  `json:"environment"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled         bool          `json:"enabled"`
	Namespace       string        `json:"namespace"`
	CollectInterval time.Duration `json:"collect_interval"`
}

// HealingConfig tunes the health monitor and recovery engine
type HealingConfig struct {
	CheckInterval       time.Duration `json:"check_interval"`
	AlertThreshold      string        `json:"alert_threshold"`
	WindowSize          int           `json:"window_size"`
	HistorySize         int           `json:"history_size"`
	RollbackHistorySize int           `json:"rollback_history_size"`
	ListenerTimeout     time.Duration `json:"listener_timeout"`

	RetryMaxAttempts     int           `json:"retry_max_attempts"`
	RetryInitialDelay    time.Duration `json:"retry_initial_delay"`
	RetryMaxDelay        time.Duration `json:"retry_max_delay"`
	RetryExponentialBase float64       `json:"retry_exponential_base"`
	RetryJitter          bool          `json:"retry_jitter"`

	BreakerFailureThreshold int           `json:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `json:"breaker_timeout"`
	BreakerHalfOpenMaxCalls int           `json:"breaker_half_open_max_calls"`
	BreakerSuccessThreshold int           `json:"breaker_success_threshold"`
}

// AlertingConfig configures alert delivery
type AlertingConfig struct {
	Enabled         bool              `json:"enabled"`
	SlackWebhookURL string            `json:"-"`
	SlackChannel    string            `json:"slack_channel"`
	TeamsWebhookURL string            `json:"-"`
	WebhookURL      string            `json:"-"`
	WebhookHeaders  map[string]string `json:"-"`
	DashboardURL    string            `json:"dashboard_url"`
	RatePerMinute   float64           `json:"rate_per_minute"`
	Burst           int               `json:"burst"`
	DeliveryTimeout time.Duration     `json:"delivery_timeout"`
	MaxActiveAlerts int               `json:"max_active_alerts"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  getEnvList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Enabled:         getEnvBool("DB_ENABLED", false),
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "autoheal"),
			User:            getEnvString("DB_USER", "autoheal"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:       getEnvBool("REDIS_ENABLED", false),
			Host:          getEnvString("REDIS_HOST", "localhost"),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnvString("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PoolSize:      getEnvInt("REDIS_POOL_SIZE", 10),
			JournalPrefix: getEnvString("REDIS_JOURNAL_PREFIX", "autoheal"),
			JournalSize:   getEnvInt("REDIS_JOURNAL_SIZE", healing.DefaultHistorySize),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Metrics: MetricsConfig{
			Enabled:         getEnvBool("METRICS_ENABLED", true),
			Namespace:       getEnvString("METRICS_NAMESPACE", "autoheal"),
			CollectInterval: getEnvDuration("METRICS_COLLECT_INTERVAL", 15*time.Second),
		},
		Healing: HealingConfig{
			CheckInterval:       getEnvDuration("HEALING_CHECK_INTERVAL", healing.DefaultCheckInterval),
			AlertThreshold:      getEnvString("HEALING_ALERT_THRESHOLD", string(healing.StatusUnhealthy)),
			WindowSize:          getEnvInt("HEALING_WINDOW_SIZE", healing.DefaultWindowSize),
			HistorySize:         getEnvInt("HEALING_HISTORY_SIZE", healing.DefaultHistorySize),
			RollbackHistorySize: getEnvInt("HEALING_ROLLBACK_HISTORY_SIZE", healing.DefaultRollbackHistory),
			ListenerTimeout:     getEnvDuration("HEALING_LISTENER_TIMEOUT", healing.DefaultListenerTimeout),

			RetryMaxAttempts:     getEnvInt("HEALING_RETRY_MAX_ATTEMPTS", 3),
			RetryInitialDelay:    getEnvDuration("HEALING_RETRY_INITIAL_DELAY", time.Second),
			RetryMaxDelay:        getEnvDuration("HEALING_RETRY_MAX_DELAY", 30*time.Second),
			RetryExponentialBase: getEnvFloat("HEALING_RETRY_EXPONENTIAL_BASE", 2.0),
			RetryJitter:          getEnvBool("HEALING_RETRY_JITTER", true),

			BreakerFailureThreshold: getEnvInt("HEALING_BREAKER_FAILURE_THRESHOLD", 5),
			BreakerTimeout:          getEnvDuration("HEALING_BREAKER_TIMEOUT", 60*time.Second),
			BreakerHalfOpenMaxCalls: getEnvInt("HEALING_BREAKER_HALF_OPEN_MAX_CALLS", 1),
			BreakerSuccessThreshold: getEnvInt("HEALING_BREAKER_SUCCESS_THRESHOLD", 2),
		},
		Alerting: AlertingConfig{
			Enabled:         getEnvBool("ALERTING_ENABLED", true),
			SlackWebhookURL: getEnvString("SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnvString("SLACK_CHANNEL", ""),
			TeamsWebhookURL: getEnvString("TEAMS_WEBHOOK_URL", ""),
			WebhookURL:      getEnvString("ALERT_WEBHOOK_URL", ""),
			WebhookHeaders:  getEnvMap("ALERT_WEBHOOK_HEADERS"),
			DashboardURL:    getEnvString("DASHBOARD_URL", ""),
			RatePerMinute:   getEnvFloat("ALERT_RATE_PER_MINUTE", 6),
			Burst:           getEnvInt("ALERT_BURST", 3),
			DeliveryTimeout: getEnvDuration("ALERT_DELIVERY_TIMEOUT", 10*time.Second),
			MaxActiveAlerts: getEnvInt("ALERT_MAX_ACTIVE", 1000),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}

	if c.Database.Enabled && c.Database.Password == "" {
		return fmt.Errorf("database password is required when the archive is enabled")
	}

	if c.Redis.Enabled && c.Redis.JournalSize <= 0 {
		return fmt.Errorf("redis journal size must be positive")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1")
	}

	if _, ok := healing.ParseHealthStatus(c.Healing.AlertThreshold); !ok {
		return fmt.Errorf("invalid alert threshold %q", c.Healing.AlertThreshold)
	}

	if c.Healing.CheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}

	if c.Healing.RetryMaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}

	if c.Healing.RetryMaxDelay < c.Healing.RetryInitialDelay {
		return fmt.Errorf("retry max delay must not be below the initial delay")
	}

	for name, raw := range map[string]string{
		"slack webhook": c.Alerting.SlackWebhookURL,
		"teams webhook": c.Alerting.TeamsWebhookURL,
		"alert webhook": c.Alerting.WebhookURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s URL is invalid", name)
		}
	}

	return nil
}

// Address returns the listen address for the HTTP server
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DatabaseURL returns the database connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.Database.User),
		url.QueryEscape(c.Database.Password),
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the host:port of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// EngineConfig converts the healing settings for healing.NewEngine
func (h HealingConfig) EngineConfig() healing.EngineConfig {
	return healing.EngineConfig{
		Retry: healing.RetryConfig{
			MaxAttempts:     h.RetryMaxAttempts,
			InitialDelay:    h.RetryInitialDelay,
			MaxDelay:        h.RetryMaxDelay,
			ExponentialBase: h.RetryExponentialBase,
			Jitter:          h.RetryJitter,
		},
		CircuitBreaker: healing.CircuitBreakerConfig{
			FailureThreshold: h.BreakerFailureThreshold,
			Timeout:          h.BreakerTimeout,
			HalfOpenMaxCalls: h.BreakerHalfOpenMaxCalls,
			SuccessThreshold: h.BreakerSuccessThreshold,
		},
		HistorySize:     h.HistorySize,
		RollbackHistory: h.RollbackHistorySize,
		ListenerTimeout: h.ListenerTimeout,
	}
}

// MonitorConfig converts the healing settings for healing.NewHealthMonitor
func (h HealingConfig) MonitorConfig() healing.MonitorConfig {
	threshold, ok := healing.ParseHealthStatus(h.AlertThreshold)
	if !ok {
		threshold = healing.StatusUnhealthy
	}
	return healing.MonitorConfig{
		CheckInterval:  h.CheckInterval,
		AlertThreshold: threshold,
		WindowSize:     h.WindowSize,
	}
}

// ServiceConfig converts the alerting settings for alerting.NewService
func (a AlertingConfig) ServiceConfig() *alerting.Config {
	return &alerting.Config{
		Enabled:       a.Enabled,
		AlertTimeout:  a.DeliveryTimeout,
		MaxAlerts:     a.MaxActiveAlerts,
		RatePerMinute: a.RatePerMinute,
		Burst:         a.Burst,
	}
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

// getEnvMap parses "k1=v1,k2=v2"; malformed pairs are skipped
func getEnvMap(key string) map[string]string {
	result := make(map[string]string)
	for _, pair := range getEnvList(key, nil) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		result[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return result
}
