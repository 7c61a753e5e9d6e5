package healing

import (
	"time"
)

// ErrorSeverity ranks how badly a failure affects a component.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// Rank returns the ordinal of the severity; unknown values rank lowest.
func (s ErrorSeverity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s ErrorSeverity) AtLeast(other ErrorSeverity) bool {
	return s.Rank() >= other.Rank()
}

// ErrorCategory buckets failures by their likely cause.
type ErrorCategory string

const (
	CategoryNetwork        ErrorCategory = "network"
	CategoryAPI            ErrorCategory = "api"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryResource       ErrorCategory = "resource"
	CategoryDatabase       ErrorCategory = "database"
	CategoryValidation     ErrorCategory = "validation"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryUnknown        ErrorCategory = "unknown"
)

// ErrorContext describes one classified failure. Severity and category are
// fixed at detection time; only RetryCount, RecoveryAttempted and Recovered
// change afterwards, and only while the owning call is still recovering.
type ErrorContext struct {
	ErrorID      string         `json:"error_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Severity     ErrorSeverity  `json:"severity"`
	Category     ErrorCategory  `json:"category"`
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	StackTrace   string         `json:"stack_trace,omitempty"`
	Component    string         `json:"component"`
	Operation    string         `json:"operation"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	RetryCount        int  `json:"retry_count"`
	RecoveryAttempted bool `json:"recovery_attempted"`
	Recovered         bool `json:"recovered"`
}

// RecoveryAction tags the recovery path chosen for a failure.
type RecoveryAction string

const (
	ActionRetryWithBackoff RecoveryAction = "retry_with_backoff"
	ActionCircuitBreak     RecoveryAction = "circuit_break"
	ActionFallback         RecoveryAction = "fallback"
	ActionRollback         RecoveryAction = "rollback"
	ActionIgnore           RecoveryAction = "ignore"
	ActionEscalate         RecoveryAction = "escalate"
	ActionAlert            RecoveryAction = "alert"
)

// RecoveryResult records the outcome of one recovery attempt.
type RecoveryResult struct {
	Success    bool           `json:"success"`
	Action     RecoveryAction `json:"action"`
	Error      *ErrorContext  `json:"error_context,omitempty"`
	Attempts   int            `json:"attempts"`
	DurationMs float64        `json:"duration_ms"`
	ResolvedAt time.Time      `json:"resolved_at"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// Value is what the recovered operation returned.
	Value any `json:"-"`
	// LastErr is the last error seen while recovering.
	LastErr error `json:"-"`
}

// HealthStatus is the four-level health summary of a component or the system.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusCritical  HealthStatus = "critical"
)

// Level returns 0 for healthy up to 3 for critical.
func (s HealthStatus) Level() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	case StatusCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is as bad as other.
func (s HealthStatus) AtLeast(other HealthStatus) bool {
	return s.Level() >= other.Level()
}

// ParseHealthStatus parses a lowercase status name.
func ParseHealthStatus(value string) (HealthStatus, bool) {
	switch HealthStatus(value) {
	case StatusHealthy, StatusDegraded, StatusUnhealthy, StatusCritical:
		return HealthStatus(value), true
	default:
		return "", false
	}
}
