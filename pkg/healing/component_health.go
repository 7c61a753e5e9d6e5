package healing

import (
	"sync"
	"time"
)

const (
	// DefaultWindowSize is the capacity of each component's sliding windows.
	DefaultWindowSize = 100

	criticalLookback        = 5
	criticalErrorRate       = 0.5
	unhealthyErrorRate      = 0.2
	degradedErrorRate       = 0.05
	degradedAverageResponse = 5 * time.Second
)

// ComponentHealth tracks request outcomes and latencies for one component.
type ComponentHealth struct {
	name string

	mu             sync.RWMutex
	responseTimes  *window[time.Duration]
	recentErrors   *window[ErrorContext]
	totalRequests  int64
	failedRequests int64
	lastSuccess    time.Time
	lastFailure    time.Time
	registeredAt   time.Time
}

// ErrorSummary is the wire form of an error kept in a health window.
type ErrorSummary struct {
	ErrorID   string        `json:"error_id"`
	Timestamp time.Time     `json:"timestamp"`
	Severity  ErrorSeverity `json:"severity"`
	Category  ErrorCategory `json:"category"`
	ErrorType string        `json:"error_type"`
	Message   string        `json:"error_message"`
	Operation string        `json:"operation"`
}

// ComponentReport is a point-in-time view of a component's health.
type ComponentReport struct {
	Name              string         `json:"name"`
	Status            HealthStatus   `json:"status"`
	TotalRequests     int64          `json:"total_requests"`
	FailedRequests    int64          `json:"failed_requests"`
	ErrorRate         float64        `json:"error_rate"`
	SuccessRate       float64        `json:"success_rate"`
	AvgResponseTimeMs float64        `json:"avg_response_time_ms"`
	WindowSize        int            `json:"window_size"`
	RecentErrors      []ErrorSummary `json:"recent_errors"`
	LastSuccess       *time.Time     `json:"last_success,omitempty"`
	LastFailure       *time.Time     `json:"last_failure,omitempty"`
	RegisteredAt      time.Time      `json:"registered_at"`
}

// NewComponentHealth creates an empty tracker. A non-positive windowSize
// falls back to DefaultWindowSize.
func NewComponentHealth(name string, windowSize int) *ComponentHealth {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &ComponentHealth{
		name:          name,
		responseTimes: newWindow[time.Duration](windowSize),
		recentErrors:  newWindow[ErrorContext](windowSize),
		registeredAt:  time.Now(),
	}
}

// Name returns the component name.
func (h *ComponentHealth) Name() string {
	return h.name
}

// RecordSuccess counts a successful request and its latency.
func (h *ComponentHealth) RecordSuccess(responseTime time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.responseTimes.push(responseTime)
	h.lastSuccess = time.Now()
}

// RecordFailure counts a failed request. The error context is copied into
// the window; a zero responseTime is not added to the latency window.
func (h *ComponentHealth) RecordFailure(ec *ErrorContext, responseTime time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalRequests++
	h.failedRequests++
	if ec != nil {
		h.recentErrors.push(*ec)
	}
	if responseTime > 0 {
		h.responseTimes.push(responseTime)
	}
	h.lastFailure = time.Now()
}

// ErrorRate returns failed/total, or 0 before any request.
func (h *ComponentHealth) ErrorRate() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.errorRate()
}

// SuccessRate returns 1 - ErrorRate.
func (h *ComponentHealth) SuccessRate() float64 {
	return 1 - h.ErrorRate()
}

// AvgResponseTime averages the latency window.
func (h *ComponentHealth) AvgResponseTime() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.avgResponseTime()
}

// EvaluateHealth derives the component's status from its windows.
func (h *ComponentHealth) EvaluateHealth() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.evaluate()
}

// Reset clears counters and windows.
func (h *ComponentHealth) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.responseTimes.reset()
	h.recentErrors.reset()
	h.totalRequests = 0
	h.failedRequests = 0
	h.lastSuccess = time.Time{}
	h.lastFailure = time.Time{}
}

// RecentErrors returns the error window oldest first.
func (h *ComponentHealth) RecentErrors() []ErrorContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.recentErrors.values()
}

// ResponseTimes returns the latency window oldest first.
func (h *ComponentHealth) ResponseTimes() []time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.responseTimes.values()
}

// Report returns a snapshot including the last five errors.
func (h *ComponentHealth) Report() ComponentReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	errorRate := h.errorRate()
	report := ComponentReport{
		Name:              h.name,
		Status:            h.evaluate(),
		TotalRequests:     h.totalRequests,
		FailedRequests:    h.failedRequests,
		ErrorRate:         errorRate,
		SuccessRate:       1 - errorRate,
		AvgResponseTimeMs: float64(h.avgResponseTime()) / float64(time.Millisecond),
		WindowSize:        h.responseTimes.capacity(),
		RegisteredAt:      h.registeredAt,
	}

	recent := h.recentErrors.last(criticalLookback)
	report.RecentErrors = make([]ErrorSummary, 0, len(recent))
	for _, ec := range recent {
		report.RecentErrors = append(report.RecentErrors, ErrorSummary{
			ErrorID:   ec.ErrorID,
			Timestamp: ec.Timestamp,
			Severity:  ec.Severity,
			Category:  ec.Category,
			ErrorType: ec.ErrorType,
			Message:   ec.ErrorMessage,
			Operation: ec.Operation,
		})
	}

	if !h.lastSuccess.IsZero() {
		t := h.lastSuccess
		report.LastSuccess = &t
	}
	if !h.lastFailure.IsZero() {
		t := h.lastFailure
		report.LastFailure = &t
	}

	return report
}

func (h *ComponentHealth) errorRate() float64 {
	if h.totalRequests == 0 {
		return 0
	}
	return float64(h.failedRequests) / float64(h.totalRequests)
}

func (h *ComponentHealth) avgResponseTime() time.Duration {
	if h.responseTimes.len() == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range h.responseTimes.values() {
		total += d
	}
	return total / time.Duration(h.responseTimes.len())
}

func (h *ComponentHealth) evaluate() HealthStatus {
	for _, ec := range h.recentErrors.last(criticalLookback) {
		if ec.Severity == SeverityCritical {
			return StatusCritical
		}
	}

	errorRate := h.errorRate()
	switch {
	case errorRate >= criticalErrorRate:
		return StatusCritical
	case errorRate >= unhealthyErrorRate:
		return StatusUnhealthy
	case errorRate >= degradedErrorRate || h.avgResponseTime() > degradedAverageResponse:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
