package healing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failure(severity ErrorSeverity) *ErrorContext {
	return &ErrorContext{
		ErrorID:      fmt.Sprintf("err-%s", severity),
		Timestamp:    time.Now(),
		Severity:     severity,
		Category:     CategoryNetwork,
		ErrorType:    "ConnectionError",
		ErrorMessage: "connection reset",
		Component:    "api",
		Operation:    "fetch",
	}
}

func TestComponentHealth_Empty(t *testing.T) {
	h := NewComponentHealth("api", 0)

	assert.Equal(t, "api", h.Name())
	assert.Equal(t, 0.0, h.ErrorRate())
	assert.Equal(t, 1.0, h.SuccessRate())
	assert.Equal(t, time.Duration(0), h.AvgResponseTime())
	assert.Equal(t, StatusHealthy, h.EvaluateHealth())
}

func TestComponentHealth_WindowNeverExceedsCapacity(t *testing.T) {
	h := NewComponentHealth("api", 0)
	for i := 0; i < 150; i++ {
		h.RecordSuccess(time.Duration(i) * time.Millisecond)
	}
	for i := 0; i < 120; i++ {
		h.RecordFailure(failure(SeverityMedium), time.Millisecond)
	}

	times := h.ResponseTimes()
	assert.Len(t, times, DefaultWindowSize)
	assert.Len(t, h.RecentErrors(), DefaultWindowSize)
	assert.Equal(t, time.Millisecond, times[len(times)-1])
}

func TestComponentHealth_FailureWithoutLatency(t *testing.T) {
	h := NewComponentHealth("api", 10)
	h.RecordFailure(failure(SeverityMedium), 0)

	assert.Empty(t, h.ResponseTimes())
	assert.Len(t, h.RecentErrors(), 1)
	assert.Equal(t, 1.0, h.ErrorRate())
}

func TestComponentHealth_RecordFailureCopiesContext(t *testing.T) {
	h := NewComponentHealth("api", 10)
	ec := failure(SeverityMedium)
	h.RecordFailure(ec, 0)

	ec.Severity = SeverityCritical
	assert.Equal(t, SeverityMedium, h.RecentErrors()[0].Severity)
}

func TestComponentHealth_EvaluateHealth(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failures  int
		severity  ErrorSeverity
		latency   time.Duration
		want      HealthStatus
	}{
		{name: "all successes", successes: 10, latency: time.Millisecond, want: StatusHealthy},
		{name: "half failing", successes: 5, failures: 5, severity: SeverityMedium, latency: time.Millisecond, want: StatusCritical},
		{name: "twenty percent failing", successes: 8, failures: 2, severity: SeverityMedium, latency: time.Millisecond, want: StatusUnhealthy},
		{name: "five percent failing", successes: 19, failures: 1, severity: SeverityMedium, latency: time.Millisecond, want: StatusDegraded},
		{name: "slow but successful", successes: 3, latency: 6 * time.Second, want: StatusDegraded},
		{name: "recent critical error", successes: 99, failures: 1, severity: SeverityCritical, latency: time.Millisecond, want: StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewComponentHealth("svc", 0)
			for i := 0; i < tt.successes; i++ {
				h.RecordSuccess(tt.latency)
			}
			for i := 0; i < tt.failures; i++ {
				h.RecordFailure(failure(tt.severity), 0)
			}
			assert.Equal(t, tt.want, h.EvaluateHealth())
		})
	}
}

func TestComponentHealth_CriticalErrorAgesOut(t *testing.T) {
	h := NewComponentHealth("svc", 0)
	for i := 0; i < 1000; i++ {
		h.RecordSuccess(time.Millisecond)
	}
	h.RecordFailure(failure(SeverityCritical), 0)
	assert.Equal(t, StatusCritical, h.EvaluateHealth())

	for i := 0; i < criticalLookback; i++ {
		h.RecordFailure(failure(SeverityMedium), 0)
	}
	assert.Equal(t, StatusHealthy, h.EvaluateHealth())
}

func TestComponentHealth_Report(t *testing.T) {
	h := NewComponentHealth("db", 20)
	h.RecordSuccess(10 * time.Millisecond)
	h.RecordSuccess(30 * time.Millisecond)
	for i := 0; i < 7; i++ {
		h.RecordFailure(failure(SeverityHigh), 0)
	}

	report := h.Report()
	assert.Equal(t, "db", report.Name)
	assert.Equal(t, int64(9), report.TotalRequests)
	assert.Equal(t, int64(7), report.FailedRequests)
	assert.InDelta(t, 7.0/9.0, report.ErrorRate, 1e-9)
	assert.InDelta(t, 2.0/9.0, report.SuccessRate, 1e-9)
	assert.InDelta(t, 20.0, report.AvgResponseTimeMs, 1e-9)
	assert.Equal(t, 20, report.WindowSize)
	assert.Len(t, report.RecentErrors, criticalLookback)
	assert.Equal(t, StatusCritical, report.Status)
	require.NotNil(t, report.LastSuccess)
	require.NotNil(t, report.LastFailure)
}

func TestComponentHealth_Reset(t *testing.T) {
	h := NewComponentHealth("db", 0)
	h.RecordSuccess(time.Millisecond)
	h.RecordFailure(failure(SeverityCritical), time.Millisecond)
	h.Reset()

	report := h.Report()
	assert.Equal(t, int64(0), report.TotalRequests)
	assert.Empty(t, report.RecentErrors)
	assert.Nil(t, report.LastSuccess)
	assert.Nil(t, report.LastFailure)
	assert.Equal(t, StatusHealthy, report.Status)
}
