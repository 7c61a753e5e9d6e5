package healing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NikhilSetiya/autoheal/pkg/errors"
)

type plainTimeout struct{}

func (plainTimeout) Error() string { return "i/o wait exceeded" }

type FatalStartupError struct{ msg string }

func (e *FatalStartupError) Error() string { return e.msg }

func TestTypeName(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"app error reports class name", apperrors.NewTimeoutError("fetch"), "TimeoutError"},
		{"named error", apperrors.NewNamedError("ConnectionError", "reset"), "ConnectionError"},
		{"wrapped app error", fmt.Errorf("calling upstream: %w", apperrors.NewRateLimitError("slow down")), "RateLimitError"},
		{"pointer type strips prefix", &FatalStartupError{"boom"}, "FatalStartupError"},
		{"value type", plainTimeout{}, "plainTimeout"},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeName(tt.err))
		})
	}
}

func TestErrorDetector_Categorize(t *testing.T) {
	d := NewErrorDetector()

	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"timeout type wins over message", apperrors.NewNamedError("TimeoutError", "connection refused by database"), CategoryTimeout},
		{"auth type", apperrors.NewNamedError("AuthError", "nope"), CategoryAuthentication},
		{"permission type", apperrors.NewAuthorizationError("not allowed"), CategoryAuthentication},
		{"rate type", apperrors.NewRateLimitError("slow down"), CategoryRateLimit},
		{"connection type", apperrors.NewNamedError("ConnectionError", "reset"), CategoryNetwork},
		{"validation type", apperrors.NewValidationError("bad input"), CategoryValidation},
		{"database type", apperrors.NewDatabaseError("boom"), CategoryDatabase},
		{"sql type", apperrors.NewNamedError("SQLSyntaxError", "boom"), CategoryDatabase},
		{"network message", errors.New("dial tcp: connection refused"), CategoryNetwork},
		{"api message", errors.New("upstream returned bad gateway"), CategoryAPI},
		{"rate limit message", errors.New("429 too many requests"), CategoryRateLimit},
		{"auth message", errors.New("token expired"), CategoryAuthentication},
		{"resource message", errors.New("out of memory"), CategoryResource},
		{"database message", errors.New("deadlock detected"), CategoryDatabase},
		{"validation message", errors.New("field name is required"), CategoryValidation},
		{"timeout message", errors.New("request timed out"), CategoryTimeout},
		{"context deadline", context.DeadlineExceeded, CategoryTimeout},
		{"configuration message", errors.New("feature flag not configured"), CategoryConfiguration},
		{"unknown", errors.New("something odd happened"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := d.Detect(tt.err, "svc", "op", nil)
			assert.Equal(t, tt.want, ec.Category)
		})
	}
}

func TestErrorDetector_TimeoutInterface(t *testing.T) {
	d := NewErrorDetector()

	err := &net.OpError{Op: "read", Net: "tcp", Err: timeoutErr{}}
	ec := d.Detect(err, "svc", "op", nil)
	assert.Equal(t, CategoryTimeout, ec.Category)
	assert.Equal(t, "OpError", ec.ErrorType)
}

func TestErrorDetector_TypeNameBeatsTimeoutInterface(t *testing.T) {
	d := NewErrorDetector()

	err := apperrors.NewAuthenticationError("token refresh").WithCause(context.DeadlineExceeded)
	ec := d.Detect(err, "svc", "op", nil)
	assert.Equal(t, CategoryAuthentication, ec.Category)

	// Without a type name hint the Timeout() method still decides.
	wrapped := fmt.Errorf("refresh: %w", context.DeadlineExceeded)
	assert.Equal(t, CategoryTimeout, d.Detect(wrapped, "svc", "op", nil).Category)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorDetector_TimeoutTypeIgnoresMessage(t *testing.T) {
	d := NewErrorDetector()

	messages := []string{"", "invalid token", "disk full", "database down", "429", "permission denied"}
	for _, msg := range messages {
		ec := d.Detect(apperrors.NewNamedError("UpstreamTimeoutError", msg), "svc", "op", nil)
		assert.Equal(t, CategoryTimeout, ec.Category, msg)
	}
}

func TestErrorDetector_Severity(t *testing.T) {
	d := NewErrorDetector()

	tests := []struct {
		name string
		err  error
		want ErrorSeverity
	}{
		{"resource forced high", errors.New("disk is almost full, minor warning"), SeverityHigh},
		{"database forced high", apperrors.NewNamedError("DatabaseError", "fatal corruption"), SeverityHigh},
		{"critical keyword", errors.New("fatal: invariant broken"), SeverityCritical},
		{"high keyword", errors.New("upstream unavailable"), SeverityHigh},
		{"medium keyword", errors.New("please retry later"), SeverityMedium},
		{"low keyword", errors.New("deprecated field used"), SeverityLow},
		{"critical type name", &FatalStartupError{"startup aborted"}, SeverityCritical},
		{"rate limit default", apperrors.NewNamedError("RateLimitError", "slow down"), SeverityMedium},
		{"network default", apperrors.NewNamedError("ConnectionError", "reset"), SeverityHigh},
		{"auth default", apperrors.NewNamedError("AuthError", "nope"), SeverityHigh},
		{"timeout default", apperrors.NewNamedError("TimeoutError", "waited"), SeverityMedium},
		{"fallback default", errors.New("something odd happened"), SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := d.Detect(tt.err, "svc", "op", nil)
			assert.Equal(t, tt.want, ec.Severity)
		})
	}
}

func TestErrorDetector_DetectPopulatesContext(t *testing.T) {
	d := NewErrorDetector()
	metadata := map[string]any{"attempt": 1}

	ec := d.Detect(errors.New("boom"), "api", "fetch", metadata)
	require.NotNil(t, ec)

	assert.NotEmpty(t, ec.ErrorID)
	assert.False(t, ec.Timestamp.IsZero())
	assert.Equal(t, "api", ec.Component)
	assert.Equal(t, "fetch", ec.Operation)
	assert.Equal(t, "boom", ec.ErrorMessage)
	assert.Equal(t, "errorString", ec.ErrorType)
	assert.NotEmpty(t, ec.StackTrace)
	assert.Equal(t, 1, ec.Metadata["attempt"])
	assert.Zero(t, ec.RetryCount)

	// Metadata is copied, not aliased.
	metadata["attempt"] = 2
	assert.Equal(t, 1, ec.Metadata["attempt"])

	other := d.Detect(errors.New("boom"), "api", "fetch", nil)
	assert.NotEqual(t, ec.ErrorID, other.ErrorID)
}

var allCategories = []ErrorCategory{
	CategoryNetwork, CategoryAPI, CategoryRateLimit, CategoryAuthentication, CategoryResource,
	CategoryDatabase, CategoryValidation, CategoryTimeout, CategoryConfiguration, CategoryUnknown,
}

var allSeverities = []ErrorSeverity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func TestErrorDetector_ShouldRetry(t *testing.T) {
	d := NewErrorDetector()

	for _, category := range allCategories {
		ec := &ErrorContext{Category: category, Severity: SeverityCritical}
		assert.False(t, d.ShouldRetry(ec), "critical %s must not retry", category)
	}

	for _, category := range []ErrorCategory{CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryAPI} {
		assert.True(t, d.ShouldRetry(&ErrorContext{Category: category, Severity: SeverityHigh}))
	}
	for _, category := range []ErrorCategory{CategoryValidation, CategoryAuthentication, CategoryConfiguration} {
		assert.False(t, d.ShouldRetry(&ErrorContext{Category: category, Severity: SeverityMedium}))
	}

	assert.True(t, d.ShouldRetry(&ErrorContext{Category: CategoryUnknown, Severity: SeverityMedium}))
	assert.False(t, d.ShouldRetry(&ErrorContext{Category: CategoryUnknown, Severity: SeverityLow}))
	assert.False(t, d.ShouldRetry(&ErrorContext{Category: CategoryDatabase, Severity: SeverityHigh}))
}

func TestErrorDetector_ShouldFallback(t *testing.T) {
	d := NewErrorDetector()

	assert.True(t, d.ShouldFallback(&ErrorContext{Category: CategoryUnknown, Severity: SeverityHigh}))
	assert.True(t, d.ShouldFallback(&ErrorContext{Category: CategoryUnknown, Severity: SeverityCritical}))
	assert.True(t, d.ShouldFallback(&ErrorContext{Category: CategoryUnknown, Severity: SeverityLow, RetryCount: 2}))
	assert.True(t, d.ShouldFallback(&ErrorContext{Category: CategoryRateLimit, Severity: SeverityMedium}))
	assert.True(t, d.ShouldFallback(&ErrorContext{Category: CategoryResource, Severity: SeverityLow}))
	assert.False(t, d.ShouldFallback(&ErrorContext{Category: CategoryTimeout, Severity: SeverityMedium, RetryCount: 1}))
}

func TestErrorDetector_ShouldCircuitBreak(t *testing.T) {
	d := NewErrorDetector()

	assert.True(t, d.ShouldCircuitBreak(&ErrorContext{Category: CategoryNetwork, Severity: SeverityCritical}))
	assert.True(t, d.ShouldCircuitBreak(&ErrorContext{Category: CategoryAuthentication, Severity: SeverityHigh, RetryCount: 3}))
	assert.False(t, d.ShouldCircuitBreak(&ErrorContext{Category: CategoryAuthentication, Severity: SeverityHigh, RetryCount: 2}))
	assert.True(t, d.ShouldCircuitBreak(&ErrorContext{Category: CategoryResource, Severity: SeverityHigh}))
	assert.False(t, d.ShouldCircuitBreak(&ErrorContext{Category: CategoryTimeout, Severity: SeverityMedium}))
}

func TestErrorDetector_RetryDelay(t *testing.T) {
	d := NewErrorDetector()
	base := time.Second

	assert.Equal(t, time.Second, d.RetryDelay(&ErrorContext{Category: CategoryTimeout}, base))
	assert.Equal(t, 4*time.Second, d.RetryDelay(&ErrorContext{Category: CategoryTimeout, RetryCount: 2}, base))
	assert.Equal(t, 10*time.Second, d.RetryDelay(&ErrorContext{Category: CategoryRateLimit, RetryCount: 1}, base))
	assert.Equal(t, 4*time.Second, d.RetryDelay(&ErrorContext{Category: CategoryNetwork, RetryCount: 1}, base))
	assert.Equal(t, MaxRetryDelay, d.RetryDelay(&ErrorContext{Category: CategoryRateLimit, RetryCount: 10}, base))

	for _, category := range allCategories {
		previous := time.Duration(0)
		for retry := 0; retry < 80; retry++ {
			delay := d.RetryDelay(&ErrorContext{Category: category, RetryCount: retry}, 250*time.Millisecond)
			assert.GreaterOrEqual(t, delay, previous)
			assert.LessOrEqual(t, delay, MaxRetryDelay)
			previous = delay
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	for i := 1; i < len(allSeverities); i++ {
		assert.True(t, allSeverities[i].AtLeast(allSeverities[i-1]))
		assert.False(t, allSeverities[i-1].AtLeast(allSeverities[i]))
	}
}
