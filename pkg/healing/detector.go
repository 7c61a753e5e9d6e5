package healing

import (
	"errors"
	"math"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxRetryDelay caps RetryDelay.
const MaxRetryDelay = 60 * time.Second

type keywordList[T any] struct {
	value    T
	keywords []string
}

// Checked in order; the first list with a substring match wins.
var defaultCategoryKeywords = []keywordList[ErrorCategory]{
	{CategoryNetwork, []string{"connection", "network", "unreachable", "refused", "reset by peer", "no such host", "dns", "broken pipe", "socket"}},
	{CategoryAPI, []string{"api error", "status code", "bad gateway", "service unavailable", "internal server error", "bad request", "invalid response", "unexpected response"}},
	{CategoryRateLimit, []string{"rate limit", "ratelimit", "too many requests", "429", "quota", "throttl"}},
	{CategoryAuthentication, []string{"unauthorized", "unauthenticated", "authentication", "forbidden", "invalid token", "token expired", "permission denied", "credentials", "401", "403"}},
	{CategoryResource, []string{"out of memory", "memory", "disk", "no space", "resource", "exhausted", "capacity", "too many open files"}},
	{CategoryDatabase, []string{"database", "sql", "query", "deadlock", "constraint", "transaction", "postgres", "redis"}},
	{CategoryValidation, []string{"validation", "invalid", "required", "malformed", "must be", "missing"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryConfiguration, []string{"config", "not configured", "environment variable", "setting"}},
}

// Checked critical first.
var defaultSeverityKeywords = []keywordList[ErrorSeverity]{
	{SeverityCritical, []string{"critical", "fatal", "panic", "corrupt", "data loss"}},
	{SeverityHigh, []string{"unavailable", "refused", "failed", "denied", "unauthorized", "exhausted"}},
	{SeverityMedium, []string{"timeout", "timed out", "retry", "temporarily", "rate limit", "slow"}},
	{SeverityLow, []string{"warning", "deprecated", "not found", "minor"}},
}

// Type name hints are checked in this order before message keywords.
var typeNameHints = []keywordList[ErrorCategory]{
	{CategoryTimeout, []string{"timeout"}},
	{CategoryAuthentication, []string{"auth", "permission"}},
	{CategoryRateLimit, []string{"rate", "limit"}},
	{CategoryNetwork, []string{"network", "connection"}},
	{CategoryValidation, []string{"validation"}},
	{CategoryDatabase, []string{"database", "sql"}},
}

// ErrorDetector classifies raw errors and answers recovery policy questions
// about the resulting ErrorContext. It holds no mutable state.
type ErrorDetector struct {
	now func() time.Time
}

// NewErrorDetector creates a detector with the default keyword tables.
func NewErrorDetector() *ErrorDetector {
	return &ErrorDetector{now: time.Now}
}

// TypeName returns the class-style name of err. Errors that implement
// TypeName() string anywhere in their chain report that name; otherwise the
// dynamic type of err is used without its package or pointer prefix.
func TypeName(err error) string {
	if err == nil {
		return ""
	}

	var named interface{ TypeName() string }
	if errors.As(err, &named) {
		return named.TypeName()
	}

	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

// Detect classifies err and returns a new ErrorContext for it.
func (d *ErrorDetector) Detect(err error, component, operation string, metadata map[string]any) *ErrorContext {
	typeName := TypeName(err)
	message := ""
	if err != nil {
		message = err.Error()
	}

	category := d.categorize(err, typeName, message)

	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	return &ErrorContext{
		ErrorID:      uuid.New().String(),
		Timestamp:    d.now(),
		Severity:     d.severity(category, typeName, message),
		Category:     category,
		ErrorType:    typeName,
		ErrorMessage: message,
		StackTrace:   stackTrace(),
		Component:    component,
		Operation:    operation,
		Metadata:     md,
	}
}

func (d *ErrorDetector) categorize(err error, typeName, message string) ErrorCategory {
	lowerType := strings.ToLower(typeName)

	if category, ok := firstMatch(typeNameHints, lowerType); ok {
		return category
	}

	// Errors such as *net.OpError carry the hint in Timeout() rather than the name.
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return CategoryTimeout
	}
	if category, ok := firstMatch(defaultCategoryKeywords, strings.ToLower(message)); ok {
		return category
	}
	return CategoryUnknown
}

func (d *ErrorDetector) severity(category ErrorCategory, typeName, message string) ErrorSeverity {
	if category == CategoryResource || category == CategoryDatabase {
		return SeverityHigh
	}

	if severity, ok := firstMatch(defaultSeverityKeywords, strings.ToLower(message)); ok {
		return severity
	}

	lowerType := strings.ToLower(typeName)
	if strings.Contains(lowerType, "critical") || strings.Contains(lowerType, "fatal") {
		return SeverityCritical
	}

	switch category {
	case CategoryRateLimit, CategoryTimeout:
		return SeverityMedium
	case CategoryNetwork, CategoryAuthentication:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

func firstMatch[T any](lists []keywordList[T], text string) (T, bool) {
	for _, list := range lists {
		for _, keyword := range list.keywords {
			if strings.Contains(text, keyword) {
				return list.value, true
			}
		}
	}
	var zero T
	return zero, false
}

// ShouldRetry reports whether retrying the failed operation is worthwhile.
func (d *ErrorDetector) ShouldRetry(ec *ErrorContext) bool {
	if ec.Severity == SeverityCritical {
		return false
	}

	switch ec.Category {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryAPI:
		return true
	case CategoryValidation, CategoryAuthentication, CategoryConfiguration:
		return false
	}

	return ec.Severity == SeverityMedium
}

// ShouldFallback reports whether an alternative operation should be tried.
func (d *ErrorDetector) ShouldFallback(ec *ErrorContext) bool {
	if ec.Severity.AtLeast(SeverityHigh) {
		return true
	}
	if ec.RetryCount >= 2 {
		return true
	}
	return ec.Category == CategoryRateLimit || ec.Category == CategoryResource
}

// ShouldCircuitBreak reports whether the component should stop taking load.
func (d *ErrorDetector) ShouldCircuitBreak(ec *ErrorContext) bool {
	if ec.Severity == SeverityCritical {
		return true
	}
	if ec.Category == CategoryAuthentication && ec.RetryCount >= 3 {
		return true
	}
	return ec.Category == CategoryResource
}

// RetryDelay returns base * 2^retry_count, scaled up for rate limits and
// network failures and capped at MaxRetryDelay.
func (d *ErrorDetector) RetryDelay(ec *ErrorContext, base time.Duration) time.Duration {
	delay := float64(base) * math.Pow(2, float64(ec.RetryCount))

	switch ec.Category {
	case CategoryRateLimit:
		delay *= 5
	case CategoryNetwork:
		delay *= 2
	}

	if delay > float64(MaxRetryDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return MaxRetryDelay
	}
	return time.Duration(delay)
}

func stackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
