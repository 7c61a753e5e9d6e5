package healing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/NikhilSetiya/autoheal/pkg/errors"
	"github.com/NikhilSetiya/autoheal/pkg/logging"
	"github.com/NikhilSetiya/autoheal/pkg/metrics"
)

type recordingNotifier struct {
	mu      sync.Mutex
	actions []RecoveryAction
	err     error
}

func (n *recordingNotifier) NotifyRecovery(ctx context.Context, action RecoveryAction, ec *ErrorContext) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.actions = append(n.actions, action)
	return n.err
}

type recordingListener struct {
	mu      sync.Mutex
	results []RecoveryResult
	ctxErrs []error
	err     error
}

func (l *recordingListener) OnRecovery(ctx context.Context, result RecoveryResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, result)
	l.ctxErrs = append(l.ctxErrs, ctx.Err())
	return l.err
}

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()

	logger := logging.NewDiscardLogger()
	config := DefaultEngineConfig()
	config.Retry.InitialDelay = time.Millisecond
	config.Retry.MaxDelay = 5 * time.Millisecond

	monitor := NewHealthMonitor(DefaultMonitorConfig(), WithMonitorLogger(logger))
	e := NewEngine(config, monitor, append([]EngineOption{WithLogger(logger)}, opts...)...)
	e.retry.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func TestEngine_SuccessRecordsHealth(t *testing.T) {
	e := newTestEngine(t)

	value, err := e.ExecuteWithRecovery(context.Background(), "api", "fetch", constant(42))
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	report, ok := e.Monitor().GetComponentHealth("api")
	require.True(t, ok)
	assert.Equal(t, int64(1), report.TotalRequests)
	assert.Equal(t, int64(0), report.FailedRequests)
	assert.Empty(t, e.GetRecoveryHistory(0))
}

func TestEngine_RetryRecoversTimeout(t *testing.T) {
	e := newTestEngine(t)

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		if calls <= 2 {
			return nil, apperrors.NewNamedError("TimeoutError", "request timed out")
		}
		return "response", nil
	}

	value, err := e.ExecuteWithRecovery(context.Background(), "api", "fetch", op)
	require.NoError(t, err)
	assert.Equal(t, "response", value)
	assert.Equal(t, 3, calls)

	stats := e.GetRecoveryStats()
	assert.Equal(t, 1, stats.TotalRecoveries)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Equal(t, 1, stats.ByAction[ActionRetryWithBackoff].Total)
	assert.Equal(t, 1, stats.ByCategory[CategoryTimeout])
	assert.Equal(t, 1, stats.ByComponent["api"])
	require.NotNil(t, stats.LastRecoveryAt)

	history := e.GetRecoveryHistory(10)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Attempts)
	assert.True(t, history[0].Error.Recovered)
	assert.True(t, history[0].Error.RecoveryAttempted)

	report, ok := e.Monitor().GetComponentHealth("api")
	require.True(t, ok)
	assert.Equal(t, int64(1), report.FailedRequests)
}

func TestEngine_CircuitBreakerShedsLoad(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterCircuitBreaker("db", CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute})

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return nil, apperrors.NewValidationError("order payload is malformed")
	}

	cb, ok := e.CircuitBreaker("db")
	require.True(t, ok)

	_, err := e.ExecuteWithRecovery(context.Background(), "db", "insert", op)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Snapshot().FailureCount)

	_, err = e.ExecuteWithRecovery(context.Background(), "db", "insert", op)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateOpen, cb.State())

	_, err = e.ExecuteWithRecovery(context.Background(), "db", "insert", op)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)

	history := e.GetRecoveryHistory(0)
	require.Len(t, history, 2)
	assert.Equal(t, ActionAlert, history[0].Action)
	assert.Equal(t, StateOpen, e.GetRecoveryStats().CircuitBreakers["db"])
}

func TestEngine_BreakerCountsOneFailurePerCall(t *testing.T) {
	e := newTestEngine(t)
	cb := e.RegisterCircuitBreaker("db", CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute})

	calls := 0
	op := func(ctx context.Context) (any, error) {
		calls++
		return nil, apperrors.NewDatabaseError("write conflict on orders")
	}

	// Rollback runs the operation again outside the breaker.
	_, err := e.ExecuteWithRecovery(context.Background(), "db", "insert", op)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Snapshot().FailureCount)

	history := e.GetRecoveryHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, ActionRollback, history[0].Action)

	_, err = e.ExecuteWithRecovery(context.Background(), "db", "insert", op)
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	_, err = e.ExecuteWithRecovery(context.Background(), "db", "insert", op)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 4, calls)
}

func TestEngine_RetryBypassesBreaker(t *testing.T) {
	e := newTestEngine(t)
	cb := e.RegisterCircuitBreaker("api", CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute})

	calls := 0
	_, err := e.ExecuteWithRecovery(context.Background(), "api", "fetch", func(ctx context.Context) (any, error) {
		calls++
		return nil, apperrors.NewNamedError("TimeoutError", "request timed out")
	})
	require.Error(t, err)
	assert.Equal(t, 1+DefaultRetryConfig().MaxAttempts, calls)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Snapshot().FailureCount)
}

func TestEngine_CircuitBreakActionDoesNotReinvoke(t *testing.T) {
	e := newTestEngine(t)
	cb := e.RegisterCircuitBreaker("worker", CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute})

	calls := 0
	_, err := e.ExecuteWithRecovery(context.Background(), "worker", "run", func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("fatal: queue corrupt")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, cb.Snapshot().FailureCount)

	history := e.GetRecoveryHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, ActionCircuitBreak, history[0].Action)
	assert.False(t, history[0].Success)
	assert.Equal(t, "closed", history[0].Metadata["circuit_state"])
}

func TestEngine_FallbackServesDegradedResult(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterFallbacks("llm", constant("ok"))

	value, err := e.ExecuteWithRecovery(context.Background(), "llm", "complete", func(ctx context.Context) (any, error) {
		return nil, apperrors.NewNamedError("ConnectionError", "connection reset by peer")
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", value)

	history := e.GetRecoveryHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, ActionFallback, history[0].Action)
	assert.Equal(t, true, history[0].Metadata["used_fallback"])
	assert.Equal(t, CategoryNetwork, history[0].Error.Category)
	assert.Equal(t, SeverityHigh, history[0].Error.Severity)
}

func TestEngine_DetermineRecoveryAction(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterFallbacks("search", constant("cached"))

	tests := []struct {
		name      string
		component string
		category  ErrorCategory
		severity  ErrorSeverity
		retries   int
		want      RecoveryAction
	}{
		{name: "critical breaks circuit", component: "search", category: CategoryNetwork, severity: SeverityCritical, want: ActionCircuitBreak},
		{name: "resource breaks circuit", component: "api", category: CategoryResource, severity: SeverityHigh, want: ActionCircuitBreak},
		{name: "repeated auth failures break circuit", component: "api", category: CategoryAuthentication, severity: SeverityHigh, retries: 3, want: ActionCircuitBreak},
		{name: "high severity with fallbacks", component: "search", category: CategoryNetwork, severity: SeverityHigh, want: ActionFallback},
		{name: "rate limit with fallbacks", component: "search", category: CategoryRateLimit, severity: SeverityMedium, want: ActionFallback},
		{name: "high network without fallbacks", component: "api", category: CategoryNetwork, severity: SeverityHigh, want: ActionRetryWithBackoff},
		{name: "timeout", component: "api", category: CategoryTimeout, severity: SeverityMedium, want: ActionRetryWithBackoff},
		{name: "high database", component: "api", category: CategoryDatabase, severity: SeverityHigh, want: ActionRollback},
		{name: "high authentication", component: "api", category: CategoryAuthentication, severity: SeverityHigh, want: ActionRollback},
		{name: "low validation", component: "api", category: CategoryValidation, severity: SeverityLow, want: ActionIgnore},
		{name: "medium validation", component: "api", category: CategoryValidation, severity: SeverityMedium, want: ActionAlert},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := &ErrorContext{
				Component:  tt.component,
				Category:   tt.category,
				Severity:   tt.severity,
				RetryCount: tt.retries,
			}
			assert.Equal(t, tt.want, e.determineRecoveryAction(ec))
		})
	}
}

func TestEngine_HistoryIsBounded(t *testing.T) {
	e := newTestEngine(t)

	for i := 0; i < DefaultHistorySize+5; i++ {
		_, err := e.ExecuteWithRecovery(context.Background(), "batch", "step",
			failing("deprecated field warning"),
			WithMetadata(map[string]any{"seq": i}),
		)
		require.Error(t, err)
	}

	history := e.GetRecoveryHistory(0)
	require.Len(t, history, DefaultHistorySize)
	assert.Equal(t, ActionIgnore, history[0].Action)
	assert.Equal(t, 5, history[0].Error.Metadata["seq"])
	assert.Equal(t, DefaultHistorySize+4, history[len(history)-1].Error.Metadata["seq"])

	latest := e.GetRecoveryHistory(3)
	require.Len(t, latest, 3)
	assert.Equal(t, DefaultHistorySize+2, latest[0].Error.Metadata["seq"])

	stats := e.GetRecoveryStats()
	assert.Equal(t, DefaultHistorySize, stats.TotalRecoveries)
	assert.Equal(t, DefaultHistorySize, stats.FailedRecoveries)
	assert.Equal(t, 0.0, stats.SuccessRate)
}

func TestEngine_AlertUsesNotifier(t *testing.T) {
	notifier := &recordingNotifier{}
	e := newTestEngine(t, WithNotifier(notifier))

	original := apperrors.NewValidationError("field is required")
	_, err := e.ExecuteWithRecovery(context.Background(), "forms", "submit", func(ctx context.Context) (any, error) {
		return nil, original
	})
	require.ErrorIs(t, err, original)

	assert.Equal(t, []RecoveryAction{ActionAlert}, notifier.actions)
	history := e.GetRecoveryHistory(1)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, true, history[0].Metadata["notified"])
}

func TestEngine_AlertNotifierFailure(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("slack down")}
	e := newTestEngine(t)
	e.SetNotifier(notifier)

	_, err := e.ExecuteWithRecovery(context.Background(), "forms", "submit", func(ctx context.Context) (any, error) {
		return nil, apperrors.NewValidationError("field is required")
	})
	require.Error(t, err)

	history := e.GetRecoveryHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, "slack down", history[0].Metadata["notify_error"])
}

func TestEngine_EscalateStrategy(t *testing.T) {
	notifier := &recordingNotifier{}
	e := newTestEngine(t, WithNotifier(notifier))

	result := e.strategies[ActionEscalate]("api").Execute(context.Background(), Invocation{Error: failure(SeverityCritical)})
	assert.False(t, result.Success)
	assert.Equal(t, ActionEscalate, result.Action)
	assert.Equal(t, []RecoveryAction{ActionEscalate}, notifier.actions)
}

func TestEngine_CriticalErrorCreatesBreaker(t *testing.T) {
	e := newTestEngine(t)

	_, ok := e.CircuitBreaker("worker")
	require.False(t, ok)

	_, err := e.ExecuteWithRecovery(context.Background(), "worker", "run", func(ctx context.Context) (any, error) {
		panic("boom")
	})
	var panicErr *PanicError
	require.True(t, errors.As(err, &panicErr))

	cb, ok := e.CircuitBreaker("worker")
	require.True(t, ok)
	assert.Equal(t, 1, cb.Snapshot().FailureCount)

	history := e.GetRecoveryHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, ActionCircuitBreak, history[0].Action)
	assert.Equal(t, SeverityCritical, history[0].Error.Severity)
}

func TestEngine_Listeners(t *testing.T) {
	first := &recordingListener{err: errors.New("journal unavailable")}
	second := &recordingListener{}
	e := newTestEngine(t, WithListener(first))
	e.AddListener(second)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := e.ExecuteWithRecovery(ctx, "batch", "step", func(ctx context.Context) (any, error) {
		cancel()
		return nil, errors.New("deprecated field warning")
	})
	require.Error(t, err)

	require.Len(t, first.results, 1)
	require.Len(t, second.results, 1)
	assert.Equal(t, ActionIgnore, second.results[0].Action)
	assert.NoError(t, second.ctxErrs[0])
}

type blockingListener struct{}

func (blockingListener) OnRecovery(ctx context.Context, result RecoveryResult) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestEngine_ListenersShareOneTimeout(t *testing.T) {
	config := DefaultEngineConfig()
	config.ListenerTimeout = 20 * time.Millisecond
	after := &recordingListener{}
	e := NewEngine(config, nil, WithLogger(logging.NewDiscardLogger()),
		WithListener(blockingListener{}), WithListener(after))

	started := time.Now()
	_, err := e.ExecuteWithRecovery(context.Background(), "batch", "step", func(ctx context.Context) (any, error) {
		return nil, errors.New("deprecated field warning")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(started), time.Second)

	// Delivery is synchronous, and the slow listener used up the shared budget.
	require.Len(t, after.results, 1)
	assert.ErrorIs(t, after.ctxErrs[0], context.DeadlineExceeded)
}

func TestEngine_ListenerTimeoutDefault(t *testing.T) {
	e := NewEngine(EngineConfig{}, nil, WithLogger(logging.NewDiscardLogger()))
	assert.Equal(t, DefaultListenerTimeout, e.config.ListenerTimeout)
}

func TestEngine_CircuitBreakerRegistry(t *testing.T) {
	e := newTestEngine(t)

	err := e.ResetCircuitBreaker("missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))

	cb := e.RegisterCircuitBreaker("payments", CircuitBreakerConfig{FailureThreshold: 1})
	e.RegisterCircuitBreaker("search", CircuitBreakerConfig{})
	assert.Equal(t, 1, cb.Config().FailureThreshold)
	assert.Equal(t, DefaultCircuitBreakerConfig().Timeout, cb.Config().Timeout)
	assert.Equal(t, []string{"payments", "search"}, e.ComponentsWithBreakers())

	_, _ = cb.Call(context.Background(), fail)
	assert.Equal(t, StateOpen, e.CircuitBreakerStates()["payments"].State)

	require.NoError(t, e.ResetCircuitBreaker("payments"))
	assert.Equal(t, StateClosed, cb.State())

	_, _ = cb.Call(context.Background(), fail)
	assert.Equal(t, 2, e.ResetAllCircuitBreakers())
	assert.Equal(t, StateClosed, cb.State())

	// Registering again replaces the breaker
	replaced := e.RegisterCircuitBreaker("payments", CircuitBreakerConfig{FailureThreshold: 7})
	got, ok := e.CircuitBreaker("payments")
	require.True(t, ok)
	assert.Same(t, replaced, got)
	assert.NotSame(t, cb, got)
}

func TestEngine_EmptyStats(t *testing.T) {
	e := newTestEngine(t)

	stats := e.GetRecoveryStats()
	assert.Equal(t, 0, stats.TotalRecoveries)
	assert.Equal(t, 0.0, stats.SuccessRate)
	assert.Equal(t, 0.0, stats.AverageDurationMs)
	assert.Nil(t, stats.LastRecoveryAt)
	assert.Empty(t, stats.ByAction)
}

func TestEngine_ExecuteTyped(t *testing.T) {
	e := newTestEngine(t)

	n, err := Execute(context.Background(), e, "math", "add", func(ctx context.Context) (int, error) {
		return 2 + 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	s, err := Execute(context.Background(), e, "math", "fail", func(ctx context.Context) (string, error) {
		return "", apperrors.NewValidationError("input must be positive")
	})
	require.Error(t, err)
	assert.Empty(t, s)
}

func TestEngine_ExecuteTypedRejectsForeignFallbackValue(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterFallbacks("pricing", constant("n/a"))

	price, err := Execute(context.Background(), e, "pricing", "quote", func(ctx context.Context) (float64, error) {
		return 0, errors.New("pricing service unavailable")
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))
	assert.Contains(t, err.Error(), "string")
	assert.Zero(t, price)

	history := e.GetRecoveryHistory(1)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
}

func TestEngine_RollbackReportsCheckpoint(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.ExecuteWithRecovery(context.Background(), "config", "apply", constant("applied"), WithState("v1"))
	require.NoError(t, err)

	_, err = e.ExecuteWithRecovery(context.Background(), "config", "apply",
		failing("database write failed"), WithState("v2"))
	require.Error(t, err)

	history := e.GetRecoveryHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, ActionRollback, history[0].Action)
	assert.Equal(t, "v1", history[0].Metadata["rolled_back_to"])
	assert.Equal(t, []any{"v1"}, e.RollbackHistory("config"))
}

func TestEngine_PublishesMetrics(t *testing.T) {
	m := metrics.NewMetrics(&metrics.Config{
		Namespace:  "test",
		Enabled:    true,
		Registerer: prometheus.NewRegistry(),
	})
	e := newTestEngine(t, WithMetrics(m))
	e.RegisterCircuitBreaker("db", CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute})

	dbErr := func(ctx context.Context) (any, error) {
		return nil, apperrors.NewDatabaseError("deadlock detected")
	}
	_, _ = e.ExecuteWithRecovery(context.Background(), "db", "update", dbErr)
	_, _ = e.ExecuteWithRecovery(context.Background(), "db", "update", dbErr)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveriesTotal.WithLabelValues("db", string(ActionRollback), "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("db", string(CategoryDatabase), string(SeverityHigh))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerRejections.WithLabelValues("db")))
	assert.Equal(t, float64(StateOpen), testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("db")))
}

func TestParseRecoveryAction(t *testing.T) {
	action, ok := ParseRecoveryAction("FALLBACK")
	assert.True(t, ok)
	assert.Equal(t, ActionFallback, action)

	_, ok = ParseRecoveryAction("reboot")
	assert.False(t, ok)
}
