package healing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/NikhilSetiya/autoheal/pkg/errors"
	"github.com/NikhilSetiya/autoheal/pkg/logging"
	"github.com/NikhilSetiya/autoheal/pkg/metrics"
)

const (
	// DefaultHistorySize bounds the in-memory recovery history.
	DefaultHistorySize = 100
	// DefaultListenerTimeout bounds one round of listener delivery.
	DefaultListenerTimeout = 5 * time.Second

	tracerName = "github.com/NikhilSetiya/autoheal/pkg/healing"
)

// EngineConfig configures a RecoveryEngine.
type EngineConfig struct {
	Retry           RetryConfig          `json:"retry"`
	CircuitBreaker  CircuitBreakerConfig `json:"circuit_breaker"`
	HistorySize     int                  `json:"history_size"`
	RollbackHistory int                  `json:"rollback_history"`
	// ListenerTimeout is shared by all listeners of one recovery.
	ListenerTimeout time.Duration        `json:"listener_timeout"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Retry:           DefaultRetryConfig(),
		CircuitBreaker:  DefaultCircuitBreakerConfig(),
		HistorySize:     DefaultHistorySize,
		RollbackHistory: DefaultRollbackHistory,
		ListenerTimeout: DefaultListenerTimeout,
	}
}

// RecoveryListener receives every recorded RecoveryResult.
//
// Listeners run synchronously, in registration order, before
// ExecuteWithRecovery returns, so a slow listener delays the caller. All
// listeners of one recovery share a context that expires after
// EngineConfig.ListenerTimeout and is detached from the caller's
// cancellation. Listeners that need to do slow work should honor that
// context or hand the result off to their own goroutine.
type RecoveryListener interface {
	OnRecovery(ctx context.Context, result RecoveryResult) error
}

// ActionStats aggregates results for one recovery action.
type ActionStats struct {
	Total       int     `json:"total"`
	Successful  int     `json:"successful"`
	SuccessRate float64 `json:"success_rate"`
}

// RecoveryStats summarizes the recovery history.
type RecoveryStats struct {
	TotalRecoveries      int                            `json:"total_recoveries"`
	SuccessfulRecoveries int                            `json:"successful_recoveries"`
	FailedRecoveries     int                            `json:"failed_recoveries"`
	SuccessRate          float64                        `json:"success_rate"`
	AverageDurationMs    float64                        `json:"average_duration_ms"`
	ByAction             map[RecoveryAction]ActionStats `json:"by_action"`
	ByCategory           map[ErrorCategory]int          `json:"by_category"`
	ByComponent          map[string]int                 `json:"by_component"`
	CircuitBreakers      map[string]CircuitState        `json:"circuit_breakers"`
	LastRecoveryAt       *time.Time                     `json:"last_recovery_at,omitempty"`
}

type strategyResolver func(component string) Strategy

// Engine classifies failures of guarded operations, picks a recovery action
// and runs the matching strategy. One Engine is shared by all call sites.
type Engine struct {
	config   EngineConfig
	detector *ErrorDetector
	monitor  *HealthMonitor
	retry    *RetryStrategy
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	strategies map[RecoveryAction]strategyResolver

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	fallbacks map[string]*FallbackStrategy
	rollbacks map[string]*RollbackStrategy
	listeners []RecoveryListener
	notifier  Notifier

	historyMu sync.RWMutex
	history   *window[*RecoveryResult]
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *logging.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics publishes recovery metrics to m.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer used for recovery spans.
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithNotifier sets where alert and escalate actions are sent.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithListener adds a recovery listener.
func WithListener(l RecoveryListener) EngineOption {
	return func(e *Engine) {
		e.listeners = append(e.listeners, l)
	}
}

// NewEngine creates a recovery engine reporting to monitor. A nil monitor
// gets a default one.
func NewEngine(config EngineConfig, monitor *HealthMonitor, opts ...EngineOption) *Engine {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultHistorySize
	}
	if config.RollbackHistory <= 0 {
		config.RollbackHistory = DefaultRollbackHistory
	}
	if config.ListenerTimeout <= 0 {
		config.ListenerTimeout = DefaultListenerTimeout
	}
	config.Retry = config.Retry.normalized()
	config.CircuitBreaker = config.CircuitBreaker.normalized()

	e := &Engine{
		config:    config,
		detector:  NewErrorDetector(),
		logger:    logging.GetLogger(),
		tracer:    otel.Tracer(tracerName),
		breakers:  make(map[string]*CircuitBreaker),
		fallbacks: make(map[string]*FallbackStrategy),
		rollbacks: make(map[string]*RollbackStrategy),
		history:   newWindow[*RecoveryResult](config.HistorySize),
	}
	for _, opt := range opts {
		opt(e)
	}

	if monitor == nil {
		monitor = NewHealthMonitor(DefaultMonitorConfig(), WithMonitorLogger(e.logger), WithMonitorMetrics(e.metrics))
	}
	e.monitor = monitor
	e.retry = NewRetryStrategy(config.Retry, e.logger)

	notifier := func() Notifier {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.notifier
	}

	e.strategies = map[RecoveryAction]strategyResolver{
		ActionRetryWithBackoff: func(string) Strategy { return e.retry },
		ActionCircuitBreak:     func(component string) Strategy { return e.breakerFor(component) },
		ActionFallback:         func(component string) Strategy { return e.fallbackFor(component) },
		ActionRollback:         func(component string) Strategy { return e.rollbackFor(component) },
		ActionIgnore:           func(string) Strategy { return &noticeStrategy{action: ActionIgnore, notifier: notifier, logger: e.logger} },
		ActionAlert:            func(string) Strategy { return &noticeStrategy{action: ActionAlert, notifier: notifier, logger: e.logger} },
		ActionEscalate:         func(string) Strategy { return &noticeStrategy{action: ActionEscalate, notifier: notifier, logger: e.logger} },
	}

	return e
}

// Monitor returns the health monitor the engine reports to.
func (e *Engine) Monitor() *HealthMonitor {
	return e.monitor
}

// Detector returns the engine's error detector.
func (e *Engine) Detector() *ErrorDetector {
	return e.detector
}

// SetNotifier replaces the notifier used by alert and escalate actions.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// AddListener registers a recovery listener.
func (e *Engine) AddListener(l RecoveryListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// CallOption customizes a single ExecuteWithRecovery call.
type CallOption func(*callOptions)

type callOptions struct {
	metadata map[string]any
	state    any
}

// WithMetadata attaches metadata to the ErrorContext if the call fails.
func WithMetadata(metadata map[string]any) CallOption {
	return func(o *callOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			o.metadata[k] = v
		}
	}
}

// WithState tags the call with the state it produces. Successful calls keep
// it as a checkpoint; a failed call reports the checkpoint before it.
func WithState(state any) CallOption {
	return func(o *callOptions) {
		o.state = state
	}
}

// ExecuteWithRecovery runs op for component. It returns op's value, a value
// produced by recovery, or the original error when recovery fails. When the
// component has a circuit breaker the first attempt goes through it, so the
// breaker counts one outcome per call; a rejection is returned immediately as
// a *CircuitOpenError. Recovery attempts call op directly. Listeners have
// seen the result by the time it returns.
func (e *Engine) ExecuteWithRecovery(ctx context.Context, component, operation string, op Operation, opts ...CallOption) (any, error) {
	var call callOptions
	for _, opt := range opts {
		opt(&call)
	}

	ctx, span := e.tracer.Start(ctx, "healing.ExecuteWithRecovery", trace.WithAttributes(
		attribute.String("healing.component", component),
		attribute.String("healing.operation", operation),
	))
	defer span.End()

	guarded := op
	breaker, hasBreaker := e.CircuitBreaker(component)
	if hasBreaker {
		guarded = breaker.Guard(op)
	}

	started := time.Now()
	value, err := invoke(ctx, guarded)
	elapsed := time.Since(started)
	e.metrics.RecordOperation(component, err == nil, elapsed)

	if err == nil {
		if call.state != nil {
			e.rollbackFor(component).Push(call.state)
		}
		e.monitor.RecordSuccess(component, elapsed)
		span.SetStatus(codes.Ok, "")
		return value, nil
	}

	if errors.Is(err, ErrCircuitOpen) {
		e.metrics.RecordCircuitRejection(component)
		e.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"component": component,
			"operation": operation,
		}).Warn("Call rejected by circuit breaker")
		span.SetAttributes(attribute.Bool("healing.rejected", true))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		e.metrics.RecordPanic(component)
	}

	ec := e.detector.Detect(err, component, operation, call.metadata)
	e.metrics.RecordError(component, string(ec.Category), string(ec.Severity))

	action := e.determineRecoveryAction(ec)
	span.SetAttributes(
		attribute.String("healing.category", string(ec.Category)),
		attribute.String("healing.severity", string(ec.Severity)),
		attribute.String("healing.action", string(action)),
	)

	inv := Invocation{Operation: op, Error: ec, State: call.state}

	var result *RecoveryResult
	if action == ActionCircuitBreak && hasBreaker {
		// The failure was already counted by the first attempt.
		result = breaker.Observe(inv, err)
	} else {
		result = e.recover(ctx, component, action, inv)
	}
	ec.RecoveryAttempted = true
	ec.Recovered = result.Success
	e.monitor.RecordFailure(component, ec, elapsed)
	e.record(ctx, component, operation, result)

	span.SetAttributes(attribute.Bool("healing.recovered", result.Success))
	if result.Success {
		span.SetStatus(codes.Ok, "recovered")
		return result.Value, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// Execute is ExecuteWithRecovery with a typed result. A recovered value that
// is not a T, such as a fallback of another type, is reported as an error.
func Execute[T any](ctx context.Context, e *Engine, component, operation string, fn func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	value, err := e.ExecuteWithRecovery(ctx, component, operation, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)

	var zero T
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, apperrors.NewInternalError(fmt.Sprintf("recovered value of type %T is not %T", value, zero)).
			WithDetail("component", component).
			WithDetail("operation", operation)
	}
	return typed, nil
}

// determineRecoveryAction picks the recovery action in fixed priority order.
func (e *Engine) determineRecoveryAction(ec *ErrorContext) RecoveryAction {
	switch {
	case e.detector.ShouldCircuitBreak(ec):
		return ActionCircuitBreak
	case e.hasFallbacks(ec.Component) && e.detector.ShouldFallback(ec):
		return ActionFallback
	case e.detector.ShouldRetry(ec):
		return ActionRetryWithBackoff
	case ec.Severity.AtLeast(SeverityHigh):
		return ActionRollback
	case ec.Severity == SeverityLow:
		return ActionIgnore
	case ec.Severity == SeverityCritical:
		return ActionEscalate
	default:
		return ActionAlert
	}
}

func (e *Engine) recover(ctx context.Context, component string, action RecoveryAction, inv Invocation) (result *RecoveryResult) {
	ctx, span := e.tracer.Start(ctx, "healing.recover", trace.WithAttributes(
		attribute.String("healing.component", component),
		attribute.String("healing.action", string(action)),
	))
	defer span.End()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = newResult(action, inv.Error, started)
			result.LastErr = &PanicError{Value: r}
			result.Message = result.LastErr.Error()
		}
		span.SetAttributes(attribute.Int("healing.attempts", result.Attempts))
		if !result.Success {
			span.SetStatus(codes.Error, result.Message)
		}
	}()

	resolve, ok := e.strategies[action]
	if !ok {
		result = newResult(action, inv.Error, started)
		result.Message = "no strategy registered for action"
		return result
	}
	return resolve(component).Execute(ctx, inv)
}

func (e *Engine) record(ctx context.Context, component, operation string, result *RecoveryResult) {
	e.historyMu.Lock()
	e.history.push(result)
	e.historyMu.Unlock()

	duration := time.Duration(result.DurationMs * float64(time.Millisecond))
	e.metrics.RecordRecovery(component, string(result.Action), result.Success, duration)

	fields := map[string]interface{}{"attempts": result.Attempts, "message": result.Message}
	if result.Error != nil {
		fields["category"] = result.Error.Category
		fields["severity"] = result.Error.Severity
		fields["error_id"] = result.Error.ErrorID
	}
	e.logger.LogRecoveryEvent(ctx, component, operation, string(result.Action), result.Success, duration, fields)

	e.mu.RLock()
	listeners := append([]RecoveryListener(nil), e.listeners...)
	e.mu.RUnlock()
	if len(listeners) == 0 {
		return
	}

	listenerCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.ListenerTimeout)
	defer cancel()
	for _, l := range listeners {
		if err := l.OnRecovery(listenerCtx, *result); err != nil {
			e.logger.WithOperation(operation).WithError(err).WithField("component", component).Error("Recovery listener failed")
		}
	}
}

// RegisterCircuitBreaker installs a breaker for component, replacing any
// existing one. Zero config fields take the engine defaults.
func (e *Engine) RegisterCircuitBreaker(component string, config CircuitBreakerConfig) *CircuitBreaker {
	cb := e.newBreaker(component, config)

	e.mu.Lock()
	e.breakers[component] = cb
	e.mu.Unlock()

	e.monitor.RegisterComponent(component)
	e.metrics.SetCircuitBreakerState(component, int(StateClosed))
	e.logger.Info("Circuit breaker registered",
		"component", component,
		"failure_threshold", cb.Config().FailureThreshold,
		"timeout", cb.Config().Timeout.String(),
	)
	return cb
}

func (e *Engine) newBreaker(component string, config CircuitBreakerConfig) *CircuitBreaker {
	defaults := e.config.CircuitBreaker
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}

	userHook := config.OnStateChange
	config.OnStateChange = func(name string, from, to CircuitState) {
		e.metrics.SetCircuitBreakerState(name, int(to))
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	return NewCircuitBreaker(component, config, e.logger)
}

// breakerFor returns component's breaker, creating one with the engine's
// default configuration on first use.
func (e *Engine) breakerFor(component string) *CircuitBreaker {
	e.mu.RLock()
	cb, ok := e.breakers[component]
	e.mu.RUnlock()
	if ok {
		return cb
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cb, ok := e.breakers[component]; ok {
		return cb
	}
	cb = e.newBreaker(component, CircuitBreakerConfig{})
	e.breakers[component] = cb
	e.logger.Info("Circuit breaker created on demand", "component", component)
	return cb
}

// CircuitBreaker returns component's breaker if one exists.
func (e *Engine) CircuitBreaker(component string) (*CircuitBreaker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cb, ok := e.breakers[component]
	return cb, ok
}

// ResetCircuitBreaker closes component's breaker.
func (e *Engine) ResetCircuitBreaker(component string) error {
	cb, ok := e.CircuitBreaker(component)
	if !ok {
		return apperrors.NewCircuitBreakerNotFoundError(component)
	}
	cb.Reset()
	e.metrics.SetCircuitBreakerState(component, int(StateClosed))
	e.logger.Info("Circuit breaker reset", "component", component)
	return nil
}

// ResetAllCircuitBreakers closes every breaker and returns how many there were.
func (e *Engine) ResetAllCircuitBreakers() int {
	e.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(e.breakers))
	for _, cb := range e.breakers {
		breakers = append(breakers, cb)
	}
	e.mu.RUnlock()

	for _, cb := range breakers {
		cb.Reset()
		e.metrics.SetCircuitBreakerState(cb.Name(), int(StateClosed))
	}
	e.logger.Info("All circuit breakers reset", "count", len(breakers))
	return len(breakers)
}

// CircuitBreakerStates returns a snapshot of every breaker keyed by component.
func (e *Engine) CircuitBreakerStates() map[string]CircuitBreakerSnapshot {
	e.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(e.breakers))
	for _, cb := range e.breakers {
		breakers = append(breakers, cb)
	}
	e.mu.RUnlock()

	states := make(map[string]CircuitBreakerSnapshot, len(breakers))
	for _, cb := range breakers {
		states[cb.Name()] = cb.Snapshot()
	}
	return states
}

// RegisterFallbacks appends fallbacks for component, tried in order.
func (e *Engine) RegisterFallbacks(component string, fallbacks ...Operation) {
	e.mu.Lock()
	strategy, ok := e.fallbacks[component]
	if !ok {
		strategy = NewFallbackStrategy()
		e.fallbacks[component] = strategy
	}
	e.mu.Unlock()

	strategy.Add(fallbacks...)
	e.monitor.RegisterComponent(component)
	e.logger.Info("Fallbacks registered", "component", component, "count", strategy.Len())
}

func (e *Engine) hasFallbacks(component string) bool {
	e.mu.RLock()
	strategy, ok := e.fallbacks[component]
	e.mu.RUnlock()
	return ok && strategy.Len() > 0
}

func (e *Engine) fallbackFor(component string) *FallbackStrategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	strategy, ok := e.fallbacks[component]
	if !ok {
		strategy = NewFallbackStrategy()
		e.fallbacks[component] = strategy
	}
	return strategy
}

func (e *Engine) rollbackFor(component string) *RollbackStrategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	strategy, ok := e.rollbacks[component]
	if !ok {
		strategy = NewRollbackStrategy(e.config.RollbackHistory)
		e.rollbacks[component] = strategy
	}
	return strategy
}

// RollbackHistory returns component's checkpoints oldest first.
func (e *Engine) RollbackHistory(component string) []any {
	e.mu.RLock()
	strategy, ok := e.rollbacks[component]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return strategy.History()
}

// GetRecoveryHistory returns up to limit of the newest results, oldest
// first. A non-positive limit returns the whole history.
func (e *Engine) GetRecoveryHistory(limit int) []RecoveryResult {
	e.historyMu.RLock()
	var entries []*RecoveryResult
	if limit > 0 {
		entries = e.history.last(limit)
	} else {
		entries = e.history.values()
	}
	e.historyMu.RUnlock()

	out := make([]RecoveryResult, len(entries))
	for i, r := range entries {
		out[i] = *r
	}
	return out
}

// GetRecoveryStats summarizes the recovery history. It never fails; an
// empty history reports zeros.
func (e *Engine) GetRecoveryStats() RecoveryStats {
	history := e.GetRecoveryHistory(0)

	stats := RecoveryStats{
		ByAction:        make(map[RecoveryAction]ActionStats),
		ByCategory:      make(map[ErrorCategory]int),
		ByComponent:     make(map[string]int),
		CircuitBreakers: make(map[string]CircuitState),
	}

	var totalDuration float64
	for _, r := range history {
		stats.TotalRecoveries++
		totalDuration += r.DurationMs

		action := stats.ByAction[r.Action]
		action.Total++
		if r.Success {
			stats.SuccessfulRecoveries++
			action.Successful++
		}
		action.SuccessRate = float64(action.Successful) / float64(action.Total)
		stats.ByAction[r.Action] = action

		if r.Error != nil {
			stats.ByCategory[r.Error.Category]++
			stats.ByComponent[r.Error.Component]++
		}

		resolved := r.ResolvedAt
		stats.LastRecoveryAt = &resolved
	}

	stats.FailedRecoveries = stats.TotalRecoveries - stats.SuccessfulRecoveries
	if stats.TotalRecoveries > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRecoveries) / float64(stats.TotalRecoveries)
		stats.AverageDurationMs = totalDuration / float64(stats.TotalRecoveries)
	}

	for name, snapshot := range e.CircuitBreakerStates() {
		stats.CircuitBreakers[name] = snapshot.State
	}

	return stats
}

// ComponentsWithBreakers returns the names of components that have a
// breaker, sorted.
func (e *Engine) ComponentsWithBreakers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.breakers))
	for name := range e.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseRecoveryAction parses a lowercase action name.
func ParseRecoveryAction(value string) (RecoveryAction, bool) {
	action := RecoveryAction(strings.ToLower(value))
	switch action {
	case ActionRetryWithBackoff, ActionCircuitBreak, ActionFallback, ActionRollback,
		ActionIgnore, ActionEscalate, ActionAlert:
		return action, true
	default:
		return "", false
	}
}
