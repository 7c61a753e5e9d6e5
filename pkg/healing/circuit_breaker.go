package healing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/NikhilSetiya/autoheal/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited probes are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the state as its lowercase name.
func (s CircuitState) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.ToLower(s.String()))
}

// UnmarshalJSON accepts the lowercase or uppercase state name.
func (s *CircuitState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch strings.ToUpper(name) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", name)
	}
	return nil
}

// ErrCircuitOpen is matched by every rejection from a circuit breaker.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitOpenError is returned when a breaker rejects a call
type CircuitOpenError struct {
	Component string
	State     CircuitState
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Component, e.State.String())
}

// Is makes errors.Is(err, ErrCircuitOpen) true.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int `json:"failure_threshold"`
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration `json:"timeout"`
	// HalfOpenMaxCalls is the number of concurrent probes allowed while half-open
	HalfOpenMaxCalls int `json:"half_open_max_calls"`
	// SuccessThreshold is the number of probe successes that closes the circuit
	SuccessThreshold int `json:"success_threshold"`
	// OnStateChange is called whenever the state of the circuit breaker changes
	OnStateChange func(name string, from CircuitState, to CircuitState) `json:"-"`
}

// DefaultCircuitBreakerConfig returns the default breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 2,
	}
}

func (c CircuitBreakerConfig) normalized() CircuitBreakerConfig {
	defaults := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaults.SuccessThreshold
	}
	return c
}

// CircuitBreakerSnapshot is a point-in-time view of a breaker.
type CircuitBreakerSnapshot struct {
	Component        string       `json:"component"`
	State            CircuitState `json:"state"`
	FailureCount     int          `json:"failure_count"`
	SuccessCount     int          `json:"success_count"`
	HalfOpenCalls    int          `json:"half_open_calls"`
	LastFailureTime  *time.Time   `json:"last_failure_time,omitempty"`
	FailureThreshold int          `json:"failure_threshold"`
	SuccessThreshold int          `json:"success_threshold"`
	HalfOpenMaxCalls int          `json:"half_open_max_calls"`
	TimeoutSeconds   float64      `json:"timeout_seconds"`
}

// CircuitBreaker is a state machine that sheds load from a failing component
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger *logging.Logger
	now    func() time.Time

	mutex           sync.Mutex
	state           CircuitState
	generation      uint64
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a closed breaker. Zero config fields take defaults.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *logging.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &CircuitBreaker{
		name:   name,
		config: config.normalized(),
		logger: logger,
		now:    time.Now,
	}
}

// Name returns the component the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	return cb.config
}

// Call runs op if the breaker admits it. A rejection returns a
// *CircuitOpenError without invoking op.
func (cb *CircuitBreaker) Call(ctx context.Context, op Operation) (any, error) {
	generation, probe, err := cb.beforeCall()
	if err != nil {
		return nil, err
	}

	value, err := invoke(ctx, op)
	cb.afterCall(generation, probe, err == nil)
	return value, err
}

// Guard wraps op so every call goes through the breaker.
func (cb *CircuitBreaker) Guard(op Operation) Operation {
	return func(ctx context.Context) (any, error) {
		return cb.Call(ctx, op)
	}
}

// Execute implements Strategy: the operation runs once through the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, inv Invocation) *RecoveryResult {
	started := time.Now()
	result := newResult(ActionCircuitBreak, inv.Error, started)

	value, err := cb.Call(ctx, inv.Operation)
	state := cb.State()
	result.Metadata["circuit_state"] = strings.ToLower(state.String())

	var openErr *CircuitOpenError
	switch {
	case err == nil:
		result.Success = true
		result.Attempts = 1
		result.Value = value
		result.Message = "operation succeeded through circuit breaker"
	case errors.As(err, &openErr):
		result.LastErr = err
		result.Message = fmt.Sprintf("call rejected: %v", err)
	default:
		result.Attempts = 1
		result.LastErr = err
		result.Metadata["last_error"] = err.Error()
		result.Message = fmt.Sprintf("operation failed through circuit breaker (%s): %v", state, err)
	}
	return result.finish(started)
}

// Observe reports a failure the breaker has already counted, without calling
// the operation again.
func (cb *CircuitBreaker) Observe(inv Invocation, err error) *RecoveryResult {
	started := time.Now()
	result := newResult(ActionCircuitBreak, inv.Error, started)

	state := cb.State()
	result.LastErr = err
	result.Metadata["circuit_state"] = strings.ToLower(state.String())
	if err != nil {
		result.Metadata["last_error"] = err.Error()
	}
	result.Message = fmt.Sprintf("failure counted by circuit breaker (%s): %v", state, err)
	return result.finish(started)
}

// State returns the current state, applying the open-timeout transition.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.currentState(cb.now())
}

// Snapshot returns the breaker's counters and configuration.
func (cb *CircuitBreaker) Snapshot() CircuitBreakerSnapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	snapshot := CircuitBreakerSnapshot{
		Component:        cb.name,
		State:            cb.currentState(cb.now()),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenCalls:    cb.halfOpenCalls,
		FailureThreshold: cb.config.FailureThreshold,
		SuccessThreshold: cb.config.SuccessThreshold,
		HalfOpenMaxCalls: cb.config.HalfOpenMaxCalls,
		TimeoutSeconds:   cb.config.Timeout.Seconds(),
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		snapshot.LastFailureTime = &t
	}
	return snapshot
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
	cb.lastFailureTime = time.Time{}
	cb.generation++
}

func (cb *CircuitBreaker) beforeCall() (uint64, bool, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.currentState(cb.now()) {
	case StateOpen:
		return cb.generation, false, &CircuitOpenError{Component: cb.name, State: StateOpen}
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return cb.generation, false, &CircuitOpenError{Component: cb.name, State: StateHalfOpen}
		}
		cb.halfOpenCalls++
		return cb.generation, true, nil
	default:
		return cb.generation, false, nil
	}
}

func (cb *CircuitBreaker) afterCall(before uint64, probe, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	// Outcomes from calls admitted before a state change are stale.
	if cb.generation != before {
		return
	}

	if probe && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}

	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
			cb.successCount = 0
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.failureCount = cb.config.FailureThreshold
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) CircuitState {
	if cb.state == StateOpen && now.Sub(cb.lastFailureTime) >= cb.config.Timeout {
		cb.setState(StateHalfOpen)
		cb.halfOpenCalls = 0
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state CircuitState) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", cb.failureCount,
	)
}
