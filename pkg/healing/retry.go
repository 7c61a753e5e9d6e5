package healing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/NikhilSetiya/autoheal/pkg/logging"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the number of times the operation is invoked
	MaxAttempts int `json:"max_attempts"`
	// InitialDelay is the base of the exponential backoff
	InitialDelay time.Duration `json:"initial_delay"`
	// MaxDelay caps the delay between attempts
	MaxDelay time.Duration `json:"max_delay"`
	// ExponentialBase is the backoff multiplier
	ExponentialBase float64 `json:"exponential_base"`
	// Jitter adds up to 10% to each delay
	Jitter bool `json:"jitter"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	defaults := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaults.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.ExponentialBase <= 0 {
		c.ExponentialBase = defaults.ExponentialBase
	}
	return c
}

// RetryStrategy re-invokes an operation with exponential backoff.
type RetryStrategy struct {
	config RetryConfig
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryStrategy creates a retry strategy. Zero config fields take defaults.
func NewRetryStrategy(config RetryConfig, logger *logging.Logger) *RetryStrategy {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &RetryStrategy{
		config: config.normalized(),
		logger: logger,
		sleep:  sleepContext,
	}
}

// Config returns the effective configuration.
func (r *RetryStrategy) Config() RetryConfig {
	return r.config
}

// Execute runs the operation up to MaxAttempts times. It stops early when
// the context is cancelled or a circuit breaker rejects the call.
func (r *RetryStrategy) Execute(ctx context.Context, inv Invocation) *RecoveryResult {
	started := time.Now()
	result := newResult(ActionRetryWithBackoff, inv.Error, started)

	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.Delay(attempt)
			r.logger.WithDuration(delay).WithFields(map[string]interface{}{
				"attempt":      attempt,
				"max_attempts": r.config.MaxAttempts,
			}).Debug("Retrying operation")
			if err := r.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		if inv.Error != nil {
			inv.Error.RetryCount++
			inv.Error.RecoveryAttempted = true
		}
		result.Attempts = attempt

		value, err := invoke(ctx, inv.Operation)
		if err == nil {
			result.Success = true
			result.Value = value
			result.Message = fmt.Sprintf("operation succeeded on attempt %d", attempt)
			return result.finish(started)
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			break
		}
	}

	result.LastErr = lastErr
	if lastErr != nil {
		result.Metadata["last_error"] = lastErr.Error()
		result.Message = fmt.Sprintf("retry failed after %d attempts: %v", result.Attempts, lastErr)
	} else {
		result.Message = "retry failed"
	}
	return result.finish(started)
}

// Delay returns the backoff before attempt k (k > 1).
func (r *RetryStrategy) Delay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.ExponentialBase, float64(attempt-1))

	if r.config.Jitter {
		delay += rand.Float64() * 0.1 * delay
	}

	if delay > float64(r.config.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(r.config.MaxDelay)
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
