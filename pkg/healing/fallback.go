package healing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FallbackStrategy tries the primary operation once and then each fallback
// in registration order until one succeeds.
type FallbackStrategy struct {
	mu        sync.RWMutex
	fallbacks []Operation
}

// NewFallbackStrategy creates a strategy with the given fallbacks.
func NewFallbackStrategy(fallbacks ...Operation) *FallbackStrategy {
	return &FallbackStrategy{fallbacks: append([]Operation(nil), fallbacks...)}
}

// Add appends fallbacks to the chain.
func (f *FallbackStrategy) Add(fallbacks ...Operation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks = append(f.fallbacks, fallbacks...)
}

// Len returns the number of registered fallbacks.
func (f *FallbackStrategy) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.fallbacks)
}

// Execute implements Strategy.
func (f *FallbackStrategy) Execute(ctx context.Context, inv Invocation) *RecoveryResult {
	started := time.Now()
	result := newResult(ActionFallback, inv.Error, started)
	result.Metadata["used_fallback"] = false

	f.mu.RLock()
	fallbacks := append([]Operation(nil), f.fallbacks...)
	f.mu.RUnlock()

	if inv.Error != nil {
		inv.Error.RecoveryAttempted = true
	}

	result.Attempts = 1
	value, err := invoke(ctx, inv.Operation)
	if err == nil {
		result.Success = true
		result.Value = value
		result.Message = "primary operation succeeded"
		return result.finish(started)
	}
	lastErr := err

	for i, fallback := range fallbacks {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		result.Attempts++
		value, err := invoke(ctx, fallback)
		if err == nil {
			result.Success = true
			result.Value = value
			result.Metadata["used_fallback"] = true
			result.Metadata["fallback_index"] = i
			result.Message = fmt.Sprintf("fallback %d succeeded", i)
			return result.finish(started)
		}
		lastErr = err
	}

	result.LastErr = lastErr
	result.Metadata["last_error"] = lastErr.Error()
	result.Message = fmt.Sprintf("primary and %d fallbacks failed: %v", len(fallbacks), lastErr)
	return result.finish(started)
}
