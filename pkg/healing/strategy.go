package healing

import (
	"context"
	"fmt"
	"time"
)

// Operation is a unit of work guarded by the engine. Arguments are captured
// by the closure.
type Operation func(ctx context.Context) (any, error)

// Invocation is what a strategy is asked to recover.
type Invocation struct {
	Operation Operation
	Error     *ErrorContext
	// State is a caller checkpoint; only rollback uses it.
	State any
}

// Strategy attempts to recover a failed operation. Implementations never
// return errors or panic: every outcome is encoded in the RecoveryResult.
type Strategy interface {
	Execute(ctx context.Context, inv Invocation) *RecoveryResult
}

// PanicError wraps a value recovered from a panicking operation.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

// invoke runs op, turning a panic into a *PanicError.
func invoke(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &PanicError{Value: r}
		}
	}()
	if op == nil {
		return nil, fmt.Errorf("nil operation")
	}
	return op(ctx)
}

func newResult(action RecoveryAction, ec *ErrorContext, started time.Time) *RecoveryResult {
	now := time.Now()
	return &RecoveryResult{
		Action:     action,
		Error:      ec,
		DurationMs: float64(now.Sub(started)) / float64(time.Millisecond),
		ResolvedAt: now,
		Metadata:   make(map[string]any),
	}
}

// finish stamps the duration once the strategy is done.
func (r *RecoveryResult) finish(started time.Time) *RecoveryResult {
	r.ResolvedAt = time.Now()
	r.DurationMs = float64(r.ResolvedAt.Sub(started)) / float64(time.Millisecond)
	return r
}
