package healing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultRollbackHistory is how many checkpoints a RollbackStrategy keeps.
const DefaultRollbackHistory = 10

// RollbackStrategy keeps recent caller checkpoints and, when an operation
// fails, reports the checkpoint to return to. It never restores anything
// itself; applying the reported state is up to the caller.
type RollbackStrategy struct {
	mu      sync.Mutex
	history *window[any]
}

// NewRollbackStrategy creates a strategy keeping up to size checkpoints.
func NewRollbackStrategy(size int) *RollbackStrategy {
	if size <= 0 {
		size = DefaultRollbackHistory
	}
	return &RollbackStrategy{history: newWindow[any](size)}
}

// Push records a checkpoint, evicting the oldest beyond capacity.
func (r *RollbackStrategy) Push(state any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history.push(state)
}

// History returns the checkpoints oldest first.
func (r *RollbackStrategy) History() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history.values()
}

// Execute implements Strategy.
func (r *RollbackStrategy) Execute(ctx context.Context, inv Invocation) *RecoveryResult {
	started := time.Now()
	result := newResult(ActionRollback, inv.Error, started)
	result.Metadata["rolled_back"] = false

	if inv.State != nil {
		r.Push(inv.State)
	}
	if inv.Error != nil {
		inv.Error.RecoveryAttempted = true
	}

	result.Attempts = 1
	value, err := invoke(ctx, inv.Operation)
	if err == nil {
		result.Success = true
		result.Value = value
		result.Message = "operation succeeded, no rollback needed"
		return result.finish(started)
	}

	result.LastErr = err
	result.Metadata["last_error"] = err.Error()

	previous, ok := r.pop()
	if !ok {
		result.Message = fmt.Sprintf("operation failed and no previous state is available: %v", err)
		return result.finish(started)
	}

	result.Metadata["rolled_back"] = true
	result.Metadata["rolled_back_to"] = previous
	result.Message = fmt.Sprintf("operation failed, rolled back to previous state: %v", err)
	return result.finish(started)
}

// pop discards the current checkpoint and returns the one before it.
func (r *RollbackStrategy) pop() (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := r.history.values()
	if len(states) == 0 {
		return nil, false
	}
	states = states[:len(states)-1]

	r.history.reset()
	for _, state := range states {
		r.history.push(state)
	}

	if len(states) == 0 {
		return nil, false
	}
	return states[len(states)-1], true
}
