package healing

import (
	"context"
	"fmt"
	"time"

	"github.com/NikhilSetiya/autoheal/pkg/logging"
)

// Notifier is told about failures whose recovery is to alert or escalate.
type Notifier interface {
	NotifyRecovery(ctx context.Context, action RecoveryAction, ec *ErrorContext) error
}

// noticeStrategy handles the actions that produce no value: ignore, alert
// and escalate. The original error always surfaces to the caller.
type noticeStrategy struct {
	action   RecoveryAction
	notifier func() Notifier
	logger   *logging.Logger
}

func (s *noticeStrategy) Execute(ctx context.Context, inv Invocation) *RecoveryResult {
	started := time.Now()
	result := newResult(s.action, inv.Error, started)

	if s.action == ActionIgnore {
		s.logger.Debug("Ignoring low severity error", errorFields(inv.Error)...)
		result.Message = "error ignored"
		return result.finish(started)
	}

	notifier := s.notifier()
	if notifier == nil {
		s.logger.Warn(fmt.Sprintf("Recovery action %s with no notifier configured", s.action), errorFields(inv.Error)...)
		result.Message = fmt.Sprintf("%s logged", s.action)
		return result.finish(started)
	}

	if err := notifier.NotifyRecovery(ctx, s.action, inv.Error); err != nil {
		result.LastErr = err
		result.Metadata["notify_error"] = err.Error()
		result.Message = fmt.Sprintf("%s notification failed: %v", s.action, err)
		return result.finish(started)
	}

	result.Metadata["notified"] = true
	result.Message = fmt.Sprintf("%s notification sent", s.action)
	return result.finish(started)
}

func errorFields(ec *ErrorContext) []interface{} {
	if ec == nil {
		return nil
	}
	return []interface{}{
		"component", ec.Component,
		"operation", ec.Operation,
		"category", ec.Category,
		"severity", ec.Severity,
		"error", ec.ErrorMessage,
	}
}
