// Package healing classifies runtime failures, tracks per-component health
// and recovers failing operations automatically.
//
// # Error Detection
//
// The ErrorDetector turns a raw error into an ErrorContext carrying a
// category (network, timeout, database, ...) and a severity. Categories come
// from the error's type name first and its message second; errors that
// implement Timeout() bool are always timeouts.
//
//	detector := healing.NewErrorDetector()
//	ec := detector.Detect(err, "payments", "charge", nil)
//
// # Health Monitoring
//
// A HealthMonitor keeps one ComponentHealth per component with bounded
// windows of latencies and errors. Started monitors evaluate every
// component on an interval and call alert callbacks once the system status
// reaches the configured threshold.
//
//	monitor := healing.NewHealthMonitor(healing.DefaultMonitorConfig())
//	monitor.AddAlertCallback(func(ctx context.Context, r healing.HealthCheckResult) error {
//		return pager.Notify(ctx, r.Message)
//	})
//	monitor.Start(ctx)
//	defer monitor.Stop()
//
// # Recovery
//
// The Engine wraps an operation. On failure it picks one action in fixed
// priority order: circuit break, fallback, retry with backoff, rollback,
// ignore, escalate, alert.
//
//	engine := healing.NewEngine(healing.DefaultEngineConfig(), monitor)
//	engine.RegisterCircuitBreaker("db", healing.CircuitBreakerConfig{FailureThreshold: 3})
//	engine.RegisterFallbacks("llm", func(ctx context.Context) (any, error) {
//		return cachedAnswer, nil
//	})
//
//	answer, err := healing.Execute(ctx, engine, "llm", "complete", func(ctx context.Context) (string, error) {
//		return client.Complete(ctx, prompt)
//	})
//
// A call either returns a value (possibly produced by a retry or fallback)
// or the original error. Calls rejected by an open circuit breaker return a
// *CircuitOpenError without invoking the operation.
package healing
