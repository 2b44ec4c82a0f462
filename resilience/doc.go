// Package resilience provides the bounded retry and polling helpers used by
// the port allocator and by service health checks.
//
//	port, err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: 16}, bind)
//
//	err := resilience.Poll(ctx, resilience.PollConfig{Timeout: 5 * time.Second}, ready)
package resilience
