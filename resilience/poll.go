package resilience

import (
	"context"
	"fmt"
	"time"
)

// PollConfig configures Poll.
type PollConfig struct {
	// Timeout bounds the whole poll. Zero relies on the context alone.
	Timeout time.Duration
	// Interval is the delay between checks. Defaults to 20ms.
	Interval time.Duration
}

// Poll calls check until it returns nil, the timeout elapses, or ctx is
// done. The returned error wraps the context error and the last failure.
func Poll(ctx context.Context, cfg PollConfig, check func(ctx context.Context) error) error {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Millisecond
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		err := check(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: last check: %w", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}
