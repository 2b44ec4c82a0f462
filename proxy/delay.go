package proxy

import (
	"context"
	"sync"
	"time"
)

// delay pauses a pipe before each chunk. Changing the duration wakes a
// pipe that is currently waiting.
type delay struct {
	mu      sync.Mutex
	d       time.Duration
	changed chan struct{}
}

func newDelay(d time.Duration) *delay {
	return &delay{d: d, changed: make(chan struct{})}
}

func (dl *delay) set(d time.Duration) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.d = d
	close(dl.changed)
	dl.changed = make(chan struct{})
}

// Wait sleeps for the current duration, returning early if the duration is
// changed or ctx is done.
func (dl *delay) Wait(ctx context.Context) error {
	dl.mu.Lock()
	d, changed := dl.d, dl.changed
	dl.mu.Unlock()
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-changed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
