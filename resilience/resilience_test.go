package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), RetryConfig{MaxAttempts: 3}, func(int) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls, want \"ok\" after 1", got, calls)
	}
}

func TestRetry_NoBackoffRetriesImmediately(t *testing.T) {
	start := time.Now()
	got, err := Retry(context.Background(), RetryConfig{MaxAttempts: 5}, func(attempt int) (int, error) {
		if attempt < 4 {
			return 0, errors.New("collision")
		}
		return attempt, nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 4 {
		t.Errorf("attempt = %d, want 4", got)
	}
	if time.Since(start) > time.Second {
		t.Errorf("retry without backoff took %v", time.Since(start))
	}
}

func TestRetry_ExceedsMaxAttempts(t *testing.T) {
	last := errors.New("address in use")
	calls := 0
	_, err := Retry(context.Background(), RetryConfig{MaxAttempts: 3}, func(int) (struct{}, error) {
		calls++
		return struct{}{}, last
	})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	if !errors.Is(err, last) {
		t.Errorf("expected last error to be wrapped, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("permission denied")
	calls := 0
	_, err := Retry(context.Background(), RetryConfig{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, fatal) },
	}, func(int) (int, error) {
		calls++
		return 0, fatal
	})
	if err != fatal {
		t.Errorf("err = %v, want %v unchanged", err, fatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, RetryConfig{MaxAttempts: 3}, func(int) (int, error) {
		t.Fatal("fn must not run on a cancelled context")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetry_OnRetry(t *testing.T) {
	var attempts []int
	_, _ = Retry(context.Background(), RetryConfig{
		MaxAttempts: 3,
		OnRetry:     func(attempt int, _ error, _ time.Duration) { attempts = append(attempts, attempt) },
	}, func(int) (int, error) {
		return 0, errors.New("x")
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", attempts)
	}
}

func TestCalculateBackoff_Capped(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second, BackoffFactor: 10}
	if got := calculateBackoff(4, cfg); got != 3*time.Second {
		t.Errorf("backoff = %v, want 3s", got)
	}
	if got := calculateBackoff(1, RetryConfig{}); got != 0 {
		t.Errorf("zero initial backoff = %v, want 0", got)
	}
}

func TestPoll_EventuallyReady(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), PollConfig{Timeout: time.Second, Interval: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not ready")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPoll_Timeout(t *testing.T) {
	notReady := errors.New("not ready")
	err := Poll(context.Background(), PollConfig{Timeout: 30 * time.Millisecond, Interval: 5 * time.Millisecond}, func(context.Context) error {
		return notReady
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if !errors.Is(err, notReady) {
		t.Errorf("err = %v, want last check error wrapped", err)
	}
}
