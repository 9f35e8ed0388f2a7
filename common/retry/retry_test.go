package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/Hisho/common/retry"
)

func fast(n int) retry.Config {
	return retry.Config{MaxAttempts: n, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fast(3), func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("expected 1 successful call, got calls=%d err=%v", calls, err)
	}
}

func TestValue_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := retry.Value(context.Background(), fast(3), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "bot", nil
	})
	if err != nil {
		t.Fatalf("expected nil after eventual success, got %v", err)
	}
	if got != "bot" || calls != 3 {
		t.Fatalf("expected bot after 3 calls, got %q after %d", got, calls)
	}
}

func TestDo_ReturnsLastError(t *testing.T) {
	sentinel := errors.New("down")
	calls := 0
	err := retry.Do(context.Background(), fast(2), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) || calls != 2 {
		t.Fatalf("expected sentinel after 2 calls, got %v after %d", err, calls)
	}
}

func TestDo_ShouldRetryStopsEarly(t *testing.T) {
	permanent := errors.New("unauthorized")
	calls := 0
	cfg := fast(5)
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, permanent) }
	err := retry.Do(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected 1 call with permanent error, got %d (%v)", calls, err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry.Do(ctx, fast(3), func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
