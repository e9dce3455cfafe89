package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Factor: 2, MaxRetries: 3, Cap: 10 * time.Millisecond}
	attempts := 0
	err := Retry(context.Background(), b, func(attempt int) error {
		attempts++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhausted(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Factor: 2, MaxRetries: 2, Cap: 10 * time.Millisecond}
	attempts := 0
	err := Retry(context.Background(), b, func(attempt int) error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	b := Backoff{Base: 50 * time.Millisecond, Factor: 2, MaxRetries: 5, Cap: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, b, func(attempt int) error {
		return errors.New("fails")
	})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestLocalWriteBeforeStartFails(t *testing.T) {
	l := NewLocal([]string{"/bin/true"})
	if err := l.Write("hello\n"); err == nil {
		t.Fatal("expected write before Start to fail")
	}
}

func TestLocalCloseIsIdempotent(t *testing.T) {
	l := NewLocal([]string{"/bin/true"})
	if err := l.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
