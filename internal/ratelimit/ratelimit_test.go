package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestLimiter_BurstThenLimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("caller-a"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.Allow("caller-a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after burst, got %v", err)
	}
}

func TestLimiter_CallersAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("caller-a"); err != nil {
		t.Fatalf("caller-a first request: %v", err)
	}
	if err := l.Allow("caller-a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("caller-a should be limited, got %v", err)
	}
	if err := l.Allow("caller-b"); err != nil {
		t.Fatalf("caller-b must have its own bucket: %v", err)
	}
}

func TestLimiter_Refills(t *testing.T) {
	// 600 rpm = 10 tokens/second, so a drained bucket recovers quickly.
	l := NewLimiter(Config{RequestsPerMinute: 600, BurstSize: 1})

	if err := l.Allow("caller"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("caller"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limit, got %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if err := l.Allow("caller"); err != nil {
		t.Fatalf("expected refill after wait: %v", err)
	}
}

func TestLimiter_RetryAfter(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if d := l.RetryAfter("caller"); d != 0 {
		t.Fatalf("fresh caller should not wait, got %v", d)
	}
	if err := l.Allow("caller"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	d := l.RetryAfter("caller")
	if d <= 0 || d > time.Second+100*time.Millisecond {
		t.Fatalf("RetryAfter = %v, want ~1s", d)
	}
}
