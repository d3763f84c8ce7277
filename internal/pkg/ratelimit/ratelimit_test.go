package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllow(t *testing.T) {
	l := New()

	for i := 0; i < 3; i++ {
		if !l.Allow("k", 3, time.Minute) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("k", 3, time.Minute) {
		t.Error("fourth request should be limited")
	}
	if !l.Allow("other", 3, time.Minute) {
		t.Error("keys should have separate buckets")
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		if !l.Allow("k", 0, time.Second) {
			t.Fatal("zero limit should never block")
		}
	}
}

func TestWait(t *testing.T) {
	l := New()
	ctx := context.Background()

	if err := l.Wait(ctx, "k", 1, 50*time.Millisecond); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "k", 1, 50*time.Millisecond); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("second wait returned after %v, expected to block for a refill", elapsed)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	l := New()
	l.Allow("k", 1, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "k", 1, time.Hour); err == nil {
		t.Error("expected context error")
	}
}

func TestCleanup(t *testing.T) {
	l := New()
	l.Allow("k", 1, time.Hour)

	l.Cleanup(time.Hour)
	if l.Allow("k", 1, time.Hour) {
		t.Error("bucket should survive cleanup while recently used")
	}

	l.Cleanup(0)
	if !l.Allow("k", 1, time.Hour) {
		t.Error("bucket should be dropped and recreated full")
	}
}
