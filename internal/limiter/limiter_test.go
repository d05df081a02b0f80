package limiter

import (
	"context"
	"testing"
	"time"
)

func TestThrottleLinearity(t *testing.T) {
	// 5 x 100 bytes at 1000 B/s must take ~500ms in total.
	l := New(1000)
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Throttle(context.Background(), 100); err != nil {
			t.Fatalf("Throttle failed: %v", err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 450*time.Millisecond || elapsed > 550*time.Millisecond {
		t.Errorf("throttling 5 x 100 B at 1000 B/s took %v, want 450ms..550ms", elapsed)
	}
}

func TestThrottleDisabled(t *testing.T) {
	l := New(0)
	if l != nil {
		t.Fatalf("rate 0 should build a nil limiter")
	}
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Throttle(context.Background(), 1<<20); err != nil {
			t.Fatalf("Throttle on nil limiter failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("nil limiter throttled for %v", elapsed)
	}
}

func TestThrottleAfterIdlePeriod(t *testing.T) {
	l := New(1000)
	time.Sleep(150 * time.Millisecond)

	// The idle gap already covers the 100ms linger for 100 bytes.
	start := time.Now()
	if err := l.Throttle(context.Background(), 100); err != nil {
		t.Fatalf("Throttle failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("throttle after idle slept %v, want no sleep", elapsed)
	}
}

func TestThrottleCancellation(t *testing.T) {
	l := New(10) // 10 B/s: 100 bytes implies a 10s linger
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Throttle(ctx, 100)
	if err == nil {
		t.Fatalf("Throttle returned nil, want context error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled throttle blocked for %v", elapsed)
	}
}
