// Package limiter implements a linger-based byte-rate limiter. Instead of a
// token bucket it computes, per operation, the inter-arrival time the target
// rate implies and sleeps the deficit. The last-operation timestamp is an
// atomic: concurrent callers race to update it and serialize their own
// throttling without a mutex, which is all the advisory per-connection limit
// needs.
package limiter

import (
	"context"
	"sync/atomic"
	"time"
)

// Limiter throttles to a configured byte rate. A nil Limiter never throttles.
type Limiter struct {
	bytesPerSecond uint64
	lastOp         atomic.Int64 // unix nanoseconds
}

// New builds a limiter for the given rate. A rate of zero disables
// throttling entirely and New returns nil.
func New(bytesPerSecond uint64) *Limiter {
	if bytesPerSecond == 0 {
		return nil
	}
	l := &Limiter{bytesPerSecond: bytesPerSecond}
	l.lastOp.Store(time.Now().UnixNano())
	return l
}

// Throttle blocks until processing n bytes keeps the caller at or below the
// configured rate: it computes target = n / rate and sleeps the part of it
// not already covered by the time since the previous operation. The stored
// timestamp moves to now + sleep so back-to-back calls accumulate their full
// linger.
func (l *Limiter) Throttle(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return nil
	}

	now := time.Now().UnixNano()
	target := time.Duration(float64(n) / float64(l.bytesPerSecond) * float64(time.Second))
	elapsed := time.Duration(now - l.lastOp.Load())
	sleep := target - elapsed
	if sleep <= 0 {
		l.lastOp.Store(now)
		return nil
	}
	l.lastOp.Store(now + int64(sleep))

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
