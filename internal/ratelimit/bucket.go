// Package ratelimit implements the leaky bucket cost meter that bounds
// how much time the debugger may spend evaluating breakpoint conditions.
//
// A bucket accumulates budget (nanoseconds) over wall-clock time up to a
// fixed capacity and is drained by charges. Refill is computed lazily on
// each charge, so a bucket stays correct even if it is left uncharged for
// long stretches. There is no background goroutine.
package ratelimit

import (
	"sync"
	"time"
)

// Default quota posture. The global rate is the maximum aggregate time per
// second the whole process may spend evaluating conditions; a single
// breakpoint is allowed only a fraction of that (see DefaultBreakpointFraction)
// so one expensive condition cannot starve the rest.
const (
	// DefaultGlobalFillRate is the budget granted to the global bucket per
	// wall-clock second, in nanoseconds (1% of one core).
	DefaultGlobalFillRate = 10_000_000

	// DefaultCapacityFactor scales fill rate into capacity, allowing short
	// bursts above the sustained rate.
	DefaultCapacityFactor = 2

	// DefaultBreakpointFraction is the share of the global rate a single
	// breakpoint may consume before it is considered too expensive.
	DefaultBreakpointFraction = 0.5
)

// Bucket is a leaky bucket over a nanosecond budget.
//
// The mutex is held only for the brief refill/charge critical section;
// callers must never hold it across condition evaluation.
type Bucket struct {
	mu         sync.Mutex
	capacity   int64
	fillRate   int64 // nanoseconds granted per wall-clock second
	level      int64
	lastRefill time.Time

	now func() time.Time
}

// Option configures a Bucket.
type Option func(*Bucket)

// WithClock replaces the bucket's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) {
		b.now = now
	}
}

// NewBucket creates a full bucket with the given capacity and fill rate,
// both in nanoseconds. A bucket starts full so that freshly set breakpoints
// can evaluate immediately.
func NewBucket(capacity, fillRate int64, opts ...Option) *Bucket {
	b := &Bucket{
		capacity: capacity,
		fillRate: fillRate,
		level:    capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastRefill = b.now()
	return b
}

// NewGlobalBucket creates the process-wide condition quota bucket.
func NewGlobalBucket(opts ...Option) *Bucket {
	return NewBucket(DefaultGlobalFillRate*DefaultCapacityFactor, DefaultGlobalFillRate, opts...)
}

// NewScaledBucket creates a bucket whose rate and capacity are a fraction of
// the given rate. Used to derive the per-breakpoint bucket from the global
// quota.
func NewScaledBucket(capacity, fillRate int64, fraction float64, opts ...Option) *Bucket {
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultBreakpointFraction
	}
	return NewBucket(int64(float64(capacity)*fraction), int64(float64(fillRate)*fraction), opts...)
}

// TryCharge refills the bucket for the elapsed wall time and then attempts
// to subtract cost nanoseconds. It reports whether the charge was accepted.
// A rejected charge leaves the refilled level untouched; charges are never
// partially applied.
func (b *Bucket) TryCharge(cost int64) bool {
	if cost < 0 {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.level < cost {
		return false
	}
	b.level -= cost
	return true
}

// refillLocked grants elapsed_seconds * fillRate, capped at capacity.
// lastRefill only advances when at least one nanosecond was granted, so
// sub-nanosecond fractions accumulate instead of being dropped by frequent
// calls.
func (b *Bucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 || b.fillRate <= 0 {
		return
	}

	// An idle stretch long enough to fill the bucket is resolved in whole
	// seconds before any grant arithmetic, which would overflow int64 for
	// multi-minute gaps at realistic fill rates.
	if secs := int64(elapsed / time.Second); secs >= (b.capacity-b.level)/b.fillRate+1 {
		b.level = b.capacity
		b.lastRefill = now
		return
	}

	grant := int64(elapsed/time.Second)*b.fillRate +
		int64(elapsed%time.Second)*b.fillRate/int64(time.Second)
	if grant <= 0 {
		return
	}

	b.level += grant
	if b.level > b.capacity {
		b.level = b.capacity
	}
	b.lastRefill = now
}

// Level returns the current budget after applying any pending refill.
func (b *Bucket) Level() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.level
}

// Capacity returns the maximum accumulated budget.
func (b *Bucket) Capacity() int64 {
	return b.capacity
}

// FillRate returns the budget granted per wall-clock second.
func (b *Bucket) FillRate() int64 {
	return b.fillRate
}
