package ratelimit

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBucketStartsFull(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(100, 100, WithClock(clock.Now))

	if got := b.Level(); got != 100 {
		t.Errorf("Level() = %d, want 100", got)
	}
}

func TestTryChargeDrains(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(100, 100, WithClock(clock.Now))

	if !b.TryCharge(60) {
		t.Fatal("TryCharge(60) on a full bucket should succeed")
	}
	if got := b.Level(); got != 40 {
		t.Errorf("Level() = %d, want 40", got)
	}
}

func TestTryChargeRejectsWithoutPartialApply(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(100, 100, WithClock(clock.Now))

	if !b.TryCharge(80) {
		t.Fatal("first charge should succeed")
	}
	if b.TryCharge(40) {
		t.Fatal("TryCharge(40) with level 20 should be rejected")
	}
	// Rejected charge must leave the level as-is.
	if got := b.Level(); got != 20 {
		t.Errorf("Level() after rejection = %d, want 20", got)
	}
}

func TestRefillIsLazyAndCapped(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(100, 100, WithClock(clock.Now))

	if !b.TryCharge(100) {
		t.Fatal("draining charge should succeed")
	}

	clock.Advance(500 * time.Millisecond)
	if got := b.Level(); got != 50 {
		t.Errorf("Level() after 500ms = %d, want 50", got)
	}

	// A long idle stretch must not overflow capacity.
	clock.Advance(time.Hour)
	if got := b.Level(); got != 100 {
		t.Errorf("Level() after an hour = %d, want capacity 100", got)
	}
}

func TestRefillSurvivesLongIdleAtRealRates(t *testing.T) {
	clock := newFakeClock()
	idles := []struct {
		name     string
		fillRate int64
		idle     time.Duration
	}{
		{"global rate, 20 minutes", DefaultGlobalFillRate, 20 * time.Minute},
		{"emulator rate, 5 minutes", 50_000_000, 5 * time.Minute},
		{"global rate, a week", DefaultGlobalFillRate, 7 * 24 * time.Hour},
	}
	for _, tc := range idles {
		b := NewBucket(tc.fillRate*DefaultCapacityFactor, tc.fillRate, WithClock(clock.Now))
		if !b.TryCharge(b.Capacity()) {
			t.Fatalf("%s: draining charge should succeed", tc.name)
		}

		clock.Advance(tc.idle)
		if got := b.Level(); got != b.Capacity() {
			t.Errorf("%s: Level() = %d, want capacity %d", tc.name, got, b.Capacity())
		}
		if !b.TryCharge(1000) {
			t.Errorf("%s: charge after idle stretch rejected", tc.name)
		}
	}
}

func TestRefillResumesAfterLongIdle(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(100, 100, WithClock(clock.Now))
	b.TryCharge(100)

	// The idle gap must not poison the refill timestamp: normal
	// second-by-second refill has to keep working afterwards.
	clock.Advance(30 * time.Minute)
	if !b.TryCharge(100) {
		t.Fatal("charge after idle should succeed from a full bucket")
	}
	clock.Advance(500 * time.Millisecond)
	if got := b.Level(); got != 50 {
		t.Errorf("Level() 500ms after idle drain = %d, want 50", got)
	}
}

func TestLevelNeverNegativeNeverAboveCapacity(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(100, 100, WithClock(clock.Now))

	costs := []int64{30, 70, 10, 200, 0, 55, 100, 1}
	for i, cost := range costs {
		b.TryCharge(cost)
		level := b.Level()
		if level < 0 || level > 100 {
			t.Fatalf("step %d: level %d out of [0, 100]", i, level)
		}
		clock.Advance(137 * time.Millisecond)
	}
}

func TestNegativeCostRejected(t *testing.T) {
	clock := newFakeClock()
	b := NewBucket(100, 100, WithClock(clock.Now))

	if b.TryCharge(-1) {
		t.Error("negative cost must be rejected")
	}
	if got := b.Level(); got != 100 {
		t.Errorf("Level() = %d, want 100", got)
	}
}

func TestFractionalRefillAccumulates(t *testing.T) {
	clock := newFakeClock()
	// 1 ns per second: each microsecond step grants less than one nanosecond.
	b := NewBucket(10, 1, WithClock(clock.Now))
	b.TryCharge(10)

	// 2000 steps of 1ms = 2s elapsed in total; the grant must not be lost
	// to per-call truncation.
	for i := 0; i < 2000; i++ {
		clock.Advance(time.Millisecond)
		b.TryCharge(0)
	}
	if got := b.Level(); got != 2 {
		t.Errorf("Level() after 2s at 1ns/s = %d, want 2", got)
	}
}

func TestScaledBucket(t *testing.T) {
	clock := newFakeClock()
	b := NewScaledBucket(100, 100, 0.5, WithClock(clock.Now))

	if got := b.Capacity(); got != 50 {
		t.Errorf("Capacity() = %d, want 50", got)
	}
	if got := b.FillRate(); got != 50 {
		t.Errorf("FillRate() = %d, want 50", got)
	}
}

func TestScaledBucketBadFractionFallsBack(t *testing.T) {
	b := NewScaledBucket(100, 100, 0)
	if got := b.FillRate(); got != 50 {
		t.Errorf("FillRate() = %d, want default half rate 50", got)
	}
}

func TestConcurrentCharges(t *testing.T) {
	b := NewBucket(1_000_000, 1_000_000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				b.TryCharge(100)
			}
		}()
	}
	wg.Wait()

	level := b.Level()
	if level < 0 || level > b.Capacity() {
		t.Errorf("level %d out of [0, %d] after concurrent charges", level, b.Capacity())
	}
}
