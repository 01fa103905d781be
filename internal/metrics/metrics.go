// Package metrics tracks instrumentation-side counters for the debugger.
//
// Everything here is updated from breakpoint hit paths, so the counters are
// plain atomics; there is no locking and no allocation on the hot path.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics tracks breakpoint and condition-evaluation activity.
type Metrics struct {
	// Hit handling
	hits     atomic.Uint64
	nonFires atomic.Uint64

	// Condition evaluation
	evalCount   atomic.Uint64
	evalTotalNs atomic.Int64
	evalMaxNs   atomic.Int64
	evalErrors  atomic.Uint64

	// Safety and quota outcomes
	mutationViolations atomic.Uint64
	breakpointThrottle atomic.Uint64
	globalThrottle     atomic.Uint64
	emulatorThrottle   atomic.Uint64
	disabled           atomic.Uint64

	// Trace hook traffic (emulator strategy only)
	traceEvents atomic.Uint64

	startTime time.Time
}

// New creates a metrics tracker.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordHit records a delivered Hit event.
func (m *Metrics) RecordHit() { m.hits.Add(1) }

// RecordNonFire records a condition that evaluated to false.
func (m *Metrics) RecordNonFire() { m.nonFires.Add(1) }

// RecordEvaluation records one condition evaluation and its duration.
func (m *Metrics) RecordEvaluation(d time.Duration) {
	ns := d.Nanoseconds()
	m.evalCount.Add(1)
	m.evalTotalNs.Add(ns)

	for {
		old := m.evalMaxNs.Load()
		if ns <= old {
			break
		}
		if m.evalMaxNs.CompareAndSwap(old, ns) {
			break
		}
	}
}

// RecordEvaluationError records a failed condition evaluation.
func (m *Metrics) RecordEvaluationError() { m.evalErrors.Add(1) }

// RecordMutationViolation records a condition aborted for mutating state.
func (m *Metrics) RecordMutationViolation() { m.mutationViolations.Add(1) }

// RecordBreakpointThrottle records a per-breakpoint quota rejection.
func (m *Metrics) RecordBreakpointThrottle() { m.breakpointThrottle.Add(1) }

// RecordGlobalThrottle records a global quota rejection.
func (m *Metrics) RecordGlobalThrottle() { m.globalThrottle.Add(1) }

// RecordEmulatorThrottle records an emulator-side quota rejection.
func (m *Metrics) RecordEmulatorThrottle() { m.emulatorThrottle.Add(1) }

// RecordDisable records a breakpoint permanently disabled by the debugger.
func (m *Metrics) RecordDisable() { m.disabled.Add(1) }

// RecordTraceEvent records one trace hook invocation.
func (m *Metrics) RecordTraceEvent() { m.traceEvents.Add(1) }

// Snapshot returns a point-in-time view of all counters.
func (m *Metrics) Snapshot() Snapshot {
	evalCount := m.evalCount.Load()

	var avgEvalNs int64
	if evalCount > 0 {
		avgEvalNs = m.evalTotalNs.Load() / int64(evalCount)
	}

	return Snapshot{
		Uptime:             time.Since(m.startTime),
		Hits:               m.hits.Load(),
		NonFires:           m.nonFires.Load(),
		EvalCount:          evalCount,
		AvgEvalNs:          avgEvalNs,
		MaxEvalNs:          m.evalMaxNs.Load(),
		EvalErrors:         m.evalErrors.Load(),
		MutationViolations: m.mutationViolations.Load(),
		BreakpointThrottle: m.breakpointThrottle.Load(),
		GlobalThrottle:     m.globalThrottle.Load(),
		EmulatorThrottle:   m.emulatorThrottle.Load(),
		Disabled:           m.disabled.Load(),
		TraceEvents:        m.traceEvents.Load(),
	}
}

// Reset clears all counters.
func (m *Metrics) Reset() {
	m.hits.Store(0)
	m.nonFires.Store(0)
	m.evalCount.Store(0)
	m.evalTotalNs.Store(0)
	m.evalMaxNs.Store(0)
	m.evalErrors.Store(0)
	m.mutationViolations.Store(0)
	m.breakpointThrottle.Store(0)
	m.globalThrottle.Store(0)
	m.emulatorThrottle.Store(0)
	m.disabled.Store(0)
	m.traceEvents.Store(0)
	m.startTime = time.Now()
}

// Snapshot is a point-in-time view of debugger metrics.
type Snapshot struct {
	Uptime             time.Duration
	Hits               uint64
	NonFires           uint64
	EvalCount          uint64
	AvgEvalNs          int64
	MaxEvalNs          int64
	EvalErrors         uint64
	MutationViolations uint64
	BreakpointThrottle uint64
	GlobalThrottle     uint64
	EmulatorThrottle   uint64
	Disabled           uint64
	TraceEvents        uint64
}

// FireRate returns the fraction of condition evaluations that fired.
func (s Snapshot) FireRate() float64 {
	total := s.Hits + s.NonFires
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
