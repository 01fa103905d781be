// Package breakpoint implements the conditional breakpoint state machine:
// quota accounting against per-breakpoint and global leaky buckets,
// sandboxed condition evaluation, and the closed event set delivered to
// the owner's callback.
package breakpoint

import (
	"time"

	"github.com/dshills/luatap/internal/host"
	"github.com/dshills/luatap/internal/logging"
	"github.com/dshills/luatap/internal/metrics"
	"github.com/dshills/luatap/internal/ratelimit"
	"github.com/dshills/luatap/internal/sandbox"

	"sync/atomic"
)

// DefaultCostEstimate is the nanosecond cost charged for a condition's
// first evaluation, before a measured duration exists.
const DefaultCostEstimate int64 = 100_000

// Evaluator runs a condition against a frame. *sandbox.Sandbox satisfies
// this; tests substitute stubs.
type Evaluator interface {
	Evaluate(fr *host.Frame, cond *host.CompiledCondition) (bool, error)
}

// Conditional is one active breakpoint. OnHit is invoked by an injector
// whenever execution reaches the instrumented location; it performs the
// quota checks, evaluates the condition, and delivers at most one event.
//
// Disabling is terminal and race-safe: concurrent hits racing a disable
// deliver the terminal event exactly once.
type Conditional struct {
	id      string
	cookie  int
	routine string
	line    int
	cond    *host.CompiledCondition

	eval   Evaluator
	global *ratelimit.Bucket
	own    *ratelimit.Bucket

	estimate int64
	lastCost atomic.Int64

	disabled atomic.Bool

	callback Callback
	now      func() time.Time
	log      *logging.Logger
	met      *metrics.Metrics
}

// Option configures a Conditional.
type Option func(*Conditional)

// WithCondition attaches a compiled condition. Without one the
// breakpoint is unconditional.
func WithCondition(c *host.CompiledCondition) Option {
	return func(b *Conditional) { b.cond = c }
}

// WithEvaluator sets the condition evaluator.
func WithEvaluator(e Evaluator) Option {
	return func(b *Conditional) { b.eval = e }
}

// WithGlobalBucket sets the shared process-wide condition budget.
func WithGlobalBucket(bk *ratelimit.Bucket) Option {
	return func(b *Conditional) { b.global = bk }
}

// WithOwnBucket sets this breakpoint's private condition budget.
func WithOwnBucket(bk *ratelimit.Bucket) Option {
	return func(b *Conditional) { b.own = bk }
}

// WithCostEstimate overrides the first-evaluation cost charge.
func WithCostEstimate(ns int64) Option {
	return func(b *Conditional) {
		if ns > 0 {
			b.estimate = ns
		}
	}
}

// WithClock substitutes the time source used for cost measurement.
func WithClock(now func() time.Time) Option {
	return func(b *Conditional) { b.now = now }
}

// WithLogger sets the breakpoint's logger.
func WithLogger(log *logging.Logger) Option {
	return func(b *Conditional) { b.log = log }
}

// WithMetrics sets the shared metrics tracker.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Conditional) { b.met = m }
}

// WithCallback sets the owner's event callback.
func WithCallback(cb Callback) Option {
	return func(b *Conditional) { b.callback = cb }
}

// New creates a breakpoint for the given location.
func New(id string, cookie int, routine string, line int, opts ...Option) *Conditional {
	b := &Conditional{
		id:       id,
		cookie:   cookie,
		routine:  routine,
		line:     line,
		estimate: DefaultCostEstimate,
		now:      time.Now,
		log:      logging.Nop(),
		met:      metrics.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns the breakpoint's identifier.
func (b *Conditional) ID() string { return b.id }

// Cookie returns the injector cookie bound at Set time.
func (b *Conditional) Cookie() int { return b.cookie }

// Routine returns the target routine name.
func (b *Conditional) Routine() string { return b.routine }

// Line returns the target source line.
func (b *Conditional) Line() int { return b.line }

// HasCondition reports whether a condition is attached.
func (b *Conditional) HasCondition() bool { return b.cond != nil }

// Disabled reports whether the breakpoint has been permanently disabled.
func (b *Conditional) Disabled() bool { return b.disabled.Load() }

// LastCost returns the measured duration of the most recent evaluation
// in nanoseconds, or zero before the first one.
func (b *Conditional) LastCost() int64 { return b.lastCost.Load() }

// OnHit handles one execution reach. It returns the delivered event;
// fired is false when nothing was delivered (the breakpoint is disabled,
// or its condition evaluated to false).
func (b *Conditional) OnHit(fr *host.Frame) (ev Event, fired bool) {
	if b.disabled.Load() {
		return 0, false
	}

	// Unconditional breakpoints never touch the limiters.
	if b.cond == nil {
		b.met.RecordHit()
		b.notify(EventHit, fr, nil)
		return EventHit, true
	}

	cost := b.chargeCost()

	if b.own != nil && !b.own.TryCharge(cost) {
		b.met.RecordBreakpointThrottle()
		if !b.disable() {
			return 0, false
		}
		b.log.Warn("breakpoint %s disabled: condition too expensive (%dns/eval)", b.id, cost)
		b.notify(EventBreakpointConditionQuotaExceeded, nil, nil)
		return EventBreakpointConditionQuotaExceeded, true
	}

	if b.global != nil && !b.global.TryCharge(cost) {
		b.met.RecordGlobalThrottle()
		b.notify(EventGlobalConditionQuotaExceeded, nil, nil)
		return EventGlobalConditionQuotaExceeded, true
	}

	start := b.now()
	ok, err := b.evaluate(fr)
	elapsed := b.now().Sub(start)
	if elapsed < time.Nanosecond {
		elapsed = time.Nanosecond
	}
	b.lastCost.Store(elapsed.Nanoseconds())
	b.met.RecordEvaluation(elapsed)

	switch {
	case sandbox.IsMutation(err):
		b.met.RecordMutationViolation()
		if !b.disable() {
			return 0, false
		}
		b.log.Warn("breakpoint %s disabled: %v", b.id, err)
		b.notify(EventConditionExpressionMutable, nil, err)
		return EventConditionExpressionMutable, true

	case err != nil:
		b.met.RecordEvaluationError()
		b.log.Debug("breakpoint %s condition failed: %v", b.id, err)
		b.notify(EventError, nil, err)
		return EventError, true

	case !ok:
		b.met.RecordNonFire()
		return 0, false

	default:
		b.met.RecordHit()
		b.notify(EventHit, fr, nil)
		return EventHit, true
	}
}

// Report delivers an event directly, skipping quota accounting and
// condition evaluation. Injectors use it for outcomes they detect
// themselves, such as emulator quota exhaustion. Terminal events disable
// the breakpoint and are delivered at most once.
func (b *Conditional) Report(ev Event, err error) bool {
	if ev.Terminal() {
		if !b.disable() {
			return false
		}
	} else if b.disabled.Load() {
		return false
	}

	switch ev {
	case EventEmulatorQuotaExceeded:
		b.met.RecordEmulatorThrottle()
	case EventError:
		b.met.RecordEvaluationError()
	}
	b.notify(ev, nil, err)
	return true
}

// Disable permanently disables the breakpoint without delivering an
// event. Idempotent.
func (b *Conditional) Disable() {
	b.disable()
}

func (b *Conditional) disable() bool {
	if !b.disabled.CompareAndSwap(false, true) {
		return false
	}
	b.met.RecordDisable()
	return true
}

// chargeCost is the measured duration of the previous evaluation, or the
// configured estimate before any evaluation has run.
func (b *Conditional) chargeCost() int64 {
	if c := b.lastCost.Load(); c > 0 {
		return c
	}
	return b.estimate
}

func (b *Conditional) evaluate(fr *host.Frame) (bool, error) {
	if b.eval == nil {
		return false, errNoEvaluator
	}
	return b.eval.Evaluate(fr, b.cond)
}

func (b *Conditional) notify(ev Event, fr *host.Frame, err error) {
	if b.callback == nil {
		return
	}
	b.callback(Notification{
		BreakpointID: b.id,
		Cookie:       b.cookie,
		Event:        ev,
		Routine:      b.routine,
		Line:         b.line,
		Frame:        fr,
		Err:          err,
		At:           b.now(),
	})
}
