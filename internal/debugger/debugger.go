// Package debugger exposes the breakpoint table: the surface a
// controller uses to set and clear breakpoints against a host runtime.
//
// The table owns cookie bookkeeping, the process-wide condition budget,
// the sandbox, and the injection strategy chosen at construction. Every
// breakpoint outcome is delivered to the callback supplied at Set time
// and published on the table's event bus for observers such as the
// websocket forwarder.
package debugger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luatap/internal/breakpoint"
	"github.com/dshills/luatap/internal/event"
	"github.com/dshills/luatap/internal/host"
	"github.com/dshills/luatap/internal/inject"
	"github.com/dshills/luatap/internal/logging"
	"github.com/dshills/luatap/internal/metrics"
	"github.com/dshills/luatap/internal/ratelimit"
	"github.com/dshills/luatap/internal/sandbox"
)

// Setup errors, rejected synchronously at Set and never surfaced as
// breakpoint events.
var (
	ErrNilCallback     = errors.New("breakpoint callback is required")
	ErrInvalidLocation = errors.New("invalid breakpoint location")
	ErrTableClosed     = errors.New("breakpoint table is closed")
)

// Info describes one table entry.
type Info struct {
	ID       string
	Cookie   int
	Routine  string
	Line     int
	Disabled bool
	LastCost int64
}

// Table is the breakpoint table.
type Table struct {
	mu      sync.Mutex
	cfg     Config
	rt      *host.Runtime
	inj     inject.Injector
	global  *ratelimit.Bucket
	sb      *sandbox.Sandbox
	records map[int]*record
	closed  bool

	bus *event.Bus
	met *metrics.Metrics
	log *logging.Logger
	now func() time.Time
}

type record struct {
	id       string
	cookie   int
	loc      inject.Location
	bp       *breakpoint.Conditional
	callback breakpoint.Callback
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the table's logger.
func WithLogger(log *logging.Logger) Option {
	return func(t *Table) { t.log = log }
}

// WithBus sets the event bus notifications are published on.
func WithBus(b *event.Bus) Option {
	return func(t *Table) { t.bus = b }
}

// WithMetrics sets the shared metrics tracker.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Table) { t.met = m }
}

// WithClock substitutes the time source for all quota buckets and cost
// measurement. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// New creates a breakpoint table over the runtime using the configured
// strategy.
func New(rt *host.Runtime, cfg Config, opts ...Option) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Table{
		cfg:     cfg,
		rt:      rt,
		records: make(map[int]*record),
		bus:     event.NewBus(),
		met:     metrics.New(),
		log:     logging.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.global = ratelimit.NewBucket(cfg.GlobalCapacity, cfg.GlobalFillRate, ratelimit.WithClock(t.now))
	t.sb = sandbox.New(sandbox.WithCeiling(cfg.SandboxCeiling))

	switch cfg.Strategy {
	case StrategyPatched:
		t.inj = inject.NewPatchedCode(rt, inject.WithPatchedLogger(t.log))
	case StrategyTrace:
		t.inj = inject.NewTraceHook(rt,
			inject.WithTraceLogger(t.log),
			inject.WithTraceMetrics(t.met),
		)
	}

	t.log.Info("breakpoint table ready (strategy=%s, global=%dns/%dns/s)",
		cfg.Strategy, cfg.GlobalCapacity, cfg.GlobalFillRate)
	return t, nil
}

// Set creates a breakpoint at the location with an optional condition
// expression. Malformed input is rejected synchronously; instrumentation
// failures are additionally reported to the callback as an Error event.
func (t *Table) Set(loc inject.Location, condExpr string, cb breakpoint.Callback) (int, error) {
	if cb == nil {
		return inject.InvalidCookie, ErrNilCallback
	}
	if loc.Routine == "" || loc.Line <= 0 {
		return inject.InvalidCookie, fmt.Errorf("%w: %s:%d", ErrInvalidLocation, loc.Routine, loc.Line)
	}

	var cond *host.CompiledCondition
	if condExpr != "" {
		var err error
		cond, err = host.CompileCondition(condExpr)
		if err != nil {
			return inject.InvalidCookie, fmt.Errorf("malformed condition: %w", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return inject.InvalidCookie, ErrTableClosed
	}

	rec := &record{
		id:       uuid.New().String(),
		loc:      loc,
		callback: cb,
	}

	bpOpts := []breakpoint.Option{
		breakpoint.WithEvaluator(t.sb),
		breakpoint.WithGlobalBucket(t.global),
		breakpoint.WithOwnBucket(ratelimit.NewScaledBucket(
			t.cfg.GlobalCapacity, t.cfg.GlobalFillRate, t.cfg.BreakpointFraction,
			ratelimit.WithClock(t.now),
		)),
		breakpoint.WithCostEstimate(t.cfg.CostEstimate),
		breakpoint.WithClock(t.now),
		breakpoint.WithLogger(t.log),
		breakpoint.WithMetrics(t.met),
		breakpoint.WithCallback(t.relay(rec)),
	}
	if cond != nil {
		bpOpts = append(bpOpts, breakpoint.WithCondition(cond))
	}
	rec.bp = breakpoint.New(rec.id, 0, loc.Routine, loc.Line, bpOpts...)

	cookie, err := t.inj.SetBreakpoint(loc, rec.bp)
	if err != nil {
		// Instrumentation failures also reach the callback, so a
		// controller driving Set asynchronously still learns about them.
		rec.bp.Report(breakpoint.EventError, err)
		return inject.InvalidCookie, err
	}

	rec.cookie = cookie
	t.records[cookie] = rec
	t.log.Info("breakpoint %s set at %s:%d cookie=%d cond=%t",
		rec.id, loc.Routine, loc.Line, cookie, cond != nil)
	return cookie, nil
}

// Clear removes the breakpoint for a cookie. Clearing an unknown or
// already-cleared cookie is a caller error.
func (t *Table) Clear(cookie int) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTableClosed
	}
	rec, ok := t.records[cookie]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("cookie %d: %w", cookie, inject.ErrUnknownCookie)
	}
	delete(t.records, cookie)
	t.mu.Unlock()

	if err := t.inj.ClearBreakpoint(cookie); err != nil {
		return err
	}
	t.log.Info("breakpoint %s cleared cookie=%d", rec.id, cookie)
	return nil
}

// AttachThread registers a thread with the debugger so its breakpoint
// hits are observed.
func (t *Table) AttachThread(co *lua.LState) {
	t.rt.AttachThread(co)
}

// DisableOnThread permanently bypasses all instrumentation on a thread.
// Used to keep the debugger's own work from re-entering itself.
func (t *Table) DisableOnThread(co *lua.LState) {
	t.rt.DisableOnThread(co)
}

// List returns the current table entries.
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Info, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, Info{
			ID:       rec.id,
			Cookie:   rec.cookie,
			Routine:  rec.loc.Routine,
			Line:     rec.loc.Line,
			Disabled: rec.bp.Disabled(),
			LastCost: rec.bp.LastCost(),
		})
	}
	return out
}

// Events returns the bus all notifications are published on.
func (t *Table) Events() *event.Bus { return t.bus }

// Metrics returns a snapshot of debugger counters.
func (t *Table) Metrics() metrics.Snapshot { return t.met.Snapshot() }

// Close clears all breakpoints and rejects further use.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.records = make(map[int]*record)
	t.mu.Unlock()

	return t.inj.Close()
}

// relay wraps the caller's callback: it stamps the cookie (allocated
// after the breakpoint is constructed), forwards to the caller, and
// publishes on the bus.
func (t *Table) relay(rec *record) breakpoint.Callback {
	return func(n breakpoint.Notification) {
		n.Cookie = rec.cookie
		rec.callback(n)
		t.bus.Publish(n)
	}
}
