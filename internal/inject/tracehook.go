package inject

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luatap/internal/breakpoint"
	"github.com/dshills/luatap/internal/host"
	"github.com/dshills/luatap/internal/logging"
	"github.com/dshills/luatap/internal/metrics"
	"github.com/dshills/luatap/internal/ratelimit"
)

// Emulator budget defaults. The trace hook pays overhead on every
// statement of every routine, so it meters itself separately from the
// condition quota: the bucket is charged a fixed slice per matched line
// event, and a breakpoint that drains it is disabled.
const (
	// DefaultEmulatorFillRate is the nanosecond budget granted to the
	// trace hook per wall-clock second.
	DefaultEmulatorFillRate = 50_000_000

	// DefaultTraceCost is the nanoseconds charged per matched line event.
	DefaultTraceCost = 500
)

// TraceHook is the emulator strategy: a single hook over all routines
// whose line events are matched against the pending breakpoint table.
// The hook is installed when the first breakpoint is set and torn down
// when the last one is cleared.
type TraceHook struct {
	mu     sync.Mutex
	rt     *host.Runtime
	next   int
	active map[int]*traceEntry
	byLoc  map[Location][]*traceEntry
	hooked bool
	closed bool

	bucket    *ratelimit.Bucket
	traceCost int64
	log       *logging.Logger
	met       *metrics.Metrics
}

type traceEntry struct {
	cookie  int
	loc     Location
	bp      *breakpoint.Conditional
	matched bool // still present in byLoc
}

// TraceOption configures a TraceHook injector.
type TraceOption func(*TraceHook)

// WithTraceBucket replaces the emulator budget bucket.
func WithTraceBucket(b *ratelimit.Bucket) TraceOption {
	return func(t *TraceHook) { t.bucket = b }
}

// WithTraceCost overrides the per-matched-event charge.
func WithTraceCost(ns int64) TraceOption {
	return func(t *TraceHook) {
		if ns > 0 {
			t.traceCost = ns
		}
	}
}

// WithTraceLogger sets the injector's logger.
func WithTraceLogger(log *logging.Logger) TraceOption {
	return func(t *TraceHook) { t.log = log }
}

// WithTraceMetrics sets the shared metrics tracker.
func WithTraceMetrics(m *metrics.Metrics) TraceOption {
	return func(t *TraceHook) { t.met = m }
}

// NewTraceHook creates the emulator injector.
func NewTraceHook(rt *host.Runtime, opts ...TraceOption) *TraceHook {
	t := &TraceHook{
		rt:        rt,
		active:    make(map[int]*traceEntry),
		byLoc:     make(map[Location][]*traceEntry),
		traceCost: DefaultTraceCost,
		log:       logging.Nop(),
		met:       metrics.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.bucket == nil {
		t.bucket = ratelimit.NewBucket(
			DefaultEmulatorFillRate*ratelimit.DefaultCapacityFactor,
			DefaultEmulatorFillRate,
		)
	}
	return t
}

// SetBreakpoint registers bp for the location. The routine must exist;
// the line is matched dynamically, so no boundary check happens here.
// The first breakpoint installs the process-wide hook.
func (t *TraceHook) SetBreakpoint(loc Location, bp *breakpoint.Conditional) (int, error) {
	if _, err := t.rt.Routine(loc.Routine); err != nil {
		return InvalidCookie, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return InvalidCookie, ErrInjectorClosed
	}

	if !t.hooked {
		if err := t.rt.SetTraceHook(t.onTrace); err != nil {
			return InvalidCookie, fmt.Errorf("install trace hook: %w", err)
		}
		t.hooked = true
	}

	t.next++
	e := &traceEntry{cookie: t.next, loc: loc, bp: bp, matched: true}
	t.active[e.cookie] = e
	t.byLoc[loc] = append(t.byLoc[loc], e)
	t.log.Debug("tracing %s:%d cookie=%d", loc.Routine, loc.Line, e.cookie)
	return e.cookie, nil
}

// ClearBreakpoint removes the cookie's entry; clearing the last one
// tears the hook down.
func (t *TraceHook) ClearBreakpoint(cookie int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.active[cookie]
	if !ok {
		return fmt.Errorf("cookie %d: %w", cookie, ErrUnknownCookie)
	}
	delete(t.active, cookie)
	t.unmatchLocked(e)

	// Teardown happens under the mutex so a concurrent SetBreakpoint
	// cannot observe hooked=false while the runtime hook is still
	// installed.
	if len(t.active) == 0 && t.hooked {
		t.hooked = false
		if err := t.rt.ClearTraceHook(); err != nil {
			return fmt.Errorf("remove trace hook: %w", err)
		}
	}
	return nil
}

// Close removes all entries and the hook.
func (t *TraceHook) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = make(map[int]*traceEntry)
	t.byLoc = make(map[Location][]*traceEntry)
	t.closed = true

	if t.hooked {
		t.hooked = false
		return t.rt.ClearTraceHook()
	}
	return nil
}

// AttachThread registers a thread so its events are accounted for.
func (t *TraceHook) AttachThread(co *lua.LState) {
	t.rt.AttachThread(co)
}

// DisableOnThread permanently bypasses instrumentation on a thread.
func (t *TraceHook) DisableOnThread(co *lua.LState) {
	t.rt.DisableOnThread(co)
}

// onTrace matches line events against the pending table. Call and
// return events only feed the traffic counter.
func (t *TraceHook) onTrace(ev host.TraceEvent, routine string, line int, frame func() *host.Frame) {
	t.met.RecordTraceEvent()
	if ev != host.TraceLine {
		return
	}

	t.mu.Lock()
	entries := t.byLoc[Location{Routine: routine, Line: line}]
	matches := make([]*traceEntry, len(entries))
	copy(matches, entries)
	t.mu.Unlock()
	if len(matches) == 0 {
		return
	}

	fr := frame()
	for _, e := range matches {
		if !t.bucket.TryCharge(t.traceCost) {
			t.log.Warn("emulator budget exhausted at %s:%d cookie=%d", routine, line, e.cookie)
			if e.bp.Report(breakpoint.EventEmulatorQuotaExceeded, nil) {
				t.mu.Lock()
				t.unmatchLocked(e)
				t.mu.Unlock()
			}
			continue
		}

		hitEv, fired := e.bp.OnHit(fr)
		if fired && hitEv.Terminal() {
			t.mu.Lock()
			t.unmatchLocked(e)
			t.mu.Unlock()
		}
	}
}

// unmatchLocked removes an entry from the match table. The entry stays
// in active so Clear still recognizes its cookie.
func (t *TraceHook) unmatchLocked(e *traceEntry) {
	if !e.matched {
		return
	}
	e.matched = false

	entries := t.byLoc[e.loc]
	for i, cand := range entries {
		if cand == e {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(t.byLoc, e.loc)
	} else {
		t.byLoc[e.loc] = entries
	}
}
