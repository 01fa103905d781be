package host

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// BreakFunc handles a direct breakpoint call-out. The cookie is the value
// the call-out was patched in with; the frame is the monitored frame the
// call-out fired in.
type BreakFunc func(cookie int, fr *Frame)

// TraceFunc handles a trace call-out. The frame is materialized lazily:
// most trace events are filtered out without ever needing one.
type TraceFunc func(ev TraceEvent, routine string, line int, frame func() *Frame)

// Runtime owns the monitored Lua state and the routines loaded into it.
// Instrumentation is a source rewrite: patching a line or installing a
// trace hook recompiles the affected routines with call-outs to the
// debugger's trampoline globals, and the swap takes effect on the next
// invocation.
//
// All mutating operations are serialized. Call-outs are delivered only
// from attached threads: the main state and NewThread results are
// attached automatically, externally created threads need AttachThread
// before their hits become observable.
type Runtime struct {
	mu       sync.Mutex
	L        *lua.LState
	routines map[string]*Routine

	onBreak BreakFunc
	onTrace TraceFunc
	closed  bool

	// threads maps *lua.LState -> *threadInfo for attached threads.
	threads sync.Map
}

type threadInfo struct {
	bypassed atomic.Bool
}

// NewRuntime creates a monitored Lua state with the debugger trampolines
// installed. The caller must Close it.
func NewRuntime() *Runtime {
	rt := &Runtime{
		L:        lua.NewState(),
		routines: make(map[string]*Routine),
	}
	rt.L.SetGlobal(breakCallout, rt.L.NewFunction(rt.breakTrampoline))
	rt.L.SetGlobal(traceCallout, rt.L.NewFunction(rt.traceTrampoline))
	rt.threads.Store(rt.L, &threadInfo{})
	return rt
}

// Close tears down the runtime. Loaded routines become unusable.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return
	}
	rt.closed = true
	rt.L.Close()
}

// Load parses and compiles source as a routine under the given name.
func (rt *Runtime) Load(name, source string) (*Routine, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, ErrClosed
	}
	if _, ok := rt.routines[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, ErrRoutineExists)
	}

	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	r := &Routine{
		name:      name,
		source:    source,
		lines:     collectLines(chunk),
		proto:     proto,
		origProto: proto,
	}

	// Routines loaded while a trace hook is active are traced immediately.
	if rt.onTrace != nil {
		r.traced = true
		if err := r.rebuild(); err != nil {
			return nil, err
		}
	}

	rt.routines[name] = r
	return r, nil
}

// Routine returns the loaded routine with the given name.
func (rt *Runtime) Routine(name string) (*Routine, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.routines[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrRoutineNotFound)
	}
	return r, nil
}

// Routines returns the names of all loaded routines.
func (rt *Runtime) Routines() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	names := make([]string, 0, len(rt.routines))
	for name := range rt.routines {
		names = append(names, name)
	}
	return names
}

// Run invokes a routine on the main thread.
func (rt *Runtime) Run(name string, args ...lua.LValue) error {
	return rt.RunOn(rt.L, name, args...)
}

// RunOn invokes a routine on the given thread. The active prototype is
// resolved at call time, so instrumentation changes apply to the next
// invocation, never a running one.
func (rt *Runtime) RunOn(co *lua.LState, name string, args ...lua.LValue) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return ErrClosed
	}
	r, ok := rt.routines[name]
	if !ok {
		rt.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrRoutineNotFound)
	}
	proto := r.proto
	rt.mu.Unlock()

	fn := co.NewFunctionFromProto(proto)
	co.Push(fn)
	for _, arg := range args {
		co.Push(arg)
	}
	if err := co.PCall(len(args), 0, nil); err != nil {
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// NewThread creates an attached coroutine thread sharing the runtime's
// global environment.
func (rt *Runtime) NewThread() *lua.LState {
	co, _ := rt.L.NewThread()
	rt.threads.Store(co, &threadInfo{})
	return co
}

// AttachThread registers an externally created thread with the debugger.
// Attaching is idempotent.
func (rt *Runtime) AttachThread(co *lua.LState) {
	rt.threads.LoadOrStore(co, &threadInfo{})
}

// DisableOnThread permanently bypasses all call-outs on the given thread.
// Routines stay instrumented; the trampolines return immediately.
func (rt *Runtime) DisableOnThread(co *lua.LState) {
	v, _ := rt.threads.LoadOrStore(co, &threadInfo{})
	v.(*threadInfo).bypassed.Store(true)
}

// Bypassed reports whether call-outs are bypassed on the given thread.
func (rt *Runtime) Bypassed(co *lua.LState) bool {
	v, ok := rt.threads.Load(co)
	return ok && v.(*threadInfo).bypassed.Load()
}

// observed reports whether call-outs from co are delivered. A thread
// must be attached before its hits are observable; bypassed threads
// never deliver.
func (rt *Runtime) observed(co *lua.LState) bool {
	v, ok := rt.threads.Load(co)
	return ok && !v.(*threadInfo).bypassed.Load()
}

// ObservedThreads returns the number of attached, non-bypassed threads.
func (rt *Runtime) ObservedThreads() int {
	n := 0
	rt.threads.Range(func(_, v any) bool {
		if !v.(*threadInfo).bypassed.Load() {
			n++
		}
		return true
	})
	return n
}

// SetBreakHandler installs the handler for direct breakpoint call-outs.
func (rt *Runtime) SetBreakHandler(fn BreakFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.onBreak = fn
}

// PatchLine inserts a direct call-out with the given cookie before the
// first statement on line of the named routine.
func (rt *Runtime) PatchLine(name string, line, cookie int) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return ErrClosed
	}
	r, ok := rt.routines[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrRoutineNotFound)
	}
	if !r.lines[line] {
		return fmt.Errorf("%s:%d: %w", name, line, ErrNotStatementBoundary)
	}
	if _, ok := r.patched[line]; ok {
		return fmt.Errorf("%s:%d: %w", name, line, ErrLinePatched)
	}

	if r.patched == nil {
		r.patched = make(map[int]int)
	}
	r.patched[line] = cookie
	if err := r.rebuild(); err != nil {
		delete(r.patched, line)
		return err
	}
	return nil
}

// UnpatchLine removes the direct call-out on line of the named routine.
func (rt *Runtime) UnpatchLine(name string, line int) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return ErrClosed
	}
	r, ok := rt.routines[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrRoutineNotFound)
	}
	cookie, ok := r.patched[line]
	if !ok {
		return fmt.Errorf("%s:%d: %w", name, line, ErrLineNotPatched)
	}

	delete(r.patched, line)
	if err := r.rebuild(); err != nil {
		r.patched[line] = cookie
		return err
	}
	return nil
}

// SetTraceHook instruments every loaded routine with per-statement,
// call, and return call-outs delivered to fn. Only one hook may be
// installed at a time.
func (rt *Runtime) SetTraceHook(fn TraceFunc) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return ErrClosed
	}
	if rt.onTrace != nil {
		return ErrTraceHookInstalled
	}

	if err := rt.retraceLocked(true); err != nil {
		// Roll back to untraced builds; sources compiled before, so the
		// rollback rebuild cannot fail.
		_ = rt.retraceLocked(false)
		return err
	}
	rt.onTrace = fn
	return nil
}

// ClearTraceHook removes the trace hook and restores untraced builds.
func (rt *Runtime) ClearTraceHook() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return ErrClosed
	}
	if rt.onTrace == nil {
		return ErrNoTraceHook
	}

	rt.onTrace = nil
	return rt.retraceLocked(false)
}

// TraceHookInstalled reports whether a trace hook is active.
func (rt *Runtime) TraceHookInstalled() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.onTrace != nil
}

func (rt *Runtime) retraceLocked(traced bool) error {
	for _, r := range rt.routines {
		r.traced = traced
		if err := r.rebuild(); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Runtime) breakTrampoline(L *lua.LState) int {
	if !rt.observed(L) {
		return 0
	}
	cookie := L.CheckInt(1)

	rt.mu.Lock()
	fn := rt.onBreak
	rt.mu.Unlock()
	if fn == nil {
		return 0
	}

	fn(cookie, captureFrame(L, 1))
	return 0
}

func (rt *Runtime) traceTrampoline(L *lua.LState) int {
	if !rt.observed(L) {
		return 0
	}
	ev := TraceEvent(L.CheckInt(1))
	routine := L.CheckString(2)
	line := L.CheckInt(3)

	rt.mu.Lock()
	fn := rt.onTrace
	rt.mu.Unlock()
	if fn == nil {
		return 0
	}

	fn(ev, routine, line, func() *Frame { return captureFrame(L, 1) })
	return 0
}
