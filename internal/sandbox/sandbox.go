// Package sandbox evaluates breakpoint conditions against a captured
// frame without letting them modify monitored program state.
//
// A condition runs in a scoped environment built from the frame's locals
// and the program's globals. Tables are exposed through lazy read-only
// proxies, program-defined functions are replaced with guards, and a set
// of ambient globals (io, os, rawset, setmetatable, loaders) is hidden
// entirely. The denylist follows the globals table itself: _G and any
// reference to it the program kept resolve to the same filtered view,
// and aliases of the denied builtins are guarded by function identity.
// Any blocked write or guarded call aborts the evaluation and surfaces
// as a MutationError; the mutation never lands.
//
// Conditions are Lua expressions, so the only mutation vectors are calls.
// Writes are still trapped for function literals defined inside the
// condition itself.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luatap/internal/host"
)

// DefaultCeiling is the wall-clock budget for one condition evaluation.
const DefaultCeiling = 50 * time.Millisecond

// deniedGlobals are never visible to conditions. Reading one yields nil.
var deniedGlobals = map[string]bool{
	"rawset":         true,
	"setmetatable":   true,
	"setfenv":        true,
	"getfenv":        true,
	"collectgarbage": true,
	"dofile":         true,
	"loadfile":       true,
	"load":           true,
	"loadstring":     true,
	"require":        true,
	"module":         true,
	"print":          true,
	"io":             true,
	"os":             true,
	"debug":          true,
	"coroutine":      true,
}

// Sandbox evaluates conditions under an immutability guarantee and a
// wall-clock ceiling. Evaluation is non-reentrant per thread.
type Sandbox struct {
	ceiling time.Duration
	busy    sync.Map // *lua.LState -> struct{}
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithCeiling overrides the wall-clock evaluation budget.
func WithCeiling(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.ceiling = d
		}
	}
}

// New creates a Sandbox.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{ceiling: DefaultCeiling}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ceiling returns the configured wall-clock budget.
func (s *Sandbox) Ceiling() time.Duration { return s.ceiling }

// Evaluate runs the condition against the frame and reports whether it
// was truthy. The returned error distinguishes mutation attempts
// (MutationError), budget exhaustion (ErrEvalTimeout), and ordinary
// evaluation failures.
func (s *Sandbox) Evaluate(fr *host.Frame, cond *host.CompiledCondition) (bool, error) {
	L := fr.Thread()
	if _, evaluating := s.busy.LoadOrStore(L, struct{}{}); evaluating {
		return false, ErrReentrantEval
	}
	defer s.busy.Delete(L)

	ss := &session{
		L:       L,
		globals: L.G.Global,
		proxies: make(map[*lua.LTable]*lua.LTable),
		raws:    make(map[*lua.LTable]*lua.LTable),
	}
	ss.collectDeniedBuiltins()

	fn := cond.Bind(L)
	L.SetFEnv(fn, ss.buildEnv(fr))

	ctx, cancel := context.WithTimeout(context.Background(), s.ceiling)
	defer cancel()
	prev := L.Context()
	L.SetContext(ctx)
	defer func() {
		if prev != nil {
			L.SetContext(prev)
		} else {
			L.RemoveContext()
		}
	}()

	top := L.GetTop()
	err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true})

	if ss.violation != "" {
		L.SetTop(top)
		return false, &MutationError{Target: ss.violation}
	}
	if err != nil {
		L.SetTop(top)
		if ctx.Err() != nil {
			return false, fmt.Errorf("%w (ceiling %s)", ErrEvalTimeout, s.ceiling)
		}
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}

	ret := L.Get(-1)
	L.SetTop(top)
	return !lua.LVIsFalse(ret), nil
}

// session holds the per-evaluation proxy caches and the first recorded
// violation.
type session struct {
	L          *lua.LState
	globals    *lua.LTable
	violation  string
	localNames map[string]bool

	proxies map[*lua.LTable]*lua.LTable // raw -> proxy
	raws    map[*lua.LTable]*lua.LTable // proxy -> raw
	denied  map[*lua.LFunction]bool     // builtins behind denied globals
}

// collectDeniedBuiltins records the function identities behind the
// denied globals. Aliases the program stashed elsewhere (a table field
// holding os.execute, a global bound to loadstring) stay blocked even
// though the name-based denylist cannot see them.
func (ss *session) collectDeniedBuiltins() {
	ss.denied = make(map[*lua.LFunction]bool)
	for name := range deniedGlobals {
		switch v := ss.globals.RawGetString(name).(type) {
		case *lua.LFunction:
			ss.denied[v] = true
		case *lua.LTable:
			v.ForEach(func(_, fv lua.LValue) {
				if fn, ok := fv.(*lua.LFunction); ok {
					ss.denied[fn] = true
				}
			})
		}
	}
}

// deniedKey reports whether a lookup on the globals table must yield
// nil. The same filter applies whether globals are reached through the
// environment or through a reference to _G the program kept around.
func deniedKey(key lua.LValue) bool {
	name, ok := key.(lua.LString)
	if !ok {
		return false
	}
	s := string(name)
	return deniedGlobals[s] || strings.HasPrefix(s, "__luatap")
}

func (ss *session) violate(target string) {
	if ss.violation == "" {
		ss.violation = target
	}
}

// buildEnv materializes the condition environment: locals are eagerly
// bound, globals resolve lazily through __index, and all writes are
// trapped.
func (ss *session) buildEnv(fr *host.Frame) *lua.LTable {
	env := ss.L.NewTable()
	ss.localNames = make(map[string]bool)
	for name, v := range fr.Locals() {
		// Nil-valued locals cannot live in the env table (RawSetString
		// with nil deletes the key); localNames keeps them shadowing
		// same-named globals in envIndex.
		ss.localNames[name] = true
		env.RawSetString(name, ss.wrap(v))
	}

	meta := ss.L.NewTable()
	meta.RawSetString("__index", ss.L.NewFunction(ss.envIndex))
	meta.RawSetString("__newindex", ss.L.NewFunction(ss.writeGuard))
	meta.RawSetString("__metatable", lua.LString("locked"))
	ss.L.SetMetatable(env, meta)
	return env
}

func (ss *session) envIndex(L *lua.LState) int {
	key := L.Get(2)
	if name, ok := key.(lua.LString); ok && ss.localNames[string(name)] {
		// Only nil-valued locals fall through to __index; they shadow
		// globals all the same.
		L.Push(lua.LNil)
		return 1
	}
	if deniedKey(key) {
		L.Push(lua.LNil)
		return 1
	}
	// pairs and ipairs must see through proxies.
	switch key {
	case lua.LString("pairs"):
		L.Push(L.NewFunction(ss.pairsBuiltin))
		return 1
	case lua.LString("ipairs"):
		L.Push(L.NewFunction(ss.ipairsBuiltin))
		return 1
	}
	L.Push(ss.wrap(ss.globals.RawGet(key)))
	return 1
}

func (ss *session) writeGuard(L *lua.LState) int {
	key := L.Get(2)
	ss.violate(fmt.Sprintf("assignment to %s", key.String()))
	L.RaiseError("breakpoint condition may not modify program state")
	return 0
}

// wrap returns a read-only view of v. Tables become cached proxies,
// program-defined functions become guards, everything else passes
// through.
func (ss *session) wrap(v lua.LValue) lua.LValue {
	switch val := v.(type) {
	case *lua.LTable:
		return ss.proxyFor(val)
	case *lua.LFunction:
		if ss.denied[val] {
			return ss.callGuard("call of a blocked builtin")
		}
		if val.IsG {
			return val
		}
		return ss.callGuard("call of a program-defined function")
	default:
		return v
	}
}

func (ss *session) proxyFor(raw *lua.LTable) *lua.LTable {
	if p, ok := ss.proxies[raw]; ok {
		return p
	}

	p := ss.L.NewTable()
	ss.proxies[raw] = p
	ss.raws[p] = raw

	meta := ss.L.NewTable()
	meta.RawSetString("__index", ss.L.NewFunction(func(L *lua.LState) int {
		key := L.Get(2)
		// The globals table keeps its denylist no matter how it was
		// reached; _G and program-held aliases of it get the same view
		// the environment exposes.
		if raw == ss.globals && deniedKey(key) {
			L.Push(lua.LNil)
			return 1
		}
		// Raw access: program __index metamethods must not run here.
		L.Push(ss.wrap(raw.RawGet(key)))
		return 1
	}))
	meta.RawSetString("__newindex", ss.L.NewFunction(ss.writeGuard))
	meta.RawSetString("__len", ss.L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(raw.Len()))
		return 1
	}))
	meta.RawSetString("__metatable", lua.LString("locked"))
	ss.L.SetMetatable(p, meta)
	return p
}

func (ss *session) callGuard(target string) *lua.LFunction {
	return ss.L.NewFunction(func(L *lua.LState) int {
		ss.violate(target)
		L.RaiseError("breakpoint condition may not call this function")
		return 0
	})
}

// rawFor resolves a proxy back to its raw table; plain tables (literals
// built inside the condition) resolve to themselves.
func (ss *session) rawFor(t *lua.LTable) *lua.LTable {
	if raw, ok := ss.raws[t]; ok {
		return raw
	}
	return t
}

func (ss *session) pairsBuiltin(L *lua.LState) int {
	raw := ss.rawFor(L.CheckTable(1))
	iter := L.NewFunction(func(L *lua.LState) int {
		k, v := raw.Next(L.Get(2))
		if k == lua.LNil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(k)
		L.Push(ss.wrap(v))
		return 2
	})
	L.Push(iter)
	L.Push(L.Get(1))
	L.Push(lua.LNil)
	return 3
}

func (ss *session) ipairsBuiltin(L *lua.LState) int {
	raw := ss.rawFor(L.CheckTable(1))
	i := 0
	iter := L.NewFunction(func(L *lua.LState) int {
		i++
		v := raw.RawGetInt(i)
		if v == lua.LNil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(i))
		L.Push(ss.wrap(v))
		return 2
	})
	L.Push(iter)
	L.Push(L.Get(1))
	L.Push(lua.LNumber(0))
	return 3
}
