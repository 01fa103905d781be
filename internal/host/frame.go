package host

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Frame is a snapshot of the monitored program's topmost Lua frame at the
// moment a call-out fired. Locals are copied eagerly; the values themselves
// are live references into the monitored state and must only be read.
type Frame struct {
	routine string
	line    int
	locals  map[string]lua.LValue

	thread *lua.LState
}

// captureFrame snapshots the frame at the given stack level of L.
// Level 1 is the Lua caller of a Go trampoline.
func captureFrame(L *lua.LState, level int) *Frame {
	fr := &Frame{
		locals: make(map[string]lua.LValue),
		thread: L,
	}

	dbg, ok := L.GetStack(level)
	if !ok {
		return fr
	}
	if _, err := L.GetInfo("Sl", dbg, lua.LNil); err == nil {
		fr.routine = dbg.Source
		fr.line = dbg.CurrentLine
	}

	for i := 1; ; i++ {
		name, val := L.GetLocal(dbg, i)
		if name == "" {
			break
		}
		// Compiler temporaries are parenthesized; skip them.
		if strings.HasPrefix(name, "(") {
			continue
		}
		// Ascending order makes shadowing declarations win.
		fr.locals[name] = val
	}
	return fr
}

// Routine returns the chunk name of the frame's routine.
func (f *Frame) Routine() string { return f.routine }

// Line returns the source line the frame was stopped at.
func (f *Frame) Line() int { return f.line }

// Local returns the named local variable, if present.
func (f *Frame) Local(name string) (lua.LValue, bool) {
	v, ok := f.locals[name]
	return v, ok
}

// Locals returns a copy of the frame's local variables.
func (f *Frame) Locals() map[string]lua.LValue {
	out := make(map[string]lua.LValue, len(f.locals))
	for k, v := range f.locals {
		out[k] = v
	}
	return out
}

// Thread returns the Lua thread the frame was captured on.
func (f *Frame) Thread() *lua.LState { return f.thread }
