package host

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Routine is a named, compiled script unit the debugger can instrument.
// The embedding application loads routines once and invokes them repeatedly;
// instrumentation swaps the active prototype and takes effect on the next
// invocation.
type Routine struct {
	name   string
	source string

	// lines holds the statement-boundary lines of the routine, i.e. the
	// lines a breakpoint may legally target.
	lines map[int]bool

	proto     *lua.FunctionProto // active build, possibly instrumented
	origProto *lua.FunctionProto

	// patched maps line -> breakpoint cookie for direct call-outs.
	patched map[int]int
	traced  bool
}

// Name returns the routine's registered name.
func (r *Routine) Name() string { return r.name }

// HasLine reports whether the given 1-based source line maps to an
// executable statement in the routine.
func (r *Routine) HasLine(line int) bool { return r.lines[line] }

// Lines returns the number of distinct statement-boundary lines.
func (r *Routine) Lines() int { return len(r.lines) }

// IsInstrumented reports whether the active prototype differs from the
// original build.
func (r *Routine) IsInstrumented() bool { return len(r.patched) > 0 || r.traced }

// compile parses and compiles the routine source with the given
// instrumentation plan. A nil plan produces the pristine build.
func (r *Routine) compile(plan *calloutPlan) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(r.source), r.name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.name, err)
	}
	if plan != nil {
		chunk = plan.apply(chunk)
	}
	proto, err := lua.Compile(chunk, r.name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", r.name, err)
	}
	return proto, nil
}

// rebuild recomputes the active prototype from the patch set and trace flag.
func (r *Routine) rebuild() error {
	if len(r.patched) == 0 && !r.traced {
		r.proto = r.origProto
		return nil
	}

	plan := &calloutPlan{
		routine:  r.name,
		patched:  r.patched,
		traceAll: r.traced,
	}
	proto, err := r.compile(plan)
	if err != nil {
		return err
	}
	r.proto = proto
	return nil
}

// CompiledCondition is a pre-compiled boolean condition expression.
// Conditions take no parameters and resolve names through the environment
// the sandbox installs at evaluation time.
type CompiledCondition struct {
	source string
	proto  *lua.FunctionProto
}

// CompileCondition compiles a boolean expression into a condition.
// This is controller-side glue: the instrumentation core itself only ever
// sees the compiled form.
func CompileCondition(expr string) (*CompiledCondition, error) {
	source := "return (" + expr + ")"
	chunk, err := parse.Parse(strings.NewReader(source), "<condition>")
	if err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	proto, err := lua.Compile(chunk, "<condition>")
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	return &CompiledCondition{source: expr, proto: proto}, nil
}

// Source returns the original expression text.
func (c *CompiledCondition) Source() string { return c.source }

// Bind materializes the condition as a callable function on the given
// thread. The caller owns the function's environment.
func (c *CompiledCondition) Bind(L *lua.LState) *lua.LFunction {
	return L.NewFunctionFromProto(c.proto)
}
