package host

import (
	"strconv"

	"github.com/yuin/gopher-lua/ast"
)

// Call-out globals installed into the monitored state. The names are
// reserved by the debugger; monitored scripts must not redefine them.
const (
	breakCallout = "__luatap_break"
	traceCallout = "__luatap_trace"
)

// TraceEvent identifies the kind of execution event delivered to the
// trace hook. The numeric values are baked into traced builds, so the
// order is fixed.
type TraceEvent int

const (
	// TraceCall fires on entry into a routine or function body.
	TraceCall TraceEvent = iota
	// TraceLine fires before the first statement on a source line.
	TraceLine
	// TraceReturn fires before a return and at fall-off-end.
	TraceReturn
)

// String returns a human-readable event name.
func (e TraceEvent) String() string {
	switch e {
	case TraceCall:
		return "call"
	case TraceLine:
		return "line"
	case TraceReturn:
		return "return"
	default:
		return "unknown"
	}
}

// calloutPlan rewrites a parsed chunk, inserting call-outs to the
// debugger's trampolines. With collect set it only records statement
// boundaries and leaves the chunk untouched.
//
// A line receives at most one line-level call-out per build: the first
// statement encountered in source order claims it, which mirrors how
// line-oriented tracers report compound statements.
type calloutPlan struct {
	routine  string
	patched  map[int]int // line -> cookie
	traceAll bool

	collect map[int]bool // statement-boundary accumulator (collect mode)

	seenPatch map[int]bool
	seenLine  map[int]bool
}

// apply rewrites the chunk according to the plan. The chunk is treated as
// a routine body: in traced builds it gets an entry event and a fall-off
// return event like any function.
func (p *calloutPlan) apply(chunk []ast.Stmt) []ast.Stmt {
	p.seenPatch = make(map[int]bool)
	p.seenLine = make(map[int]bool)
	return p.body(chunk, chunkEntryLine(chunk))
}

func chunkEntryLine(chunk []ast.Stmt) int {
	if len(chunk) == 0 {
		return 0
	}
	return chunk[0].Line()
}

// body instruments a routine or function body.
func (p *calloutPlan) body(stmts []ast.Stmt, entryLine int) []ast.Stmt {
	out := p.block(stmts)
	if p.collect != nil || !p.traceAll {
		return out
	}

	withEntry := make([]ast.Stmt, 0, len(out)+2)
	withEntry = append(withEntry, p.traceStmt(TraceCall, entryLine))
	withEntry = append(withEntry, out...)

	// Fall-off-end return event; explicit returns are handled in block.
	if len(stmts) == 0 || !isReturn(stmts[len(stmts)-1]) {
		withEntry = append(withEntry, p.traceStmt(TraceReturn, lastLineOf(stmts, entryLine)))
	}
	return withEntry
}

func isReturn(st ast.Stmt) bool {
	_, ok := st.(*ast.ReturnStmt)
	return ok
}

func lastLineOf(stmts []ast.Stmt, fallback int) int {
	if len(stmts) == 0 {
		return fallback
	}
	if last := stmts[len(stmts)-1].LastLine(); last > 0 {
		return last
	}
	return stmts[len(stmts)-1].Line()
}

// block instruments one statement list, inserting call-outs before
// statements and recursing into nested blocks.
func (p *calloutPlan) block(stmts []ast.Stmt) []ast.Stmt {
	if p.collect != nil {
		for _, st := range stmts {
			p.collect[st.Line()] = true
			p.walkStmt(st)
		}
		return stmts
	}

	out := make([]ast.Stmt, 0, len(stmts)*2)
	for _, st := range stmts {
		line := st.Line()

		if cookie, ok := p.patched[line]; ok && !p.seenPatch[line] {
			p.seenPatch[line] = true
			out = append(out, p.breakStmt(cookie, line))
		}
		if p.traceAll && !p.seenLine[line] {
			p.seenLine[line] = true
			out = append(out, p.traceStmt(TraceLine, line))
		}
		if p.traceAll && isReturn(st) {
			out = append(out, p.traceStmt(TraceReturn, line))
		}

		p.walkStmt(st)
		out = append(out, st)
	}
	return out
}

// walkStmt recurses into nested blocks and function literals.
func (p *calloutPlan) walkStmt(st ast.Stmt) {
	switch s := st.(type) {
	case *ast.AssignStmt:
		p.walkExprs(s.Lhs)
		p.walkExprs(s.Rhs)
	case *ast.LocalAssignStmt:
		p.walkExprs(s.Exprs)
	case *ast.FuncCallStmt:
		p.walkExpr(s.Expr)
	case *ast.DoBlockStmt:
		s.Stmts = p.block(s.Stmts)
	case *ast.WhileStmt:
		p.walkExpr(s.Condition)
		s.Stmts = p.block(s.Stmts)
	case *ast.RepeatStmt:
		s.Stmts = p.block(s.Stmts)
		p.walkExpr(s.Condition)
	case *ast.IfStmt:
		p.walkExpr(s.Condition)
		s.Then = p.block(s.Then)
		s.Else = p.block(s.Else)
	case *ast.NumberForStmt:
		p.walkExpr(s.Init)
		p.walkExpr(s.Limit)
		p.walkExpr(s.Step)
		s.Stmts = p.block(s.Stmts)
	case *ast.GenericForStmt:
		p.walkExprs(s.Exprs)
		s.Stmts = p.block(s.Stmts)
	case *ast.FuncDefStmt:
		p.walkExpr(s.Func)
	case *ast.ReturnStmt:
		p.walkExprs(s.Exprs)
	}
}

func (p *calloutPlan) walkExprs(exprs []ast.Expr) {
	for _, e := range exprs {
		p.walkExpr(e)
	}
}

func (p *calloutPlan) walkExpr(e ast.Expr) {
	if e == nil {
		return
	}
	switch ex := e.(type) {
	case *ast.FunctionExpr:
		if p.collect != nil {
			p.block(ex.Stmts)
			return
		}
		ex.Stmts = p.body(ex.Stmts, ex.Line())
	case *ast.FuncCallExpr:
		p.walkExpr(ex.Func)
		p.walkExpr(ex.Receiver)
		p.walkExprs(ex.Args)
	case *ast.AttrGetExpr:
		p.walkExpr(ex.Object)
		p.walkExpr(ex.Key)
	case *ast.TableExpr:
		for _, field := range ex.Fields {
			p.walkExpr(field.Key)
			p.walkExpr(field.Value)
		}
	case *ast.LogicalOpExpr:
		p.walkExpr(ex.Lhs)
		p.walkExpr(ex.Rhs)
	case *ast.RelationalOpExpr:
		p.walkExpr(ex.Lhs)
		p.walkExpr(ex.Rhs)
	case *ast.ArithmeticOpExpr:
		p.walkExpr(ex.Lhs)
		p.walkExpr(ex.Rhs)
	case *ast.StringConcatOpExpr:
		p.walkExpr(ex.Lhs)
		p.walkExpr(ex.Rhs)
	case *ast.UnaryMinusOpExpr:
		p.walkExpr(ex.Expr)
	case *ast.UnaryNotOpExpr:
		p.walkExpr(ex.Expr)
	case *ast.UnaryLenOpExpr:
		p.walkExpr(ex.Expr)
	}
}

// breakStmt builds `__luatap_break(cookie)` attributed to line.
func (p *calloutPlan) breakStmt(cookie, line int) ast.Stmt {
	return calloutStmt(breakCallout, line, numberArg(cookie, line))
}

// traceStmt builds `__luatap_trace(event, routine, line)` attributed to line.
func (p *calloutPlan) traceStmt(ev TraceEvent, line int) ast.Stmt {
	return calloutStmt(traceCallout, line,
		numberArg(int(ev), line),
		stringArg(p.routine, line),
		numberArg(line, line),
	)
}

func calloutStmt(name string, line int, args ...ast.Expr) ast.Stmt {
	fn := &ast.IdentExpr{Value: name}
	fn.SetLine(line)
	fn.SetLastLine(line)

	call := &ast.FuncCallExpr{Func: fn, Args: args}
	call.SetLine(line)
	call.SetLastLine(line)

	st := &ast.FuncCallStmt{Expr: call}
	st.SetLine(line)
	st.SetLastLine(line)
	return st
}

func numberArg(v, line int) ast.Expr {
	e := &ast.NumberExpr{Value: strconv.Itoa(v)}
	e.SetLine(line)
	e.SetLastLine(line)
	return e
}

func stringArg(v string, line int) ast.Expr {
	e := &ast.StringExpr{Value: v}
	e.SetLine(line)
	e.SetLastLine(line)
	return e
}

// collectLines records the statement-boundary lines of a chunk.
func collectLines(chunk []ast.Stmt) map[int]bool {
	p := &calloutPlan{collect: make(map[int]bool)}
	p.block(chunk)
	return p.collect
}
