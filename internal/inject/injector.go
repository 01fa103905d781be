// Package inject realizes breakpoints against the host runtime.
//
// Two strategies implement the same contract. PatchedCode rewrites the
// target routine once per Set with a direct call-out at the breakpoint
// line; overhead is confined to the patched line. TraceHook instruments
// every routine with per-statement call-outs and matches each line event
// against the pending table; it needs no boundary knowledge up front but
// pays overhead proportional to total statement traffic, so it carries
// its own budget.
//
// Exactly one strategy is active per process, chosen at startup.
package inject

import (
	"errors"

	"github.com/dshills/luatap/internal/breakpoint"
)

// InvalidCookie is the sentinel returned when a breakpoint cannot be set.
const InvalidCookie = -1

// Sentinel errors for injector operations.
var (
	// ErrUnknownCookie is returned when clearing a cookie the injector
	// does not know, including one already cleared.
	ErrUnknownCookie = errors.New("unknown breakpoint cookie")

	// ErrInjectorClosed is returned when operating on a closed injector.
	ErrInjectorClosed = errors.New("injector is closed")
)

// Location identifies an instrumentation target.
type Location struct {
	Routine string
	Line    int
}

// Injector instruments locations and routes execution reaches to the
// bound breakpoints.
type Injector interface {
	// SetBreakpoint instruments the location and binds bp to it. On
	// failure it returns InvalidCookie and the reason.
	SetBreakpoint(loc Location, bp *breakpoint.Conditional) (int, error)

	// ClearBreakpoint removes the instrumentation for a cookie. Clearing
	// an unknown or already-cleared cookie returns ErrUnknownCookie.
	ClearBreakpoint(cookie int) error

	// Close removes all instrumentation.
	Close() error
}
