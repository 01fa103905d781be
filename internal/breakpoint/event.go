package breakpoint

import (
	"time"

	"github.com/dshills/luatap/internal/host"
)

// Event is the closed set of outcomes a breakpoint can report for one
// execution reach. Exactly one event is delivered per reach of an active
// breakpoint, except for a condition that evaluates to false, which is
// recorded but reports nothing.
type Event int

const (
	// EventHit means the breakpoint fired: it is unconditional, or its
	// condition evaluated to true.
	EventHit Event = iota

	// EventEmulatorQuotaExceeded means the trace-hook strategy's own
	// budget was exhausted by this breakpoint; it is disabled.
	EventEmulatorQuotaExceeded

	// EventError means condition evaluation failed for a reason other
	// than quota or mutation. The breakpoint stays active.
	EventError

	// EventGlobalConditionQuotaExceeded means the process-wide condition
	// budget rejected this evaluation. Transient; the breakpoint stays
	// active.
	EventGlobalConditionQuotaExceeded

	// EventBreakpointConditionQuotaExceeded means this breakpoint's own
	// budget rejected the evaluation; the breakpoint is disabled
	// permanently.
	EventBreakpointConditionQuotaExceeded

	// EventConditionExpressionMutable means the condition attempted to
	// modify program state; the breakpoint is disabled permanently.
	EventConditionExpressionMutable
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventHit:
		return "hit"
	case EventEmulatorQuotaExceeded:
		return "emulator_quota_exceeded"
	case EventError:
		return "error"
	case EventGlobalConditionQuotaExceeded:
		return "global_condition_quota_exceeded"
	case EventBreakpointConditionQuotaExceeded:
		return "breakpoint_condition_quota_exceeded"
	case EventConditionExpressionMutable:
		return "condition_expression_mutable"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event permanently disables the breakpoint.
func (e Event) Terminal() bool {
	switch e {
	case EventEmulatorQuotaExceeded,
		EventBreakpointConditionQuotaExceeded,
		EventConditionExpressionMutable:
		return true
	default:
		return false
	}
}

// Notification is the payload delivered to a breakpoint's callback.
// Frame is populated for EventHit and nil otherwise.
type Notification struct {
	BreakpointID string
	Cookie       int
	Event        Event
	Routine      string
	Line         int
	Frame        *host.Frame
	Err          error
	At           time.Time
}

// Callback receives the outcome of one execution reach.
type Callback func(n Notification)
