// Package control is the command plane between an external controller
// and the breakpoint table. Commands and responses are JSON documents;
// parsing uses gjson so malformed or partial documents degrade to clear
// errors instead of panics, and responses are assembled with sjson.
//
// This package does not listen on anything. The embedding application
// decides where command bytes come from (stdin, a file, a test) and
// where responses go.
package control

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/luatap/internal/breakpoint"
	"github.com/dshills/luatap/internal/capture"
	"github.com/dshills/luatap/internal/debugger"
	"github.com/dshills/luatap/internal/inject"
	"github.com/dshills/luatap/internal/logging"
)

// Command operations.
const (
	OpSet     = "set"
	OpClear   = "clear"
	OpList    = "list"
	OpMetrics = "metrics"
)

// Command errors.
var (
	ErrBadCommand = errors.New("malformed command")
	ErrUnknownOp  = errors.New("unknown command op")
)

// Command is one parsed controller request.
type Command struct {
	Op        string
	RequestID string
	Routine   string
	Line      int
	Condition string
	Cookie    int
}

// ParseCommand decodes a controller request.
func ParseCommand(raw []byte) (Command, error) {
	if !gjson.ValidBytes(raw) {
		return Command{}, fmt.Errorf("%w: invalid json", ErrBadCommand)
	}
	doc := gjson.ParseBytes(raw)

	cmd := Command{
		Op:        doc.Get("op").String(),
		RequestID: doc.Get("request_id").String(),
		Routine:   doc.Get("location.routine").String(),
		Line:      int(doc.Get("location.line").Int()),
		Condition: doc.Get("condition").String(),
		Cookie:    int(doc.Get("cookie").Int()),
	}

	switch cmd.Op {
	case OpSet:
		if cmd.Routine == "" || cmd.Line <= 0 {
			return Command{}, fmt.Errorf("%w: set requires location.routine and location.line", ErrBadCommand)
		}
	case OpClear:
		if !doc.Get("cookie").Exists() {
			return Command{}, fmt.Errorf("%w: clear requires cookie", ErrBadCommand)
		}
	case OpList, OpMetrics:
	case "":
		return Command{}, fmt.Errorf("%w: missing op", ErrBadCommand)
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownOp, cmd.Op)
	}
	return cmd, nil
}

// Controller applies parsed commands to a breakpoint table.
type Controller struct {
	tbl *debugger.Table
	log *logging.Logger

	// onEvent is installed as the callback for breakpoints created over
	// the command plane.
	onEvent breakpoint.Callback
}

// NewController creates a controller over the table. Breakpoints set
// through it deliver their events to cb.
func NewController(tbl *debugger.Table, cb breakpoint.Callback, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.Nop()
	}
	return &Controller{tbl: tbl, log: log, onEvent: cb}
}

// Apply parses and executes one command, returning the JSON response.
// The response always carries ok plus either the result or the error.
func (c *Controller) Apply(raw []byte) []byte {
	cmd, err := ParseCommand(raw)
	if err != nil {
		return errResponse("", err)
	}

	switch cmd.Op {
	case OpSet:
		cookie, err := c.tbl.Set(
			inject.Location{Routine: cmd.Routine, Line: cmd.Line},
			cmd.Condition,
			c.onEvent,
		)
		if err != nil {
			return errResponse(cmd.RequestID, err)
		}
		return okResponse(cmd.RequestID, "cookie", cookie)

	case OpClear:
		if err := c.tbl.Clear(cmd.Cookie); err != nil {
			return errResponse(cmd.RequestID, err)
		}
		return okResponse(cmd.RequestID, "cookie", cmd.Cookie)

	case OpList:
		return okResponse(cmd.RequestID, "breakpoints", c.tbl.List())

	case OpMetrics:
		return okResponse(cmd.RequestID, "metrics", c.tbl.Metrics())

	default:
		return errResponse(cmd.RequestID, ErrUnknownOp)
	}
}

func okResponse(requestID, key string, value any) []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "ok", true)
	if requestID != "" {
		out, _ = sjson.SetBytes(out, "request_id", requestID)
	}
	out, _ = sjson.SetBytes(out, key, value)
	return out
}

func errResponse(requestID string, err error) []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "ok", false)
	if requestID != "" {
		out, _ = sjson.SetBytes(out, "request_id", requestID)
	}
	out, _ = sjson.SetBytes(out, "error", err.Error())
	return out
}

// EncodeNotification builds the outbound JSON document for one
// breakpoint notification. Hit events carry a frame snapshot within the
// given limits.
func EncodeNotification(agentID string, n breakpoint.Notification, lim capture.Limits) []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "type", "breakpoint_event")
	out, _ = sjson.SetBytes(out, "agent_id", agentID)
	out, _ = sjson.SetBytes(out, "breakpoint_id", n.BreakpointID)
	out, _ = sjson.SetBytes(out, "cookie", n.Cookie)
	out, _ = sjson.SetBytes(out, "event", n.Event.String())
	out, _ = sjson.SetBytes(out, "location.routine", n.Routine)
	out, _ = sjson.SetBytes(out, "location.line", n.Line)
	out, _ = sjson.SetBytes(out, "at", n.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	if n.Err != nil {
		out, _ = sjson.SetBytes(out, "error", n.Err.Error())
	}
	if n.Event == breakpoint.EventHit && n.Frame != nil {
		out, _ = sjson.SetBytes(out, "snapshot", capture.Frame(n.Frame, lim))
	}
	return out
}
