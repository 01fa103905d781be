// Package capture turns a breakpoint hit into a serializable snapshot of
// the monitored frame: routine, line, and a bounded tree of local
// variables. Snapshots are what the transport forwards to the controller
// after a Hit event.
package capture

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luatap/internal/host"
)

// Limits bound snapshot size so a hit in a frame holding a huge table
// cannot balloon the payload.
type Limits struct {
	MaxDepth     int
	MaxChildren  int
	MaxStringLen int
}

// DefaultLimits is the standard snapshot budget.
var DefaultLimits = Limits{
	MaxDepth:     3,
	MaxChildren:  50,
	MaxStringLen: 1000,
}

// Variable is one captured value. Tables carry their children up to the
// depth and width limits.
type Variable struct {
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Value       string     `json:"value"`
	IsNull      bool       `json:"is_null,omitempty"`
	IsTruncated bool       `json:"is_truncated,omitempty"`
	Children    []Variable `json:"children,omitempty"`
	Length      int        `json:"length,omitempty"`
}

// FrameSnapshot is the full payload for one breakpoint hit.
type FrameSnapshot struct {
	ID         string     `json:"id"`
	Routine    string     `json:"routine"`
	Line       int        `json:"line"`
	Locals     []Variable `json:"locals"`
	CapturedAt string     `json:"captured_at"`
}

// Frame snapshots the locals of a captured frame.
func Frame(fr *host.Frame, lim Limits) *FrameSnapshot {
	locals := fr.Locals()
	names := make([]string, 0, len(locals))
	for name := range locals {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := make([]Variable, 0, len(names))
	for _, name := range names {
		vars = append(vars, Value(name, locals[name], lim))
	}

	return &FrameSnapshot{
		ID:         uuid.New().String(),
		Routine:    fr.Routine(),
		Line:       fr.Line(),
		Locals:     vars,
		CapturedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// Value captures a single Lua value within the given limits.
func Value(name string, v lua.LValue, lim Limits) Variable {
	return captureValue(name, v, 0, lim, make(map[*lua.LTable]bool))
}

func captureValue(name string, v lua.LValue, depth int, lim Limits, seen map[*lua.LTable]bool) Variable {
	switch val := v.(type) {
	case *lua.LNilType, nil:
		return Variable{Name: name, Type: "nil", Value: "nil", IsNull: true}

	case lua.LBool:
		return Variable{Name: name, Type: "boolean", Value: val.String()}

	case lua.LNumber:
		return Variable{Name: name, Type: "number", Value: val.String()}

	case lua.LString:
		s := string(val)
		truncated := lim.MaxStringLen > 0 && len(s) > lim.MaxStringLen
		if truncated {
			s = s[:lim.MaxStringLen]
		}
		return Variable{Name: name, Type: "string", Value: s, IsTruncated: truncated}

	case *lua.LTable:
		return captureTable(name, val, depth, lim, seen)

	case *lua.LFunction:
		if val.IsG {
			return Variable{Name: name, Type: "function", Value: "<builtin>"}
		}
		return Variable{Name: name, Type: "function", Value: "<function>"}

	case *lua.LUserData:
		return Variable{Name: name, Type: "userdata", Value: fmt.Sprintf("<%v>", val.Value)}

	default:
		return Variable{Name: name, Type: v.Type().String(), Value: v.String()}
	}
}

func captureTable(name string, t *lua.LTable, depth int, lim Limits, seen map[*lua.LTable]bool) Variable {
	size := tableSize(t)
	out := Variable{
		Name:   name,
		Type:   "table",
		Value:  fmt.Sprintf("table[%d]", size),
		Length: size,
	}

	if seen[t] {
		out.Value = "<cycle>"
		out.IsTruncated = true
		return out
	}
	if depth >= lim.MaxDepth {
		out.IsTruncated = true
		return out
	}
	seen[t] = true
	defer delete(seen, t)

	type kv struct {
		key string
		val lua.LValue
	}
	var entries []kv
	t.ForEach(func(k, v lua.LValue) {
		entries = append(entries, kv{key: k.String(), val: v})
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	for i, e := range entries {
		if lim.MaxChildren > 0 && i >= lim.MaxChildren {
			out.IsTruncated = true
			break
		}
		out.Children = append(out.Children, captureValue(e.key, e.val, depth+1, lim, seen))
	}
	return out
}

func tableSize(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}
