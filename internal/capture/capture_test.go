package capture

import (
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/luatap/internal/host"
)

func TestValueScalars(t *testing.T) {
	lim := DefaultLimits

	v := Value("n", lua.LNumber(42), lim)
	if v.Type != "number" || v.Value != "42" {
		t.Errorf("number capture = %+v", v)
	}

	v = Value("b", lua.LTrue, lim)
	if v.Type != "boolean" || v.Value != "true" {
		t.Errorf("boolean capture = %+v", v)
	}

	v = Value("x", lua.LNil, lim)
	if !v.IsNull || v.Type != "nil" {
		t.Errorf("nil capture = %+v", v)
	}
}

func TestValueStringTruncation(t *testing.T) {
	lim := Limits{MaxDepth: 1, MaxChildren: 10, MaxStringLen: 5}
	v := Value("s", lua.LString("abcdefgh"), lim)
	if v.Value != "abcde" || !v.IsTruncated {
		t.Errorf("string capture = %+v, want truncated to 5", v)
	}
}

func TestValueTable(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetString("a", lua.LNumber(1))
	tbl.RawSetString("b", lua.LString("two"))

	v := Value("t", tbl, DefaultLimits)
	if v.Type != "table" || v.Length != 2 {
		t.Fatalf("table capture = %+v", v)
	}
	if len(v.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(v.Children))
	}
	// Children come back sorted by key.
	if v.Children[0].Name != "a" || v.Children[1].Name != "b" {
		t.Errorf("children order = %s, %s", v.Children[0].Name, v.Children[1].Name)
	}
}

func TestValueDepthLimit(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	inner := L.NewTable()
	inner.RawSetString("deep", lua.LNumber(1))
	outer := L.NewTable()
	outer.RawSetString("inner", inner)

	v := Value("t", outer, Limits{MaxDepth: 1, MaxChildren: 10, MaxStringLen: 100})
	if len(v.Children) != 1 {
		t.Fatalf("children = %d, want 1", len(v.Children))
	}
	child := v.Children[0]
	if !child.IsTruncated || len(child.Children) != 0 {
		t.Errorf("nested table should be cut at depth limit: %+v", child)
	}
}

func TestValueCycle(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetString("self", tbl)

	v := Value("t", tbl, DefaultLimits)
	if len(v.Children) != 1 {
		t.Fatalf("children = %d, want 1", len(v.Children))
	}
	if v.Children[0].Value != "<cycle>" {
		t.Errorf("cyclic child = %+v, want <cycle>", v.Children[0])
	}
}

func TestValueChildLimit(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	for i := 1; i <= 10; i++ {
		tbl.RawSetInt(i, lua.LNumber(i))
	}

	v := Value("t", tbl, Limits{MaxDepth: 2, MaxChildren: 3, MaxStringLen: 100})
	if len(v.Children) != 3 || !v.IsTruncated {
		t.Errorf("capture = %+v, want 3 children and truncation", v)
	}
}

func TestFrameSnapshot(t *testing.T) {
	rt := host.NewRuntime()
	defer rt.Close()

	if _, err := rt.Load("prog", "local x = 7\nlocal s = 'hi'\nlocal stop = 1\n"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	var fr *host.Frame
	rt.SetBreakHandler(func(_ int, f *host.Frame) { fr = f })
	if err := rt.PatchLine("prog", 3, 1); err != nil {
		t.Fatalf("PatchLine: %v", err)
	}
	if err := rt.Run("prog"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fr == nil {
		t.Fatal("breakpoint never hit")
	}

	snap := Frame(fr, DefaultLimits)
	if snap.ID == "" {
		t.Error("snapshot should carry an id")
	}
	if snap.Line != 3 || !strings.Contains(snap.Routine, "prog") {
		t.Errorf("snapshot location = %s:%d", snap.Routine, snap.Line)
	}

	byName := map[string]Variable{}
	for _, v := range snap.Locals {
		byName[v.Name] = v
	}
	if v, ok := byName["x"]; !ok || v.Value != "7" {
		t.Errorf("local x = %+v", v)
	}
	if v, ok := byName["s"]; !ok || v.Value != "hi" {
		t.Errorf("local s = %+v", v)
	}
}
