package control

import (
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/luatap/internal/breakpoint"
	"github.com/dshills/luatap/internal/capture"
	"github.com/dshills/luatap/internal/debugger"
	"github.com/dshills/luatap/internal/host"
)

func TestParseCommandSet(t *testing.T) {
	raw := []byte(`{"op":"set","request_id":"r1","location":{"routine":"calc","line":4},"condition":"x > 1"}`)
	cmd, err := ParseCommand(raw)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if cmd.Op != OpSet || cmd.Routine != "calc" || cmd.Line != 4 || cmd.Condition != "x > 1" {
		t.Errorf("cmd = %+v", cmd)
	}
	if cmd.RequestID != "r1" {
		t.Errorf("RequestID = %q, want r1", cmd.RequestID)
	}
}

func TestParseCommandErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"invalid json", `{"op":`, ErrBadCommand},
		{"missing op", `{}`, ErrBadCommand},
		{"unknown op", `{"op":"step"}`, ErrUnknownOp},
		{"set without location", `{"op":"set"}`, ErrBadCommand},
		{"clear without cookie", `{"op":"clear"}`, ErrBadCommand},
	}
	for _, tc := range cases {
		if _, err := ParseCommand([]byte(tc.raw)); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func newController(t *testing.T) (*host.Runtime, *Controller) {
	t.Helper()
	rt := host.NewRuntime()
	t.Cleanup(rt.Close)
	if _, err := rt.Load("calc", "local x = 2\nlocal stop = x\n"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	tbl, err := debugger.New(rt, debugger.DefaultConfig())
	if err != nil {
		t.Fatalf("debugger.New: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })

	return rt, NewController(tbl, func(breakpoint.Notification) {}, nil)
}

func TestApplySetListClear(t *testing.T) {
	_, ctl := newController(t)

	resp := gjson.ParseBytes(ctl.Apply([]byte(`{"op":"set","request_id":"a","location":{"routine":"calc","line":2}}`)))
	if !resp.Get("ok").Bool() {
		t.Fatalf("set response = %s", resp.Raw)
	}
	cookie := resp.Get("cookie").Int()
	if cookie <= 0 {
		t.Fatalf("cookie = %d, want positive", cookie)
	}
	if resp.Get("request_id").String() != "a" {
		t.Errorf("request_id not echoed: %s", resp.Raw)
	}

	resp = gjson.ParseBytes(ctl.Apply([]byte(`{"op":"list"}`)))
	if !resp.Get("ok").Bool() || len(resp.Get("breakpoints").Array()) != 1 {
		t.Errorf("list response = %s", resp.Raw)
	}

	resp = gjson.ParseBytes(ctl.Apply([]byte(`{"op":"clear","cookie":` + resp.Get("breakpoints.0.Cookie").Raw + `}`)))
	if !resp.Get("ok").Bool() {
		t.Errorf("clear response = %s", resp.Raw)
	}

	// Second clear fails through the table, not the parser.
	resp = gjson.ParseBytes(ctl.Apply([]byte(`{"op":"clear","cookie":` + resp.Get("cookie").Raw + `}`)))
	if resp.Get("ok").Bool() || resp.Get("error").String() == "" {
		t.Errorf("double clear response = %s", resp.Raw)
	}
}

func TestApplySetRejectsBadLocation(t *testing.T) {
	_, ctl := newController(t)

	resp := gjson.ParseBytes(ctl.Apply([]byte(`{"op":"set","location":{"routine":"ghost","line":1}}`)))
	if resp.Get("ok").Bool() {
		t.Errorf("set on unknown routine should fail: %s", resp.Raw)
	}
}

func TestApplyMetrics(t *testing.T) {
	_, ctl := newController(t)
	resp := gjson.ParseBytes(ctl.Apply([]byte(`{"op":"metrics"}`)))
	if !resp.Get("ok").Bool() || !resp.Get("metrics").Exists() {
		t.Errorf("metrics response = %s", resp.Raw)
	}
}

func TestEncodeNotificationHit(t *testing.T) {
	rt := host.NewRuntime()
	defer rt.Close()
	if _, err := rt.Load("prog", "local x = 9\nlocal stop = x\n"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	var fr *host.Frame
	rt.SetBreakHandler(func(_ int, f *host.Frame) { fr = f })
	if err := rt.PatchLine("prog", 2, 1); err != nil {
		t.Fatalf("PatchLine: %v", err)
	}
	if err := rt.Run("prog"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	n := breakpoint.Notification{
		BreakpointID: "bp-1",
		Cookie:       7,
		Event:        breakpoint.EventHit,
		Routine:      "prog",
		Line:         2,
		Frame:        fr,
		At:           time.Unix(1700000000, 0),
	}
	doc := gjson.ParseBytes(EncodeNotification("agent-1", n, capture.DefaultLimits))

	if doc.Get("event").String() != "hit" || doc.Get("cookie").Int() != 7 {
		t.Errorf("payload = %s", doc.Raw)
	}
	if doc.Get("location.routine").String() != "prog" || doc.Get("location.line").Int() != 2 {
		t.Errorf("location = %s", doc.Get("location").Raw)
	}
	found := false
	for _, v := range doc.Get("snapshot.locals").Array() {
		if v.Get("name").String() == "x" && v.Get("value").String() == "9" {
			found = true
		}
	}
	if !found {
		t.Errorf("snapshot missing local x: %s", doc.Get("snapshot").Raw)
	}
}

func TestEncodeNotificationNonHitHasNoSnapshot(t *testing.T) {
	n := breakpoint.Notification{
		BreakpointID: "bp-1",
		Event:        breakpoint.EventGlobalConditionQuotaExceeded,
		Routine:      "prog",
		Line:         2,
		At:           time.Unix(1700000000, 0),
	}
	doc := gjson.ParseBytes(EncodeNotification("agent-1", n, capture.DefaultLimits))
	if doc.Get("snapshot").Exists() {
		t.Errorf("non-hit payload should not carry a snapshot: %s", doc.Raw)
	}
	if doc.Get("event").String() != "global_condition_quota_exceeded" {
		t.Errorf("event = %s", doc.Get("event").String())
	}
}
