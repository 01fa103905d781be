package inject

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dshills/luatap/internal/breakpoint"
	"github.com/dshills/luatap/internal/host"
	"github.com/dshills/luatap/internal/metrics"
	"github.com/dshills/luatap/internal/ratelimit"
)

func TestTraceHookSetInstallsHook(t *testing.T) {
	rt := newLoopRuntime(t)
	inj := NewTraceHook(rt)

	if rt.TraceHookInstalled() {
		t.Fatal("hook should not be installed before the first Set")
	}

	bp := breakpoint.New("bp-1", 0, "loop", 4)
	cookie, err := inj.SetBreakpoint(Location{Routine: "loop", Line: 4}, bp)
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if !rt.TraceHookInstalled() {
		t.Error("first Set should install the trace hook")
	}

	if err := inj.ClearBreakpoint(cookie); err != nil {
		t.Fatalf("ClearBreakpoint: %v", err)
	}
	if rt.TraceHookInstalled() {
		t.Error("clearing the last breakpoint should remove the hook")
	}
}

func TestTraceHookHit(t *testing.T) {
	rt := newLoopRuntime(t)
	met := metrics.New()
	inj := NewTraceHook(rt, WithTraceMetrics(met))
	rec := &notifications{}

	bp := breakpoint.New("bp-1", 0, "loop", 4, breakpoint.WithCallback(rec.callback))
	if _, err := inj.SetBreakpoint(Location{Routine: "loop", Line: 4}, bp); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if err := rt.Run("loop"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := rec.all()
	if len(got) != 3 {
		t.Fatalf("got %d notifications, want 3", len(got))
	}
	for _, n := range got {
		if n.Event != breakpoint.EventHit || n.Frame == nil {
			t.Errorf("notification = %+v, want Hit with frame", n)
		}
	}
	if met.Snapshot().TraceEvents == 0 {
		t.Error("trace traffic should be counted")
	}
}

func TestTraceHookUnknownRoutine(t *testing.T) {
	rt := newLoopRuntime(t)
	inj := NewTraceHook(rt)

	bp := breakpoint.New("bp-1", 0, "ghost", 1)
	cookie, err := inj.SetBreakpoint(Location{Routine: "ghost", Line: 1}, bp)
	if cookie != InvalidCookie {
		t.Errorf("cookie = %d, want InvalidCookie", cookie)
	}
	if !errors.Is(err, host.ErrRoutineNotFound) {
		t.Errorf("err = %v, want ErrRoutineNotFound", err)
	}
	if rt.TraceHookInstalled() {
		t.Error("failed Set must not leave the hook installed")
	}
}

func TestTraceHookTwoBreakpointsSameLocation(t *testing.T) {
	rt := newLoopRuntime(t)
	inj := NewTraceHook(rt)
	rec1 := &notifications{}
	rec2 := &notifications{}

	bp1 := breakpoint.New("bp-1", 0, "loop", 2, breakpoint.WithCallback(rec1.callback))
	bp2 := breakpoint.New("bp-2", 0, "loop", 2, breakpoint.WithCallback(rec2.callback))
	if _, err := inj.SetBreakpoint(Location{Routine: "loop", Line: 2}, bp1); err != nil {
		t.Fatalf("SetBreakpoint bp1: %v", err)
	}
	if _, err := inj.SetBreakpoint(Location{Routine: "loop", Line: 2}, bp2); err != nil {
		t.Fatalf("SetBreakpoint bp2: %v", err)
	}

	if err := rt.Run("loop"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec1.all()) != 1 || len(rec2.all()) != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", len(rec1.all()), len(rec2.all()))
	}
}

func TestTraceHookEmulatorQuota(t *testing.T) {
	rt := newLoopRuntime(t)
	inj := NewTraceHook(rt, WithTraceBucket(ratelimit.NewBucket(0, 0)))
	rec := &notifications{}

	bp := breakpoint.New("bp-1", 0, "loop", 4, breakpoint.WithCallback(rec.callback))
	cookie, err := inj.SetBreakpoint(Location{Routine: "loop", Line: 4}, bp)
	if err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	if err := rt.Run("loop"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := rec.all()
	if len(got) != 1 || got[0].Event != breakpoint.EventEmulatorQuotaExceeded {
		t.Fatalf("notifications = %+v, want one EmulatorQuotaExceeded", got)
	}
	if !bp.Disabled() {
		t.Error("emulator quota exhaustion must disable the breakpoint")
	}

	// Further runs stay quiet, and the cookie still clears cleanly.
	if err := rt.Run("loop"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.all()) != 1 {
		t.Error("disabled breakpoint must not report again")
	}
	if err := inj.ClearBreakpoint(cookie); err != nil {
		t.Errorf("ClearBreakpoint: %v", err)
	}
}

func TestTraceHookConcurrentSetClear(t *testing.T) {
	rt := newLoopRuntime(t)
	inj := NewTraceHook(rt)

	// Set and Clear race over the install/teardown boundary; no
	// interleaving may surface ErrTraceHookInstalled.
	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bp := breakpoint.New(fmt.Sprintf("bp-%d-%d", w, i), 0, "loop", 4)
				cookie, err := inj.SetBreakpoint(Location{Routine: "loop", Line: 4}, bp)
				if err != nil {
					errCh <- err
					return
				}
				if err := inj.ClearBreakpoint(cookie); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent set/clear: %v", err)
	}
	if rt.TraceHookInstalled() {
		t.Error("hook should be torn down once all breakpoints are cleared")
	}
}

func TestTraceHookClearUnknownCookie(t *testing.T) {
	rt := newLoopRuntime(t)
	inj := NewTraceHook(rt)
	if err := inj.ClearBreakpoint(42); !errors.Is(err, ErrUnknownCookie) {
		t.Errorf("err = %v, want ErrUnknownCookie", err)
	}
}

func TestTraceHookClose(t *testing.T) {
	rt := newLoopRuntime(t)
	inj := NewTraceHook(rt)

	bp := breakpoint.New("bp-1", 0, "loop", 4)
	if _, err := inj.SetBreakpoint(Location{Routine: "loop", Line: 4}, bp); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}
	if err := inj.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rt.TraceHookInstalled() {
		t.Error("Close should remove the trace hook")
	}
	if _, err := inj.SetBreakpoint(Location{Routine: "loop", Line: 4}, bp); !errors.Is(err, ErrInjectorClosed) {
		t.Errorf("Set after Close err = %v, want ErrInjectorClosed", err)
	}
}
