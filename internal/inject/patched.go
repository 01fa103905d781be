package inject

import (
	"fmt"
	"sync"

	"github.com/dshills/luatap/internal/breakpoint"
	"github.com/dshills/luatap/internal/host"
	"github.com/dshills/luatap/internal/logging"
)

// PatchedCode is the direct-patch strategy: each Set rebuilds the target
// routine with a call-out carrying the cookie at the breakpoint line.
// A location that is not a statement boundary is rejected at Set time.
type PatchedCode struct {
	mu     sync.Mutex
	rt     *host.Runtime
	next   int
	active map[int]*patchedEntry
	closed bool

	log *logging.Logger
}

type patchedEntry struct {
	loc     Location
	bp      *breakpoint.Conditional
	patched bool
}

// PatchedOption configures a PatchedCode injector.
type PatchedOption func(*PatchedCode)

// WithPatchedLogger sets the injector's logger.
func WithPatchedLogger(log *logging.Logger) PatchedOption {
	return func(p *PatchedCode) { p.log = log }
}

// NewPatchedCode creates the direct-patch injector and claims the
// runtime's break handler.
func NewPatchedCode(rt *host.Runtime, opts ...PatchedOption) *PatchedCode {
	p := &PatchedCode{
		rt:     rt,
		active: make(map[int]*patchedEntry),
		log:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	rt.SetBreakHandler(p.onBreak)
	return p
}

// SetBreakpoint patches the location and binds bp to the new cookie.
func (p *PatchedCode) SetBreakpoint(loc Location, bp *breakpoint.Conditional) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return InvalidCookie, ErrInjectorClosed
	}

	p.next++
	cookie := p.next
	if err := p.rt.PatchLine(loc.Routine, loc.Line, cookie); err != nil {
		p.next--
		return InvalidCookie, fmt.Errorf("patch %s:%d: %w", loc.Routine, loc.Line, err)
	}

	p.active[cookie] = &patchedEntry{loc: loc, bp: bp, patched: true}
	p.log.Debug("patched %s:%d cookie=%d", loc.Routine, loc.Line, cookie)
	return cookie, nil
}

// ClearBreakpoint restores the original build for the cookie's line.
func (p *PatchedCode) ClearBreakpoint(cookie int) error {
	p.mu.Lock()
	e, ok := p.active[cookie]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("cookie %d: %w", cookie, ErrUnknownCookie)
	}
	delete(p.active, cookie)
	patched := e.patched
	e.patched = false
	p.mu.Unlock()

	if patched {
		if err := p.rt.UnpatchLine(e.loc.Routine, e.loc.Line); err != nil {
			return fmt.Errorf("unpatch %s:%d: %w", e.loc.Routine, e.loc.Line, err)
		}
	}
	return nil
}

// Close removes all instrumentation and rejects further use.
func (p *PatchedCode) Close() error {
	p.mu.Lock()
	entries := make([]*patchedEntry, 0, len(p.active))
	for cookie, e := range p.active {
		delete(p.active, cookie)
		if e.patched {
			e.patched = false
			entries = append(entries, e)
		}
	}
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := p.rt.UnpatchLine(e.loc.Routine, e.loc.Line); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// onBreak is the inline call-out path. The breakpoint runs its own quota
// and condition logic; a terminal outcome removes the patch so the line
// goes quiet immediately.
func (p *PatchedCode) onBreak(cookie int, fr *host.Frame) {
	p.mu.Lock()
	e, ok := p.active[cookie]
	p.mu.Unlock()
	if !ok {
		return
	}

	ev, fired := e.bp.OnHit(fr)
	if fired && ev.Terminal() {
		p.unpatchEntry(e)
	}
}

func (p *PatchedCode) unpatchEntry(e *patchedEntry) {
	p.mu.Lock()
	if !e.patched {
		p.mu.Unlock()
		return
	}
	e.patched = false
	p.mu.Unlock()

	if err := p.rt.UnpatchLine(e.loc.Routine, e.loc.Line); err != nil {
		p.log.Warn("unpatch %s:%d: %v", e.loc.Routine, e.loc.Line, err)
	}
}
