package debugger

import (
	"errors"
	"fmt"
	"time"

	"github.com/dshills/luatap/internal/breakpoint"
	"github.com/dshills/luatap/internal/capture"
	"github.com/dshills/luatap/internal/ratelimit"
	"github.com/dshills/luatap/internal/sandbox"
)

// Strategy selects how breakpoints are realized. Fixed for the lifetime
// of the table; the strategies are never mixed.
type Strategy string

const (
	// StrategyPatched rewrites target routines with direct call-outs.
	StrategyPatched Strategy = "patched"

	// StrategyTrace installs a single per-statement trace hook.
	StrategyTrace Strategy = "trace"
)

// Configuration errors.
var (
	ErrInvalidStrategy = errors.New("invalid injection strategy")
	ErrInvalidQuota    = errors.New("invalid quota configuration")
)

// Config is the debugger's tuning surface.
type Config struct {
	// Strategy picks the injector for the whole process.
	Strategy Strategy

	// GlobalCapacity and GlobalFillRate define the process-wide condition
	// budget in nanoseconds and nanoseconds per second.
	GlobalCapacity int64
	GlobalFillRate int64

	// BreakpointFraction is the share of the global budget a single
	// breakpoint may consume before it is judged too expensive.
	BreakpointFraction float64

	// CostEstimate is the nanosecond charge for a condition's first
	// evaluation, before a measured duration exists.
	CostEstimate int64

	// SandboxCeiling is the wall-clock limit for one evaluation.
	SandboxCeiling time.Duration

	// CaptureLimits bound hit snapshots.
	CaptureLimits capture.Limits
}

// DefaultConfig returns the standard quota posture.
func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyPatched,
		GlobalCapacity:     ratelimit.DefaultGlobalFillRate * ratelimit.DefaultCapacityFactor,
		GlobalFillRate:     ratelimit.DefaultGlobalFillRate,
		BreakpointFraction: ratelimit.DefaultBreakpointFraction,
		CostEstimate:       breakpoint.DefaultCostEstimate,
		SandboxCeiling:     sandbox.DefaultCeiling,
		CaptureLimits:      capture.DefaultLimits,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyPatched, StrategyTrace:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, c.Strategy)
	}
	if c.GlobalCapacity <= 0 || c.GlobalFillRate <= 0 {
		return fmt.Errorf("%w: capacity and fill rate must be positive", ErrInvalidQuota)
	}
	if c.BreakpointFraction <= 0 || c.BreakpointFraction > 1 {
		return fmt.Errorf("%w: breakpoint fraction must be in (0, 1]", ErrInvalidQuota)
	}
	if c.CostEstimate <= 0 {
		return fmt.Errorf("%w: cost estimate must be positive", ErrInvalidQuota)
	}
	if c.SandboxCeiling <= 0 {
		return fmt.Errorf("%w: sandbox ceiling must be positive", ErrInvalidQuota)
	}
	return nil
}
