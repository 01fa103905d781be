// Package host owns the monitored Lua runtime and its instrumentation
// surface.
//
// A Routine is a named script the embedding application loads once and
// invokes repeatedly. The debugger never interprets source itself; it
// rewrites a routine's AST to insert call-outs to two reserved globals
// and recompiles. PatchLine produces a build with a direct breakpoint
// call-out on one line; SetTraceHook produces builds with call, line,
// and return call-outs everywhere. Swaps take effect on the next
// invocation of the routine.
//
// Threads (coroutines or externally created states sharing the global
// environment) can be attached for accounting and permanently bypassed
// with DisableOnThread, which silences the trampolines without
// de-instrumenting any routine.
package host
