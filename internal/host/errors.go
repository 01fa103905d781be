package host

import "errors"

// Errors for host runtime operations.
var (
	// ErrClosed is returned when operating on a closed runtime.
	ErrClosed = errors.New("host runtime is closed")

	// ErrRoutineExists is returned when loading a routine under a name
	// that is already taken.
	ErrRoutineExists = errors.New("routine already loaded")

	// ErrRoutineNotFound is returned when referencing an unknown routine.
	ErrRoutineNotFound = errors.New("routine not found")

	// ErrNotStatementBoundary is returned when a target line does not map
	// to an executable statement in the routine.
	ErrNotStatementBoundary = errors.New("line is not a statement boundary")

	// ErrLinePatched is returned when patching a line that already carries
	// a call-out.
	ErrLinePatched = errors.New("line is already patched")

	// ErrLineNotPatched is returned when unpatching a line that carries no
	// call-out.
	ErrLineNotPatched = errors.New("line is not patched")

	// ErrTraceHookInstalled is returned when installing a trace hook while
	// one is already active.
	ErrTraceHookInstalled = errors.New("trace hook already installed")

	// ErrNoTraceHook is returned when removing a trace hook that is not
	// installed.
	ErrNoTraceHook = errors.New("no trace hook installed")
)
