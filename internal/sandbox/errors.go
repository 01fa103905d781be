package sandbox

import "errors"

// Sentinel errors for condition evaluation.
var (
	// ErrEvalTimeout is returned when a condition runs past the wall-clock
	// ceiling.
	ErrEvalTimeout = errors.New("condition evaluation exceeded time ceiling")

	// ErrReentrantEval is returned when a condition evaluation is started
	// on a thread that is already evaluating one.
	ErrReentrantEval = errors.New("reentrant condition evaluation")
)

// MutationError reports that a condition attempted to modify monitored
// program state. The write or call never took effect.
type MutationError struct {
	// Target describes what the condition tried to touch.
	Target string
}

func (e *MutationError) Error() string {
	return "condition attempted to modify program state: " + e.Target
}

// IsMutation reports whether err stems from a blocked mutation attempt.
func IsMutation(err error) bool {
	var me *MutationError
	return errors.As(err, &me)
}
