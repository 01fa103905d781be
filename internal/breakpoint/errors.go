package breakpoint

import "errors"

// errNoEvaluator surfaces as an EventError when a conditional breakpoint
// was wired without an evaluator.
var errNoEvaluator = errors.New("no condition evaluator configured")
