package types

import "errors"

// Error kinds surfaced by the invariant engines and the trade solver.
// Callers are expected to distinguish these with errors.Is; every site that
// returns one wraps it with the offending inputs for debugging.
var (
	// ErrNotConverged means an iterative solve exceeded its iteration cap.
	// Fatal for the current operation; never retried.
	ErrNotConverged = errors.New("iteration did not converge")

	// ErrUnsafeValue means an input or intermediate value fell outside the
	// validated domain of the pool math (e.g. extreme balance ratios, A or
	// gamma out of bounds).
	ErrUnsafeValue = errors.New("value outside validated domain")

	// ErrLoss means the pool's virtual price decreased between profit
	// checkpoints. This signals a logic error in the invariant engine and
	// must never be swallowed.
	ErrLoss = errors.New("virtual price decreased")

	// ErrInvalidConfig means a pool or solver was constructed or called with
	// inconsistent parameters (duplicate indices, missing required values).
	ErrInvalidConfig = errors.New("invalid configuration")
)
