package plant

import "errors"

// Domain errors shared across the solver and controller packages.
var (
	// ErrInvalidState indicates a state vector containing NaN or Inf.
	ErrInvalidState = errors.New("plant: invalid state (NaN or Inf detected)")

	// ErrDimensionMismatch indicates mismatched state/control dimensions.
	ErrDimensionMismatch = errors.New("plant: dimension mismatch between vector and system")

	// ErrUnstable indicates a rollout diverged.
	ErrUnstable = errors.New("plant: trajectory diverged")
)
