package service

import "errors"

// Logical error kinds. Components fail closed when a minimum-signal gate
// is unmet rather than fabricating results from sparse evidence.
var (
	// ErrInsufficientData means a detection, forecast or rule fell below
	// its minimum sample threshold.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrGoalNotFound means the referenced goal does not exist.
	ErrGoalNotFound = errors.New("goal not found")

	// ErrNoFundableGoals means no active goal has a remaining funding gap.
	ErrNoFundableGoals = errors.New("no fundable goals")
)
