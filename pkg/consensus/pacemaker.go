package consensus

import "time"

// PhaseBudget splits the consensus round's total timeout across phases,
// per §4.2's "default split: 30% PRE_PREPARE, 30% PREPARE, 40% COMMIT".
type PhaseBudget struct {
	PrePrepare time.Duration
	Prepare    time.Duration
	Commit     time.Duration
}

// DefaultPhaseFractions are the §4.2 default proportions.
const (
	DefaultPrePrepareFraction = 0.30
	DefaultPrepareFraction    = 0.30
	DefaultCommitFraction     = 0.40
)

// NewPhaseBudget divides total according to the given fractions. Fractions
// that don't sum to 1 are honored as given (the caller owns that
// invariant); this just multiplies.
func NewPhaseBudget(total time.Duration, prePrepareFrac, prepareFrac, commitFrac float64) PhaseBudget {
	return PhaseBudget{
		PrePrepare: time.Duration(float64(total) * prePrepareFrac),
		Prepare:    time.Duration(float64(total) * prepareFrac),
		Commit:     time.Duration(float64(total) * commitFrac),
	}
}

// Total returns the sum of all three phase budgets.
func (b PhaseBudget) Total() time.Duration {
	return b.PrePrepare + b.Prepare + b.Commit
}
