package metrics

import (
	"math"

	"github.com/mverhoef/ecotune/internal/plant"
)

// ConstraintViolation tracks the worst path-constraint violation seen over
// the run. Zero means the lane stayed feasible.
type ConstraintViolation struct {
	con  plant.Constrained
	peak float64
}

// NewConstraintViolation returns nil for unconstrained systems.
func NewConstraintViolation(sys plant.System) *ConstraintViolation {
	con, ok := sys.(plant.Constrained)
	if !ok || con.NumConstraints() == 0 {
		return nil
	}
	return &ConstraintViolation{con: con}
}

func (m *ConstraintViolation) Name() string { return "constraint_violation" }

func (m *ConstraintViolation) Observe(x plant.State, u plant.Control, step int) {
	for _, h := range m.con.PathConstraints(x, u) {
		if -h > m.peak {
			m.peak = -h
		}
	}
}

func (m *ConstraintViolation) Value() float64 { return math.Max(m.peak, 0) }

func (m *ConstraintViolation) Reset() { m.peak = 0 }
