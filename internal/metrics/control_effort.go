package metrics

import (
	"math"

	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/plant"
)

// ControlEffort averages the absolute control deviation from the orbit
// reference.
type ControlEffort struct {
	orbit   *ocp.Orbit
	sum     float64
	samples int
}

func NewControlEffort(orbit *ocp.Orbit) *ControlEffort {
	return &ControlEffort{orbit: orbit}
}

func (m *ControlEffort) Name() string { return "control_effort" }

func (m *ControlEffort) Observe(x plant.State, u plant.Control, step int) {
	_, ur := m.orbit.Phase(step)
	for i, v := range u {
		m.sum += math.Abs(v - ur[i])
	}
	m.samples++
}

func (m *ControlEffort) Value() float64 {
	if m.samples == 0 {
		return 0
	}
	return m.sum / float64(m.samples)
}

func (m *ControlEffort) Reset() {
	m.sum = 0
	m.samples = 0
}
