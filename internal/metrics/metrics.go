// Package metrics accumulates per-step closed-loop statistics.
package metrics

import (
	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/plant"
)

// Metric observes every closed-loop step of one controller lane and
// reduces the run to a single number.
type Metric interface {
	Name() string
	Observe(x plant.State, u plant.Control, step int)
	Value() float64
	Reset()
}

// StageCostDeviation averages l(x_k, u_k) - l(x*_{k mod p}, u*_{k mod p}),
// the economic loss relative to the optimal orbit.
type StageCostDeviation struct {
	sys     plant.System
	orbit   *ocp.Orbit
	sum     float64
	samples int
}

func NewStageCostDeviation(sys plant.System, orbit *ocp.Orbit) *StageCostDeviation {
	return &StageCostDeviation{sys: sys, orbit: orbit}
}

func (m *StageCostDeviation) Name() string { return "stage_cost_deviation" }

func (m *StageCostDeviation) Observe(x plant.State, u plant.Control, step int) {
	xr, ur := m.orbit.Phase(step)
	m.sum += m.sys.StageCost(x, u) - m.sys.StageCost(xr, ur)
	m.samples++
}

func (m *StageCostDeviation) Value() float64 {
	if m.samples == 0 {
		return 0
	}
	return m.sum / float64(m.samples)
}

func (m *StageCostDeviation) Reset() {
	m.sum = 0
	m.samples = 0
}
