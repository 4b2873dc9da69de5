package plant

import "math"

// State is a system state vector.
type State []float64

func (s State) Clone() State {
	c := make(State, len(s))
	copy(c, s)
	return c
}

func (s State) IsValid() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (s State) Norm() float64 {
	sum := 0.0
	for _, v := range s {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func (s State) Add(other State) State {
	result := make(State, len(s))
	for i := range s {
		if i < len(other) {
			result[i] = s[i] + other[i]
		} else {
			result[i] = s[i]
		}
	}
	return result
}

func (s State) Sub(other State) State {
	result := make(State, len(s))
	for i := range s {
		if i < len(other) {
			result[i] = s[i] - other[i]
		} else {
			result[i] = s[i]
		}
	}
	return result
}

func (s State) Scale(factor float64) State {
	result := make(State, len(s))
	for i := range s {
		result[i] = s[i] * factor
	}
	return result
}

// Control is a control input vector.
type Control []float64

func (u Control) Clone() Control {
	c := make(Control, len(u))
	copy(c, u)
	return c
}

func (u Control) IsValid() bool {
	for _, v := range u {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// System describes a continuous-time controlled system with an economic
// stage cost. Dynamics are autonomous: dx/dt = Derive(x, u).
type System interface {
	Name() string
	Derive(x State, u Control) State
	StageCost(x State, u Control) float64
	StateDim() int
	ControlDim() int
}

// Constrained systems expose path inequality constraints h(x, u) >= 0.
type Constrained interface {
	PathConstraints(x State, u Control) []float64
	NumConstraints() int
}

// Bounded systems expose box bounds on the control input.
type Bounded interface {
	ControlBounds() (lo, hi Control)
}

// Labeled systems name their state and control components for display.
type Labeled interface {
	StateNames() []string
	ControlNames() []string
}

// OrbitGuesser systems provide an initial guess for the periodic orbit
// search: one state and control per phase.
type OrbitGuesser interface {
	OrbitGuess(period int, dt float64) ([]State, []Control)
}
