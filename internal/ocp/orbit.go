package ocp

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/plant"
)

// Domain errors for the orbit solver.
var (
	// ErrNoConvergence indicates the SQP iteration hit its budget before
	// reaching the requested tolerance.
	ErrNoConvergence = errors.New("ocp: solver did not converge")

	// ErrSingularKKT indicates the KKT system could not be factorized.
	ErrSingularKKT = errors.New("ocp: singular KKT system")

	// ErrBadGuess indicates an initial guess with wrong dimensions.
	ErrBadGuess = errors.New("ocp: initial guess has wrong dimensions")
)

// Orbit is a p-periodic optimal open-loop solution: one state, control and
// set of multipliers per phase. A steady state is the special case p = 1.
type Orbit struct {
	X      []plant.State   // optimal states, one per phase
	U      []plant.Control // optimal controls, one per phase
	Lam    [][]float64     // dynamics multipliers, one vector of len nx per phase
	Mu     [][]float64     // path constraint multipliers, nil when unconstrained
	Period int
	Dt     float64
	Cost   float64 // total economic cost over one period
}

// Phase returns the orbit reference at step k, wrapping periodically.
func (o *Orbit) Phase(k int) (plant.State, plant.Control) {
	i := k % o.Period
	if i < 0 {
		i += o.Period
	}
	return o.X[i], o.U[i]
}

// Sensitivities packs the first- and second-order information of the
// problem along the orbit: discrete dynamics Jacobians, Lagrangian Hessian
// blocks, stage cost gradients and active constraint Jacobians.
type Sensitivities struct {
	A []*mat.Dense // dF/dx per phase (nx by nx)
	B []*mat.Dense // dF/du per phase (nx by nu)

	Q []*mat.SymDense // Lagrangian Hessian state block per phase
	R []*mat.SymDense // Lagrangian Hessian control block per phase
	N []*mat.Dense    // Lagrangian Hessian cross block per phase (nx by nu)

	Grad []*mat.VecDense // priced stage cost gradient grad(l) - mu'C per phase (nx+nu)

	C []*mat.Dense // active constraint Jacobians per phase, nil entries allowed

	NX, NU int
	Period int
}
