// Package tuning derives positive-definite tracking weights that are
// locally equivalent to an economic objective, by convexifying the
// Lagrangian Hessians along the optimal orbit.
package tuning

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/linalg"
	"github.com/mverhoef/ecotune/internal/ocp"
)

// ErrNotDissipative indicates that no rotated-cost convexification exists:
// strict dissipativity does not hold locally and an LQ tracking scheme
// built from these Hessians would not be stabilizing.
var ErrNotDissipative = errors.New("tuning: convexification infeasible (strict dissipativity does not hold locally)")

// Tuning holds per-phase quadratic tracking weights. H is the stacked
// stage Hessian [Q N; N' R]; Grad is the constraint-priced economic stage
// cost gradient used as the linear tracking term.
type Tuning struct {
	H []*mat.SymDense
	Q []*mat.SymDense
	R []*mat.SymDense
	N []*mat.Dense

	Grad []*mat.VecDense

	// DP are the storage matrices realizing the rotated-cost supplement;
	// nil for hand-picked tunings.
	DP []*mat.SymDense

	Period, NX, NU int
}

// Stage returns the weights at step k, wrapping periodically.
func (t *Tuning) Stage(k int) (*mat.SymDense, *mat.VecDense) {
	i := k % t.Period
	if i < 0 {
		i += t.Period
	}
	return t.H[i], t.Grad[i]
}

// MinEig returns the smallest stage Hessian eigenvalue across all phases.
func (t *Tuning) MinEig() float64 {
	min := linalg.MinEig(t.H[0])
	for _, H := range t.H[1:] {
		if v := linalg.MinEig(H); v < min {
			min = v
		}
	}
	return min
}

// FromDiagonal builds a conventional tracking tuning with the same diagonal
// weights at every phase, keeping the economic gradient as linear term.
func FromDiagonal(weights []float64, sens *ocp.Sensitivities) *Tuning {
	nz := sens.NX + sens.NU
	if len(weights) != nz {
		panic("tuning: diagonal weight length must equal nx+nu")
	}
	t := &Tuning{
		H:      make([]*mat.SymDense, sens.Period),
		Q:      make([]*mat.SymDense, sens.Period),
		R:      make([]*mat.SymDense, sens.Period),
		N:      make([]*mat.Dense, sens.Period),
		Grad:   make([]*mat.VecDense, sens.Period),
		Period: sens.Period,
		NX:     sens.NX,
		NU:     sens.NU,
	}
	for k := 0; k < sens.Period; k++ {
		H := mat.NewSymDense(nz, nil)
		for i, w := range weights {
			H.SetSym(i, i, w)
		}
		t.H[k] = H
		t.Q[k], t.R[k], t.N[k] = splitHessian(H, sens.NX, sens.NU)
		t.Grad[k] = mat.VecDenseCopyOf(sens.Grad[k])
	}
	return t
}

// FromSensitivities builds a tuning directly from the (possibly indefinite)
// Lagrangian Hessians, without convexification.
func FromSensitivities(sens *ocp.Sensitivities) *Tuning {
	t := &Tuning{
		H:      make([]*mat.SymDense, sens.Period),
		Q:      make([]*mat.SymDense, sens.Period),
		R:      make([]*mat.SymDense, sens.Period),
		N:      make([]*mat.Dense, sens.Period),
		Grad:   make([]*mat.VecDense, sens.Period),
		Period: sens.Period,
		NX:     sens.NX,
		NU:     sens.NU,
	}
	for k := 0; k < sens.Period; k++ {
		t.H[k] = linalg.BuildHessian(sens.Q[k], sens.R[k], sens.N[k])
		t.Q[k], t.R[k], t.N[k] = splitHessian(t.H[k], sens.NX, sens.NU)
		t.Grad[k] = mat.VecDenseCopyOf(sens.Grad[k])
	}
	return t
}

func splitHessian(H *mat.SymDense, nx, nu int) (*mat.SymDense, *mat.SymDense, *mat.Dense) {
	Q := mat.NewSymDense(nx, nil)
	R := mat.NewSymDense(nu, nil)
	N := mat.NewDense(nx, nu, nil)
	for i := 0; i < nx; i++ {
		for j := i; j < nx; j++ {
			Q.SetSym(i, j, H.At(i, j))
		}
		for j := 0; j < nu; j++ {
			N.Set(i, j, H.At(i, nx+j))
		}
	}
	for i := 0; i < nu; i++ {
		for j := i; j < nu; j++ {
			R.SetSym(i, j, H.At(nx+i, nx+j))
		}
	}
	return Q, R, N
}
