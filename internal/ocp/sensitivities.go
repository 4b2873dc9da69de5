package ocp

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/plant"
)

// activeTol decides which path constraints count as active when extracting
// constraint Jacobians along the orbit.
const activeTol = 1e-6

// Sensitivities computes the first- and second-order problem data along a
// solved orbit: discrete dynamics Jacobians, the Hessian blocks of the
// stage Lagrangian
//
//	L_k(x, u) = l(x, u) + lam_k . F(x, u) - mu_k . h(x, u)
//
// stage cost gradients, and the Jacobians of the active path constraints.
// The Lagrangian (not the bare cost) carries the dynamics curvature that
// an economic cost with zero Hessian still induces.
func (s *Solver) Sensitivities(o *Orbit) *Sensitivities {
	sens := &Sensitivities{
		A:      make([]*mat.Dense, s.period),
		B:      make([]*mat.Dense, s.period),
		Q:      make([]*mat.SymDense, s.period),
		R:      make([]*mat.SymDense, s.period),
		N:      make([]*mat.Dense, s.period),
		Grad:   make([]*mat.VecDense, s.period),
		C:      make([]*mat.Dense, s.period),
		NX:     s.nx,
		NU:     s.nu,
		Period: s.period,
	}

	for k := 0; k < s.period; k++ {
		x, u := o.X[k], o.U[k]

		sens.A[k], sens.B[k] = plant.Jacobians(s.disc.Step, x, u)

		lam := o.Lam[k]
		var mu []float64
		if o.Mu != nil {
			mu = o.Mu[k]
		}

		// Grad is the gradient of the priced stage cost l - mu . h. With an
		// active constraint the bare cost gradient does not vanish at the
		// orbit; subtracting mu'C restores stationarity, so quadratic
		// trackers built on these linear terms hold the orbit exactly.
		grad := plant.Gradient(s.sys.StageCost, x, u)
		if mu != nil {
			C := plant.ConstraintJacobian(s.sys, x, u)
			for i, m := range mu {
				if m == 0 {
					continue
				}
				for j := 0; j < s.nz; j++ {
					grad.SetVec(j, grad.AtVec(j)-m*C.At(i, j))
				}
			}
		}
		sens.Grad[k] = grad
		lagrangian := func(xx plant.State, uu plant.Control) float64 {
			v := s.sys.StageCost(xx, uu)
			next := s.disc.Step(xx, uu)
			for i := range lam {
				v += lam[i] * next[i]
			}
			if mu != nil {
				h := s.con.PathConstraints(xx, uu)
				for i := range mu {
					v -= mu[i] * h[i]
				}
			}
			return v
		}

		H := plant.Hessian(lagrangian, x, u)
		Q := mat.NewSymDense(s.nx, nil)
		R := mat.NewSymDense(s.nu, nil)
		Nm := mat.NewDense(s.nx, s.nu, nil)
		for i := 0; i < s.nx; i++ {
			for j := i; j < s.nx; j++ {
				Q.SetSym(i, j, H.At(i, j))
			}
			for j := 0; j < s.nu; j++ {
				Nm.Set(i, j, H.At(i, s.nx+j))
			}
		}
		for i := 0; i < s.nu; i++ {
			for j := i; j < s.nu; j++ {
				R.SetSym(i, j, H.At(s.nx+i, s.nx+j))
			}
		}
		sens.Q[k] = Q
		sens.R[k] = R
		sens.N[k] = Nm

		sens.C[k] = s.activeJacobian(x, u)
	}

	return sens
}

// activeJacobian returns the rows of the constraint Jacobian belonging to
// constraints active at (x, u), or nil when none are.
func (s *Solver) activeJacobian(x plant.State, u plant.Control) *mat.Dense {
	if s.con == nil {
		return nil
	}
	h := s.con.PathConstraints(x, u)
	var rows []int
	for i, v := range h {
		if v < activeTol {
			rows = append(rows, i)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	full := plant.ConstraintJacobian(s.sys, x, u)
	Ca := mat.NewDense(len(rows), s.nz, nil)
	for r, i := range rows {
		for j := 0; j < s.nz; j++ {
			Ca.Set(r, j, full.At(i, j))
		}
	}
	return Ca
}
