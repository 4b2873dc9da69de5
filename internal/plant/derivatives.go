package plant

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// fdStep picks a central-difference step scaled to the magnitude of v.
func fdStep(v float64) float64 {
	h := 1e-6 * math.Max(1.0, math.Abs(v))
	return h
}

// Jacobians computes the central-difference Jacobians A = dF/dx (nx by nx)
// and B = dF/du (nx by nu) of a discrete transition map F at (x, u).
func Jacobians(step func(State, Control) State, x State, u Control) (*mat.Dense, *mat.Dense) {
	nx := len(x)
	nu := len(u)

	A := mat.NewDense(nx, nx, nil)
	for j := 0; j < nx; j++ {
		h := fdStep(x[j])
		xp := x.Clone()
		xm := x.Clone()
		xp[j] += h
		xm[j] -= h
		fp := step(xp, u)
		fm := step(xm, u)
		for i := 0; i < nx; i++ {
			A.Set(i, j, (fp[i]-fm[i])/(2*h))
		}
	}

	B := mat.NewDense(nx, nu, nil)
	for j := 0; j < nu; j++ {
		h := fdStep(u[j])
		up := u.Clone()
		um := u.Clone()
		up[j] += h
		um[j] -= h
		fp := step(x, up)
		fm := step(x, um)
		for i := 0; i < nx; i++ {
			B.Set(i, j, (fp[i]-fm[i])/(2*h))
		}
	}

	return A, B
}

// Gradient computes the central-difference gradient of a scalar function of
// the stacked vector w = (x, u).
func Gradient(f func(State, Control) float64, x State, u Control) *mat.VecDense {
	nx := len(x)
	nu := len(u)
	g := mat.NewVecDense(nx+nu, nil)

	for j := 0; j < nx; j++ {
		h := fdStep(x[j])
		xp := x.Clone()
		xm := x.Clone()
		xp[j] += h
		xm[j] -= h
		g.SetVec(j, (f(xp, u)-f(xm, u))/(2*h))
	}
	for j := 0; j < nu; j++ {
		h := fdStep(u[j])
		up := u.Clone()
		um := u.Clone()
		up[j] += h
		um[j] -= h
		g.SetVec(nx+j, (f(x, up)-f(x, um))/(2*h))
	}

	return g
}

// Hessian computes the central-difference Hessian of a scalar function of
// the stacked vector w = (x, u). The result is symmetrized.
func Hessian(f func(State, Control) float64, x State, u Control) *mat.SymDense {
	nx := len(x)
	nu := len(u)
	n := nx + nu

	w := make([]float64, n)
	copy(w, x)
	copy(w[nx:], u)

	eval := func(w []float64) float64 {
		return f(State(w[:nx]), Control(w[nx:]))
	}

	// Step sizes: second differences lose half the precision of first
	// differences, so use a coarser step.
	hs := make([]float64, n)
	for i := range hs {
		hs[i] = 1e-4 * math.Max(1.0, math.Abs(w[i]))
	}

	H := mat.NewSymDense(n, nil)
	f0 := eval(w)

	for i := 0; i < n; i++ {
		// diagonal: (f(+h) - 2 f(0) + f(-h)) / h^2
		wp := append([]float64(nil), w...)
		wm := append([]float64(nil), w...)
		wp[i] += hs[i]
		wm[i] -= hs[i]
		H.SetSym(i, i, (eval(wp)-2*f0+eval(wm))/(hs[i]*hs[i]))

		for j := i + 1; j < n; j++ {
			wpp := append([]float64(nil), w...)
			wpm := append([]float64(nil), w...)
			wmp := append([]float64(nil), w...)
			wmm := append([]float64(nil), w...)
			wpp[i] += hs[i]
			wpp[j] += hs[j]
			wpm[i] += hs[i]
			wpm[j] -= hs[j]
			wmp[i] -= hs[i]
			wmp[j] += hs[j]
			wmm[i] -= hs[i]
			wmm[j] -= hs[j]
			v := (eval(wpp) - eval(wpm) - eval(wmp) + eval(wmm)) / (4 * hs[i] * hs[j])
			H.SetSym(i, j, v)
		}
	}

	return H
}

// ConstraintJacobian computes the central-difference Jacobian of the path
// constraints h(x, u) with respect to the stacked vector w = (x, u).
// Returns nil when the system has no constraints.
func ConstraintJacobian(sys System, x State, u Control) *mat.Dense {
	con, ok := sys.(Constrained)
	if !ok || con.NumConstraints() == 0 {
		return nil
	}
	nc := con.NumConstraints()
	nx := len(x)
	nu := len(u)

	J := mat.NewDense(nc, nx+nu, nil)
	for j := 0; j < nx; j++ {
		h := fdStep(x[j])
		xp := x.Clone()
		xm := x.Clone()
		xp[j] += h
		xm[j] -= h
		hp := con.PathConstraints(xp, u)
		hm := con.PathConstraints(xm, u)
		for i := 0; i < nc; i++ {
			J.Set(i, j, (hp[i]-hm[i])/(2*h))
		}
	}
	for j := 0; j < nu; j++ {
		h := fdStep(u[j])
		up := u.Clone()
		um := u.Clone()
		up[j] += h
		um[j] -= h
		hp := con.PathConstraints(x, up)
		hm := con.PathConstraints(x, um)
		for i := 0; i < nc; i++ {
			J.Set(i, nx+j, (hp[i]-hm[i])/(2*h))
		}
	}
	return J
}
