// Package linalg collects small dense-matrix helpers shared by the OCP
// solver, the convexifier and the controllers.
package linalg

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// BuildHessian assembles the stacked stage Hessian
//
//	H = [Q  N]
//	    [N' R]
//
// from its state, control and cross blocks.
func BuildHessian(Q, R, N mat.Matrix) *mat.SymDense {
	nx, _ := Q.Dims()
	nu, _ := R.Dims()
	n := nx + nu

	H := mat.NewSymDense(n, nil)
	for i := 0; i < nx; i++ {
		for j := i; j < nx; j++ {
			H.SetSym(i, j, 0.5*(Q.At(i, j)+Q.At(j, i)))
		}
	}
	for i := 0; i < nu; i++ {
		for j := i; j < nu; j++ {
			H.SetSym(nx+i, nx+j, 0.5*(R.At(i, j)+R.At(j, i)))
		}
	}
	for i := 0; i < nx; i++ {
		for j := 0; j < nu; j++ {
			H.SetSym(i, nx+j, N.At(i, j))
		}
	}
	return H
}

// Symmetrize returns (M + M')/2 as a SymDense.
func Symmetrize(M mat.Matrix) *mat.SymDense {
	n, _ := M.Dims()
	S := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			S.SetSym(i, j, 0.5*(M.At(i, j)+M.At(j, i)))
		}
	}
	return S
}

// MinEig returns the smallest eigenvalue of a symmetric matrix.
func MinEig(S *mat.SymDense) float64 {
	var eig mat.EigenSym
	if ok := eig.Factorize(S, false); !ok {
		return math.NaN()
	}
	vals := eig.Values(nil)
	min := vals[0]
	for _, v := range vals[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// MaxEig returns the largest eigenvalue of a symmetric matrix.
func MaxEig(S *mat.SymDense) float64 {
	var eig mat.EigenSym
	if ok := eig.Factorize(S, false); !ok {
		return math.NaN()
	}
	vals := eig.Values(nil)
	max := vals[0]
	for _, v := range vals[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// ProjectPSD projects a symmetric matrix onto the cone of matrices with
// eigenvalues >= floor by clipping its spectrum.
func ProjectPSD(S *mat.SymDense, floor float64) *mat.SymDense {
	n, _ := S.Dims()

	var eig mat.EigenSym
	if ok := eig.Factorize(S, true); !ok {
		// Factorization failure only happens for pathological input;
		// fall back to a diagonal shift.
		out := mat.NewSymDense(n, nil)
		out.CopySym(S)
		for i := 0; i < n; i++ {
			out.SetSym(i, i, out.At(i, i)+floor)
		}
		return out
	}

	vals := eig.Values(nil)
	var V mat.Dense
	eig.VectorsTo(&V)

	clipped := false
	for i, v := range vals {
		if v < floor {
			vals[i] = floor
			clipped = true
		}
	}
	if !clipped {
		out := mat.NewSymDense(n, nil)
		out.CopySym(S)
		return out
	}

	// V * diag(vals) * V'
	D := mat.NewDiagDense(n, vals)
	var tmp, full mat.Dense
	tmp.Mul(&V, D)
	full.Mul(&tmp, V.T())
	return Symmetrize(&full)
}

// Eye returns the n by n identity.
func Eye(n int) *mat.SymDense {
	I := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		I.SetSym(i, i, 1.0)
	}
	return I
}

// NaNOrInf reports whether a matrix contains any NaN or Inf entries.
func NaNOrInf(M mat.Matrix) bool {
	m, n := M.Dims()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			v := M.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}
