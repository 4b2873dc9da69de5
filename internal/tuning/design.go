package tuning

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/ocp"
)

// design holds the constant linear map from the stacked storage-matrix
// unknowns (and optional constraint weights) to the per-phase Hessian
// supplements, in scaled-vech coordinates. The map depends only on the
// orbit sensitivities, so its normal equations are factorized once.
type design struct {
	p, nx, nu, nz int
	nsym          int // unknowns per storage matrix
	rowsPerPhase  int
	rows, cols    int
	dpCols        int

	fPhase []int // phase of each constraint-weight column

	M    *mat.Dense
	chol mat.Cholesky

	C []*mat.Dense
}

// symIdx maps (i, j) with i <= j into vech ordering for an n by n matrix.
func symIdx(i, j, n int) int {
	// row-major upper triangle
	return i*n - i*(i-1)/2 + (j - i)
}

// vechW stacks the upper triangle of a symmetric matrix with off-diagonal
// entries weighted by sqrt(2), so the vector 2-norm equals the Frobenius
// norm.
func vechW(S *mat.SymDense) []float64 {
	n, _ := S.Dims()
	out := make([]float64, n*(n+1)/2)
	sqrt2 := math.Sqrt2
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := S.At(i, j)
			if i != j {
				v *= sqrt2
			}
			out[symIdx(i, j, n)] = v
		}
	}
	return out
}

// unvechW inverts vechW.
func unvechW(v []float64, n int) *mat.SymDense {
	S := mat.NewSymDense(n, nil)
	sqrt2 := math.Sqrt2
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			val := v[symIdx(i, j, n)]
			if i != j {
				val /= sqrt2
			}
			S.SetSym(i, j, val)
		}
	}
	return S
}

func newDesign(sens *ocp.Sensitivities, useConstraints bool, rho float64) *design {
	d := &design{
		p:  sens.Period,
		nx: sens.NX,
		nu: sens.NU,
		nz: sens.NX + sens.NU,
		C:  sens.C,
	}
	d.nsym = d.nx * (d.nx + 1) / 2
	d.rowsPerPhase = d.nz * (d.nz + 1) / 2
	d.rows = d.p * d.rowsPerPhase
	d.dpCols = d.p * d.nsym
	d.cols = d.dpCols
	if useConstraints {
		for k := 0; k < d.p; k++ {
			if d.C[k] == nil {
				continue
			}
			nc, _ := d.C[k].Dims()
			for r := 0; r < nc; r++ {
				d.fPhase = append(d.fPhase, k)
			}
		}
		d.cols += len(d.fPhase)
	}

	d.M = mat.NewDense(d.rows, d.cols, nil)

	// storage-matrix columns: dP_j enters phase j as -dP and phase j-1
	// through the dynamics transform.
	for j := 0; j < d.p; j++ {
		jm1 := (j - 1 + d.p) % d.p
		A, B := sens.A[jm1], sens.B[jm1]
		for a := 0; a < d.nx; a++ {
			for b := a; b < d.nx; b++ {
				col := j*d.nsym + symIdx(a, b, d.nx)

				contrib := map[int]*mat.Dense{}
				get := func(k int) *mat.Dense {
					if contrib[k] == nil {
						contrib[k] = mat.NewDense(d.nz, d.nz, nil)
					}
					return contrib[k]
				}

				// -E block in phase j
				Mj := get(j)
				Mj.Set(a, b, Mj.At(a, b)-1)
				if a != b {
					Mj.Set(b, a, Mj.At(b, a)-1)
				}

				// transformed block in phase j-1
				E := mat.NewDense(d.nx, d.nx, nil)
				E.Set(a, b, 1)
				if a != b {
					E.Set(b, a, 1)
				}
				var EA, EB, TL, TR, BR mat.Dense
				EA.Mul(E, A)
				EB.Mul(E, B)
				TL.Mul(A.T(), &EA)
				TR.Mul(A.T(), &EB)
				BR.Mul(B.T(), &EB)

				Mk := get(jm1)
				for i := 0; i < d.nx; i++ {
					for jj := 0; jj < d.nx; jj++ {
						Mk.Set(i, jj, Mk.At(i, jj)+TL.At(i, jj))
					}
					for jj := 0; jj < d.nu; jj++ {
						Mk.Set(i, d.nx+jj, Mk.At(i, d.nx+jj)+TR.At(i, jj))
						Mk.Set(d.nx+jj, i, Mk.At(d.nx+jj, i)+TR.At(i, jj))
					}
				}
				for i := 0; i < d.nu; i++ {
					for jj := 0; jj < d.nu; jj++ {
						Mk.Set(d.nx+i, d.nx+jj, Mk.At(d.nx+i, d.nx+jj)+BR.At(i, jj))
					}
				}

				d.writeColumn(col, contrib)
			}
		}
	}

	// constraint-weight columns: rank-one curvature c'c at the owning phase
	if useConstraints {
		col := d.dpCols
		for k := 0; k < d.p; k++ {
			if d.C[k] == nil {
				continue
			}
			nc, _ := d.C[k].Dims()
			for r := 0; r < nc; r++ {
				outer := mat.NewDense(d.nz, d.nz, nil)
				for i := 0; i < d.nz; i++ {
					for jj := 0; jj < d.nz; jj++ {
						outer.Set(i, jj, d.C[k].At(r, i)*d.C[k].At(r, jj))
					}
				}
				d.writeColumn(col, map[int]*mat.Dense{k: outer})
				col++
			}
		}
	}

	// normal equations, factorized once
	var G mat.Dense
	G.Mul(d.M.T(), d.M)
	ridge := 0.0
	for i := 0; i < d.cols; i++ {
		ridge += G.At(i, i)
	}
	ridge = 1e-9 * (1 + ridge/float64(d.cols))
	Gs := mat.NewSymDense(d.cols, nil)
	for i := 0; i < d.cols; i++ {
		for j := i; j < d.cols; j++ {
			Gs.SetSym(i, j, 0.5*(G.At(i, j)+G.At(j, i)))
		}
	}
	for i := 0; i < d.cols; i++ {
		extra := ridge
		if i >= d.dpCols {
			extra += rho // penalize constraint-weight magnitudes
		}
		Gs.SetSym(i, i, Gs.At(i, i)+extra)
	}
	if ok := d.chol.Factorize(Gs); !ok {
		// last-resort heavy ridge; the map is rank deficient
		for i := 0; i < d.cols; i++ {
			Gs.SetSym(i, i, Gs.At(i, i)+1e-6*(1+ridge))
		}
		d.chol.Factorize(Gs)
	}

	return d
}

// writeColumn stores the scaled-vech image of the per-phase contribution
// matrices into column col.
func (d *design) writeColumn(col int, contrib map[int]*mat.Dense) {
	sqrt2 := math.Sqrt2
	for k, Mtx := range contrib {
		base := k * d.rowsPerPhase
		for i := 0; i < d.nz; i++ {
			for j := i; j < d.nz; j++ {
				v := 0.5 * (Mtx.At(i, j) + Mtx.At(j, i))
				if i != j {
					v *= sqrt2
				}
				d.M.Set(base+symIdx(i, j, d.nz), col, v)
			}
		}
	}
}

// supplements evaluates the per-phase Hessian supplements for unknowns theta.
func (d *design) supplements(theta []float64) []*mat.SymDense {
	tv := mat.NewVecDense(d.cols, theta)
	v := mat.NewVecDense(d.rows, nil)
	v.MulVec(d.M, tv)

	out := make([]*mat.SymDense, d.p)
	for k := 0; k < d.p; k++ {
		out[k] = unvechW(v.RawVector().Data[k*d.rowsPerPhase:(k+1)*d.rowsPerPhase], d.nz)
	}
	return out
}

// solve fits the unknowns to a target supplement in scaled-vech form,
// clipping constraint weights to be nonnegative.
func (d *design) solve(rhs []float64) []float64 {
	r := mat.NewVecDense(d.rows, rhs)
	b := mat.NewVecDense(d.cols, nil)
	b.MulVec(d.M.T(), r)

	sol := mat.NewVecDense(d.cols, nil)
	if err := d.chol.SolveVecTo(sol, b); err != nil {
		return make([]float64, d.cols)
	}

	theta := make([]float64, d.cols)
	copy(theta, sol.RawVector().Data)
	for i := d.dpCols; i < d.cols; i++ {
		if theta[i] < 0 {
			theta[i] = 0
		}
	}
	return theta
}

// unpackDP recovers the per-phase storage matrices from the unknowns.
func (d *design) unpackDP(theta []float64) []*mat.SymDense {
	out := make([]*mat.SymDense, d.p)
	for j := 0; j < d.p; j++ {
		S := mat.NewSymDense(d.nx, nil)
		for a := 0; a < d.nx; a++ {
			for b := a; b < d.nx; b++ {
				S.SetSym(a, b, theta[j*d.nsym+symIdx(a, b, d.nx)])
			}
		}
		out[j] = S
	}
	return out
}
