package mpc

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/linalg"
)

// lqStage is the data of one stage of a time-varying affine LQ problem
//
//	min sum_i 0.5 dw_i' [Qxx N; N' Quu] dw_i + qx'dx_i + qu'du_i
//	s.t. dx_{i+1} = A_i dx_i + B_i du_i
//
// with dw = (dx, du).
type lqStage struct {
	A, B *mat.Dense
	Qxx  *mat.SymDense
	Quu  *mat.SymDense
	N    *mat.Dense // nx by nu cross block
	qx   *mat.VecDense
	qu   *mat.VecDense
}

// lqPolicy is the affine feedback du_i = k_i + K_i dx_i.
type lqPolicy struct {
	K []*mat.Dense
	k []*mat.VecDense
}

// solveLQ runs the backward Riccati recursion with terminal cost
// 0.5 dx_N' P dx_N + p' dx_N. Control Hessians are regularized until they
// factorize.
func solveLQ(stages []lqStage, P *mat.SymDense, p *mat.VecDense) (*lqPolicy, error) {
	n := len(stages)
	pol := &lqPolicy{
		K: make([]*mat.Dense, n),
		k: make([]*mat.VecDense, n),
	}

	Pk := mat.NewSymDense(P.SymmetricDim(), nil)
	Pk.CopySym(P)
	pk := mat.VecDenseCopyOf(p)

	for i := n - 1; i >= 0; i-- {
		st := stages[i]
		nx, nu := st.B.Dims()

		// Quu_hat = Quu + B'PB, Qux_hat = N' + B'PA, Qxx_hat = Qxx + A'PA
		var PB, PA mat.Dense
		PB.Mul(Pk, st.B)
		PA.Mul(Pk, st.A)

		QuuHat := mat.NewSymDense(nu, nil)
		{
			var BtPB mat.Dense
			BtPB.Mul(st.B.T(), &PB)
			for r := 0; r < nu; r++ {
				for c := r; c < nu; c++ {
					QuuHat.SetSym(r, c, st.Quu.At(r, c)+0.5*(BtPB.At(r, c)+BtPB.At(c, r)))
				}
			}
		}

		var QuxHat mat.Dense // nu by nx
		QuxHat.Mul(st.B.T(), &PA)
		for r := 0; r < nu; r++ {
			for c := 0; c < nx; c++ {
				QuxHat.Set(r, c, QuxHat.At(r, c)+st.N.At(c, r))
			}
		}

		quHat := mat.NewVecDense(nu, nil)
		quHat.MulVec(st.B.T(), pk)
		quHat.AddVec(quHat, st.qu)

		qxHat := mat.NewVecDense(nx, nil)
		qxHat.MulVec(st.A.T(), pk)
		qxHat.AddVec(qxHat, st.qx)

		// factorize Quu_hat with escalating regularization
		var chol mat.Cholesky
		reg := 0.0
		for attempt := 0; ; attempt++ {
			trial := mat.NewSymDense(nu, nil)
			trial.CopySym(QuuHat)
			if reg > 0 {
				for r := 0; r < nu; r++ {
					trial.SetSym(r, r, trial.At(r, r)+reg)
				}
			}
			if chol.Factorize(trial) {
				break
			}
			if attempt > 20 {
				return nil, ErrRiccatiFailed
			}
			if reg == 0 {
				reg = 1e-8
			} else {
				reg *= 10
			}
		}

		// K = -Quu^-1 Qux, k = -Quu^-1 qu
		Ki := mat.NewDense(nu, nx, nil)
		if err := chol.SolveTo(Ki, &QuxHat); err != nil {
			return nil, ErrRiccatiFailed
		}
		Ki.Scale(-1, Ki)

		ki := mat.NewVecDense(nu, nil)
		if err := chol.SolveVecTo(ki, quHat); err != nil {
			return nil, ErrRiccatiFailed
		}
		ki.ScaleVec(-1, ki)

		pol.K[i] = Ki
		pol.k[i] = ki

		// value function update:
		// P = Qxx_hat + Qux' K, p = qx_hat + Qux' k
		var QK mat.Dense
		QK.Mul(QuxHat.T(), Ki)
		Pnext := mat.NewSymDense(nx, nil)
		{
			var AtPA mat.Dense
			AtPA.Mul(st.A.T(), &PA)
			for r := 0; r < nx; r++ {
				for c := r; c < nx; c++ {
					v := st.Qxx.At(r, c) + 0.5*(AtPA.At(r, c)+AtPA.At(c, r)) + 0.5*(QK.At(r, c)+QK.At(c, r))
					Pnext.SetSym(r, c, v)
				}
			}
		}

		pNext := mat.NewVecDense(nx, nil)
		pNext.MulVec(QuxHat.T(), ki)
		pNext.AddVec(pNext, qxHat)

		Pk = Pnext
		pk = pNext
	}

	return pol, nil
}

// terminalPenalty builds the terminal weights, restricted to the selected
// state indices when given.
func terminalPenalty(nx int, weight float64, states []int) *mat.SymDense {
	if len(states) == 0 {
		P := linalg.Eye(nx)
		P.ScaleSym(weight, P)
		return P
	}
	P := mat.NewSymDense(nx, nil)
	for _, i := range states {
		if i >= 0 && i < nx {
			P.SetSym(i, i, weight)
		}
	}
	return P
}
