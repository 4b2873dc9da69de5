package tuning

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/linalg"
	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/pkg/logger"
)

// Options tunes the convexifier.
type Options struct {
	// Rho penalizes the active-constraint regularization magnitudes.
	Rho float64
	// Force falls back to a plain spectral lift when no rotated-cost
	// convexification exists. The result is positive definite but carries
	// no first-order equivalence guarantee.
	Force   bool
	MaxIter int
	Log     *slog.Logger
}

func DefaultOptions() Options {
	return Options{Rho: 1e-3, MaxIter: 400}
}

// Convexify searches for per-phase symmetric storage matrices dP_k (and,
// if needed, nonnegative active-constraint weights F_k) such that
//
//	Hc_k = H_k + [A' dP+ A - dP   A' dP+ B ]  (+ C' diag(F) C)
//	             [B' dP+ A        B' dP+ B ]
//
// is positive semidefinite for every phase, with dP+ = dP_{(k+1) mod p}.
// Because the supplement is a rotated cost, the LQ tracking problem built
// from Hc has the same local solution as the economic problem built from H.
//
// The search alternates between projecting the current Hc onto the PSD
// cone and solving the linear least-squares problem for the dP (and F)
// that best realize the projection. This replaces the SDP formulation of
// the equivalent condition-number program with problem-scale dense
// numerics.
func Convexify(sens *ocp.Sensitivities, opts Options) (*Tuning, error) {
	if opts.MaxIter <= 0 {
		opts.MaxIter = DefaultOptions().MaxIter
	}
	if opts.Rho <= 0 {
		opts.Rho = DefaultOptions().Rho
	}
	log := opts.Log
	if log == nil {
		log = logger.Default
	}

	p := sens.Period

	H := make([]*mat.SymDense, p)
	scale := 0.0
	minEig := math.Inf(1)
	for k := 0; k < p; k++ {
		H[k] = linalg.BuildHessian(sens.Q[k], sens.R[k], sens.N[k])
		if v := linalg.MinEig(H[k]); v < minEig {
			minEig = v
		}
		if v := math.Abs(linalg.MaxEig(H[k])); v > scale {
			scale = v
		}
		if v := math.Abs(linalg.MinEig(H[k])); v > scale {
			scale = v
		}
	}
	if scale == 0 {
		scale = 1
	}

	log.Info("convexifying stage Hessians", "period", p, "min_eig", minEig)

	if minEig > 1e-8*scale {
		log.Info("stage Hessians already positive definite, no convexification needed")
		return assemble(sens, H, zeroDP(p, sens.NX), nil), nil
	}

	hasConstraints := false
	for k := 0; k < p; k++ {
		if sens.C[k] != nil {
			hasConstraints = true
			break
		}
	}

	// Step 1: rotated cost only.
	if dp, dh, ok := project(sens, H, scale, false, opts, log); ok {
		log.Info("convexification found without constraint contribution")
		return assemble(sens, addSupplement(H, dh), dp, nil), nil
	}

	// Step 2: allow active-constraint curvature.
	if hasConstraints {
		log.Info("retrying with active-constraint regularization", "rho", opts.Rho)
		if dp, dh, ok := project(sens, H, scale, true, opts, log); ok {
			log.Info("convexification found with constraint contribution")
			return assemble(sens, addSupplement(H, dh), dp, nil), nil
		}
	}

	log.Warn("strict dissipativity does not hold locally; an LQ scheme on these Hessians is not stabilizing")
	if opts.Force {
		log.Warn("forcing a spectral lift; no local equivalence guarantee")
		lifted := make([]*mat.SymDense, p)
		for k := 0; k < p; k++ {
			lifted[k] = linalg.ProjectPSD(H[k], 1e-6*scale)
		}
		return assemble(sens, lifted, zeroDP(p, sens.NX), nil), nil
	}
	return nil, ErrNotDissipative
}

// project runs the alternating-projection search. It returns the storage
// matrices, the realized supplements, and whether all phases reached the
// PSD cone.
func project(sens *ocp.Sensitivities, H []*mat.SymDense, scale float64, useConstraints bool, opts Options, log *slog.Logger) ([]*mat.SymDense, []*mat.SymDense, bool) {
	d := newDesign(sens, useConstraints, opts.Rho)

	accept := -1e-8 * scale // tolerated PSD slack
	floor := 1e-4 * scale   // projection target pushes strictly inside the cone

	theta := make([]float64, d.cols)
	for iter := 0; iter < opts.MaxIter; iter++ {
		dh := d.supplements(theta)

		worst := math.Inf(1)
		for k := range dh {
			Hc := addPair(H[k], dh[k])
			if v := linalg.MinEig(Hc); v < worst {
				worst = v
			}
		}
		if worst >= accept {
			log.Debug("alternating projection converged", "iterations", iter, "min_eig", worst)
			return d.unpackDP(theta), dh, true
		}

		rhs := make([]float64, d.rows)
		for k := range dh {
			Hc := addPair(H[k], dh[k])
			Y := linalg.ProjectPSD(Hc, floor)
			// target supplement: Y - H
			for i, v := range vechW(subPair(Y, H[k])) {
				rhs[k*d.rowsPerPhase+i] = v
			}
		}
		theta = d.solve(rhs)
	}
	return nil, nil, false
}

func zeroDP(p, nx int) []*mat.SymDense {
	dp := make([]*mat.SymDense, p)
	for k := range dp {
		dp[k] = mat.NewSymDense(nx, nil)
	}
	return dp
}

func addSupplement(H, dh []*mat.SymDense) []*mat.SymDense {
	out := make([]*mat.SymDense, len(H))
	for k := range H {
		out[k] = addPair(H[k], dh[k])
	}
	return out
}

func addPair(a, b *mat.SymDense) *mat.SymDense {
	n, _ := a.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, a.At(i, j)+b.At(i, j))
		}
	}
	return out
}

func subPair(a, b *mat.SymDense) *mat.SymDense {
	n, _ := a.Dims()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, a.At(i, j)-b.At(i, j))
		}
	}
	return out
}

func assemble(sens *ocp.Sensitivities, H, dp []*mat.SymDense, _ []float64) *Tuning {
	t := &Tuning{
		H:      H,
		Q:      make([]*mat.SymDense, sens.Period),
		R:      make([]*mat.SymDense, sens.Period),
		N:      make([]*mat.Dense, sens.Period),
		Grad:   make([]*mat.VecDense, sens.Period),
		DP:     dp,
		Period: sens.Period,
		NX:     sens.NX,
		NU:     sens.NU,
	}
	for k := 0; k < sens.Period; k++ {
		t.Q[k], t.R[k], t.N[k] = splitHessian(H[k], sens.NX, sens.NU)
		t.Grad[k] = mat.VecDenseCopyOf(sens.Grad[k])
	}
	return t
}
