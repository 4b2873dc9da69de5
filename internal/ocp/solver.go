package ocp

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/linalg"
	"github.com/mverhoef/ecotune/internal/plant"
	"github.com/mverhoef/ecotune/pkg/logger"
)

// Options tunes the orbit solver.
type Options struct {
	MaxIter   int
	Tol       float64 // step-norm tolerance
	ActiveTol float64 // a constraint with h < ActiveTol joins the working set
	Log       *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxIter:   200,
		Tol:       1e-9,
		ActiveTol: 1e-7,
	}
}

// Levenberg damping bounds. The damping starts at dampInit, shrinks on full
// steps and grows when the line search backtracks, so a nearly linear
// economic cost still yields bounded QP steps.
const (
	dampInit = 1.0
	dampMin  = 1e-8
	dampMax  = 1e8
)

// Solver finds a p-periodic optimal orbit of an economic OCP by sequential
// quadratic programming on the multiple-shooting variables
// w = (x_0, u_0, ..., x_{p-1}, u_{p-1}), with the periodicity constraints
// F(x_k, u_k) = x_{(k+1) mod p} and path constraints h(x_k, u_k) >= 0
// handled by a primal working set.
type Solver struct {
	disc   *plant.Discretizer
	sys    plant.System
	con    plant.Constrained
	period int
	opts   Options

	nx, nu, nz int
	nw, ng, nc int
}

func NewSolver(disc *plant.Discretizer, period int, opts Options) *Solver {
	sys := disc.System()
	s := &Solver{
		disc:   disc,
		sys:    sys,
		period: period,
		opts:   opts,
		nx:     sys.StateDim(),
		nu:     sys.ControlDim(),
	}
	s.nz = s.nx + s.nu
	s.nw = period * s.nz
	s.ng = period * s.nx
	if con, ok := sys.(plant.Constrained); ok && con.NumConstraints() > 0 {
		s.con = con
		s.nc = con.NumConstraints()
	}
	if s.opts.MaxIter <= 0 {
		s.opts.MaxIter = DefaultOptions().MaxIter
	}
	if s.opts.Tol <= 0 {
		s.opts.Tol = DefaultOptions().Tol
	}
	if s.opts.ActiveTol <= 0 {
		s.opts.ActiveTol = DefaultOptions().ActiveTol
	}
	if s.opts.Log == nil {
		s.opts.Log = logger.Default
	}
	return s
}

// active identifies one path constraint at one phase.
type active struct {
	phase int
	index int
}

// Solve runs the SQP iteration from the given per-phase guess.
func (s *Solver) Solve(x0 []plant.State, u0 []plant.Control) (*Orbit, error) {
	if len(x0) != s.period || len(u0) != s.period {
		return nil, ErrBadGuess
	}
	for k := 0; k < s.period; k++ {
		if len(x0[k]) != s.nx || len(u0[k]) != s.nu {
			return nil, ErrBadGuess
		}
	}

	w := make([]float64, s.nw)
	for k := 0; k < s.period; k++ {
		copy(w[k*s.nz:], x0[k])
		copy(w[k*s.nz+s.nx:], u0[k])
	}

	log := s.opts.Log
	log.Info("solving periodic OCP", "model", s.sys.Name(), "period", s.period, "vars", s.nw)

	var (
		working  []active
		lamFlat  []float64
		muByCon  map[active]float64
		lastStep float64
	)
	damp := dampInit

	for iter := 0; iter < s.opts.MaxIter; iter++ {
		ev := s.evaluate(w, lamFlat, muByCon)
		if !ev.valid {
			return nil, fmt.Errorf("ocp: iterate %d: %w", iter, plant.ErrInvalidState)
		}

		// refresh working set from primal violations
		working = s.refreshWorkingSet(working, ev)

		dw, lam, mu, ws, err := s.solveQP(ev, working, damp)
		if err != nil {
			return nil, err
		}
		working = ws
		lamFlat = lam
		muByCon = mu

		stepNorm := infNorm(dw)
		gNorm := infNorm(ev.g)
		log.Debug("sqp iterate", "iter", iter, "cost", ev.cost, "step", stepNorm, "defect", gNorm, "damp", damp)

		if stepNorm < s.opts.Tol*(1+infNorm(w)) && gNorm < 1e-8 && damp <= dampInit {
			log.Info("OCP converged", "iterations", iter, "cost", ev.cost)
			return s.pack(w, lamFlat, muByCon), nil
		}

		alpha := s.lineSearch(w, dw, ev, lamFlat, muByCon)
		switch {
		case alpha == 0:
			// The step gave no merit decrease. Stiffen the damping and
			// recompute from the same iterate.
			damp = math.Min(damp*10, dampMax)
			continue
		case alpha == 1:
			damp = math.Max(damp*0.5, dampMin)
		default:
			damp = math.Min(damp*4, dampMax)
		}
		for i := range w {
			w[i] += alpha * dw[i]
		}
		lastStep = alpha * stepNorm
	}

	// Accept near-converged iterates rather than discarding the work.
	me := s.evalMerit(w)
	if me.valid && infNorm(me.g) < 1e-6 && lastStep < 1e-6 {
		log.Warn("OCP accepted at loose tolerance", "defect", infNorm(me.g), "last_step", lastStep)
		return s.pack(w, lamFlat, muByCon), nil
	}
	return nil, ErrNoConvergence
}

// evaluation holds everything the QP needs at the current iterate.
type evaluation struct {
	xs    []plant.State
	us    []plant.Control
	cost  float64
	g     []float64 // shooting defects, period*nx
	grad  []float64 // stage cost gradient, nw
	H     []*mat.SymDense
	A, B  []*mat.Dense
	h     [][]float64 // path constraint values per phase
	valid bool
}

// evaluate computes cost, defects, derivatives and QP Hessian blocks at w.
// The Hessians are built from the stage Lagrangian at the previous
// iteration's multiplier estimates; a nearly linear economic cost has no
// curvature of its own, the lam.F terms supply it and keep the QP bounded.
func (s *Solver) evaluate(w, lamFlat []float64, muByCon map[active]float64) *evaluation {
	ev := &evaluation{
		xs:    make([]plant.State, s.period),
		us:    make([]plant.Control, s.period),
		g:     make([]float64, s.ng),
		grad:  make([]float64, s.nw),
		H:     make([]*mat.SymDense, s.period),
		A:     make([]*mat.Dense, s.period),
		B:     make([]*mat.Dense, s.period),
		valid: true,
	}
	if s.con != nil {
		ev.h = make([][]float64, s.period)
	}

	for k := 0; k < s.period; k++ {
		ev.xs[k] = plant.State(w[k*s.nz : k*s.nz+s.nx])
		ev.us[k] = plant.Control(w[k*s.nz+s.nx : (k+1)*s.nz])
	}

	for k := 0; k < s.period; k++ {
		x, u := ev.xs[k], ev.us[k]
		if !x.IsValid() || !u.IsValid() {
			ev.valid = false
			return ev
		}

		ev.cost += s.sys.StageCost(x, u)

		next := s.disc.Step(x, u)
		if !next.IsValid() {
			ev.valid = false
			return ev
		}
		xn := ev.xs[(k+1)%s.period]
		for i := 0; i < s.nx; i++ {
			ev.g[k*s.nx+i] = next[i] - xn[i]
		}

		grad := plant.Gradient(s.sys.StageCost, x, u)
		for i := 0; i < s.nz; i++ {
			ev.grad[k*s.nz+i] = grad.AtVec(i)
		}

		var lamK []float64
		if lamFlat != nil {
			lamK = lamFlat[k*s.nx : (k+1)*s.nx]
		}
		var muK []float64
		if s.con != nil && len(muByCon) > 0 {
			for i := 0; i < s.nc; i++ {
				if v := muByCon[active{phase: k, index: i}]; v != 0 {
					if muK == nil {
						muK = make([]float64, s.nc)
					}
					muK[i] = v
				}
			}
		}
		lagrangian := func(xx plant.State, uu plant.Control) float64 {
			v := s.sys.StageCost(xx, uu)
			if lamK != nil {
				next := s.disc.Step(xx, uu)
				for i := range lamK {
					v += lamK[i] * next[i]
				}
			}
			if muK != nil {
				h := s.con.PathConstraints(xx, uu)
				for i := range muK {
					v -= muK[i] * h[i]
				}
			}
			return v
		}
		ev.H[k] = linalg.ProjectPSD(plant.Hessian(lagrangian, x, u), 0)

		ev.A[k], ev.B[k] = plant.Jacobians(s.disc.Step, x, u)

		if s.con != nil {
			ev.h[k] = s.con.PathConstraints(x, u)
		}
	}
	return ev
}

func (s *Solver) refreshWorkingSet(working []active, ev *evaluation) []active {
	if s.con == nil {
		return nil
	}
	seen := make(map[active]bool, len(working))
	out := working[:0]
	for _, a := range working {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for k := 0; k < s.period; k++ {
		for i := 0; i < s.nc; i++ {
			a := active{phase: k, index: i}
			if !seen[a] && ev.h[k][i] < s.opts.ActiveTol {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// solveQP solves the equality-constrained QP for the current working set,
// dropping constraints with negative multipliers and adding linearized
// violations until the set is consistent. A constraint dropped during this
// call may not rejoin within the same call, which rules out add/drop cycles.
func (s *Solver) solveQP(ev *evaluation, working []active, damp float64) (dw, lam []float64, mu map[active]float64, ws []active, err error) {
	maxInner := 2*(s.period*s.nc) + 4
	dropped := make(map[active]bool)

	for inner := 0; inner < maxInner; inner++ {
		dw, lam, muVals, err := s.solveKKT(ev, working, damp)
		if err != nil {
			return nil, nil, nil, nil, err
		}

		// drop the most negative multiplier, if any
		dropIdx := -1
		dropVal := -1e-8
		for i, v := range muVals {
			if v < dropVal {
				dropVal = v
				dropIdx = i
			}
		}
		if dropIdx >= 0 {
			dropped[working[dropIdx]] = true
			working = append(working[:dropIdx], working[dropIdx+1:]...)
			continue
		}

		// add the most violated linearized constraint, if any
		addIdx := active{-1, -1}
		addVal := -1e-8
		if s.con != nil {
			inWS := make(map[active]bool, len(working))
			for _, a := range working {
				inWS[a] = true
			}
			for k := 0; k < s.period; k++ {
				Ck := plant.ConstraintJacobian(s.sys, ev.xs[k], ev.us[k])
				for i := 0; i < s.nc; i++ {
					a := active{phase: k, index: i}
					if inWS[a] || dropped[a] {
						continue
					}
					lin := ev.h[k][i]
					for j := 0; j < s.nz; j++ {
						lin += Ck.At(i, j) * dw[k*s.nz+j]
					}
					if lin < addVal {
						addVal = lin
						addIdx = a
					}
				}
			}
		}
		if addIdx.phase >= 0 {
			working = append(working, addIdx)
			continue
		}

		mu = make(map[active]float64, len(working))
		for i, a := range working {
			mu[a] = muVals[i]
		}
		return dw, lam, mu, working, nil
	}
	return nil, nil, nil, nil, fmt.Errorf("ocp: active set did not settle: %w", ErrNoConvergence)
}

// solveKKT assembles and factorizes the dense KKT system
//
//	[ H   G'  -C' ] [dw ]   [-grad]
//	[ G   0    0  ] [lam] = [-g   ]
//	[ C   0    0  ] [mu ]   [-hact]
//
// with a Levenberg term on the primal diagonal and a tiny dual
// regularization for rank safety.
func (s *Solver) solveKKT(ev *evaluation, working []active, damp float64) ([]float64, []float64, []float64, error) {
	na := len(working)
	n := s.nw + s.ng + na
	const dualReg = 1e-10

	K := mat.NewDense(n, n, nil)
	rhs := mat.NewVecDense(n, nil)

	// Hessian blocks and cost gradient
	for k := 0; k < s.period; k++ {
		off := k * s.nz
		for i := 0; i < s.nz; i++ {
			for j := 0; j < s.nz; j++ {
				K.Set(off+i, off+j, ev.H[k].At(i, j))
			}
			K.Set(off+i, off+i, K.At(off+i, off+i)+damp)
			rhs.SetVec(off+i, -ev.grad[off+i])
		}
	}

	// shooting constraints: rows k*nx..: A_k, B_k at phase k, -I at phase k+1
	for k := 0; k < s.period; k++ {
		row := s.nw + k*s.nx
		off := k * s.nz
		for i := 0; i < s.nx; i++ {
			for j := 0; j < s.nx; j++ {
				K.Set(row+i, off+j, K.At(row+i, off+j)+ev.A[k].At(i, j))
			}
			for j := 0; j < s.nu; j++ {
				K.Set(row+i, off+s.nx+j, K.At(row+i, off+s.nx+j)+ev.B[k].At(i, j))
			}
		}
		offNext := ((k + 1) % s.period) * s.nz
		for i := 0; i < s.nx; i++ {
			K.Set(row+i, offNext+i, K.At(row+i, offNext+i)-1.0)
		}
		for i := 0; i < s.nx; i++ {
			rhs.SetVec(row+i, -ev.g[k*s.nx+i])
		}
	}
	// symmetric counterpart G'
	for k := 0; k < s.period; k++ {
		row := s.nw + k*s.nx
		for i := 0; i < s.nx; i++ {
			for j := 0; j < s.nw; j++ {
				K.Set(j, row+i, K.At(row+i, j))
			}
		}
	}

	// active constraint rows
	for a, act := range working {
		row := s.nw + s.ng + a
		Ck := plant.ConstraintJacobian(s.sys, ev.xs[act.phase], ev.us[act.phase])
		off := act.phase * s.nz
		for j := 0; j < s.nz; j++ {
			cij := Ck.At(act.index, j)
			K.Set(row, off+j, cij)
			K.Set(off+j, row, -cij)
		}
		rhs.SetVec(row, -ev.h[act.phase][act.index])
	}

	// dual regularization
	for i := s.nw; i < n; i++ {
		K.Set(i, i, K.At(i, i)-dualReg)
	}

	var lu mat.LU
	lu.Factorize(K)
	sol := mat.NewVecDense(n, nil)
	if err := lu.SolveVecTo(sol, false, rhs); err != nil || linalg.NaNOrInf(sol) {
		return nil, nil, nil, ErrSingularKKT
	}

	dw := make([]float64, s.nw)
	for i := range dw {
		dw[i] = sol.AtVec(i)
	}
	lam := make([]float64, s.ng)
	for i := range lam {
		lam[i] = sol.AtVec(s.nw + i)
	}
	mu := make([]float64, na)
	for i := range mu {
		mu[i] = sol.AtVec(s.nw + s.ng + i)
	}
	return dw, lam, mu, nil
}

// meritEval holds the zero-order quantities the merit function needs. It is
// much cheaper than a full evaluation, which matters inside the line search.
type meritEval struct {
	cost  float64
	g     []float64
	h     [][]float64
	valid bool
}

func (s *Solver) evalMerit(w []float64) *meritEval {
	me := &meritEval{g: make([]float64, s.ng), valid: true}
	if s.con != nil {
		me.h = make([][]float64, s.period)
	}
	for k := 0; k < s.period; k++ {
		x := plant.State(w[k*s.nz : k*s.nz+s.nx])
		u := plant.Control(w[k*s.nz+s.nx : (k+1)*s.nz])
		if !x.IsValid() || !u.IsValid() {
			me.valid = false
			return me
		}
		me.cost += s.sys.StageCost(x, u)
		next := s.disc.Step(x, u)
		if !next.IsValid() {
			me.valid = false
			return me
		}
		off := ((k + 1) % s.period) * s.nz
		for i := 0; i < s.nx; i++ {
			me.g[k*s.nx+i] = next[i] - w[off+i]
		}
		if s.con != nil {
			me.h[k] = s.con.PathConstraints(x, u)
		}
	}
	return me
}

// lineSearch backtracks on an exact-penalty merit function. It returns 0
// when no trial step decreases the merit, signalling the caller to stiffen
// the damping instead of moving.
func (s *Solver) lineSearch(w, dw []float64, ev *evaluation, lam []float64, mu map[active]float64) float64 {
	sigma := 1e3
	for _, v := range lam {
		if a := math.Abs(v); 2*a > sigma {
			sigma = 2 * a
		}
	}
	for _, v := range mu {
		if a := math.Abs(v); 2*a > sigma {
			sigma = 2 * a
		}
	}

	merit0 := s.merit(ev.cost, ev.g, ev.h, sigma)
	trial := make([]float64, len(w))
	alpha := 1.0
	for step := 0; step < 12; step++ {
		for i := range w {
			trial[i] = w[i] + alpha*dw[i]
		}
		me := s.evalMerit(trial)
		if me.valid && s.merit(me.cost, me.g, me.h, sigma) < merit0 {
			return alpha
		}
		alpha *= 0.5
	}
	return 0
}

func (s *Solver) merit(cost float64, g []float64, h [][]float64, sigma float64) float64 {
	m := cost
	for _, v := range g {
		m += sigma * math.Abs(v)
	}
	for _, hk := range h {
		for _, v := range hk {
			if v < 0 {
				m -= sigma * v
			}
		}
	}
	return m
}

func (s *Solver) pack(w, lamFlat []float64, mu map[active]float64) *Orbit {
	o := &Orbit{
		X:      make([]plant.State, s.period),
		U:      make([]plant.Control, s.period),
		Lam:    make([][]float64, s.period),
		Period: s.period,
		Dt:     s.disc.Dt(),
	}
	for k := 0; k < s.period; k++ {
		o.X[k] = plant.State(w[k*s.nz : k*s.nz+s.nx]).Clone()
		o.U[k] = plant.Control(w[k*s.nz+s.nx : (k+1)*s.nz]).Clone()
		o.Cost += s.sys.StageCost(o.X[k], o.U[k])

		o.Lam[k] = make([]float64, s.nx)
		if lamFlat != nil {
			copy(o.Lam[k], lamFlat[k*s.nx:(k+1)*s.nx])
		}
	}
	if s.con != nil {
		o.Mu = make([][]float64, s.period)
		for k := 0; k < s.period; k++ {
			o.Mu[k] = make([]float64, s.nc)
		}
		for a, v := range mu {
			o.Mu[a.phase][a.index] = v
		}
	}
	return o
}

func infNorm(v []float64) float64 {
	max := 0.0
	for _, x := range v {
		if a := math.Abs(x); a > max {
			max = a
		}
	}
	return max
}
