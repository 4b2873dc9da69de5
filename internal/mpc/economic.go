package mpc

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/linalg"
	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/plant"
)

// Economic is a nonlinear economic MPC. Each Step solves the horizon-N
// optimal control problem with the constraint-priced economic stage cost by
// iterated LQ:
// linearize the dynamics and quadratize the cost along the current
// prediction, run the affine Riccati backward pass, and roll forward with a
// backtracking line search. The prediction is warm started from the
// previous solution shifted by one stage.
type Economic struct {
	name  string
	disc  *plant.Discretizer
	orbit *ocp.Orbit
	opts  Options

	phase int
	warmU []plant.Control
}

func NewEconomic(name string, disc *plant.Discretizer, orbit *ocp.Orbit, opts Options) *Economic {
	return &Economic{
		name:  name,
		disc:  disc,
		orbit: orbit,
		opts:  opts.withDefaults(),
	}
}

func (c *Economic) Name() string { return c.name }

func (c *Economic) Reset() {
	c.phase = 0
	c.warmU = nil
}

func (c *Economic) Step(x plant.State) (plant.Control, error) {
	sys := c.disc.System()
	if len(x) != sys.StateDim() {
		return nil, plant.ErrDimensionMismatch
	}
	if !x.IsValid() {
		return nil, plant.ErrInvalidState
	}

	N := c.opts.Horizon
	s := c.phase % c.orbit.Period

	us := c.warmStart(s, N)
	xs, cost, ok := c.rollout(x, us)
	if !ok {
		// The shifted warm start blew up, fall back to the orbit
		// reference controls.
		c.warmU = nil
		us = c.warmStart(s, N)
		xs, cost, ok = c.rollout(x, us)
		if !ok {
			return nil, ErrDiverged
		}
	}

	P := terminalPenalty(sys.StateDim(), c.opts.TerminalWeight, c.opts.TerminalStates)

	for iter := 0; iter < c.opts.MaxIter; iter++ {
		pol, err := c.backward(s, xs, us, P)
		if err != nil {
			return nil, err
		}

		nextX, nextU, nextCost, improved := c.forward(x, xs, us, pol, cost)
		if !improved {
			break
		}
		done := math.Abs(cost-nextCost) <= c.opts.Tol*(1+math.Abs(cost))
		xs, us, cost = nextX, nextU, nextCost
		if done {
			break
		}
	}

	u0 := us[0].Clone()

	// Shift the solution one stage for the next call and pad with the
	// orbit control entering the horizon.
	c.warmU = append(us[1:], c.refControl(s+N))
	c.phase++

	return u0, nil
}

// warmStart returns the horizon controls to linearize around: the shifted
// previous solution when one exists, the orbit references otherwise.
func (c *Economic) warmStart(s, N int) []plant.Control {
	if len(c.warmU) == N {
		return c.warmU
	}
	us := make([]plant.Control, N)
	for i := range us {
		us[i] = c.refControl(s + i)
	}
	return us
}

func (c *Economic) refControl(k int) plant.Control {
	_, u := c.orbit.Phase(k)
	return u.Clone()
}

// stageCost prices the path constraints into the economic cost with the
// orbit multipliers at phase k. At a constrained orbit the bare cost is not
// stationary; the priced cost is, so the horizon problem holds the orbit.
func (c *Economic) stageCost(k int) func(plant.State, plant.Control) float64 {
	sys := c.disc.System()
	con, ok := sys.(plant.Constrained)
	if !ok || c.orbit.Mu == nil {
		return sys.StageCost
	}
	mu := c.orbit.Mu[posMod(k, c.orbit.Period)]
	return func(x plant.State, u plant.Control) float64 {
		v := sys.StageCost(x, u)
		h := con.PathConstraints(x, u)
		for i, m := range mu {
			v -= m * h[i]
		}
		return v
	}
}

// rollout simulates the horizon and evaluates the priced economic objective
// plus the terminal anchor. Controls are clamped to the plant bounds in place.
func (c *Economic) rollout(x0 plant.State, us []plant.Control) ([]plant.State, float64, bool) {
	sys := c.disc.System()
	N := len(us)
	s := c.phase % c.orbit.Period

	xs := make([]plant.State, N+1)
	xs[0] = x0.Clone()
	cost := 0.0
	for i := 0; i < N; i++ {
		us[i] = clamp(us[i], sys)
		cost += c.stageCost(s+i)(xs[i], us[i])
		xs[i+1] = c.disc.Step(xs[i], us[i])
		if !xs[i+1].IsValid() {
			return nil, 0, false
		}
	}
	cost += c.terminalCost(xs[N])
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, 0, false
	}
	return xs, cost, true
}

// terminalCost anchors the prediction end to the orbit. The linear costate
// term makes the orbit reference a stationary point of the horizon problem.
func (c *Economic) terminalCost(xN plant.State) float64 {
	s := c.phase % c.orbit.Period
	N := c.opts.Horizon
	xRef, _ := c.orbit.Phase(s + N)
	lam := c.orbit.Lam[posMod(s+N-1, c.orbit.Period)]

	v := 0.0
	for i := range xN {
		d := xN[i] - xRef[i]
		w := 0.0
		if c.penalized(i) {
			w = c.opts.TerminalWeight
		}
		v += 0.5*w*d*d + lam[i]*d
	}
	return v
}

func (c *Economic) penalized(i int) bool {
	if len(c.opts.TerminalStates) == 0 {
		return true
	}
	for _, j := range c.opts.TerminalStates {
		if j == i {
			return true
		}
	}
	return false
}

// backward builds the LQ model along (xs, us) and runs the Riccati pass.
func (c *Economic) backward(s int, xs []plant.State, us []plant.Control, P *mat.SymDense) (*lqPolicy, error) {
	sys := c.disc.System()
	nx := sys.StateDim()
	nu := sys.ControlDim()
	N := len(us)

	stages := make([]lqStage, N)
	for i := 0; i < N; i++ {
		A, B := plant.Jacobians(c.disc.Step, xs[i], us[i])
		lc := c.stageCost(s + i)
		g := plant.Gradient(lc, xs[i], us[i])
		H := linalg.ProjectPSD(plant.Hessian(lc, xs[i], us[i]), 1e-6)

		Qxx := mat.NewSymDense(nx, nil)
		Quu := mat.NewSymDense(nu, nil)
		Nm := mat.NewDense(nx, nu, nil)
		for r := 0; r < nx; r++ {
			for cc := r; cc < nx; cc++ {
				Qxx.SetSym(r, cc, H.At(r, cc))
			}
			for cc := 0; cc < nu; cc++ {
				Nm.Set(r, cc, H.At(r, nx+cc))
			}
		}
		for r := 0; r < nu; r++ {
			for cc := r; cc < nu; cc++ {
				Quu.SetSym(r, cc, H.At(nx+r, nx+cc))
			}
		}

		qx := mat.NewVecDense(nx, nil)
		for j := 0; j < nx; j++ {
			qx.SetVec(j, g.AtVec(j))
		}
		qu := mat.NewVecDense(nu, nil)
		for j := 0; j < nu; j++ {
			qu.SetVec(j, g.AtVec(nx+j))
		}

		stages[i] = lqStage{A: A, B: B, Qxx: Qxx, Quu: Quu, N: Nm, qx: qx, qu: qu}
	}

	// Terminal quadratic model at the current prediction end.
	xRef, _ := c.orbit.Phase(s + N)
	lam := c.orbit.Lam[posMod(s+N-1, c.orbit.Period)]
	p := mat.NewVecDense(nx, nil)
	for i := 0; i < nx; i++ {
		p.SetVec(i, P.At(i, i)*(xs[N][i]-xRef[i])+lam[i])
	}

	return solveLQ(stages, P, p)
}

// forward applies the policy with a backtracking line search, returning the
// best improving rollout.
func (c *Economic) forward(x0 plant.State, xs []plant.State, us []plant.Control, pol *lqPolicy, cost float64) ([]plant.State, []plant.Control, float64, bool) {
	N := len(us)
	nu := len(us[0])
	s := c.phase % c.orbit.Period

	for alpha := 1.0; alpha > 1e-4; alpha *= 0.5 {
		trial := make([]plant.Control, N)
		xsNew := make([]plant.State, N+1)
		xsNew[0] = x0.Clone()
		newCost := 0.0
		ok := true
		for i := 0; i < N; i++ {
			dx := mat.NewVecDense(len(x0), xsNew[i].Sub(xs[i]))
			du := mat.NewVecDense(nu, nil)
			du.MulVec(pol.K[i], dx)
			du.AddScaledVec(du, alpha, pol.k[i])

			ui := us[i].Clone()
			for j := 0; j < nu; j++ {
				ui[j] += du.AtVec(j)
			}
			ui = clamp(ui, c.disc.System())
			trial[i] = ui

			newCost += c.stageCost(s+i)(xsNew[i], ui)
			xsNew[i+1] = c.disc.Step(xsNew[i], ui)
			if !xsNew[i+1].IsValid() {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		newCost += c.terminalCost(xsNew[N])
		if math.IsNaN(newCost) || math.IsInf(newCost, 0) {
			continue
		}
		if newCost < cost-1e-12*math.Abs(cost) {
			return xsNew, trial, newCost, true
		}
	}
	return nil, nil, 0, false
}

func posMod(k, p int) int {
	m := k % p
	if m < 0 {
		m += p
	}
	return m
}
