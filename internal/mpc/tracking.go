package mpc

import (
	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/plant"
	"github.com/mverhoef/ecotune/internal/tuning"
)

// Tracking is an LQ tracking MPC around the periodic orbit. Each Step
// solves (via a backward Riccati recursion, cached per orbit phase) the
// horizon-N quadratic problem built from the tuning weights, applies the
// first feedback gain to the measured deviation, and advances the phase.
//
// The same machinery serves both the conventionally tuned and the
// convexified ("tuned") variants; they differ only in the weights fed in.
type Tracking struct {
	name  string
	disc  *plant.Discretizer
	orbit *ocp.Orbit
	sens  *ocp.Sensitivities
	tun   *tuning.Tuning
	opts  Options

	phase int
	gains map[int]gain
}

type gain struct {
	K *mat.Dense
	k *mat.VecDense
}

func NewTracking(name string, disc *plant.Discretizer, orbit *ocp.Orbit, sens *ocp.Sensitivities, tun *tuning.Tuning, opts Options) *Tracking {
	return &Tracking{
		name:  name,
		disc:  disc,
		orbit: orbit,
		sens:  sens,
		tun:   tun,
		opts:  opts.withDefaults(),
		gains: make(map[int]gain),
	}
}

func (c *Tracking) Name() string { return c.name }

func (c *Tracking) Reset() {
	c.phase = 0
}

func (c *Tracking) Step(x plant.State) (plant.Control, error) {
	if len(x) != c.disc.System().StateDim() {
		return nil, plant.ErrDimensionMismatch
	}
	if !x.IsValid() {
		return nil, plant.ErrInvalidState
	}

	s := c.phase % c.orbit.Period
	g, err := c.gain(s)
	if err != nil {
		return nil, err
	}

	xRef, uRef := c.orbit.Phase(s)
	dx := mat.NewVecDense(len(x), x.Sub(xRef))

	du := mat.NewVecDense(c.disc.System().ControlDim(), nil)
	du.MulVec(g.K, dx)
	du.AddVec(du, g.k)

	u := uRef.Clone()
	for i := range u {
		u[i] += du.AtVec(i)
	}
	c.phase++
	return clamp(u, c.disc.System()), nil
}

// gain lazily computes and caches the first-stage feedback for a starting
// phase.
func (c *Tracking) gain(s int) (gain, error) {
	if g, ok := c.gains[s]; ok {
		return g, nil
	}

	nx := c.sens.NX
	nu := c.sens.NU

	stages := make([]lqStage, c.opts.Horizon)
	for i := 0; i < c.opts.Horizon; i++ {
		k := (s + i) % c.orbit.Period
		Qxx, Quu, Nm := c.tun.Q[k], c.tun.R[k], c.tun.N[k]
		grad := c.tun.Grad[k]

		qx := mat.NewVecDense(nx, nil)
		for j := 0; j < nx; j++ {
			qx.SetVec(j, grad.AtVec(j))
		}
		qu := mat.NewVecDense(nu, nil)
		for j := 0; j < nu; j++ {
			qu.SetVec(j, grad.AtVec(nx+j))
		}

		stages[i] = lqStage{
			A:   c.sens.A[k],
			B:   c.sens.B[k],
			Qxx: Qxx,
			Quu: Quu,
			N:   Nm,
			qx:  qx,
			qu:  qu,
		}
	}

	// The terminal linear weight is the orbit costate at the horizon end,
	// which makes the orbit a stationary point of the finite-horizon
	// problem despite the economic gradient terms.
	P := terminalPenalty(nx, c.opts.TerminalWeight, c.opts.TerminalStates)
	p := mat.NewVecDense(nx, nil)
	lam := c.orbit.Lam[(s+c.opts.Horizon-1)%c.orbit.Period]
	for j := 0; j < nx; j++ {
		p.SetVec(j, lam[j])
	}
	pol, err := solveLQ(stages, P, p)
	if err != nil {
		return gain{}, err
	}

	g := gain{K: pol.K[0], k: pol.k[0]}
	c.gains[s] = g
	return g, nil
}
