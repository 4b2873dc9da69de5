// Package mpc implements the receding-horizon controllers: an LQ tracking
// controller driven by quadratic tuning weights (conventional or
// convexified) and a nonlinear economic controller based on iterated LQ
// solves. Controllers track an internal orbit phase that advances on every
// Step.
package mpc

import (
	"errors"

	"github.com/mverhoef/ecotune/internal/plant"
)

// Variant names accepted by the controller factory.
const (
	VariantEconomic = "economic"
	VariantTracking = "tracking"
	VariantTuned    = "tuned"
)

var (
	// ErrRicattiFailed indicates the backward pass could not regularize
	// a control Hessian into a factorizable form.
	ErrRiccatiFailed = errors.New("mpc: Riccati backward pass failed")

	// ErrDiverged indicates a rollout produced an invalid state.
	ErrDiverged = errors.New("mpc: prediction rollout diverged")

	// ErrNoDescent indicates the economic solve could not improve its
	// warm start; the returned control falls back to the warm start.
	ErrNoDescent = errors.New("mpc: no descent step found")
)

// Controller produces one control action per call from the current state,
// advancing its internal phase along the reference orbit.
type Controller interface {
	Name() string
	Step(x plant.State) (plant.Control, error)
	Reset()
}

// Options configure a receding-horizon controller.
type Options struct {
	// Horizon is the prediction horizon length N.
	Horizon int
	// MaxIter bounds the iterated-LQ passes of the economic variant.
	MaxIter int
	// Tol is the relative cost-decrease convergence threshold of the
	// economic variant.
	Tol float64
	// TerminalWeight scales the quadratic terminal penalty anchoring the
	// prediction to the orbit.
	TerminalWeight float64
	// TerminalStates restricts the terminal penalty to a subset of state
	// indices (empty means all states).
	TerminalStates []int
}

func DefaultOptions(horizon int) Options {
	return Options{
		Horizon:        horizon,
		MaxIter:        12,
		Tol:            1e-9,
		TerminalWeight: 1e3,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions(o.Horizon)
	if o.MaxIter <= 0 {
		o.MaxIter = d.MaxIter
	}
	if o.Tol <= 0 {
		o.Tol = d.Tol
	}
	if o.TerminalWeight <= 0 {
		o.TerminalWeight = d.TerminalWeight
	}
	return o
}

// clamp boxes a control into the system bounds, when the system has any.
func clamp(u plant.Control, sys plant.System) plant.Control {
	b, ok := sys.(plant.Bounded)
	if !ok {
		return u
	}
	lo, hi := b.ControlBounds()
	out := u.Clone()
	for i := range out {
		if i < len(lo) && out[i] < lo[i] {
			out[i] = lo[i]
		}
		if i < len(hi) && out[i] > hi[i] {
			out[i] = hi[i]
		}
	}
	return out
}
