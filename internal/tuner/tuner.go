// Package tuner ties the tuning pipeline together: solve the periodic
// economic OCP, extract sensitivities, convexify the stage Hessians, and
// build receding-horizon controllers from the result.
package tuner

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mverhoef/ecotune/internal/mpc"
	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/plant"
	"github.com/mverhoef/ecotune/internal/tuning"
)

var (
	// ErrNotSolved guards operations that need a solved orbit.
	ErrNotSolved = errors.New("tuner: orbit not solved yet")

	// ErrUnknownVariant rejects controller names outside the known set.
	ErrUnknownVariant = errors.New("tuner: unknown controller variant")
)

// Tuner drives one plant through the tuning pipeline. The stages build on
// each other: SolveOCP must run before Sensitivities, which must run before
// Convexify or CreateMPC.
type Tuner struct {
	disc   *plant.Discretizer
	period int
	log    *slog.Logger

	solver *ocp.Solver
	orbit  *ocp.Orbit
	sens   *ocp.Sensitivities
	tuned  *tuning.Tuning
}

// New prepares a tuner for a plant discretized at dt with the given orbit
// period. Zero fields in opts take the solver defaults; a nil opts.Log falls
// back to the package default logger.
func New(sys plant.System, period int, dt float64, substeps int, opts ocp.Options) *Tuner {
	disc := plant.NewDiscretizer(sys, dt, substeps)
	return &Tuner{
		disc:   disc,
		period: period,
		log:    opts.Log,
		solver: ocp.NewSolver(disc, period, opts),
	}
}

func (t *Tuner) Discretizer() *plant.Discretizer { return t.disc }
func (t *Tuner) Period() int                     { return t.period }

// Orbit returns the solved orbit, or nil before SolveOCP.
func (t *Tuner) Orbit() *ocp.Orbit { return t.orbit }

// SolveOCP solves the p-periodic optimal control problem from the given
// state and control guesses and caches the orbit. Systems implementing
// plant.OrbitGuesser may pass nil guesses.
func (t *Tuner) SolveOCP(x0 []plant.State, u0 []plant.Control) (*ocp.Orbit, error) {
	if x0 == nil || u0 == nil {
		g, ok := t.disc.System().(plant.OrbitGuesser)
		if !ok {
			return nil, fmt.Errorf("tuner: %s: %w", t.disc.System().Name(), ocp.ErrBadGuess)
		}
		x0, u0 = g.OrbitGuess(t.period, t.disc.Dt())
	}
	orbit, err := t.solver.Solve(x0, u0)
	if err != nil {
		return nil, err
	}
	t.orbit = orbit
	t.sens = nil
	t.tuned = nil
	return orbit, nil
}

// Sensitivities computes (and caches) the first- and second-order problem
// data along the solved orbit.
func (t *Tuner) Sensitivities() (*ocp.Sensitivities, error) {
	if t.orbit == nil {
		return nil, ErrNotSolved
	}
	if t.sens == nil {
		t.sens = t.solver.Sensitivities(t.orbit)
	}
	return t.sens, nil
}

// Convexify computes positive semidefinite tuning weights that are
// first-order equivalent to the economic cost along the orbit.
func (t *Tuner) Convexify(rho float64, force bool) (*tuning.Tuning, error) {
	sens, err := t.Sensitivities()
	if err != nil {
		return nil, err
	}
	opts := tuning.DefaultOptions()
	if rho > 0 {
		opts.Rho = rho
	}
	opts.Force = force
	opts.Log = t.log
	tuned, err := tuning.Convexify(sens, opts)
	if err != nil {
		return nil, err
	}
	t.tuned = tuned
	return tuned, nil
}

// CreateMPC builds a receding-horizon controller of the named variant with
// prediction horizon N.
//
// The tracking variant takes its quadratic weights from custom when given,
// otherwise from diagonal weights, otherwise from the raw Lagrangian
// Hessians. The tuned variant uses the convexified weights, running
// Convexify with defaults when it has not run yet. The economic variant
// solves the nonlinear horizon problem directly and ignores weights.
func (t *Tuner) CreateMPC(variant string, horizon int, opts mpc.Options, diag []float64, custom *tuning.Tuning) (mpc.Controller, error) {
	if t.orbit == nil {
		return nil, ErrNotSolved
	}
	opts.Horizon = horizon

	switch variant {
	case mpc.VariantEconomic:
		return mpc.NewEconomic(variant, t.disc, t.orbit, opts), nil

	case mpc.VariantTracking:
		sens, err := t.Sensitivities()
		if err != nil {
			return nil, err
		}
		tun := custom
		if tun == nil && len(diag) > 0 {
			if len(diag) != sens.NX+sens.NU {
				return nil, fmt.Errorf("tuner: tracking weights need nx+nu = %d entries, got %d", sens.NX+sens.NU, len(diag))
			}
			tun = tuning.FromDiagonal(diag, sens)
		}
		if tun == nil {
			tun = tuning.FromSensitivities(sens)
		}
		return mpc.NewTracking(variant, t.disc, t.orbit, sens, tun, opts), nil

	case mpc.VariantTuned:
		sens, err := t.Sensitivities()
		if err != nil {
			return nil, err
		}
		if t.tuned == nil {
			if _, err := t.Convexify(0, false); err != nil {
				return nil, err
			}
		}
		return mpc.NewTracking(variant, t.disc, t.orbit, sens, t.tuned, opts), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
}
