package closedloop

import (
	"context"
	"math"

	"github.com/mverhoef/ecotune/internal/mpc"
)

// EquivalencePoint is one row of an alpha sweep: the first control of every
// controller when queried at x*_0 + alpha * direction.
type EquivalencePoint struct {
	Alpha    float64
	Controls map[string][]float64
	Errs     map[string]error
}

// CheckEquivalence perturbs the initial orbit state along a direction and
// queries each controller once per perturbation size. On the orbit the
// tuned controller's feedback matches the economic one to first order, so
// the control gap should shrink with alpha.
func (r *Runner) CheckEquivalence(ctx context.Context, controllers []mpc.Controller, direction []float64, alphas []float64) ([]EquivalencePoint, error) {
	x0, _ := r.orbit.Phase(0)
	points := make([]EquivalencePoint, 0, len(alphas))

	for _, alpha := range alphas {
		select {
		case <-ctx.Done():
			return points, ctx.Err()
		default:
		}

		x := x0.Clone()
		for i := range x {
			if i < len(direction) {
				x[i] += alpha * direction[i]
			}
		}

		pt := EquivalencePoint{
			Alpha:    alpha,
			Controls: make(map[string][]float64, len(controllers)),
			Errs:     make(map[string]error),
		}
		for _, ctrl := range controllers {
			ctrl.Reset()
			u, err := ctrl.Step(x)
			if err != nil {
				pt.Errs[ctrl.Name()] = err
				continue
			}
			pt.Controls[ctrl.Name()] = u
		}
		points = append(points, pt)
	}
	return points, nil
}

// ControlGap is the infinity-norm distance between two controllers' actions
// at one sweep point. Missing lanes return NaN.
func (p EquivalencePoint) ControlGap(a, b string) float64 {
	ua, oka := p.Controls[a]
	ub, okb := p.Controls[b]
	if !oka || !okb || len(ua) != len(ub) {
		return math.NaN()
	}
	gap := 0.0
	for i := range ua {
		if d := math.Abs(ua[i] - ub[i]); d > gap {
			gap = d
		}
	}
	return gap
}
