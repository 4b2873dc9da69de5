package tuning

import (
	"context"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/linalg"
	"github.com/mverhoef/ecotune/internal/ocp"
)

// RhoPoint is one grid point of a regularization sweep.
type RhoPoint struct {
	Rho        float64
	Tuning     *Tuning
	Distortion float64
	Err        error
}

// SweepRho runs the convexification over a grid of regularization
// strengths, one goroutine per grid point. Distortion is the summed
// Frobenius distance between the convexified and raw stage Hessians;
// smaller values keep the tracking weights closer to the economic problem.
func SweepRho(ctx context.Context, sens *ocp.Sensitivities, rhos []float64, opts Options) []RhoPoint {
	points := make([]RhoPoint, len(rhos))

	var wg sync.WaitGroup
	for i, rho := range rhos {
		wg.Add(1)
		go func(idx int, rho float64) {
			defer wg.Done()

			if err := ctx.Err(); err != nil {
				points[idx] = RhoPoint{Rho: rho, Err: err}
				return
			}

			o := opts
			o.Rho = rho
			tuned, err := Convexify(sens, o)
			pt := RhoPoint{Rho: rho, Tuning: tuned, Err: err}
			if err == nil {
				pt.Distortion = distortion(sens, tuned)
			}
			points[idx] = pt
		}(i, rho)
	}
	wg.Wait()

	return points
}

// BestRho picks the feasible grid point with the smallest distortion. Ties
// keep the earlier grid point. The second return is false when every point
// failed.
func BestRho(points []RhoPoint) (RhoPoint, bool) {
	best := RhoPoint{Distortion: math.Inf(1)}
	found := false
	for _, pt := range points {
		if pt.Err != nil {
			continue
		}
		if !found || pt.Distortion < best.Distortion {
			best = pt
			found = true
		}
	}
	return best, found
}

func distortion(sens *ocp.Sensitivities, tuned *Tuning) float64 {
	total := 0.0
	var diff mat.Dense
	for k := 0; k < sens.Period; k++ {
		raw := linalg.BuildHessian(sens.Q[k], sens.R[k], sens.N[k])
		diff.Sub(tuned.H[k], raw)
		total += mat.Norm(&diff, 2)
	}
	return total
}
