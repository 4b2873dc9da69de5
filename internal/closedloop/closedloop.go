// Package closedloop runs receding-horizon controllers against the plant,
// side by side, under a shared disturbance schedule, and checks one-step
// equivalence between controllers.
package closedloop

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mverhoef/ecotune/internal/metrics"
	"github.com/mverhoef/ecotune/internal/mpc"
	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/plant"
	"github.com/mverhoef/ecotune/pkg/logger"
)

// Disturbance is a state offset injected at one simulation step, before the
// controllers are queried.
type Disturbance struct {
	Step  int       `yaml:"step"`
	Delta []float64 `yaml:"delta"`
}

// Lane holds the closed-loop record of one controller. A lane that fails
// mid-run keeps its partial record alongside the error.
type Lane struct {
	Name     string
	States   []plant.State
	Controls []plant.Control
	CostDev  []float64 // stage-cost deviation from the orbit, per step
	Metrics  map[string]float64
	Err      error
	FailStep int // step index of the failure, -1 when the lane finished
}

// divergeLimit ends a lane with plant.ErrUnstable once any state component
// exceeds it. Finite-but-huge trajectories would otherwise run to the end
// and poison the lane metrics.
const divergeLimit = 1e9

// Result is one comparison run.
type Result struct {
	Lanes []*Lane
	Steps int
	Dt    float64
}

// Runner owns the shared simulation pieces of a comparison: every lane uses
// the same discretized plant, orbit reference and disturbance schedule.
type Runner struct {
	disc  *plant.Discretizer
	orbit *ocp.Orbit
	log   *slog.Logger
}

func NewRunner(disc *plant.Discretizer, orbit *ocp.Orbit, log *slog.Logger) *Runner {
	if log == nil {
		log = logger.Default
	}
	return &Runner{disc: disc, orbit: orbit, log: log}
}

// RunComparison simulates every controller from x0 for the given number of
// steps. Scheduled disturbances are added to each lane's state right before
// the controller is queried, so every controller sees the same perturbation
// at the same step. A controller error ends its lane but not the run.
func (r *Runner) RunComparison(ctx context.Context, controllers []mpc.Controller, x0 plant.State, schedule []Disturbance, steps int) (*Result, error) {
	if steps <= 0 {
		return nil, fmt.Errorf("closedloop: steps must be positive, got %d", steps)
	}
	if len(controllers) == 0 {
		return nil, fmt.Errorf("closedloop: no controllers")
	}

	byStep := make(map[int][]Disturbance)
	for _, d := range schedule {
		byStep[d.Step] = append(byStep[d.Step], d)
	}

	sys := r.disc.System()
	res := &Result{Steps: steps, Dt: r.disc.Dt(), Lanes: make([]*Lane, len(controllers))}

	for li, ctrl := range controllers {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		lane := &Lane{
			Name:     ctrl.Name(),
			States:   make([]plant.State, 0, steps+1),
			Controls: make([]plant.Control, 0, steps),
			CostDev:  make([]float64, 0, steps),
			Metrics:  make(map[string]float64),
			FailStep: -1,
		}
		res.Lanes[li] = lane

		ms := r.laneMetrics()
		ctrl.Reset()

		x := x0.Clone()
		lane.States = append(lane.States, x.Clone())

		for k := 0; k < steps; k++ {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			default:
			}

			for _, d := range byStep[k] {
				for i := range x {
					if i < len(d.Delta) {
						x[i] += d.Delta[i]
					}
				}
			}

			u, err := ctrl.Step(x)
			if err != nil {
				lane.Err = err
				lane.FailStep = k
				r.log.Warn("controller failed", "controller", ctrl.Name(), "step", k, "err", err)
				break
			}

			xr, ur := r.orbit.Phase(k)
			lane.CostDev = append(lane.CostDev, sys.StageCost(x, u)-sys.StageCost(xr, ur))
			lane.Controls = append(lane.Controls, u.Clone())
			for _, m := range ms {
				m.Observe(x, u, k)
			}

			x = r.disc.Step(x, u)
			if !x.IsValid() {
				lane.Err = plant.ErrInvalidState
				lane.FailStep = k
				break
			}
			if diverged(x) {
				lane.Err = plant.ErrUnstable
				lane.FailStep = k
				break
			}
			lane.States = append(lane.States, x.Clone())
		}

		for _, m := range ms {
			lane.Metrics[m.Name()] = m.Value()
		}
		r.log.Info("lane finished",
			"controller", ctrl.Name(),
			"steps", len(lane.Controls),
			"stage_cost_deviation", lane.Metrics["stage_cost_deviation"])
	}

	return res, nil
}

func diverged(x plant.State) bool {
	for _, v := range x {
		if v > divergeLimit || v < -divergeLimit {
			return true
		}
	}
	return false
}

func (r *Runner) laneMetrics() []metrics.Metric {
	sys := r.disc.System()
	ms := []metrics.Metric{
		metrics.NewStageCostDeviation(sys, r.orbit),
		metrics.NewControlEffort(r.orbit),
	}
	if cv := metrics.NewConstraintViolation(sys); cv != nil {
		ms = append(ms, cv)
	}
	return ms
}
