package ocp

import (
	"math"
	"testing"

	"github.com/mverhoef/ecotune/internal/plant"
)

// integrator is dx/dt = u with economic cost (x-1)^2 + u^2. Any periodic
// orbit must hold u = 0, so the optimum is the steady state x = 1.
type integrator struct{}

func (integrator) Name() string    { return "integrator" }
func (integrator) StateDim() int   { return 1 }
func (integrator) ControlDim() int { return 1 }

func (integrator) Derive(x plant.State, u plant.Control) plant.State {
	return plant.State{u[0]}
}

func (integrator) StageCost(x plant.State, u plant.Control) float64 {
	d := x[0] - 1
	return d*d + u[0]*u[0]
}

// cappedIntegrator adds the path constraint x <= 0.5, which is active at
// the optimum and forces it away from the unconstrained steady state.
type cappedIntegrator struct{ integrator }

func (cappedIntegrator) PathConstraints(x plant.State, u plant.Control) []float64 {
	return []float64{0.5 - x[0]}
}

func (cappedIntegrator) NumConstraints() int { return 1 }

func TestSolveSteadyState(t *testing.T) {
	disc := plant.NewDiscretizer(integrator{}, 0.1, 1)
	s := NewSolver(disc, 1, DefaultOptions())

	orbit, err := s.Solve([]plant.State{{0.0}}, []plant.Control{{0.2}})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}

	if math.Abs(orbit.X[0][0]-1.0) > 1e-6 {
		t.Errorf("steady state x = %.8f, want 1", orbit.X[0][0])
	}
	if math.Abs(orbit.U[0][0]) > 1e-6 {
		t.Errorf("steady state u = %.8f, want 0", orbit.U[0][0])
	}
	if math.Abs(orbit.Cost) > 1e-10 {
		t.Errorf("optimal cost = %.2e, want 0", orbit.Cost)
	}
}

func TestSolvePeriodTwo(t *testing.T) {
	disc := plant.NewDiscretizer(integrator{}, 0.1, 1)
	s := NewSolver(disc, 2, DefaultOptions())

	orbit, err := s.Solve(
		[]plant.State{{0.0}, {0.5}},
		[]plant.Control{{0.1}, {-0.1}},
	)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}

	for k := 0; k < 2; k++ {
		if math.Abs(orbit.X[k][0]-1.0) > 1e-5 {
			t.Errorf("phase %d x = %.8f, want 1", k, orbit.X[k][0])
		}
		if math.Abs(orbit.U[k][0]) > 1e-5 {
			t.Errorf("phase %d u = %.8f, want 0", k, orbit.U[k][0])
		}
	}
}

func TestSolveActiveConstraint(t *testing.T) {
	disc := plant.NewDiscretizer(cappedIntegrator{}, 0.1, 1)
	s := NewSolver(disc, 1, DefaultOptions())

	orbit, err := s.Solve([]plant.State{{0.0}}, []plant.Control{{0.0}})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}

	if math.Abs(orbit.X[0][0]-0.5) > 1e-4 {
		t.Errorf("constrained optimum x = %.8f, want 0.5", orbit.X[0][0])
	}
	if len(orbit.Mu) == 0 || len(orbit.Mu[0]) == 0 {
		t.Fatal("expected a path constraint multiplier")
	}
	if orbit.Mu[0][0] < 0 {
		t.Errorf("active constraint multiplier = %f, want >= 0", orbit.Mu[0][0])
	}
}

// harvest is dx/dt = u - x^2 with the linear-in-x economic cost -x + u^2.
// The cost has no state curvature at all; the QP Hessian must pick it up
// from the dynamics term of the Lagrangian or the steps are unbounded.
type harvest struct{}

func (harvest) Name() string    { return "harvest" }
func (harvest) StateDim() int   { return 1 }
func (harvest) ControlDim() int { return 1 }

func (harvest) Derive(x plant.State, u plant.Control) plant.State {
	return plant.State{u[0] - x[0]*x[0]}
}

func (harvest) StageCost(x plant.State, u plant.Control) float64 {
	return -x[0] + u[0]*u[0]
}

func TestSolveFlatCostCurvedDynamics(t *testing.T) {
	disc := plant.NewDiscretizer(harvest{}, 0.1, 10)
	s := NewSolver(disc, 1, DefaultOptions())

	orbit, err := s.Solve([]plant.State{{1.0}}, []plant.Control{{1.0}})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}

	// Steady states satisfy u = x^2, so the optimum of -x + x^4 is at
	// x = (1/4)^(1/3).
	want := math.Cbrt(0.25)
	if math.Abs(orbit.X[0][0]-want) > 1e-6 {
		t.Errorf("steady state x = %.8f, want %.8f", orbit.X[0][0], want)
	}
	if math.Abs(orbit.U[0][0]-want*want) > 1e-6 {
		t.Errorf("steady state u = %.8f, want %.8f", orbit.U[0][0], want*want)
	}
}

func TestSolveBadGuess(t *testing.T) {
	disc := plant.NewDiscretizer(integrator{}, 0.1, 1)
	s := NewSolver(disc, 2, DefaultOptions())

	if _, err := s.Solve([]plant.State{{0.0}}, []plant.Control{{0.0}}); err == nil {
		t.Error("expected error for guess with wrong period")
	}
}

func TestSensitivitiesPricedGradientAtConstraint(t *testing.T) {
	disc := plant.NewDiscretizer(cappedIntegrator{}, 0.1, 1)
	s := NewSolver(disc, 1, DefaultOptions())

	orbit, err := s.Solve([]plant.State{{0.0}}, []plant.Control{{0.0}})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	sens := s.Sensitivities(orbit)

	// The raw cost gradient at the capped optimum x = 0.5 is 2(x-1) = -1;
	// the active constraint carries it. Grad subtracts mu'C, so the linear
	// terms handed to a tracking controller vanish and the controller
	// holds the constrained point instead of pushing toward x = 1.
	if math.Abs(orbit.Mu[0][0]-1.0) > 1e-4 {
		t.Errorf("constraint multiplier = %f, want 1", orbit.Mu[0][0])
	}
	if g := sens.Grad[0]; math.Abs(g.AtVec(0)) > 1e-4 || math.Abs(g.AtVec(1)) > 1e-4 {
		t.Errorf("priced gradient = (%.6f, %.6f), want 0", g.AtVec(0), g.AtVec(1))
	}
}

func TestOrbitPhaseWraps(t *testing.T) {
	o := &Orbit{
		X:      []plant.State{{1}, {2}, {3}},
		U:      []plant.Control{{10}, {20}, {30}},
		Period: 3,
	}

	tests := []struct {
		k    int
		want float64
	}{
		{0, 1}, {1, 2}, {2, 3}, {3, 1}, {7, 2}, {-1, 3},
	}
	for _, tt := range tests {
		x, _ := o.Phase(tt.k)
		if x[0] != tt.want {
			t.Errorf("Phase(%d) x = %f, want %f", tt.k, x[0], tt.want)
		}
	}
}

func TestSensitivitiesOfScalarIntegrator(t *testing.T) {
	dt := 0.1
	disc := plant.NewDiscretizer(integrator{}, dt, 1)
	s := NewSolver(disc, 1, DefaultOptions())

	orbit, err := s.Solve([]plant.State{{0.0}}, []plant.Control{{0.0}})
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}

	sens := s.Sensitivities(orbit)
	if sens.Period != 1 || sens.NX != 1 || sens.NU != 1 {
		t.Fatalf("unexpected dims: %+v", sens)
	}

	// x+ = x + dt*u exactly, so A = 1, B = dt.
	if math.Abs(sens.A[0].At(0, 0)-1.0) > 1e-6 {
		t.Errorf("A = %.8f, want 1", sens.A[0].At(0, 0))
	}
	if math.Abs(sens.B[0].At(0, 0)-dt) > 1e-6 {
		t.Errorf("B = %.8f, want %.2f", sens.B[0].At(0, 0), dt)
	}

	// The dynamics are linear, so the Lagrangian Hessian is the cost
	// Hessian: Q = 2, R = 2, N = 0.
	if math.Abs(sens.Q[0].At(0, 0)-2.0) > 1e-3 {
		t.Errorf("Q = %.6f, want 2", sens.Q[0].At(0, 0))
	}
	if math.Abs(sens.R[0].At(0, 0)-2.0) > 1e-3 {
		t.Errorf("R = %.6f, want 2", sens.R[0].At(0, 0))
	}
	if math.Abs(sens.N[0].At(0, 0)) > 1e-3 {
		t.Errorf("N = %.6f, want 0", sens.N[0].At(0, 0))
	}

	// At the optimum the stage cost is flat, so its gradient vanishes.
	if g := sens.Grad[0]; math.Abs(g.AtVec(0)) > 1e-4 || math.Abs(g.AtVec(1)) > 1e-4 {
		t.Errorf("gradient = (%.6f, %.6f), want 0", g.AtVec(0), g.AtVec(1))
	}
}
