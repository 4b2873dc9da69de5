package tuner

import (
	"errors"
	"math"
	"testing"

	"github.com/mverhoef/ecotune/internal/mpc"
	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/plant"
)

// integrator is dx/dt = u with economic cost (x-1)^2 + u^2. Its optimal
// steady state is x = 1, u = 0, and the cost Hessian is already positive
// definite, so convexification is a no-op.
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

func newSolvedTuner(t *testing.T) *Tuner {
	t.Helper()
	tn := New(integrator{}, 1, 0.1, 1, ocp.DefaultOptions())
	orbit, err := tn.SolveOCP([]plant.State{{0.5}}, []plant.Control{{0}})
	if err != nil {
		t.Fatalf("SolveOCP failed: %v", err)
	}
	if math.Abs(orbit.X[0][0]-1) > 1e-6 || math.Abs(orbit.U[0][0]) > 1e-6 {
		t.Fatalf("steady state = (%f, %f), want (1, 0)", orbit.X[0][0], orbit.U[0][0])
	}
	return tn
}

func TestTunerStageOrdering(t *testing.T) {
	tn := New(integrator{}, 1, 0.1, 1, ocp.DefaultOptions())

	if _, err := tn.Sensitivities(); !errors.Is(err, ErrNotSolved) {
		t.Errorf("Sensitivities before solve: got %v, want ErrNotSolved", err)
	}
	if _, err := tn.Convexify(0, false); !errors.Is(err, ErrNotSolved) {
		t.Errorf("Convexify before solve: got %v, want ErrNotSolved", err)
	}
	if _, err := tn.CreateMPC(mpc.VariantTuned, 10, mpc.Options{}, nil, nil); !errors.Is(err, ErrNotSolved) {
		t.Errorf("CreateMPC before solve: got %v, want ErrNotSolved", err)
	}
}

func TestTunerNilGuessRequiresGuesser(t *testing.T) {
	tn := New(integrator{}, 1, 0.1, 1, ocp.DefaultOptions())
	if _, err := tn.SolveOCP(nil, nil); !errors.Is(err, ocp.ErrBadGuess) {
		t.Errorf("expected ErrBadGuess for nil guess without OrbitGuesser, got %v", err)
	}
}

func TestTunerSensitivitiesCached(t *testing.T) {
	tn := newSolvedTuner(t)

	s1, err := tn.Sensitivities()
	if err != nil {
		t.Fatalf("Sensitivities failed: %v", err)
	}
	s2, _ := tn.Sensitivities()
	if s1 != s2 {
		t.Error("second Sensitivities call recomputed instead of returning the cache")
	}

	// Re-solving must invalidate the cache.
	if _, err := tn.SolveOCP([]plant.State{{0.5}}, []plant.Control{{0}}); err != nil {
		t.Fatalf("re-solve failed: %v", err)
	}
	s3, _ := tn.Sensitivities()
	if s3 == s1 {
		t.Error("Sensitivities cache survived a re-solve")
	}
}

func TestTunerConvexify(t *testing.T) {
	tn := newSolvedTuner(t)

	tuned, err := tn.Convexify(0, false)
	if err != nil {
		t.Fatalf("Convexify failed: %v", err)
	}
	if eig := tuned.MinEig(); eig < -1e-9 {
		t.Errorf("tuned weights not positive semidefinite: min eig %g", eig)
	}
}

func TestTunerCreateMPCVariants(t *testing.T) {
	tn := newSolvedTuner(t)

	for _, variant := range []string{mpc.VariantEconomic, mpc.VariantTracking, mpc.VariantTuned} {
		ctrl, err := tn.CreateMPC(variant, 10, mpc.DefaultOptions(10), nil, nil)
		if err != nil {
			t.Fatalf("CreateMPC(%s) failed: %v", variant, err)
		}
		if ctrl.Name() != variant {
			t.Errorf("controller name = %q, want %q", ctrl.Name(), variant)
		}

		// At the optimal steady state every variant holds position.
		u, err := ctrl.Step(plant.State{1})
		if err != nil {
			t.Fatalf("%s Step failed: %v", variant, err)
		}
		if math.Abs(u[0]) > 1e-4 {
			t.Errorf("%s control at steady state = %g, want ~0", variant, u[0])
		}
	}
}

func TestTunerCreateMPCDiagonalWeights(t *testing.T) {
	tn := newSolvedTuner(t)

	ctrl, err := tn.CreateMPC(mpc.VariantTracking, 10, mpc.DefaultOptions(10), []float64{4, 1}, nil)
	if err != nil {
		t.Fatalf("CreateMPC failed: %v", err)
	}
	u, err := ctrl.Step(plant.State{1.2})
	if err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if u[0] >= 0 {
		t.Errorf("control off the steady state = %g, want negative (driving x down)", u[0])
	}
}

func TestTunerCreateMPCRejectsBadWeights(t *testing.T) {
	tn := newSolvedTuner(t)

	// nx+nu = 2 here; a weight vector of any other length must be
	// rejected instead of reaching the tuning constructor.
	if _, err := tn.CreateMPC(mpc.VariantTracking, 10, mpc.DefaultOptions(10), []float64{1, 2, 3}, nil); err == nil {
		t.Error("expected error for wrong-length tracking weights")
	}
	if _, err := tn.CreateMPC(mpc.VariantTracking, 10, mpc.DefaultOptions(10), []float64{1}, nil); err == nil {
		t.Error("expected error for too-short tracking weights")
	}
}

func TestTunerUnknownVariant(t *testing.T) {
	tn := newSolvedTuner(t)
	if _, err := tn.CreateMPC("bangbang", 10, mpc.Options{}, nil, nil); !errors.Is(err, ErrUnknownVariant) {
		t.Errorf("expected ErrUnknownVariant, got %v", err)
	}
}
