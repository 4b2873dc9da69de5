package mpc

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/plant"
	"github.com/mverhoef/ecotune/internal/tuning"
)

func TestSolveLQSingleStage(t *testing.T) {
	// Scalar stage with A = B = 1, Quu = Qxx = 1, terminal P = 1:
	// Quu_hat = 2, Qux_hat = 1, so K = -1/2.
	stages := []lqStage{{
		A:   mat.NewDense(1, 1, []float64{1}),
		B:   mat.NewDense(1, 1, []float64{1}),
		Qxx: mat.NewSymDense(1, []float64{1}),
		Quu: mat.NewSymDense(1, []float64{1}),
		N:   mat.NewDense(1, 1, nil),
		qx:  mat.NewVecDense(1, nil),
		qu:  mat.NewVecDense(1, nil),
	}}

	pol, err := solveLQ(stages, mat.NewSymDense(1, []float64{1}), mat.NewVecDense(1, nil))
	if err != nil {
		t.Fatalf("solveLQ failed: %v", err)
	}

	if got := pol.K[0].At(0, 0); math.Abs(got+0.5) > 1e-12 {
		t.Errorf("K = %.12f, want -0.5", got)
	}
	if got := pol.k[0].AtVec(0); math.Abs(got) > 1e-12 {
		t.Errorf("k = %.12f, want 0", got)
	}
}

func TestSolveLQLinearTermFeedforward(t *testing.T) {
	// With qu = 1 the affine term must be k = -qu_hat / Quu_hat = -1/2.
	stages := []lqStage{{
		A:   mat.NewDense(1, 1, []float64{1}),
		B:   mat.NewDense(1, 1, []float64{1}),
		Qxx: mat.NewSymDense(1, []float64{1}),
		Quu: mat.NewSymDense(1, []float64{2}),
		N:   mat.NewDense(1, 1, nil),
		qx:  mat.NewVecDense(1, nil),
		qu:  mat.NewVecDense(1, []float64{1}),
	}}

	pol, err := solveLQ(stages, mat.NewSymDense(1, nil), mat.NewVecDense(1, nil))
	if err != nil {
		t.Fatalf("solveLQ failed: %v", err)
	}
	if got := pol.k[0].AtVec(0); math.Abs(got+0.5) > 1e-12 {
		t.Errorf("k = %.12f, want -0.5", got)
	}
}

func TestSolveLQRegularizesSingularQuu(t *testing.T) {
	stages := []lqStage{{
		A:   mat.NewDense(1, 1, []float64{1}),
		B:   mat.NewDense(1, 1, []float64{0}), // B'PB = 0
		Qxx: mat.NewSymDense(1, []float64{1}),
		Quu: mat.NewSymDense(1, []float64{0}), // singular without reg
		N:   mat.NewDense(1, 1, nil),
		qx:  mat.NewVecDense(1, nil),
		qu:  mat.NewVecDense(1, nil),
	}}

	if _, err := solveLQ(stages, mat.NewSymDense(1, nil), mat.NewVecDense(1, nil)); err != nil {
		t.Fatalf("expected regularized solve to succeed, got %v", err)
	}
}

func TestTerminalPenalty(t *testing.T) {
	P := terminalPenalty(3, 100, nil)
	for i := 0; i < 3; i++ {
		if P.At(i, i) != 100 {
			t.Errorf("P[%d][%d] = %f, want 100", i, i, P.At(i, i))
		}
	}

	P = terminalPenalty(3, 100, []int{1})
	if P.At(0, 0) != 0 || P.At(1, 1) != 100 || P.At(2, 2) != 0 {
		t.Errorf("restricted penalty wrong: diag = (%f, %f, %f)", P.At(0, 0), P.At(1, 1), P.At(2, 2))
	}
}

// driftPlant is dx/dt = u with economic cost x^2 + u^2. Its optimal steady
// state is the origin with zero control.
type driftPlant struct{}

func (driftPlant) Name() string    { return "drift" }
func (driftPlant) StateDim() int   { return 1 }
func (driftPlant) ControlDim() int { return 1 }

func (driftPlant) Derive(x plant.State, u plant.Control) plant.State {
	return plant.State{u[0]}
}

func (driftPlant) StageCost(x plant.State, u plant.Control) float64 {
	return x[0]*x[0] + u[0]*u[0]
}

func originOrbit(dt float64) *ocp.Orbit {
	return &ocp.Orbit{
		X:      []plant.State{{0}},
		U:      []plant.Control{{0}},
		Lam:    [][]float64{{0}},
		Period: 1,
		Dt:     dt,
	}
}

func originSens(dt float64) *ocp.Sensitivities {
	return &ocp.Sensitivities{
		A:      []*mat.Dense{mat.NewDense(1, 1, []float64{1})},
		B:      []*mat.Dense{mat.NewDense(1, 1, []float64{dt})},
		Q:      []*mat.SymDense{mat.NewSymDense(1, []float64{2})},
		R:      []*mat.SymDense{mat.NewSymDense(1, []float64{2})},
		N:      []*mat.Dense{mat.NewDense(1, 1, nil)},
		Grad:   []*mat.VecDense{mat.NewVecDense(2, nil)},
		C:      []*mat.Dense{nil},
		NX:     1,
		NU:     1,
		Period: 1,
	}
}

func TestTrackingStabilizesDrift(t *testing.T) {
	dt := 0.1
	disc := plant.NewDiscretizer(driftPlant{}, dt, 1)
	orbit := originOrbit(dt)
	sens := originSens(dt)
	tun := tuning.FromSensitivities(sens)

	ctrl := NewTracking("tracking", disc, orbit, sens, tun, DefaultOptions(20))

	x := plant.State{1.0}
	for i := 0; i < 50; i++ {
		u, err := ctrl.Step(x)
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		x = disc.Step(x, u)
	}

	if math.Abs(x[0]) > 0.1 {
		t.Errorf("closed loop did not contract: |x| = %f after 50 steps", math.Abs(x[0]))
	}
}

func TestTrackingOnOrbitStaysPut(t *testing.T) {
	dt := 0.1
	disc := plant.NewDiscretizer(driftPlant{}, dt, 1)
	ctrl := NewTracking("tracking", disc, originOrbit(dt), originSens(dt), tuning.FromSensitivities(originSens(dt)), DefaultOptions(20))

	u, err := ctrl.Step(plant.State{0})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if math.Abs(u[0]) > 1e-9 {
		t.Errorf("control on the orbit = %.2e, want 0", u[0])
	}
}

func TestTrackingRejectsBadState(t *testing.T) {
	dt := 0.1
	disc := plant.NewDiscretizer(driftPlant{}, dt, 1)
	ctrl := NewTracking("tracking", disc, originOrbit(dt), originSens(dt), tuning.FromSensitivities(originSens(dt)), DefaultOptions(10))

	if _, err := ctrl.Step(plant.State{1, 2}); err == nil {
		t.Error("expected dimension error")
	}
	if _, err := ctrl.Step(plant.State{math.NaN()}); err == nil {
		t.Error("expected invalid state error")
	}
}

func TestEconomicStabilizesDrift(t *testing.T) {
	dt := 0.1
	disc := plant.NewDiscretizer(driftPlant{}, dt, 1)

	ctrl := NewEconomic("economic", disc, originOrbit(dt), DefaultOptions(20))

	x := plant.State{1.0}
	for i := 0; i < 50; i++ {
		u, err := ctrl.Step(x)
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		x = disc.Step(x, u)
	}

	if math.Abs(x[0]) > 0.1 {
		t.Errorf("closed loop did not contract: |x| = %f after 50 steps", math.Abs(x[0]))
	}
}

func TestEconomicResetClearsWarmStart(t *testing.T) {
	dt := 0.1
	disc := plant.NewDiscretizer(driftPlant{}, dt, 1)
	ctrl := NewEconomic("economic", disc, originOrbit(dt), DefaultOptions(10))

	u1, err := ctrl.Step(plant.State{0.5})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	ctrl.Reset()
	u2, err := ctrl.Step(plant.State{0.5})
	if err != nil {
		t.Fatalf("step after reset failed: %v", err)
	}

	if math.Abs(u1[0]-u2[0]) > 1e-9 {
		t.Errorf("reset controller diverged from fresh solve: %f vs %f", u1[0], u2[0])
	}
}

// boundedDrift adds a tight control box to exercise clamping.
type boundedDrift struct{ driftPlant }

func (boundedDrift) ControlBounds() (plant.Control, plant.Control) {
	return plant.Control{-0.05}, plant.Control{0.05}
}

func TestControlClampedToBounds(t *testing.T) {
	dt := 0.1
	disc := plant.NewDiscretizer(boundedDrift{}, dt, 1)
	ctrl := NewTracking("tracking", disc, originOrbit(dt), originSens(dt), tuning.FromSensitivities(originSens(dt)), DefaultOptions(20))

	u, err := ctrl.Step(plant.State{5.0})
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if u[0] < -0.05-1e-12 || u[0] > 0.05+1e-12 {
		t.Errorf("control %f escaped bounds", u[0])
	}
}

func TestClampWithoutBoundsIsIdentity(t *testing.T) {
	u := clamp(plant.Control{123}, driftPlant{})
	if u[0] != 123 {
		t.Errorf("unbounded clamp altered control: %f", u[0])
	}
}
