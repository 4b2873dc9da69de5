package plant

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// affine is x+ = M x + c u as a discrete map, so its Jacobians are exact.
func affineStep(x State, u Control) State {
	return State{
		2*x[0] - x[1] + u[0],
		0.5*x[1] + 3*u[0],
	}
}

func TestJacobiansOfAffineMap(t *testing.T) {
	A, B := Jacobians(affineStep, State{0.3, -0.7}, Control{0.1})

	wantA := [][]float64{{2, -1}, {0, 0.5}}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.Abs(A.At(i, j)-wantA[i][j]) > 1e-6 {
				t.Errorf("A[%d][%d] = %.8f, want %.1f", i, j, A.At(i, j), wantA[i][j])
			}
		}
	}
	wantB := []float64{1, 3}
	for i := 0; i < 2; i++ {
		if math.Abs(B.At(i, 0)-wantB[i]) > 1e-6 {
			t.Errorf("B[%d] = %.8f, want %.1f", i, B.At(i, 0), wantB[i])
		}
	}
}

func TestGradientAndHessianOfQuadratic(t *testing.T) {
	// f = x0^2 + 4 x0 u + 3 u^2, gradient (2x0 + 4u, 4x0 + 6u)
	f := func(x State, u Control) float64 {
		return x[0]*x[0] + 4*x[0]*u[0] + 3*u[0]*u[0]
	}
	x := State{1.0}
	u := Control{2.0}

	g := Gradient(f, x, u)
	if math.Abs(g.AtVec(0)-10) > 1e-5 || math.Abs(g.AtVec(1)-16) > 1e-5 {
		t.Errorf("gradient = (%.6f, %.6f), want (10, 16)", g.AtVec(0), g.AtVec(1))
	}

	H := Hessian(f, x, u)
	want := mat.NewSymDense(2, []float64{2, 4, 4, 6})
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.Abs(H.At(i, j)-want.At(i, j)) > 1e-3 {
				t.Errorf("H[%d][%d] = %.6f, want %.1f", i, j, H.At(i, j), want.At(i, j))
			}
		}
	}
}

func TestConstraintJacobian(t *testing.T) {
	e := NewEvaporation()
	x := State{25.0, 49.743}
	u := Control{191.713, 215.888}

	J := ConstraintJacobian(e, x, u)
	if J == nil {
		t.Fatal("expected constraint Jacobian for the evaporation model")
	}
	r, c := J.Dims()
	if r != 5 || c != 4 {
		t.Fatalf("Jacobian dims %dx%d, want 5x4", r, c)
	}

	// The constraints are linear: X2 - 25, P2 - 40, 80 - P2, 400 - P100,
	// 400 - F200.
	want := []struct {
		row, col int
		val      float64
	}{
		{0, 0, 1}, {1, 1, 1}, {2, 1, -1}, {3, 2, -1}, {4, 3, -1},
	}
	for _, w := range want {
		if math.Abs(J.At(w.row, w.col)-w.val) > 1e-6 {
			t.Errorf("J[%d][%d] = %.6f, want %.0f", w.row, w.col, J.At(w.row, w.col), w.val)
		}
	}

	if got := ConstraintJacobian(NewUnicycle(), State{0, 0, 1, 0}, Control{0}); got != nil {
		t.Error("unconstrained system should have nil constraint Jacobian")
	}
}
