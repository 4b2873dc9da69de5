package tuning_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"gonum.org/v1/gonum/mat"

	"github.com/mverhoef/ecotune/internal/linalg"
	"github.com/mverhoef/ecotune/internal/ocp"
	"github.com/mverhoef/ecotune/internal/tuning"
)

func TestTuning(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Tuning Suite")
}

// scalarSens builds single-state, single-control sensitivities with the
// same blocks at every phase.
func scalarSens(p int, q, r, n, a, b float64) *ocp.Sensitivities {
	s := &ocp.Sensitivities{
		A:      make([]*mat.Dense, p),
		B:      make([]*mat.Dense, p),
		Q:      make([]*mat.SymDense, p),
		R:      make([]*mat.SymDense, p),
		N:      make([]*mat.Dense, p),
		Grad:   make([]*mat.VecDense, p),
		C:      make([]*mat.Dense, p),
		NX:     1,
		NU:     1,
		Period: p,
	}
	for k := 0; k < p; k++ {
		s.A[k] = mat.NewDense(1, 1, []float64{a})
		s.B[k] = mat.NewDense(1, 1, []float64{b})
		s.Q[k] = mat.NewSymDense(1, []float64{q})
		s.R[k] = mat.NewSymDense(1, []float64{r})
		s.N[k] = mat.NewDense(1, 1, []float64{n})
		s.Grad[k] = mat.NewVecDense(2, []float64{0.3, -0.1})
	}
	return s
}

var _ = Describe("Convexify", func() {
	var opts tuning.Options

	BeforeEach(func() {
		opts = tuning.DefaultOptions()
	})

	Context("when the Hessians are already positive definite", func() {
		It("returns them unchanged with zero storage supplements", func() {
			sens := scalarSens(1, 2.0, 2.0, 0.0, 1.0, 0.1)

			tun, err := tuning.Convexify(sens, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(tun.Period).To(Equal(1))

			H, _ := tun.Stage(0)
			Expect(H.At(0, 0)).To(BeNumerically("~", 2.0, 1e-12))
			Expect(H.At(1, 1)).To(BeNumerically("~", 2.0, 1e-12))
			Expect(H.At(0, 1)).To(BeNumerically("~", 0.0, 1e-12))

			for _, dp := range tun.DP {
				Expect(dp.At(0, 0)).To(BeZero())
			}
		})
	})

	Context("when an indefinite Hessian admits a rotated-cost repair", func() {
		It("finds storage matrices making every stage PSD", func() {
			// H = [1 -1; -1 0.5] has a negative eigenvalue; with
			// A = B = 1 the supplement [0 dp; dp dp] repairs it for
			// any dp in roughly [0.18, 2.8].
			sens := scalarSens(1, 1.0, 0.5, -1.0, 1.0, 1.0)
			Expect(linalg.MinEig(linalg.BuildHessian(sens.Q[0], sens.R[0], sens.N[0]))).To(BeNumerically("<", 0))

			tun, err := tuning.Convexify(sens, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(tun.MinEig()).To(BeNumerically(">=", -1e-6))
		})

		It("keeps the economic gradient as the linear term", func() {
			sens := scalarSens(1, 1.0, 0.5, -1.0, 1.0, 1.0)

			tun, err := tuning.Convexify(sens, opts)
			Expect(err).NotTo(HaveOccurred())

			_, grad := tun.Stage(0)
			Expect(grad.AtVec(0)).To(BeNumerically("~", 0.3, 1e-12))
			Expect(grad.AtVec(1)).To(BeNumerically("~", -0.1, 1e-12))
		})
	})

	Context("when strict dissipativity fails", func() {
		// With A = 1 the state supplements telescope around the period,
		// so a uniformly negative state block cannot be repaired.
		It("returns ErrNotDissipative", func() {
			sens := scalarSens(2, -1.0, 1.0, 0.0, 1.0, 1.0)

			_, err := tuning.Convexify(sens, opts)
			Expect(err).To(MatchError(tuning.ErrNotDissipative))
		})

		It("falls back to a spectral lift when forced", func() {
			sens := scalarSens(2, -1.0, 1.0, 0.0, 1.0, 1.0)
			opts.Force = true

			tun, err := tuning.Convexify(sens, opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(tun.MinEig()).To(BeNumerically(">=", 0))
		})
	})
})

var _ = Describe("FromDiagonal", func() {
	It("builds constant diagonal weights with the economic gradient", func() {
		sens := scalarSens(2, -1.0, 1.0, 0.0, 1.0, 1.0)

		tun := tuning.FromDiagonal([]float64{10, 0.1}, sens)
		Expect(tun.Period).To(Equal(2))

		for k := 0; k < 2; k++ {
			H, grad := tun.Stage(k)
			Expect(H.At(0, 0)).To(Equal(10.0))
			Expect(H.At(1, 1)).To(Equal(0.1))
			Expect(H.At(0, 1)).To(BeZero())
			Expect(grad.AtVec(0)).To(Equal(0.3))
		}
	})

	It("panics on a weight vector of the wrong length", func() {
		sens := scalarSens(1, 1.0, 1.0, 0.0, 1.0, 1.0)
		Expect(func() { tuning.FromDiagonal([]float64{1, 2, 3}, sens) }).To(Panic())
	})
})

var _ = Describe("FromSensitivities", func() {
	It("copies the raw Lagrangian Hessians", func() {
		sens := scalarSens(1, 2.0, 3.0, 0.5, 1.0, 1.0)

		tun := tuning.FromSensitivities(sens)
		H, _ := tun.Stage(0)
		Expect(H.At(0, 0)).To(Equal(2.0))
		Expect(H.At(1, 1)).To(Equal(3.0))
		Expect(H.At(0, 1)).To(Equal(0.5))
	})
})

var _ = Describe("SweepRho", func() {
	It("reports every grid point and picks the least distorting feasible one", func() {
		sens := scalarSens(1, 1.0, 0.5, -1.0, 1.0, 1.0)
		opts := tuning.DefaultOptions()

		points := tuning.SweepRho(context.Background(), sens, []float64{1e-4, 1e-2, 1.0}, opts)
		Expect(points).To(HaveLen(3))
		for _, pt := range points {
			Expect(pt.Err).NotTo(HaveOccurred())
			Expect(pt.Tuning.MinEig()).To(BeNumerically(">=", -1e-6))
			Expect(pt.Distortion).To(BeNumerically(">", 0))
		}

		best, ok := tuning.BestRho(points)
		Expect(ok).To(BeTrue())
		for _, pt := range points {
			Expect(best.Distortion).To(BeNumerically("<=", pt.Distortion))
		}
	})

	It("keeps feasible points when a grid point fails", func() {
		// Neither rho can repair a telescoping state cost of -1 at
		// period 2, so every point carries the infeasibility error.
		sens := scalarSens(2, -1.0, 1.0, 0.0, 1.0, 1.0)
		points := tuning.SweepRho(context.Background(), sens, []float64{1e-3, 1e-1}, tuning.DefaultOptions())
		for _, pt := range points {
			Expect(pt.Err).To(MatchError(tuning.ErrNotDissipative))
		}
		_, ok := tuning.BestRho(points)
		Expect(ok).To(BeFalse())
	})
})
