package plant

// Discretizer turns continuous dynamics into a discrete-time state
// transition map by integrating with fixed-step RK4 over dt, split into
// a number of substeps for accuracy on fast dynamics.
type Discretizer struct {
	sys      System
	dt       float64
	substeps int

	k1, k2, k3, k4 State
	scratch        State
}

func NewDiscretizer(sys System, dt float64, substeps int) *Discretizer {
	if substeps < 1 {
		substeps = 1
	}
	return &Discretizer{sys: sys, dt: dt, substeps: substeps}
}

func (d *Discretizer) Dt() float64 { return d.dt }

func (d *Discretizer) System() System { return d.sys }

func (d *Discretizer) ensureScratch(n int) {
	if len(d.k1) != n {
		d.k1 = make(State, n)
		d.k2 = make(State, n)
		d.k3 = make(State, n)
		d.k4 = make(State, n)
		d.scratch = make(State, n)
	}
}

// Step integrates the dynamics over one sample period with u held constant.
func (d *Discretizer) Step(x State, u Control) State {
	n := len(x)
	d.ensureScratch(n)

	h := d.dt / float64(d.substeps)
	cur := x.Clone()

	for s := 0; s < d.substeps; s++ {
		copy(d.k1, d.sys.Derive(cur, u))

		for i := 0; i < n; i++ {
			d.scratch[i] = cur[i] + h*0.5*d.k1[i]
		}
		copy(d.k2, d.sys.Derive(d.scratch, u))

		for i := 0; i < n; i++ {
			d.scratch[i] = cur[i] + h*0.5*d.k2[i]
		}
		copy(d.k3, d.sys.Derive(d.scratch, u))

		for i := 0; i < n; i++ {
			d.scratch[i] = cur[i] + h*d.k3[i]
		}
		copy(d.k4, d.sys.Derive(d.scratch, u))

		h6 := h / 6.0
		for i := 0; i < n; i++ {
			cur[i] += h6 * (d.k1[i] + 2*d.k2[i] + 2*d.k3[i] + d.k4[i])
		}
	}

	return cur
}
