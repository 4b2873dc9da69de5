package plant

import "math"

// Unicycle is a planar unit-speed vehicle tracked through its position
// (z, y) and heading vector (ez, ey). The heading dynamics include a weak
// attractor that keeps (ez, ey) near the unit circle. Its cheapest mode of
// operation is a periodic orbit, which makes it a standard benchmark for
// periodic economic MPC.
type Unicycle struct {
	Rho float64 // heading normalization gain
	V   float64 // forward speed
}

func NewUnicycle() *Unicycle {
	return &Unicycle{Rho: 0.001, V: 1.0}
}

func (c *Unicycle) Name() string    { return "unicycle" }
func (c *Unicycle) StateDim() int   { return 4 }
func (c *Unicycle) ControlDim() int { return 1 }

func (c *Unicycle) StateNames() []string   { return []string{"z", "y", "ez", "ey"} }
func (c *Unicycle) ControlNames() []string { return []string{"u"} }

func (c *Unicycle) Derive(x State, u Control) State {
	ez, ey := x[2], x[3]
	defect := ez*ez + ey*ey - 1.0
	return State{
		c.V * ez,
		c.V * ey,
		-u[0]*ey - c.Rho*ez*defect,
		u[0]*ez - c.Rho*ey*defect,
	}
}

// StageCost penalizes turn rate and distance from the origin, weighting
// lateral offset more heavily.
func (c *Unicycle) StageCost(x State, u Control) float64 {
	return u[0]*u[0] + x[0]*x[0] + 5.0*x[1]*x[1]
}

// OrbitGuess initializes the orbit search on a circle of the natural
// radius v*T/(2*pi), traversed at constant turn rate.
func (c *Unicycle) OrbitGuess(period int, dt float64) ([]State, []Control) {
	T := float64(period) * dt
	r := c.V * T / (2 * math.Pi)

	xs := make([]State, period)
	us := make([]Control, period)
	for i := 0; i < period; i++ {
		phi := 2 * math.Pi * float64(i) * dt / T
		xs[i] = State{
			r * math.Sin(phi),
			-r * math.Cos(phi),
			math.Cos(phi),
			math.Sin(phi),
		}
		us[i] = Control{2 * math.Pi / T}
	}
	return xs, us
}
