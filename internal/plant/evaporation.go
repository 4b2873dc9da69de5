package plant

// Evaporation models a single-stage evaporator concentrating a dilute
// product stream, following Zanon, Gros and Diehl, "A tracking MPC
// formulation that is locally equivalent to economic MPC" (J. Process
// Control, 2016, section 8). States are product composition X2 [%] and
// operating pressure P2 [kPa]; controls are steam pressure P100 [kPa] and
// cooling water flow F200 [kg/min]. The stage cost is the operating cost
// of steam and cooling water minus the value of the product stream.
type Evaporation struct {
	// temperature correlations
	A, B, C2, D, E, F, G, H float64

	M    float64 // liquid holdup
	Cht  float64 // heat-transfer holdup
	UA2  float64 // condenser heat-transfer coefficient
	Cp   float64 // heat capacity
	Lam  float64 // latent heat in the separator
	Lams float64 // latent heat of steam
	F1   float64 // feed flow
	X1   float64 // feed composition
	F3   float64 // recirculating flow
	T1   float64 // feed temperature
	T200 float64 // cooling water inlet temperature
}

func NewEvaporation() *Evaporation {
	return &Evaporation{
		A: 0.5616, B: 0.3126, C2: 48.43, D: 0.507,
		E: 55.0, F: 0.1538, G: 90.0, H: 0.16,

		M:   20.0,
		Cht: 4.0,
		UA2: 6.84,
		Cp:  0.07,
		Lam: 38.5, Lams: 36.6,
		F1: 10.0, X1: 5.0, F3: 50.0,
		T1: 40.0, T200: 25.0,
	}
}

func (e *Evaporation) Name() string    { return "evaporation" }
func (e *Evaporation) StateDim() int   { return 2 }
func (e *Evaporation) ControlDim() int { return 2 }

func (e *Evaporation) StateNames() []string   { return []string{"X2", "P2"} }
func (e *Evaporation) ControlNames() []string { return []string{"P100", "F200"} }

// flows holds the intermediate process variables derived from (x, u).
type flows struct {
	T2, T3, T100     float64
	Q100, Q200       float64
	F2, F4, F5, F100 float64
}

func (e *Evaporation) flows(x State, u Control) flows {
	var v flows
	v.T2 = e.A*x[1] + e.B*x[0] + e.C2
	v.T3 = e.D*x[1] + e.E
	v.T100 = e.F*u[0] + e.G
	ua1 := e.H * (e.F1 + e.F3)
	v.Q100 = ua1 * (v.T100 - v.T2)
	v.F100 = v.Q100 / e.Lams
	v.Q200 = e.UA2 * (v.T3 - e.T200) / (1.0 + e.UA2/(2.0*e.Cp*u[1]))
	v.F5 = v.Q200 / e.Lam
	v.F4 = (v.Q100 - e.F1*e.Cp*(v.T2-e.T1)) / e.Lam
	v.F2 = e.F1 - v.F4
	return v
}

func (e *Evaporation) Derive(x State, u Control) State {
	v := e.flows(x, u)
	return State{
		(e.F1*e.X1 - v.F2*x[0]) / e.M,
		(v.F4 - v.F5) / e.Cht,
	}
}

func (e *Evaporation) StageCost(x State, u Control) float64 {
	v := e.flows(x, u)
	return 10.09*(v.F2+e.F3) + 600.0*v.F100 + 0.6*u[1]
}

// PathConstraints returns h(x, u) >= 0: minimum product composition,
// pressure band, and maximum actuator values.
func (e *Evaporation) PathConstraints(x State, u Control) []float64 {
	return []float64{
		x[0] - 25.0,
		x[1] - 40.0,
		80.0 - x[1],
		400.0 - u[0],
		400.0 - u[1],
	}
}

func (e *Evaporation) NumConstraints() int { return 5 }

// ControlBounds gives the clamping box used by the receding-horizon
// controllers. The F200 lower bound keeps the Q200 denominator finite.
func (e *Evaporation) ControlBounds() (Control, Control) {
	return Control{0.0, 1.0}, Control{400.0, 400.0}
}

// OrbitGuess starts the steady-state search at the known optimal operating
// point of the benchmark.
func (e *Evaporation) OrbitGuess(period int, dt float64) ([]State, []Control) {
	xs := make([]State, period)
	us := make([]Control, period)
	for i := 0; i < period; i++ {
		xs[i] = State{25.0, 49.743}
		us[i] = Control{191.713, 215.888}
	}
	return xs, us
}
