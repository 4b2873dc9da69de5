package config

import "github.com/mverhoef/ecotune/internal/closedloop"

// Presets are ready-made scenarios per model. The defaults reproduce the
// published benchmark settings; the variants stress the same plant harder.
var Presets = map[string]map[string]*Config{
	"unicycle": {
		"default": {
			Model: "unicycle", Period: 30, Dt: 5.0 / 30.0, Substeps: 50,
			Horizon: 30, Nsim: 250, MaxIter: 1000, Rho: DefaultRho,
			TrackingWeights: []float64{1, 1, 1, 1, 1},
			Controllers:     []string{"economic", "tracking", "tuned"},
			TerminalStates:  []int{0, 1, 2},
			Disturbances: []closedloop.Disturbance{
				{Step: 0, Delta: []float64{0.1, 0, 0, 0}},
				{Step: 34, Delta: []float64{0.1, 0, 0, 0}},
				{Step: 69, Delta: []float64{0.5, 0, 0, 0}},
				{Step: 105, Delta: []float64{0.5, 0, 0, 0}},
			},
			Alphas:    []float64{0.01, 0.05, 0.1},
			Direction: []float64{1, 0, 0, 0},
		},
		"short": {
			Model: "unicycle", Period: 30, Dt: 5.0 / 30.0, Substeps: 50,
			Horizon: 10, Nsim: 60, MaxIter: 1000, Rho: DefaultRho,
			TrackingWeights: []float64{1, 1, 1, 1, 1},
			Controllers:     []string{"economic", "tuned"},
			TerminalStates:  []int{0, 1, 2},
			Disturbances: []closedloop.Disturbance{
				{Step: 0, Delta: []float64{0.1, 0, 0, 0}},
			},
			Alphas:    []float64{0.01, 0.05, 0.1},
			Direction: []float64{1, 0, 0, 0},
		},
	},
	"evaporation": {
		"default": {
			Model: "evaporation", Period: 1, Dt: 1.0, Substeps: 10,
			Horizon: 200, Nsim: 100, MaxIter: 200, Rho: DefaultRho,
			TrackingWeights: []float64{10, 10, 0.1, 0.1},
			Controllers:     []string{"economic", "tracking", "tuned"},
			Disturbances: []closedloop.Disturbance{
				{Step: 0, Delta: []float64{1.0, 5.0}},
			},
			Alphas:    []float64{0.1, 0.5, 1.0},
			Direction: []float64{0, 10},
		},
		"steady": {
			Model: "evaporation", Period: 1, Dt: 1.0, Substeps: 10,
			Horizon: 100, Nsim: 50, MaxIter: 200, Rho: DefaultRho,
			TrackingWeights: []float64{10, 10, 0.1, 0.1},
			Controllers:     []string{"economic", "tuned"},
			Alphas:          []float64{0.1, 0.5, 1.0},
			Direction:       []float64{0, 10},
		},
	},
}

func GetPreset(model, preset string) *Config {
	modelPresets, ok := Presets[model]
	if !ok {
		return nil
	}
	cfg, ok := modelPresets[preset]
	if !ok {
		return nil
	}
	return cfg
}

func ListPresets(model string) []string {
	modelPresets, ok := Presets[model]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(modelPresets))
	for name := range modelPresets {
		names = append(names, name)
	}
	return names
}
