package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mverhoef/ecotune/internal/closedloop"
)

const (
	DefaultSubsteps = 10
	DefaultRho      = 1e-3
)

// Config describes one tuning-and-simulation problem: the plant, the orbit
// discretization, the convexifier knobs, and the closed-loop scenario.
type Config struct {
	Model    string  `yaml:"model"`
	Period   int     `yaml:"period"`
	Dt       float64 `yaml:"dt"`
	Substeps int     `yaml:"substeps"`

	Horizon int `yaml:"horizon"`
	Nsim    int `yaml:"nsim"`

	// MaxIter caps the orbit solver's SQP iterations. Zero takes the
	// solver default.
	MaxIter int `yaml:"max_iter"`

	Rho   float64 `yaml:"rho"`
	Force bool    `yaml:"force"`

	// TrackingWeights are the diagonal weights of the conventionally
	// tuned controller, length nx+nu.
	TrackingWeights []float64 `yaml:"tracking_weights"`

	Controllers []string `yaml:"controllers"`

	// TerminalStates lists the state indices the controllers' terminal
	// penalty acts on. Empty means all states.
	TerminalStates []int `yaml:"terminal_states"`

	// InitState overrides the orbit start as the closed-loop initial
	// condition when set.
	InitState []float64 `yaml:"init_state"`

	Disturbances []closedloop.Disturbance `yaml:"disturbances"`

	// Equivalence sweep: perturbation sizes along a state direction.
	Alphas    []float64 `yaml:"alphas"`
	Direction []float64 `yaml:"direction"`

	Seed int64 `yaml:"seed"`
}

func DefaultConfig() *Config {
	return &Config{
		Model:       "unicycle",
		Substeps:    DefaultSubsteps,
		Rho:         DefaultRho,
		Controllers: []string{"economic", "tracking", "tuned"},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate catches the mistakes that would otherwise surface as solver
// failures deep inside a run.
func (c *Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("period must be positive, got %d", c.Period)
	}
	if c.Dt <= 0 {
		return fmt.Errorf("dt must be positive, got %f", c.Dt)
	}
	if c.Substeps <= 0 {
		return fmt.Errorf("substeps must be positive, got %d", c.Substeps)
	}
	if c.Horizon <= 0 {
		return fmt.Errorf("horizon must be positive, got %d", c.Horizon)
	}
	if c.Nsim < 0 {
		return fmt.Errorf("nsim must be nonnegative, got %d", c.Nsim)
	}
	if c.MaxIter < 0 {
		return fmt.Errorf("max_iter must be nonnegative, got %d", c.MaxIter)
	}
	for _, i := range c.TerminalStates {
		if i < 0 {
			return fmt.Errorf("terminal_states entries must be nonnegative, got %d", i)
		}
	}
	return nil
}
