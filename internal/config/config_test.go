package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model != "unicycle" {
		t.Errorf("expected model unicycle, got %s", cfg.Model)
	}
	if cfg.Substeps <= 0 {
		t.Error("substeps should be positive")
	}
	if cfg.Rho <= 0 {
		t.Error("rho should be positive")
	}
	if len(cfg.Controllers) != 3 {
		t.Errorf("expected 3 default controllers, got %d", len(cfg.Controllers))
	}
}

func TestGetPreset(t *testing.T) {
	cfg := GetPreset("unicycle", "default")
	if cfg == nil {
		t.Fatal("expected preset, got nil")
	}
	if cfg.Period != 30 {
		t.Errorf("expected period 30, got %d", cfg.Period)
	}
	if cfg.Nsim != 250 {
		t.Errorf("expected 250 simulation steps, got %d", cfg.Nsim)
	}
	if len(cfg.Disturbances) != 4 {
		t.Errorf("expected 4 scheduled disturbances, got %d", len(cfg.Disturbances))
	}
	// Published benchmark settings: horizon matches the orbit period and
	// the conventional tracker weighs every variable equally.
	if cfg.Horizon != 30 {
		t.Errorf("expected horizon 30, got %d", cfg.Horizon)
	}
	for i, w := range cfg.TrackingWeights {
		if w != 1 {
			t.Errorf("tracking weight %d = %f, want 1", i, w)
		}
	}
	// The terminal penalty acts on position and the first heading
	// component only.
	if len(cfg.TerminalStates) != 3 {
		t.Errorf("expected 3 terminal states, got %v", cfg.TerminalStates)
	}
	if cfg.MaxIter <= 0 {
		t.Error("expected a solver iteration cap")
	}

	cfg = GetPreset("evaporation", "default")
	if cfg == nil {
		t.Fatal("expected preset, got nil")
	}
	if cfg.Period != 1 {
		t.Errorf("expected steady-state period 1, got %d", cfg.Period)
	}
	if len(cfg.TrackingWeights) != 4 {
		t.Errorf("expected 4 tracking weights, got %d", len(cfg.TrackingWeights))
	}
}

func TestGetPreset_NotFound(t *testing.T) {
	if cfg := GetPreset("unicycle", "nonexistent"); cfg != nil {
		t.Error("expected nil for nonexistent preset")
	}
	if cfg := GetPreset("nonexistent", "default"); cfg != nil {
		t.Error("expected nil for nonexistent model")
	}
}

func TestListPresets(t *testing.T) {
	presets := ListPresets("unicycle")
	if len(presets) == 0 {
		t.Error("expected presets for unicycle")
	}

	if presets := ListPresets("nonexistent"); presets != nil {
		t.Error("expected nil for nonexistent model")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"preset is valid", func(c *Config) {}, true},
		{"zero period", func(c *Config) { c.Period = 0 }, false},
		{"negative dt", func(c *Config) { c.Dt = -0.1 }, false},
		{"zero substeps", func(c *Config) { c.Substeps = 0 }, false},
		{"zero horizon", func(c *Config) { c.Horizon = 0 }, false},
		{"negative nsim", func(c *Config) { c.Nsim = -1 }, false},
		{"negative max_iter", func(c *Config) { c.MaxIter = -1 }, false},
		{"negative terminal state", func(c *Config) { c.TerminalStates = []int{0, -2} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *GetPreset("unicycle", "default")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	want := GetPreset("evaporation", "default")

	if err := Save(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got.Model != want.Model || got.Horizon != want.Horizon || got.Period != want.Period {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if got.MaxIter != want.MaxIter {
		t.Errorf("expected max_iter %d, got %d", want.MaxIter, got.MaxIter)
	}
	if len(got.Disturbances) != len(want.Disturbances) {
		t.Errorf("expected %d disturbances, got %d", len(want.Disturbances), len(got.Disturbances))
	}
	if len(got.Alphas) != len(want.Alphas) {
		t.Errorf("expected %d alphas, got %d", len(want.Alphas), len(got.Alphas))
	}
}
