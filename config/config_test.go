package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/foodvision/nutrition5k/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
dataset_dir: /data/nutrition5k
batch_size: 8
epochs: 3
learning_rate: 0.001
mixed_precision_enabled: true
split:
  train: 0.7
  validation: 0.2
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatasetDir != "/data/nutrition5k" {
		t.Errorf("dataset_dir not applied: %q", cfg.DatasetDir)
	}
	if cfg.BatchSize != 8 || cfg.Epochs != 3 || cfg.LearningRate != 0.001 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if !cfg.MixedPrecisionEnabled {
		t.Error("mixed_precision_enabled not applied")
	}
	if cfg.Split.Train != 0.7 || cfg.Split.Validation != 0.2 {
		t.Errorf("split not applied: %+v", cfg.Split)
	}
	// Untouched keys keep their defaults.
	if cfg.ImageSize != 299 {
		t.Errorf("expected default image_size 299, got %d", cfg.ImageSize)
	}
	if cfg.PredictionThreshold != 0.2 {
		t.Errorf("expected default prediction_threshold 0.2, got %g", cfg.PredictionThreshold)
	}
}

func TestLoadUnknownKey(t *testing.T) {
	path := writeConfig(t, `
dataset_dir: /data/nutrition5k
bath_size: 8
`)
	_, err := config.Load(path)
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig for unknown key, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig for missing file, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() config.Config {
		cfg := config.Default()
		cfg.DatasetDir = "/data"
		return cfg
	}
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing dataset_dir", func(c *config.Config) { c.DatasetDir = "" }},
		{"split above one", func(c *config.Config) { c.Split = config.SplitConfig{Train: 0.9, Validation: 0.2} }},
		{"negative split", func(c *config.Config) { c.Split.Train = -0.1 }},
		{"zero batch", func(c *config.Config) { c.BatchSize = 0 }},
		{"zero epochs", func(c *config.Config) { c.Epochs = 0 }},
		{"zero learning rate", func(c *config.Config) { c.LearningRate = 0 }},
		{"zero accumulation", func(c *config.Config) { c.GradientAccSteps = 0 }},
		{"zero threshold", func(c *config.Config) { c.PredictionThreshold = 0 }},
		{"bad flip probability", func(c *config.Config) { c.FlipProbability = 1.5 }},
		{"wrong means length", func(c *config.Config) { c.ImageMeans = []float64{0} }},
		{"zero std", func(c *config.Config) { c.ImageStds = []float64{255, 0, 255} }},
		{"zero mass max", func(c *config.Config) { c.MassMax = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, config.ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}

	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with dataset_dir should validate, got %v", err)
	}
}

func TestEffectiveSeed(t *testing.T) {
	cfg := config.Default()
	cfg.Seed = 42
	if cfg.EffectiveSeed() != 42 {
		t.Errorf("expected explicit seed to be used")
	}
	cfg.Seed = 0
	if cfg.EffectiveSeed() == 0 {
		t.Errorf("expected a time-based seed for seed 0")
	}
}
