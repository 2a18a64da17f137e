// Package config loads and validates the run configuration. Every recognized
// option is enumerated here with its default; unknown or malformed keys fail
// at load time rather than surfacing as odd behavior mid-run.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ErrConfig is returned for missing, unknown or invalid configuration values.
var ErrConfig = errors.New("invalid configuration")

// SplitConfig is the train/validation fraction pair; test is the remainder.
type SplitConfig struct {
	Train      float64 `yaml:"train" json:"train"`
	Validation float64 `yaml:"validation" json:"validation"`
}

// Config is the full, typed run configuration. The json tags are used when a
// run summary echoes its configuration.
type Config struct {
	// DatasetDir is the Nutrition5k root (metadata/ and imagery/ live under it).
	DatasetDir string `yaml:"dataset_dir" json:"dataset_dir"`
	// RunDir receives checkpoints, metric logs and run artifacts.
	RunDir string      `yaml:"run_dir" json:"run_dir"`
	Split  SplitConfig `yaml:"split" json:"split"`

	BatchSize      int `yaml:"batch_size" json:"batch_size"`
	DatasetWorkers int `yaml:"dataset_workers" json:"dataset_workers"`
	Epochs         int `yaml:"epochs" json:"epochs"`

	LearningRate          float64 `yaml:"learning_rate" json:"learning_rate"`
	GradientAccSteps      int     `yaml:"gradient_acc_steps" json:"gradient_acc_steps"`
	PredictionThreshold   float64 `yaml:"prediction_threshold" json:"prediction_threshold"`
	MixedPrecisionEnabled bool    `yaml:"mixed_precision_enabled" json:"mixed_precision_enabled"`

	SaveBestModelOnly bool   `yaml:"save_best_model_only" json:"save_best_model_only"`
	KeepCheckpoints   int    `yaml:"keep_checkpoints" json:"keep_checkpoints"`
	StartCheckpoint   string `yaml:"start_checkpoint" json:"start_checkpoint,omitempty"`

	// Seed drives every random source of the run (split assignment, epoch
	// shuffles, random flips). Zero picks a time-based seed.
	Seed           int64 `yaml:"seed" json:"seed"`
	StrictMetadata bool  `yaml:"strict_metadata" json:"strict_metadata"`

	ImageSize       int       `yaml:"image_size" json:"image_size"`
	ImageMeans      []float64 `yaml:"image_means" json:"image_means"`
	ImageStds       []float64 `yaml:"image_stds" json:"image_stds"`
	FlipProbability float64   `yaml:"flip_probability" json:"flip_probability"`
	MassMax         float64   `yaml:"mass_max" json:"mass_max"`
	CaloriesMax     float64   `yaml:"calories_max" json:"calories_max"`

	// Backend is the gomlx backend configuration string; empty selects the
	// default backend (GPU when available, otherwise CPU).
	Backend string `yaml:"backend" json:"backend,omitempty"`
	// EvaluateTestSplit runs a test-phase evaluation after the last epoch.
	EvaluateTestSplit bool `yaml:"evaluate_test_split" json:"evaluate_test_split"`
}

// Default returns the configuration defaults, before the YAML file overrides.
func Default() Config {
	return Config{
		RunDir:              "runs",
		Split:               SplitConfig{Train: 0.8, Validation: 0.1},
		BatchSize:           32,
		DatasetWorkers:      4,
		Epochs:              10,
		LearningRate:        1e-4,
		GradientAccSteps:    1,
		PredictionThreshold: 0.2,
		KeepCheckpoints:     3,
		ImageSize:           299,
		ImageMeans:          []float64{0, 0, 0},
		ImageStds:           []float64{255, 255, 255},
		FlipProbability:     0.5,
		MassMax:             1000,
		CaloriesMax:         2000,
		EvaluateTestSplit:   true,
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. Unknown keys are an error.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(ErrConfig, "failed to read %s: %v", path, err)
	}
	cfg := Default()
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(ErrConfig, "failed to parse %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every option's range. It returns ErrConfig-wrapped errors
// naming the offending key.
func (c *Config) Validate() error {
	switch {
	case c.DatasetDir == "":
		return errors.Wrap(ErrConfig, "dataset_dir is required")
	case c.Split.Train < 0 || c.Split.Validation < 0 || c.Split.Train+c.Split.Validation > 1.0:
		return errors.Wrapf(ErrConfig, "split fractions train=%g validation=%g must be non-negative and sum to <= 1.0",
			c.Split.Train, c.Split.Validation)
	case c.BatchSize < 1:
		return errors.Wrapf(ErrConfig, "batch_size must be >= 1, got %d", c.BatchSize)
	case c.DatasetWorkers < 0:
		return errors.Wrapf(ErrConfig, "dataset_workers must be >= 0, got %d", c.DatasetWorkers)
	case c.Epochs < 1:
		return errors.Wrapf(ErrConfig, "epochs must be >= 1, got %d", c.Epochs)
	case c.LearningRate <= 0:
		return errors.Wrapf(ErrConfig, "learning_rate must be > 0, got %g", c.LearningRate)
	case c.GradientAccSteps < 1:
		return errors.Wrapf(ErrConfig, "gradient_acc_steps must be >= 1, got %d", c.GradientAccSteps)
	case c.PredictionThreshold <= 0:
		return errors.Wrapf(ErrConfig, "prediction_threshold must be > 0, got %g", c.PredictionThreshold)
	case c.KeepCheckpoints < 1:
		return errors.Wrapf(ErrConfig, "keep_checkpoints must be >= 1, got %d", c.KeepCheckpoints)
	case c.ImageSize < 8:
		return errors.Wrapf(ErrConfig, "image_size must be >= 8, got %d", c.ImageSize)
	case len(c.ImageMeans) != 3 || len(c.ImageStds) != 3:
		return errors.Wrapf(ErrConfig, "image_means and image_stds must have 3 entries, got %d and %d",
			len(c.ImageMeans), len(c.ImageStds))
	case c.FlipProbability < 0 || c.FlipProbability > 1:
		return errors.Wrapf(ErrConfig, "flip_probability must be in [0, 1], got %g", c.FlipProbability)
	case c.MassMax <= 0 || c.CaloriesMax <= 0:
		return errors.Wrapf(ErrConfig, "mass_max and calories_max must be > 0, got %g and %g",
			c.MassMax, c.CaloriesMax)
	}
	for i, std := range c.ImageStds {
		if std == 0 {
			return errors.Wrapf(ErrConfig, "image_stds[%d] must be non-zero", i)
		}
	}
	return nil
}

// EffectiveSeed resolves the configured seed, substituting the current time
// when left at zero.
func (c *Config) EffectiveSeed() int64 {
	if c.Seed != 0 {
		return c.Seed
	}
	return time.Now().UnixNano()
}
