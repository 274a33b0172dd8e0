// Package config holds the run configuration of the card-back classifier.
//
// A Config is a plain value: it is built once by Default or Load, adjusted
// with WithOverrides, and then passed by value into every component. Nothing
// mutates a Config after construction.
package config

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ModelType selects the network architecture.
type ModelType string

const (
	ModelMobileNet ModelType = "mobilenet"
	ModelEfficient ModelType = "efficient"
	ModelCustom    ModelType = "custom"
)

// ErrUnsupportedModelType is returned for any model_type outside the known set.
var ErrUnsupportedModelType = errors.New("unsupported model type")

// ParseModelType validates s and returns the matching ModelType.
func ParseModelType(s string) (ModelType, error) {
	switch mt := ModelType(strings.ToLower(strings.TrimSpace(s))); mt {
	case ModelMobileNet, ModelEfficient, ModelCustom:
		return mt, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedModelType, "%q (want mobilenet, efficient or custom)", s)
	}
}

// Config is the full set of training knobs.
type Config struct {
	DataDir               string    `yaml:"data_dir" json:"data_dir"`
	ModelDir              string    `yaml:"model_dir" json:"model_dir"`
	ImgSize               [2]int    `yaml:"img_size" json:"img_size"`
	BatchSize             int       `yaml:"batch_size" json:"batch_size"`
	Epochs                int       `yaml:"epochs" json:"epochs"`
	LearningRate          float64   `yaml:"learning_rate" json:"learning_rate"`
	ModelType             ModelType `yaml:"model_type" json:"model_type"`
	UseAugmentation       bool      `yaml:"use_augmentation" json:"use_augmentation"`
	EarlyStoppingPatience int       `yaml:"early_stopping_patience" json:"early_stopping_patience"`
	ReduceLRPatience      int       `yaml:"reduce_lr_patience" json:"reduce_lr_patience"`

	ReduceLRFactor  float64 `yaml:"reduce_lr_factor" json:"reduce_lr_factor"`
	MinLearningRate float64 `yaml:"min_learning_rate" json:"min_learning_rate"`
	TrainableLayers int     `yaml:"trainable_layers" json:"trainable_layers"`
	BackboneWeights string  `yaml:"backbone_weights" json:"backbone_weights,omitempty"`
	ResumeFrom      string  `yaml:"resume_from" json:"resume_from,omitempty"`
	ShuffleBuffer   int     `yaml:"shuffle_buffer" json:"shuffle_buffer"`
	Prefetch        int     `yaml:"prefetch" json:"prefetch"`
	Workers         int     `yaml:"workers" json:"workers"`
	CacheSize       int     `yaml:"cache_size" json:"cache_size"`
	Seed            int64   `yaml:"seed" json:"seed"`
	RegistryPath    string  `yaml:"registry_path" json:"registry_path,omitempty"`
	PlotHistory     bool    `yaml:"plot_history" json:"plot_history"`
	ConvergenceLoss float64 `yaml:"convergence_loss" json:"convergence_loss"`
	Debug           bool    `yaml:"debug" json:"debug"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		DataDir:               "data",
		ModelDir:              "models",
		ImgSize:               [2]int{224, 224},
		BatchSize:             32,
		Epochs:                50,
		LearningRate:          0.001,
		ModelType:             ModelEfficient,
		UseAugmentation:       true,
		EarlyStoppingPatience: 10,
		ReduceLRPatience:      5,
		ReduceLRFactor:        0.2,
		MinLearningRate:       1e-7,
		TrainableLayers:       20,
		ShuffleBuffer:         1000,
		Prefetch:              1,
		CacheSize:             512,
		PlotHistory:           true,
	}
}

// Load reads a YAML file over the defaults. Relative data_dir, model_dir,
// backbone_weights, resume_from and registry_path values are resolved
// against the directory of the file. An unknown model_type fails the load.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %s", path)
	}
	mt, err := ParseModelType(string(cfg.ModelType))
	if err != nil {
		return Config{}, errors.Wrapf(err, "model_type in %s", path)
	}
	cfg.ModelType = mt

	base := filepath.Dir(path)
	cfg.DataDir = resolve(base, cfg.DataDir)
	cfg.ModelDir = resolve(base, cfg.ModelDir)
	cfg.BackboneWeights = resolve(base, cfg.BackboneWeights)
	cfg.ResumeFrom = resolve(base, cfg.ResumeFrom)
	cfg.RegistryPath = resolve(base, cfg.RegistryPath)
	return cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate fails fast on values no component can work with.
func (c Config) Validate() error {
	if _, err := ParseModelType(string(c.ModelType)); err != nil {
		return err
	}
	switch {
	case c.DataDir == "":
		return errors.New("data_dir must be set")
	case c.ModelDir == "":
		return errors.New("model_dir must be set")
	case c.ImgSize[0] <= 0 || c.ImgSize[1] <= 0:
		return errors.Errorf("img_size must be positive, got %v", c.ImgSize)
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.Epochs <= 0:
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.LearningRate <= 0 || c.LearningRate > 1:
		return errors.Errorf("learning_rate must be in (0, 1], got %g", c.LearningRate)
	case c.EarlyStoppingPatience < 1:
		return errors.Errorf("early_stopping_patience must be at least 1, got %d", c.EarlyStoppingPatience)
	case c.ReduceLRPatience < 1:
		return errors.Errorf("reduce_lr_patience must be at least 1, got %d", c.ReduceLRPatience)
	case c.ReduceLRFactor <= 0 || c.ReduceLRFactor >= 1:
		return errors.Errorf("reduce_lr_factor must be in (0, 1), got %g", c.ReduceLRFactor)
	case c.MinLearningRate < 0:
		return errors.Errorf("min_learning_rate must not be negative, got %g", c.MinLearningRate)
	case c.ShuffleBuffer < 1:
		return errors.Errorf("shuffle_buffer must be positive, got %d", c.ShuffleBuffer)
	case c.Prefetch < 1:
		return errors.Errorf("prefetch must be at least 1, got %d", c.Prefetch)
	case c.TrainableLayers < 0:
		return errors.Errorf("trainable_layers must not be negative, got %d", c.TrainableLayers)
	}
	return nil
}

// Height is the model input height in pixels.
func (c Config) Height() int { return c.ImgSize[0] }

// Width is the model input width in pixels.
func (c Config) Width() int { return c.ImgSize[1] }

// RegistryFile returns the run registry location.
func (c Config) RegistryFile() string {
	if c.RegistryPath != "" {
		return c.RegistryPath
	}
	return filepath.Join(c.ModelDir, "runs.db")
}

// Overrides carries command-line values; zero values leave the config untouched.
type Overrides struct {
	DataDir         string
	ModelDir        string
	ModelType       string
	Epochs          int
	BatchSize       int
	LearningRate    float64
	ImgSize         int
	NoAugmentation  bool
	BackboneWeights string
	ResumeFrom      string
	Seed            int64
	Debug           bool
}

// WithOverrides returns a copy of c with the non-zero overrides applied.
func (c Config) WithOverrides(o Overrides) Config {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.ModelDir != "" {
		c.ModelDir = o.ModelDir
	}
	if o.ModelType != "" {
		c.ModelType = ModelType(strings.ToLower(o.ModelType))
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.ImgSize > 0 {
		c.ImgSize = [2]int{o.ImgSize, o.ImgSize}
	}
	if o.NoAugmentation {
		c.UseAugmentation = false
	}
	if o.BackboneWeights != "" {
		c.BackboneWeights = o.BackboneWeights
	}
	if o.ResumeFrom != "" {
		c.ResumeFrom = o.ResumeFrom
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Debug {
		c.Debug = true
	}
	return c
}
