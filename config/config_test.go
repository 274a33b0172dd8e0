package config

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "models", cfg.ModelDir)
	assert.Equal(t, [2]int{224, 224}, cfg.ImgSize)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 50, cfg.Epochs)
	assert.Equal(t, 0.001, cfg.LearningRate)
	assert.Equal(t, ModelEfficient, cfg.ModelType)
	assert.True(t, cfg.UseAugmentation)
	assert.Equal(t, 10, cfg.EarlyStoppingPatience)
	assert.Equal(t, 5, cfg.ReduceLRPatience)
	assert.NoError(t, cfg.Validate())
}

func TestParseModelType(t *testing.T) {
	tests := []struct {
		in      string
		want    ModelType
		wantErr bool
	}{
		{"mobilenet", ModelMobileNet, false},
		{"EFFICIENT", ModelEfficient, false},
		{" custom ", ModelCustom, false},
		{"resnet", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseModelType(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			assert.Equal(t, ErrUnsupportedModelType, errors.Cause(err))
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidateRejectsUnsupportedModelType(t *testing.T) {
	cfg := Default()
	cfg.ModelType = "vgg"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, ErrUnsupportedModelType, errors.Cause(err))
}

func TestValidateRejectsBadValues(t *testing.T) {
	mutations := map[string]func(*Config){
		"batch":    func(c *Config) { c.BatchSize = 0 },
		"epochs":   func(c *Config) { c.Epochs = -1 },
		"lr":       func(c *Config) { c.LearningRate = 0 },
		"img":      func(c *Config) { c.ImgSize = [2]int{0, 224} },
		"patience": func(c *Config) { c.EarlyStoppingPatience = 0 },
		"factor":   func(c *Config) { c.ReduceLRFactor = 1 },
		"shuffle":  func(c *Config) { c.ShuffleBuffer = 0 },
		"prefetch": func(c *Config) { c.Prefetch = 0 },
	}
	for name, mutate := range mutations {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestLoadOverlaysDefaultsAndResolvesPaths(t *testing.T) {
	fs := afero.NewMemMapFs()
	raw := []byte("data_dir: dataset\nepochs: 3\nmodel_type: MobileNet\nuse_augmentation: false\n")
	require.NoError(t, afero.WriteFile(fs, "/etc/cardback/train.yaml", raw, 0644))

	cfg, err := Load(fs, "/etc/cardback/train.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/cardback/dataset", cfg.DataDir)
	assert.Equal(t, "/etc/cardback/models", cfg.ModelDir)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, ModelMobileNet, cfg.ModelType)
	assert.False(t, cfg.UseAugmentation)
	assert.Equal(t, 32, cfg.BatchSize)
}

func TestLoadRejectsUnknownModelType(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/train.yaml", []byte("model_type: resnet\n"), 0644))

	_, err := Load(fs, "/train.yaml")
	require.Error(t, err)
	assert.Equal(t, ErrUnsupportedModelType, errors.Cause(err))
	assert.Contains(t, err.Error(), "model_type")
	assert.Contains(t, err.Error(), "/train.yaml")
}

func TestLoadResolvesResumeFrom(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/cardback/train.yaml", []byte("resume_from: models/best_model.json\n"), 0644))

	cfg, err := Load(fs, "/etc/cardback/train.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/cardback/models/best_model.json", cfg.ResumeFrom)
	assert.Equal(t, "other.json", cfg.WithOverrides(Overrides{ResumeFrom: "other.json"}).ResumeFrom)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/nope.yaml")
	assert.Error(t, err)
}

func TestWithOverridesLeavesOriginalUntouched(t *testing.T) {
	base := Default()
	got := base.WithOverrides(Overrides{Epochs: 2, ModelType: "Custom", ImgSize: 64, NoAugmentation: true})

	assert.Equal(t, 2, got.Epochs)
	assert.Equal(t, ModelCustom, got.ModelType)
	assert.Equal(t, [2]int{64, 64}, got.ImgSize)
	assert.False(t, got.UseAugmentation)

	assert.Equal(t, 50, base.Epochs)
	assert.Equal(t, ModelEfficient, base.ModelType)
	assert.True(t, base.UseAugmentation)
}

func TestRegistryFile(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "models/runs.db", cfg.RegistryFile())
	cfg.RegistryPath = "/var/lib/runs.db"
	assert.Equal(t, "/var/lib/runs.db", cfg.RegistryFile())
}
