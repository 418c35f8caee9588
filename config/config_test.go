package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SynSteps = 80
	cfg.ExpertEpochs = 2
	cfg.MaxStartEpoch = 20
	cfg.LRLR = 1e-5
	cfg.LRTeacher = 0.01
	cfg.LRImg = 1e-5
	require.NoError(t, cfg.ResolveDefaults())
	return cfg
}

func TestResolveDefaultsFromTable(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ResolveDefaults())
	assert.Equal(t, 32, cfg.Res)
	assert.Equal(t, "CIFAR10_32", cfg.Key())
	assert.Equal(t, 2, cfg.DimIn)
	assert.Equal(t, 2, cfg.NumLayers)
	assert.Equal(t, 6, cfg.LayerSize)
	assert.Equal(t, 3, cfg.DimOut)
	assert.Equal(t, 30.0, cfg.W0Initial)
	assert.Equal(t, 10.0, cfg.W0)

	cfg = DefaultConfig()
	cfg.Dataset = "ImageNet"
	cfg.IPC = 50
	require.NoError(t, cfg.ResolveDefaults())
	assert.Equal(t, 128, cfg.Res)
	assert.Equal(t, 3, cfg.NumLayers)
	assert.Equal(t, 40, cfg.LayerSize)
	assert.Equal(t, 40.0, cfg.W0)
}

func TestResolveDefaultsPrecedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LayerSize = 64
	cfg.W0 = 7
	require.NoError(t, cfg.ResolveDefaults())
	assert.Equal(t, 64, cfg.LayerSize, "explicit value wins over the table")
	assert.Equal(t, 7.0, cfg.W0)
	assert.Equal(t, 2, cfg.NumLayers, "unset value comes from the table")
}

func TestResolveDefaultsMissing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dataset = "ImageNet"
	cfg.Res = 256
	cfg.IPC = 10
	assert.ErrorIs(t, cfg.ResolveDefaults(), ErrConfiguration)

	// Fully specified shapes need no table entry.
	cfg.DimIn, cfg.NumLayers, cfg.LayerSize, cfg.DimOut = 2, 3, 40, 3
	cfg.W0Initial, cfg.W0 = 30, 40
	assert.NoError(t, cfg.ResolveDefaults())

	cfg = DefaultConfig()
	cfg.Dataset = "SVHN"
	assert.ErrorIs(t, cfg.ResolveDefaults(), ErrConfiguration)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing syn_steps", func(c *Config) { c.SynSteps = 0 }},
		{"missing expert_epochs", func(c *Config) { c.ExpertEpochs = 0 }},
		{"missing max_start_epoch", func(c *Config) { c.MaxStartEpoch = 0 }},
		{"missing lr_lr", func(c *Config) { c.LRLR = 0 }},
		{"missing lr_teacher", func(c *Config) { c.LRTeacher = 0 }},
		{"negative batch", func(c *Config) { c.BatchSyn = -1 }},
		{"zero floor", func(c *Config) { c.MinSyntheticLR = 0 }},
		{"bad field", func(c *Config) { c.LayerSize = -3 }},
		{"no model", func(c *Config) { c.Model = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfiguration)
		})
	}
}

func TestCheckDraw(t *testing.T) {
	cfg := validConfig(t)
	cfg.SynSteps = 3
	cfg.BatchSyn = 4

	batch, err := cfg.CheckDraw(100)
	require.NoError(t, err)
	assert.Equal(t, 4, batch)

	_, err = cfg.CheckDraw(10)
	assert.ErrorIs(t, err, ErrConfiguration, "draw of 10 does not split into 4s")

	batch, err = cfg.CheckDraw(8)
	require.NoError(t, err)
	assert.Equal(t, 4, batch)

	cfg.BatchSyn = 0
	batch, err = cfg.CheckDraw(10)
	require.NoError(t, err)
	assert.Equal(t, 10, batch)
}

func TestRunDir(t *testing.T) {
	cfg := validConfig(t)
	cfg.SavePath = "results"
	assert.Equal(t, filepath.Join("results", "CIFAR10_imagenette_32_ConvNet_1ipc_0dipc",
		"80_2_20_1e-05_1e-02#0_(2,2,6,3)_(30,10)_(5000,5e-04)_1e-05#"), cfg.RunDir())

	cfg.ZCA = true
	cfg.Flag = "a"
	assert.Equal(t, "80_2_20_1e-05_1e-02#0_(2,2,6,3)_(30,10)_(5000,5e-04)_1e-05_ZCA#a", filepath.Base(cfg.RunDir()))
}

func TestLoadOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dataset": "CIFAR100", "ipc": 10, "syn_steps": 20, "load_all": true}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "CIFAR100", cfg.Dataset)
	assert.Equal(t, 10, cfg.IPC)
	assert.Equal(t, 20, cfg.SynSteps)
	assert.True(t, cfg.LoadAll)
	assert.Equal(t, "ConvNet", cfg.Model, "unspecified keys keep their defaults")
	assert.Equal(t, 0.001, cfg.MinSyntheticLR)

	require.NoError(t, cfg.ResolveDefaults())
	assert.Equal(t, 15, cfg.LayerSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := validConfig(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, cfg.Save(path))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestDerivedConfigs(t *testing.T) {
	cfg := validConfig(t)

	bc, err := cfg.BufferConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("..", "buffers", "CIFAR10_NO_ZCA", "ConvNet"), bc.Dir)

	cfg.Dataset = "ImageNet"
	cfg.Subset = "unknown"
	_, err = cfg.BufferConfig()
	assert.ErrorIs(t, err, ErrConfiguration)

	sc := cfg.SynsetConfig(4)
	assert.Equal(t, 4, sc.Workers)
	assert.Equal(t, cfg.FieldConfig(), sc.Field)
	assert.Equal(t, cfg.LRImg, sc.LearningRate)

	assert.Equal(t, cfg.DSAStrategy, cfg.Augmentation())
	cfg.NoAug = true
	assert.Equal(t, "none", cfg.Augmentation())
}
