// Package config holds the distillation run configuration and resolves the
// dataset/ipc-keyed field defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tsawler/go-distill/augment"
	"github.com/tsawler/go-distill/buffer"
	"github.com/tsawler/go-distill/field"
	"github.com/tsawler/go-distill/synset"
)

// ErrConfiguration marks a missing default without an override, or an
// invalid value.
var ErrConfiguration = errors.New("configuration error")

// Config is the full run configuration. Zero values of the field shape and
// of the trajectory-matching schedule mean "not set".
type Config struct {
	Dataset string `json:"dataset"`
	Subset  string `json:"subset"`
	Res     int    `json:"res"`
	Model   string `json:"model"`
	IPC     int    `json:"ipc"`
	DIPC    int    `json:"dipc"`

	// Implicit field shape, defaulted from the tables.
	DimIn     int     `json:"dim_in"`
	NumLayers int     `json:"num_layers"`
	LayerSize int     `json:"layer_size"`
	DimOut    int     `json:"dim_out"`
	W0Initial float64 `json:"w0_initial"`
	W0        float64 `json:"w0"`

	// Field optimisation.
	FieldOptimizer string  `json:"field_optimizer"`
	LRImg          float64 `json:"lr_nf"`
	EpochsInit     int     `json:"epochs_init"`
	LRInit         float64 `json:"lr_nf_init"`

	// Trajectory matching.
	SynSteps        int     `json:"syn_steps"`
	ExpertEpochs    int     `json:"expert_epochs"`
	MaxStartEpoch   int     `json:"max_start_epoch"`
	BatchSyn        int     `json:"batch_syn"` // 0 uses the whole synthetic set per step
	LRLR            float64 `json:"lr_lr"`
	LRTeacher       float64 `json:"lr_teacher"`
	MinSyntheticLR  float64 `json:"min_syn_lr"`
	Iterations      int     `json:"iteration"`
	LogEvery        int     `json:"log_every"`
	CheckpointEvery int     `json:"checkpoint_every"`

	// Expert buffers.
	BufferPath string `json:"buffer_path"`
	ZCA        bool   `json:"zca"`
	LoadAll    bool   `json:"load_all"`
	MaxFiles   int    `json:"max_files"`
	MaxExperts int    `json:"max_experts"`

	// Augmentation.
	DSA         bool   `json:"dsa"`
	DSAStrategy string `json:"dsa_strategy"`
	NoAug       bool   `json:"no_aug"`

	// Evaluation.
	EvalMode       string `json:"eval_mode"`
	EvalModel      string `json:"model_eval"` // used by modes outside the named pools; "" means Model
	NumEval        int    `json:"num_eval"`
	EvalInterval   int    `json:"eval_it"`
	EpochEvalTrain int    `json:"epoch_eval_train"`
	BatchTrain     int    `json:"batch_train"`

	// Runtime.
	DataPath         string `json:"data_path"`
	SavePath         string `json:"save_path"`
	Flag             string `json:"flag"`
	Seed             int64  `json:"seed"`
	Replicas         int    `json:"replicas"` // 0 uses parallel.DeviceCount
	GraphMemoryLimit int64  `json:"graph_memory_limit"`
}

// DefaultConfig returns the reference defaults. The trajectory-matching
// schedule has no defaults and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Dataset:         "CIFAR10",
		Subset:          "imagenette",
		Model:           "ConvNet",
		IPC:             1,
		FieldOptimizer:  "adam",
		EpochsInit:      5000,
		LRInit:          5e-4,
		MinSyntheticLR:  0.001,
		Iterations:      15000,
		LogEvery:        10,
		CheckpointEvery: 1000,
		BufferPath:      "../buffers",
		DSA:             true,
		DSAStrategy:     augment.DefaultStrategy,
		EvalMode:        "S",
		NumEval:         5,
		EvalInterval:    500,
		EpochEvalTrain:  1000,
		BatchTrain:      256,
		DataPath:        "../data",
		SavePath:        "./results",
	}
}

// Load reads a JSON file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Key is the table key "<dataset>_<res>".
func (c *Config) Key() string {
	return fmt.Sprintf("%s_%d", c.Dataset, c.Res)
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	if err := c.FieldConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	positive := []struct {
		name  string
		value int
	}{
		{"res", c.Res},
		{"ipc", c.IPC},
		{"syn_steps", c.SynSteps},
		{"expert_epochs", c.ExpertEpochs},
		{"max_start_epoch", c.MaxStartEpoch},
		{"num_eval", c.NumEval},
		{"eval_it", c.EvalInterval},
		{"epoch_eval_train", c.EpochEvalTrain},
		{"batch_train", c.BatchTrain},
		{"log_every", c.LogEvery},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfiguration, p.name, p.value)
		}
	}
	if c.BatchSyn < 0 || c.Iterations < 0 || c.DIPC < 0 || c.MaxFiles < 0 || c.MaxExperts < 0 {
		return fmt.Errorf("%w: negative batch_syn, iteration, dipc or caps", ErrConfiguration)
	}
	if c.LRLR <= 0 || c.LRTeacher <= 0 || c.LRImg <= 0 {
		return fmt.Errorf("%w: lr_lr, lr_teacher and lr_nf must be positive", ErrConfiguration)
	}
	if c.MinSyntheticLR <= 0 {
		return fmt.Errorf("%w: min_syn_lr must be positive", ErrConfiguration)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrConfiguration)
	}
	return nil
}

// CheckDraw verifies that the per-iteration draw from a synthetic set of
// the given size splits evenly into batches. It returns the effective batch
// size.
func (c *Config) CheckDraw(total int) (int, error) {
	batch := c.BatchSyn
	if batch == 0 {
		batch = total
	}
	draw := c.SynSteps * batch
	if draw > total {
		draw = total
	}
	if draw%batch != 0 {
		return 0, fmt.Errorf("%w: drawing %d of %d synthetic samples does not split into batches of %d",
			ErrConfiguration, draw, total, batch)
	}
	return batch, nil
}

// FieldConfig returns the implicit field shape.
func (c *Config) FieldConfig() field.Config {
	return field.Config{
		DimIn:     c.DimIn,
		NumLayers: c.NumLayers,
		LayerSize: c.LayerSize,
		DimOut:    c.DimOut,
		W0Initial: c.W0Initial,
		W0:        c.W0,
	}
}

// SynsetConfig returns the synthetic set configuration.
func (c *Config) SynsetConfig(workers int) synset.Config {
	return synset.Config{
		IPC:          c.IPC,
		DIPC:         c.DIPC,
		Field:        c.FieldConfig(),
		Optimizer:    c.FieldOptimizer,
		LearningRate: c.LRImg,
		EpochsInit:   c.EpochsInit,
		LRInit:       c.LRInit,
		Workers:      workers,
	}
}

// BufferConfig resolves the expert directory and the loading policy.
func (c *Config) BufferConfig() (buffer.Config, error) {
	dir, err := buffer.ExpertDir(c.BufferPath, c.Dataset, c.Subset, c.Model, c.ZCA)
	if err != nil {
		return buffer.Config{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return buffer.Config{
		Dir:        dir,
		LoadAll:    c.LoadAll,
		MaxFiles:   c.MaxFiles,
		MaxExperts: c.MaxExperts,
	}, nil
}

// Augmentation reports whether the inner loop augments.
func (c *Config) Augmentation() string {
	if !c.DSA || c.NoAug {
		return "none"
	}
	return c.DSAStrategy
}

// RunDir names the output directory after the hyperparameters.
func (c *Config) RunDir() string {
	first := fmt.Sprintf("%s_%s_%d_%s_%dipc_%ddipc", c.Dataset, c.Subset, c.Res, c.Model, c.IPC, c.DIPC)
	second := fmt.Sprintf("%d_%d_%d_%.0e_%.0e#%d_(%d,%d,%d,%d)_(%g,%g)_(%d,%.0e)_%.0e",
		c.SynSteps, c.ExpertEpochs, c.MaxStartEpoch, c.LRLR, c.LRTeacher,
		c.BatchSyn, c.DimIn, c.NumLayers, c.LayerSize, c.DimOut, c.W0Initial, c.W0,
		c.EpochsInit, c.LRInit, c.LRImg)
	if c.ZCA {
		second += "_ZCA"
	}
	return filepath.Join(c.SavePath, first, second+"#"+c.Flag)
}
