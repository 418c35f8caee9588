package main

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-distill/buffer"
	"github.com/tsawler/go-distill/config"
	"github.com/tsawler/go-distill/models"
	"github.com/tsawler/go-distill/student"
)

func TestParseConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	fromFile := config.DefaultConfig()
	fromFile.Dataset = "CIFAR100"
	fromFile.IPC = 10
	fromFile.SynSteps = 40
	require.NoError(t, fromFile.Save(path))

	cfg, err := parseConfig([]string{"-config", path, "-ipc", "50", "-zca"})
	require.NoError(t, err)
	assert.Equal(t, "CIFAR100", cfg.Dataset, "file value kept")
	assert.Equal(t, 40, cfg.SynSteps, "file value kept")
	assert.Equal(t, 50, cfg.IPC, "flag overrides file")
	assert.True(t, cfg.ZCA)
	assert.Equal(t, "ConvNet", cfg.Model, "default kept")

	cfg, err = parseConfig([]string{"-syn_steps", "20"})
	require.NoError(t, err)
	assert.Equal(t, "CIFAR10", cfg.Dataset)
	assert.Equal(t, 20, cfg.SynSteps)

	_, err = parseConfig([]string{"-config", filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
	_, err = parseConfig([]string{"-ipc", "many"})
	assert.Error(t, err)
	_, err = parseConfig([]string{"stray"})
	assert.Error(t, err)
}

func writeSplit(t *testing.T, root string, perClass int) {
	t.Helper()
	for c, level := range []uint8{20, 220} {
		dir := filepath.Join(root, fmt.Sprintf("class_%d", c))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < perClass; i++ {
			img := image.NewGray(image.Rect(0, 0, 4, 4))
			for p := range img.Pix {
				img.Pix[p] = level + uint8(i)
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%d.png", i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
}

func writeExperts(t *testing.T, cfg *config.Config) {
	t.Helper()
	spec, err := models.Default().Build(cfg.Model, 1, 2, [2]int{4, 4})
	require.NoError(t, err)
	st, err := student.New(spec, 1)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	start := st.InitParams(rng).Data
	var traj buffer.Trajectory
	for e := 0; e < 4; e++ {
		flat := make([]float64, len(start))
		for i := range flat {
			flat[i] = start[i] * (1 - 0.1*float64(e))
		}
		snap, err := st.Unflatten(flat)
		require.NoError(t, err)
		traj = append(traj, snap)
	}

	bc, err := cfg.BufferConfig()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(bc.Dir, 0o755))
	require.NoError(t, buffer.WriteFile(filepath.Join(bc.Dir, buffer.FileName(0)), []buffer.Trajectory{traj}))
}

func TestRunEndToEnd(t *testing.T) {
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Dataset = "MNIST"
	cfg.Model = "Linear"
	cfg.Res = 4
	cfg.IPC = 1
	cfg.DIPC = 2
	cfg.DimIn, cfg.NumLayers, cfg.LayerSize, cfg.DimOut = 2, 2, 4, 1
	cfg.W0Initial, cfg.W0 = 30, 30
	cfg.EpochsInit = 3
	cfg.SynSteps = 2
	cfg.ExpertEpochs = 2
	cfg.MaxStartEpoch = 2
	cfg.BatchSyn = 2
	cfg.LRTeacher = 0.01
	cfg.LRLR = 1e-5
	cfg.LRImg = 1e-3
	cfg.Iterations = 1
	cfg.EvalInterval = 1
	cfg.NumEval = 1
	cfg.EpochEvalTrain = 1
	cfg.BatchTrain = 2
	cfg.NoAug = true
	cfg.Replicas = 1
	cfg.DataPath = filepath.Join(root, "data")
	cfg.SavePath = filepath.Join(root, "results")
	cfg.BufferPath = filepath.Join(root, "buffers")

	writeSplit(t, filepath.Join(cfg.DataPath, "MNIST", "train"), 3)
	writeSplit(t, filepath.Join(cfg.DataPath, "MNIST", "test"), 2)
	writeExperts(t, cfg)

	require.NoError(t, run(context.Background(), cfg))

	runDir := cfg.RunDir()
	for _, name := range []string{"log.txt", "config.json", "synset_000000.pb", "curves_loss.png",
		filepath.Join("imgs", "synthetic_00000.png"), filepath.Join("imgs", "clipped_synthetic_00000.png")} {
		assert.FileExists(t, filepath.Join(runDir, name))
	}
	logged, err := os.ReadFile(filepath.Join(runDir, "log.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(logged), "iter = 0000")
	assert.Contains(t, string(logged), "Accuracy/Linear")

	saved, err := config.Load(filepath.Join(runDir, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, cfg.DIPC, saved.DIPC)
}

func TestRunMissingBuffers(t *testing.T) {
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Dataset = "MNIST"
	cfg.Model = "Linear"
	cfg.Res = 4
	cfg.DIPC = 1
	cfg.DimIn, cfg.NumLayers, cfg.LayerSize, cfg.DimOut = 2, 2, 4, 1
	cfg.W0Initial, cfg.W0 = 30, 30
	cfg.EpochsInit = 1
	cfg.SynSteps, cfg.ExpertEpochs, cfg.MaxStartEpoch = 1, 1, 1
	cfg.LRTeacher, cfg.LRLR, cfg.LRImg = 0.01, 1e-5, 1e-3
	cfg.Replicas = 1
	cfg.DataPath = filepath.Join(root, "data")
	cfg.SavePath = filepath.Join(root, "results")
	cfg.BufferPath = filepath.Join(root, "buffers")
	writeSplit(t, filepath.Join(cfg.DataPath, "MNIST", "train"), 1)
	writeSplit(t, filepath.Join(cfg.DataPath, "MNIST", "test"), 1)

	err := run(context.Background(), cfg)
	assert.ErrorIs(t, err, buffer.ErrBufferExhausted)
}

func TestRunRejectsUnknownDataset(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dataset = "Imaginary"
	cfg.Res = 8
	cfg.DimIn, cfg.NumLayers, cfg.LayerSize, cfg.DimOut = 2, 2, 4, 3
	cfg.W0Initial, cfg.W0 = 30, 30
	cfg.SynSteps, cfg.ExpertEpochs, cfg.MaxStartEpoch = 1, 1, 1
	cfg.LRTeacher, cfg.LRLR, cfg.LRImg = 0.01, 1e-5, 1e-3
	cfg.SavePath = t.TempDir()

	err := run(context.Background(), cfg)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}
