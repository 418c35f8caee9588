package synset

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-distill/field"
	"github.com/tsawler/go-distill/tensor"
)

func testConfig() Config {
	return Config{
		IPC:          1,
		DIPC:         2,
		Field:        field.Config{DimIn: 2, NumLayers: 2, LayerSize: 4, DimOut: 3, W0Initial: 30, W0: 10},
		Optimizer:    "adam",
		LearningRate: 1e-3,
		EpochsInit:   20,
		LRInit:       5e-3,
		Workers:      2,
	}
}

func newSet(t *testing.T, cfg Config, classes int) *SyntheticSet {
	t.Helper()
	s, err := New(cfg, classes, []int{3, 4, 4}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return s
}

func TestPerClassBudget(t *testing.T) {
	cfg := Config{IPC: 1, Field: field.Config{DimIn: 2, NumLayers: 2, LayerSize: 6, DimOut: 3, W0Initial: 30, W0: 10}}
	// 3·32·32 / 81
	assert.Equal(t, 37, cfg.PerClass([]int{3, 32, 32}))

	cfg.IPC = 10
	assert.Equal(t, 379, cfg.PerClass([]int{3, 32, 32}))

	cfg.IPC = 1
	assert.Equal(t, 1, cfg.PerClass([]int{1, 2, 2}), "at least one field per class")

	cfg.DIPC = 5
	assert.Equal(t, 5, cfg.PerClass([]int{3, 32, 32}))
}

func TestNewValidates(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := New(testConfig(), 0, []int{3, 4, 4}, rng)
	assert.Error(t, err)
	_, err = New(testConfig(), 2, []int{4, 4}, rng)
	assert.Error(t, err)
	_, err = New(testConfig(), 2, []int{1, 4, 4}, rng)
	assert.Error(t, err, "channel mismatch")

	cfg := testConfig()
	cfg.Optimizer = "lion"
	_, err = New(cfg, 2, []int{3, 4, 4}, rng)
	assert.Error(t, err)
}

func TestIndexToLabelMapping(t *testing.T) {
	s := newSet(t, testConfig(), 3)
	require.Equal(t, 6, s.Len())

	for i := 0; i < s.Len(); i++ {
		assert.Equal(t, i/s.NumPerClass, s.Label(i))
	}

	_, labels, err := s.Get([]int{5, 0, 3, 2}, true)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1, 1}, labels)

	images, all, err := s.GetAll(true)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 1, 1, 2, 2}, all)
	assert.Equal(t, []int{6, 3, 4, 4}, images.Shape)
}

func TestGetOrderMatchesDecode(t *testing.T) {
	s := newSet(t, testConfig(), 2)
	images, _, err := s.Get([]int{3, 1}, true)
	require.NoError(t, err)

	grid := field.NewGrid([]int{4, 4})
	assert.Equal(t, s.Fields()[3].Decode(grid).Data, images.Data[:48])
	assert.Equal(t, s.Fields()[1].Decode(grid).Data, images.Data[48:])
}

func TestGetRejectsBadIndices(t *testing.T) {
	s := newSet(t, testConfig(), 2)
	_, _, err := s.Get([]int{4}, false)
	assert.Error(t, err)
	_, _, err = s.Get([]int{-1}, false)
	assert.Error(t, err)
	_, _, err = s.Get(nil, false)
	assert.Error(t, err)
}

func TestNeedCopyDetaches(t *testing.T) {
	s := newSet(t, testConfig(), 2)

	attached, _, err := s.Get([]int{0, 1}, false)
	require.NoError(t, err)
	assert.True(t, attached.RequiresGrad())
	assert.False(t, attached.IsLeaf())

	detached, _, err := s.Get([]int{0, 1}, true)
	require.NoError(t, err)
	assert.False(t, detached.RequiresGrad())
	assert.True(t, detached.IsLeaf())
	assert.Nil(t, detached.Creator())
	assert.Equal(t, attached.Data, detached.Data)

	// detached storage is private to the caller
	before := append([]float64(nil), attached.Data...)
	detached.Data[0] += 100
	again, _, err := s.Get([]int{0, 1}, true)
	require.NoError(t, err)
	assert.Equal(t, before, again.Data)
}

func TestOptimStepMovesOnlyUsedFields(t *testing.T) {
	s := newSet(t, testConfig(), 2)
	before := make([][]float64, s.Len())
	for i, f := range s.Fields() {
		before[i] = append([]float64(nil), f.Params()[0].Data...)
	}

	images, _, err := s.Get([]int{2}, false)
	require.NoError(t, err)
	s.OptimZeroGrad()
	require.NoError(t, tensor.SumSquares(images).Backward())
	require.NoError(t, s.OptimStep())

	for i, f := range s.Fields() {
		if i == 2 {
			assert.NotEqual(t, before[i], f.Params()[0].Data)
		} else {
			assert.Equal(t, before[i], f.Params()[0].Data)
		}
	}
}

func TestInitFitsClassExemplars(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	s := newSet(t, testConfig(), 2)
	real := tensor.Uniform([]int{3, 3, 4, 4}, -1, 1, rng)

	before, _, err := s.GetAll(true)
	require.NoError(t, err)
	loss, err := s.Init(real, [][]int{{0, 2}, {1}}, rng)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)

	after, _, err := s.GetAll(true)
	require.NoError(t, err)
	assert.NotEqual(t, before.Data, after.Data)

	// Class 1 has a single exemplar, so both of its fields fit row 1.
	target := real.Data[48:96]
	beforeErr, afterErr := 0.0, 0.0
	for j := 0; j < 48; j++ {
		d0 := before.Data[2*48+j] - target[j]
		d1 := after.Data[2*48+j] - target[j]
		beforeErr += d0 * d0
		afterErr += d1 * d1
	}
	assert.Less(t, afterErr, beforeErr)

	_, err = s.Init(real, [][]int{{0}}, rng)
	assert.Error(t, err)
	_, err = s.Init(real, [][]int{{0}, {}}, rng)
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, ext := range []string{".json", ".pb"} {
		t.Run(ext, func(t *testing.T) {
			a := newSet(t, testConfig(), 2)
			images, _, err := a.Get([]int{0}, false)
			require.NoError(t, err)
			require.NoError(t, tensor.SumSquares(images).Backward())
			require.NoError(t, a.OptimStep())

			path := filepath.Join(t.TempDir(), "synset"+ext)
			require.NoError(t, a.Save(path, map[string]float64{"syn_lr": 0.01}))

			cfg := testConfig()
			b, err := New(cfg, 2, []int{3, 4, 4}, rand.New(rand.NewSource(99)))
			require.NoError(t, err)
			aux, err := b.Load(path)
			require.NoError(t, err)
			assert.Equal(t, map[string]float64{"syn_lr": 0.01}, aux)
			assert.Equal(t, uint64(1), b.Optimizer().GetStepCount())

			want, _, err := a.GetAll(true)
			require.NoError(t, err)
			got, _, err := b.GetAll(true)
			require.NoError(t, err)
			assert.Equal(t, want.Data, got.Data)
		})
	}
}

func TestLoadRejectsMismatchedSet(t *testing.T) {
	a := newSet(t, testConfig(), 2)
	path := filepath.Join(t.TempDir(), "synset.json")
	require.NoError(t, a.Save(path, nil))

	b := newSet(t, testConfig(), 3)
	_, err := b.Load(path)
	assert.Error(t, err)
}
