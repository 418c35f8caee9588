package training

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/tsawler/go-distill/buffer"
	"github.com/tsawler/go-distill/checkpoints"
	"github.com/tsawler/go-distill/config"
	"github.com/tsawler/go-distill/field"
	"github.com/tsawler/go-distill/memory"
	"github.com/tsawler/go-distill/models"
	"github.com/tsawler/go-distill/student"
	"github.com/tsawler/go-distill/synset"
	"github.com/tsawler/go-distill/tensor"
	"github.com/tsawler/go-distill/vision/preprocessing"
)

const (
	testClasses  = 2
	testPerClass = 2
)

var testImageShape = []int{1, 4, 4}

// fixedSource replays the same trajectory forever.
type fixedSource struct {
	trajectory buffer.Trajectory
	calls      int
}

func (s *fixedSource) Next() (buffer.Trajectory, error) {
	s.calls++
	return s.trajectory, nil
}

func matcherConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Model = "Linear"
	cfg.Res = 4
	cfg.DimIn, cfg.NumLayers, cfg.LayerSize, cfg.DimOut = 2, 2, 4, 1
	cfg.W0Initial, cfg.W0 = 30, 30
	cfg.SynSteps = 2
	cfg.ExpertEpochs = 2
	cfg.MaxStartEpoch = 2
	cfg.BatchSyn = 2
	cfg.LRTeacher = 0.01
	cfg.LRLR = 1e-5
	cfg.LRImg = 1e-3
	cfg.Iterations = 2
	cfg.LogEvery = 1
	cfg.EvalInterval = 1
	cfg.NumEval = 2
	cfg.EpochEvalTrain = 2
	cfg.BatchTrain = 2
	return cfg
}

func linearStudent(t *testing.T) *student.Student {
	t.Helper()
	spec, err := models.Default().Build("Linear", testImageShape[0], testClasses, [2]int{testImageShape[1], testImageShape[2]})
	require.NoError(t, err)
	st, err := student.New(spec, 1)
	require.NoError(t, err)
	return st
}

func newTestSet(t *testing.T, cfg *config.Config, rng *rand.Rand) *synset.SyntheticSet {
	t.Helper()
	sc := cfg.SynsetConfig(1)
	sc.DIPC = testPerClass
	set, err := synset.New(sc, testClasses, testImageShape, rng)
	require.NoError(t, err)
	return set
}

// expertTrajectory walks a straight line from a random start, one small
// step per epoch.
func expertTrajectory(t *testing.T, st *student.Student, epochs int, rng *rand.Rand) buffer.Trajectory {
	t.Helper()
	start := st.InitParams(rng).Data
	dir := make([]float64, len(start))
	for i := range dir {
		dir[i] = rng.NormFloat64() * 0.05
	}
	var traj buffer.Trajectory
	for e := 0; e < epochs; e++ {
		flat := make([]float64, len(start))
		for i := range flat {
			flat[i] = start[i] + float64(e)*dir[i]
		}
		snap, err := st.Unflatten(flat)
		require.NoError(t, err)
		traj = append(traj, snap)
	}
	return traj
}

func newTestMatcher(t *testing.T, cfg *config.Config, opts MatcherOptions) (*Matcher, *fixedSource) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	st := linearStudent(t)
	set := newTestSet(t, cfg, rng)
	src := &fixedSource{trajectory: expertTrajectory(t, st, 6, rng)}
	m, err := NewMatcher(cfg, set, src, st, rng, opts)
	require.NoError(t, err)
	return m, src
}

func TestNewMatcherRejectsUnevenDraw(t *testing.T) {
	cfg := matcherConfig()
	cfg.BatchSyn = 3 // 4 synthetic samples do not split into batches of 3
	rng := rand.New(rand.NewSource(1))
	set := newTestSet(t, cfg, rng)
	_, err := NewMatcher(cfg, set, &fixedSource{}, linearStudent(t), rng, MatcherOptions{})
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestStepUnrollDepth(t *testing.T) {
	for _, steps := range []int{1, 2, 5} {
		cfg := matcherConfig()
		cfg.SynSteps = steps
		m, src := newTestMatcher(t, cfg, MatcherOptions{})

		stats, err := m.Step(0)
		require.NoError(t, err)
		assert.Equal(t, steps+1, stats.ChainLength)
		assert.Equal(t, 1, src.calls)
		assert.Less(t, stats.StartEpoch, cfg.MaxStartEpoch)
		assert.False(t, math.IsNaN(stats.Loss))
	}
}

func TestStepUpdatesFieldsAndRate(t *testing.T) {
	cfg := matcherConfig()
	cfg.LRLR = 1e-2
	m, _ := newTestMatcher(t, cfg, MatcherOptions{})

	before := make([][]float64, len(m.synset.Params()))
	for i, p := range m.synset.Params() {
		before[i] = append([]float64(nil), p.Data...)
	}

	stats, err := m.Step(0)
	require.NoError(t, err)
	assert.NotEqual(t, cfg.LRTeacher, m.SyntheticLR(), "learned rate must move")
	assert.Equal(t, m.SyntheticLR(), stats.SyntheticLR)

	moved := false
	for i, p := range m.synset.Params() {
		for j, v := range p.Data {
			if v != before[i][j] {
				moved = true
			}
		}
	}
	assert.True(t, moved)
}

func TestLearnedRateFloor(t *testing.T) {
	cfg := matcherConfig()
	cfg.LRTeacher = 1e-6
	cfg.LRLR = 1e3 // any move overshoots
	cfg.MinSyntheticLR = 0.001
	m, _ := newTestMatcher(t, cfg, MatcherOptions{})

	for it := 0; it < 3; it++ {
		_, err := m.Step(it)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, m.SyntheticLR(), cfg.MinSyntheticLR)
	}
}

func TestMatchingLossScaleInvariant(t *testing.T) {
	m, _ := newTestMatcher(t, matcherConfig(), MatcherOptions{})

	final := []float64{1, 2, 3, 4}
	start := []float64{0, 0, 1, 1}
	target := []float64{2, 2, 2, 2}
	base := m.matchingLoss(tensor.MustNew([]int{4}, final), start, target).Item()

	scale := func(xs []float64, c float64) []float64 {
		out := make([]float64, len(xs))
		for i, v := range xs {
			out[i] = v * c
		}
		return out
	}
	for _, c := range []float64{1e-3, 0.5, 7, 1e4} {
		got := m.matchingLoss(tensor.MustNew([]int{4}, scale(final, c)), scale(start, c), scale(target, c)).Item()
		assert.InDelta(t, base, got, 1e-9*base)
	}
	// ‖(1,2,3,4)-(2,2,2,2)‖² = 6, ‖(0,0,1,1)-(2,2,2,2)‖² = 10
	assert.InDelta(t, 0.6, base, 1e-12)
}

// softmaxGrad is the gradient of mean cross-entropy of a linear model
// logits = x·W + b, laid out as [W row-major, b].
func softmaxGrad(x []float64, labels []int, theta []float64, d, k int) []float64 {
	n := len(labels)
	g := make([]float64, len(theta))
	for i := 0; i < n; i++ {
		logits := make([]float64, k)
		for c := 0; c < k; c++ {
			logits[c] = theta[d*k+c]
			for j := 0; j < d; j++ {
				logits[c] += x[i*d+j] * theta[j*k+c]
			}
		}
		m := math.Inf(-1)
		for _, v := range logits {
			m = math.Max(m, v)
		}
		sum := 0.0
		for c := range logits {
			logits[c] = math.Exp(logits[c] - m)
			sum += logits[c]
		}
		for c := 0; c < k; c++ {
			delta := logits[c] / sum
			if c == labels[i] {
				delta--
			}
			delta /= float64(n)
			for j := 0; j < d; j++ {
				g[j*k+c] += x[i*d+j] * delta
			}
			g[d*k+c] += delta
		}
	}
	return g
}

func TestUnrollMatchesHandComputedSGD(t *testing.T) {
	cfg := matcherConfig()
	cfg.BatchSyn = 0 // full batch, so the permutation cannot change a step
	cfg.LRTeacher = 0.3
	m, src := newTestMatcher(t, cfg, MatcherOptions{})

	theta0, err := m.student.Flatten(src.trajectory[0])
	require.NoError(t, err)
	chain, err := m.unroll(theta0)
	require.NoError(t, err)
	require.Len(t, chain, 3)

	images, labels, err := m.synset.GetAll(true)
	require.NoError(t, err)
	d := len(images.Data) / len(labels)

	want := append([]float64(nil), theta0...)
	for step := 0; step < 2; step++ {
		g := softmaxGrad(images.Data, labels, want, d, testClasses)
		for i := range want {
			want[i] -= cfg.LRTeacher * g[i]
		}
	}
	assert.InDeltaSlice(t, want, chain[2].Data, 1e-9)
	assert.Equal(t, theta0, chain[0].Data)
}

func TestStepTrajectoryBounds(t *testing.T) {
	cfg := matcherConfig()
	cfg.ExpertEpochs = 6 // trajectory has six snapshots
	cfg.MaxStartEpoch = 1
	m, _ := newTestMatcher(t, cfg, MatcherOptions{})

	_, err := m.Step(0)
	assert.ErrorIs(t, err, ErrTrajectoryBounds)
}

func TestStepMemoryBudget(t *testing.T) {
	cfg := matcherConfig()

	t.Run("exhausted", func(t *testing.T) {
		m, _ := newTestMatcher(t, cfg, MatcherOptions{Memory: memory.NewMemoryManager(64)})
		_, err := m.Step(0)
		assert.ErrorIs(t, err, memory.ErrResourceExhausted)
		assert.Equal(t, int64(0), m.mm.InUse(), "accounting is released with the graph")
	})

	t.Run("within budget", func(t *testing.T) {
		m, _ := newTestMatcher(t, cfg, MatcherOptions{Memory: memory.NewMemoryManager(0)})
		stats, err := m.Step(0)
		require.NoError(t, err)
		assert.Greater(t, stats.GraphBytes, int64(0))
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	m, src := newTestMatcher(t, matcherConfig(), MatcherOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Run(ctx), context.Canceled)
	assert.Equal(t, 0, src.calls)
}

// newMatcherTestEvaluator scores against identical test images, so every
// prediction is the same class and with both classes present accuracy is
// exactly one half.
func newMatcherTestEvaluator(t *testing.T, rng *rand.Rand) *Evaluator {
	t.Helper()
	n := 6
	data := make([]float64, n*16)
	for i := range data {
		data[i] = float64(i%16) / 16
	}
	testSet, err := NewTensorDataset(tensor.MustNew([]int{n, 1, 4, 4}, data), []int{0, 1, 0, 1, 0, 1})
	require.NoError(t, err)
	ev, err := NewEvaluator(EvalConfig{Epochs: 2, BatchSize: 2, NumEval: 2, Replicas: 1}, models.Default(),
		1, testClasses, [2]int{4, 4}, NewDataLoader(testSet, 4, false, nil), nil, rng, nil, nil)
	require.NoError(t, err)
	return ev
}

func TestRunEvaluatesAndSavesBest(t *testing.T) {
	cfg := matcherConfig()
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(3))

	m, src := newTestMatcher(t, cfg, MatcherOptions{Evaluator: newMatcherTestEvaluator(t, rng), SaveDir: dir})
	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, cfg.Iterations+1, src.calls)

	best, std := m.BestAccuracy("Linear")
	assert.InDelta(t, 0.5, best, 1e-12)
	assert.Equal(t, 0.0, std)

	for _, name := range []string{"best_performance.json", "curves.json", BestSynsetName(cfg.IPC), "images_best.pb", "labels_best.pb", "synset_000000.pb",
		filepath.Join("imgs", "synthetic_00000.png"), filepath.Join("imgs", "synthetic_00001.png"),
		filepath.Join("imgs", "clipped_synthetic_00001.png")} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	images, err := checkpoints.LoadTensorFile(filepath.Join(dir, "images_best.pb"))
	require.NoError(t, err)
	assert.Equal(t, []int{testClasses * testPerClass, 1, 4, 4}, images.Shape)

	steps := m.Curves().GenerateTrainingCurvesPlot().Series[0].Data
	assert.Len(t, steps, cfg.Iterations+1)
	evals := m.Curves().GenerateEvaluationPlot()
	require.Len(t, evals.Series, 1)
	assert.Equal(t, "Linear", evals.Series[0].Name)
	assert.Equal(t, 1, evals.Series[0].Data[0].X)

	restored := newTestSet(t, cfg, rand.New(rand.NewSource(99)))
	aux, err := restored.Load(filepath.Join(dir, BestSynsetName(cfg.IPC)))
	require.NoError(t, err)
	assert.Contains(t, aux, "syn_lr")
}

func TestFieldConfigMatchesTestImages(t *testing.T) {
	// Guards the fixtures above: one output channel over a 2-D grid.
	fc := matcherConfig().FieldConfig()
	require.NoError(t, fc.Validate())
	assert.Equal(t, field.Config{DimIn: 2, NumLayers: 2, LayerSize: 4, DimOut: 1, W0Initial: 30, W0: 30}, fc)
}

// With a near-zero inner step the student barely moves, so the first
// recorded loss sits at about one. The loss curve is rendered after the
// first evaluation while it still holds that single point.
func TestRunWritesOutputsForFlatLossCurve(t *testing.T) {
	cfg := matcherConfig()
	cfg.Iterations = 1
	cfg.EvalInterval = 1
	cfg.LRTeacher = 1e-8
	cfg.LRLR = 0
	dir := t.TempDir()

	rng := rand.New(rand.NewSource(5))
	white := make([]float64, 20*16)
	for i := range white {
		white[i] = rng.NormFloat64()
	}
	zca, err := preprocessing.FitZCA(white, 16, preprocessing.DefaultZCAEpsilon)
	require.NoError(t, err)

	m, _ := newTestMatcher(t, cfg, MatcherOptions{Evaluator: newMatcherTestEvaluator(t, rng), SaveDir: dir, ZCA: zca})
	require.NoError(t, m.Run(context.Background()))

	loss := m.Curves().GenerateTrainingCurvesPlot().Series[0].Data[0].Y
	assert.InDelta(t, 1.0, loss, 1e-3)

	for _, name := range []string{"curves.json", "curves_loss.png", "curves_syn_lr.png", "curves_accuracy.png",
		filepath.Join("imgs", "synthetic_00001.png"),
		filepath.Join("imgs", "clipped_synthetic_00001.png"),
		filepath.Join("imgs", "reconstructed_00001.png"),
		filepath.Join("imgs", "clipped_reconstructed_00001.png"),
		filepath.Join("imgs", "images_zca_1.pb")} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	recon, err := checkpoints.LoadTensorFile(filepath.Join(dir, "imgs", "images_zca_1.pb"))
	require.NoError(t, err)
	assert.Equal(t, []int{testClasses * testPerClass, 1, 4, 4}, recon.Shape)
}

func TestSideOutputRecoversPanic(t *testing.T) {
	err := sideOutput(func() error { panic("Values must be greater than 0 for a log scale.") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log scale")

	assert.NoError(t, sideOutput(func() error { return nil }))
	assert.EqualError(t, sideOutput(func() error { return os.ErrNotExist }), os.ErrNotExist.Error())
}

// The hypergradient through the unrolled inner loop must agree with central
// differences of the matching loss, for both the learned step size and a
// field weight.
func TestStepMetaGradientMatchesFiniteDifferences(t *testing.T) {
	cfg := matcherConfig()
	cfg.LRTeacher = 0.05
	m, src := newTestMatcher(t, cfg, MatcherOptions{})

	startFlat, err := m.student.Flatten(src.trajectory[0])
	require.NoError(t, err)
	targetFlat, err := m.student.Flatten(src.trajectory[cfg.ExpertEpochs])
	require.NoError(t, err)

	metaLoss := func() *tensor.Tensor {
		m.rng = rand.New(rand.NewSource(11)) // same batches every time
		chain, err := m.unroll(startFlat)
		require.NoError(t, err)
		return m.matchingLoss(chain[len(chain)-1], startFlat, targetFlat)
	}

	m.synset.OptimZeroGrad()
	m.lrOpt.ZeroGrad()
	require.NoError(t, metaLoss().Backward())

	settings := &fd.Settings{Formula: fd.Central, Step: 1e-6}
	at := func(v *float64) float64 {
		return fd.Derivative(func(x float64) float64 {
			orig := *v
			*v = x
			defer func() { *v = orig }()
			return metaLoss().Item()
		}, *v, settings)
	}

	lrGrad := m.syntheticLR.Grad()
	require.NotNil(t, lrGrad)
	numeric := at(&m.syntheticLR.Data[0])
	assert.InDelta(t, numeric, lrGrad.Data[0], 1e-6*math.Max(1, math.Abs(numeric)))

	w := m.synset.Params()[0]
	require.NotNil(t, w.Grad())
	for _, j := range []int{0, len(w.Data) - 1} {
		numeric := at(&w.Data[j])
		assert.InDelta(t, numeric, w.Grad().Data[j], 1e-5*math.Max(1, math.Abs(numeric)), "weight %d", j)
	}
}
