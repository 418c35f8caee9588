package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-distill/augment"
	"github.com/tsawler/go-distill/buffer"
	"github.com/tsawler/go-distill/checkpoints"
	"github.com/tsawler/go-distill/config"
	"github.com/tsawler/go-distill/memory"
	"github.com/tsawler/go-distill/optimizer"
	"github.com/tsawler/go-distill/student"
	"github.com/tsawler/go-distill/synset"
	"github.com/tsawler/go-distill/tensor"
	"github.com/tsawler/go-distill/vision/preprocessing"
)

// ErrTrajectoryBounds is returned when start epoch plus expert epochs runs
// past the end of a trajectory.
var ErrTrajectoryBounds = errors.New("trajectory too short for the requested segment")

// SyntheticLRMomentum is the momentum of the learned step size optimizer.
const SyntheticLRMomentum = 0.5

// Preview grids are only rendered for small sets.
const previewMaxIPC = 50

// TrajectorySource hands out expert trajectories. *buffer.Manager is the
// production implementation.
type TrajectorySource interface {
	Next() (buffer.Trajectory, error)
}

// MatcherOptions holds the optional collaborators of a Matcher.
type MatcherOptions struct {
	Augmenter *augment.Augmenter    // nil disables inner-loop augmentation
	Evaluator *Evaluator            // nil disables periodic evaluation
	Memory    *memory.MemoryManager // nil leaves the unrolled graph unbounded
	Logger    *log.Logger           // nil discards output
	SaveDir   string                // "" disables every file output
	ZCA       *preprocessing.ZCA    // set when real data was whitened; adds reconstructed previews
}

// StepStats describes one meta-iteration.
type StepStats struct {
	Iteration   int
	Loss        float64
	SyntheticLR float64
	StartEpoch  int
	ChainLength int   // parameter vectors in the unroll, SynSteps+1
	GraphBytes  int64 // graph size charged to the memory manager
}

// Matcher learns the synthetic set by matching the student's unrolled
// trajectory on synthetic data against expert trajectories on real data.
type Matcher struct {
	cfg     *config.Config
	synset  *synset.SyntheticSet
	experts TrajectorySource
	student *student.Student
	rng     *rand.Rand

	augmenter *augment.Augmenter
	evaluator *Evaluator
	mm        *memory.MemoryManager
	logger    *log.Logger
	saveDir   string
	zca       *preprocessing.ZCA

	batch       int
	syntheticLR *tensor.Tensor
	lrOpt       *optimizer.SGDOptimizerState

	bestAcc map[string]float64
	bestStd map[string]float64
	curves  *VisualizationCollector
}

// NewMatcher wires the meta-loop. The configuration must already be
// resolved and validated; the per-iteration draw is checked here against
// the size of set.
func NewMatcher(cfg *config.Config, set *synset.SyntheticSet, experts TrajectorySource,
	st *student.Student, rng *rand.Rand, opts MatcherOptions) (*Matcher, error) {
	batch, err := cfg.CheckDraw(set.Len())
	if err != nil {
		return nil, err
	}
	if st.NumClasses() != set.NumClasses() {
		return nil, fmt.Errorf("%w: student has %d outputs, synthetic set has %d classes",
			config.ErrConfiguration, st.NumClasses(), set.NumClasses())
	}

	lr := tensor.Scalar(cfg.LRTeacher).SetRequiresGrad(true)
	lrOpt, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{
		LearningRate: cfg.LRLR,
		Momentum:     SyntheticLRMomentum,
	}, []*tensor.Tensor{lr})
	if err != nil {
		return nil, fmt.Errorf("failed to create learning rate optimizer: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Matcher{
		cfg:         cfg,
		synset:      set,
		experts:     experts,
		student:     st,
		rng:         rng,
		augmenter:   opts.Augmenter,
		evaluator:   opts.Evaluator,
		mm:          opts.Memory,
		logger:      logger,
		saveDir:     opts.SaveDir,
		zca:         opts.ZCA,
		batch:       batch,
		syntheticLR: lr,
		lrOpt:       lrOpt,
		bestAcc:     make(map[string]float64),
		bestStd:     make(map[string]float64),
		curves:      NewVisualizationCollector(cfg.Model),
	}, nil
}

// Curves returns the recorded loss, step size and accuracy curves.
func (m *Matcher) Curves() *VisualizationCollector {
	return m.curves
}

// SyntheticLR returns the current learned inner step size.
func (m *Matcher) SyntheticLR() float64 {
	return m.syntheticLR.Data[0]
}

// BestAccuracy returns the best mean and std seen for an evaluation model.
func (m *Matcher) BestAccuracy(model string) (mean, std float64) {
	return m.bestAcc[model], m.bestStd[model]
}

// Step runs one meta-iteration: sample an expert segment, unroll the
// student on synthetic data, and update the fields and the learned rate
// from the normalised distance to the expert target.
func (m *Matcher) Step(it int) (*StepStats, error) {
	trajectory, err := m.experts.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch expert trajectory: %w", err)
	}

	startEpoch := m.rng.Intn(m.cfg.MaxStartEpoch)
	if startEpoch+m.cfg.ExpertEpochs >= len(trajectory) {
		return nil, fmt.Errorf("%w: start %d + %d epochs, trajectory has %d snapshots",
			ErrTrajectoryBounds, startEpoch, m.cfg.ExpertEpochs, len(trajectory))
	}
	startFlat, err := m.student.Flatten(trajectory[startEpoch])
	if err != nil {
		return nil, fmt.Errorf("failed to flatten start snapshot: %w", err)
	}
	targetFlat, err := m.student.Flatten(trajectory[startEpoch+m.cfg.ExpertEpochs])
	if err != nil {
		return nil, fmt.Errorf("failed to flatten target snapshot: %w", err)
	}

	m.mm.Reset()
	defer m.mm.Reset()

	chain, err := m.unroll(startFlat)
	if err != nil {
		return nil, err
	}
	var graphBytes int64
	if m.mm != nil {
		graphBytes = m.mm.InUse()
	}

	loss := m.matchingLoss(chain[len(chain)-1], startFlat, targetFlat)
	value := loss.Item()
	if math.IsNaN(value) || math.IsInf(value, 0) {
		m.logger.Printf("Warning: non-finite matching loss %v at iteration %d", value, it)
	}

	m.synset.OptimZeroGrad()
	m.lrOpt.ZeroGrad()
	if err := loss.Backward(); err != nil {
		return nil, fmt.Errorf("failed to backpropagate matching loss: %w", err)
	}
	if err := m.synset.OptimStep(); err != nil {
		return nil, err
	}
	if err := m.lrOpt.Step(); err != nil {
		return nil, fmt.Errorf("failed to step learning rate optimizer: %w", err)
	}
	if m.syntheticLR.Data[0] < m.cfg.MinSyntheticLR {
		m.syntheticLR.Data[0] = m.cfg.MinSyntheticLR
	}

	return &StepStats{
		Iteration:   it,
		Loss:        value,
		SyntheticLR: m.syntheticLR.Data[0],
		StartEpoch:  startEpoch,
		ChainLength: len(chain),
		GraphBytes:  graphBytes,
	}, nil
}

// unroll returns the chain θ0..θN where θ0 is the expert start and each
// further entry is one differentiable SGD step on a synthetic batch.
func (m *Matcher) unroll(startFlat []float64) ([]*tensor.Tensor, error) {
	total := m.synset.Len()
	draw := m.cfg.SynSteps * m.batch
	if draw > total {
		draw = total
	}
	indices := m.rng.Perm(total)[:draw]
	images, labels, err := m.synset.Get(indices, false)
	if err != nil {
		return nil, fmt.Errorf("failed to decode synthetic batch: %w", err)
	}

	start := tensor.MustNew([]int{len(startFlat)}, append([]float64(nil), startFlat...)).SetRequiresGrad(true)
	if m.mm != nil {
		start.Track(m.mm)
	}
	chain := make([]*tensor.Tensor, 1, m.cfg.SynSteps+1)
	chain[0] = start

	var chunks [][]int
	for step := 0; step < m.cfg.SynSteps; step++ {
		if len(chunks) == 0 {
			chunks = m.chunk(draw)
		}
		these := chunks[len(chunks)-1]
		chunks = chunks[:len(chunks)-1]

		x := tensor.SelectRows(images, these)
		y := make([]int, len(these))
		for i, p := range these {
			y[i] = labels[p]
		}
		if m.augmenter != nil {
			x = m.augmenter.Apply(x)
		}

		current := chain[len(chain)-1]
		logits, err := m.student.Forward(x, current)
		if err != nil {
			return nil, fmt.Errorf("failed student forward at step %d: %w", step, err)
		}
		ce := tensor.CrossEntropy(logits, y)
		grads, err := tensor.Grad(ce, []*tensor.Tensor{current}, true)
		if err != nil {
			return nil, fmt.Errorf("failed student gradient at step %d: %w", step, err)
		}
		chain = append(chain, tensor.Sub(current, tensor.MulScalar(m.syntheticLR, grads[0])))

		if err := m.mm.Err(); err != nil {
			return nil, fmt.Errorf("unroll step %d: %w", step, err)
		}
	}
	return chain, nil
}

// chunk splits a fresh permutation of the drawn positions into batches.
func (m *Matcher) chunk(draw int) [][]int {
	perm := m.rng.Perm(draw)
	var chunks [][]int
	for lo := 0; lo < draw; lo += m.batch {
		hi := lo + m.batch
		if hi > draw {
			hi = draw
		}
		chunks = append(chunks, perm[lo:hi])
	}
	return chunks
}

// matchingLoss is (‖θN-θ*‖²/P) / (‖θ0-θ*‖²/P).
func (m *Matcher) matchingLoss(final *tensor.Tensor, startFlat, targetFlat []float64) *tensor.Tensor {
	p := float64(len(targetFlat))
	target := tensor.MustNew([]int{len(targetFlat)}, targetFlat)

	dist := 0.0
	for i, v := range startFlat {
		d := v - targetFlat[i]
		dist += d * d
	}
	dist /= p

	return tensor.MulConst(tensor.SquaredDistance(final, target), 1/(p*dist))
}

// Run drives iterations 0..Iterations. Evaluation happens before the step
// of every positive multiple of EvalInterval; a failed evaluation is logged
// and the loop carries on.
func (m *Matcher) Run(ctx context.Context) error {
	for it := 0; it <= m.cfg.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			m.logger.Printf("Stopping at iteration %d: %v", it, err)
			return err
		}

		evalIt := it%m.cfg.EvalInterval == 0
		saveThisIt := false
		if evalIt && it > 0 && m.evaluator != nil {
			saveThisIt = m.evaluate(it)
			m.logger.Printf("%5d | Synthetic_LR: %.6f", it, m.SyntheticLR())
		}
		checkpointIt := m.cfg.CheckpointEvery > 0 && it%m.cfg.CheckpointEvery == 0
		if evalIt && (saveThisIt || checkpointIt) {
			if err := sideOutput(func() error { return m.save(it, saveThisIt, checkpointIt) }); err != nil {
				m.logger.Printf("Failed to save synthetic set at iteration %d: %v", it, err)
			}
		}

		stats, err := m.Step(it)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", it, err)
		}
		m.curves.RecordStep(it, stats.Loss, stats.SyntheticLR)
		if it%m.cfg.LogEvery == 0 {
			m.logger.Printf("iter = %04d, loss = %.4f", it, stats.Loss)
		}
	}
	if err := sideOutput(m.saveCurves); err != nil {
		m.logger.Printf("Failed to save curves: %v", err)
	}
	return nil
}

// sideOutput runs fn and reports a panic in it as an error, so file
// outputs cannot abort the meta-loop.
func sideOutput(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// evaluate scores the current set on every pool model and reports whether
// any of them reached a new best mean accuracy.
func (m *Matcher) evaluate(it int) bool {
	images, labels, err := m.synset.GetAll(true)
	if err != nil {
		m.logger.Printf("Failed to decode synthetic set for evaluation: %v", err)
		return false
	}

	improved := false
	for _, name := range EvalPool(m.cfg.EvalMode, m.cfg.Model, m.cfg.EvalModel, m.evaluator.registry) {
		m.logger.Printf("-------------------------")
		m.logger.Printf("Evaluation model_train = %s, model_eval = %s, iteration = %d", m.cfg.Model, name, it)
		if m.augmenter != nil && m.augmenter.Enabled() {
			m.logger.Printf("DSA augmentation strategy: %s", m.cfg.DSAStrategy)
		}
		m.logger.Printf("Evaluate dataset size: %v", images.Shape)

		res, err := m.evaluator.Evaluate(name, images, labels, m.SyntheticLR())
		if err != nil {
			m.logger.Printf("Evaluation of %s failed: %v", name, err)
			continue
		}
		m.curves.RecordEvaluation(it, name, res.Mean, res.Std)
		if res.Mean > m.bestAcc[name] {
			m.bestAcc[name] = res.Mean
			m.bestStd[name] = res.Std
			improved = true
			if err := sideOutput(m.saveBestPerformance); err != nil {
				m.logger.Printf("Failed to save best performance: %v", err)
			}
		}
		m.logger.Printf("Evaluate %d random %s, mean = %.4f std = %.4f", len(res.Accuracies), name, res.Mean, res.Std)
		m.logger.Printf("%5d | Accuracy/%s: %.4f", it, name, res.Mean)
		m.logger.Printf("%5d | Max_Accuracy/%s: %.4f", it, name, m.bestAcc[name])
		m.logger.Printf("%5d | Std/%s: %.4f", it, name, res.Std)
		m.logger.Printf("%5d | Max_Std/%s: %.4f", it, name, m.bestStd[name])
	}
	if err := sideOutput(m.saveCurves); err != nil {
		m.logger.Printf("Failed to save curves: %v", err)
	}
	return improved
}

// BestSynsetName is the file the best synthetic set is written to.
func BestSynsetName(ipc int) string {
	return fmt.Sprintf("DDiF_TM_%dipc#synset_best%s", ipc, buffer.FileExt)
}

func (m *Matcher) saveCurves() error {
	if m.saveDir == "" {
		return nil
	}
	if err := m.curves.WriteJSON(filepath.Join(m.saveDir, "curves.json")); err != nil {
		return err
	}
	plots := map[string]PlotData{
		"curves_loss.png":     m.curves.GenerateTrainingCurvesPlot(),
		"curves_syn_lr.png":   m.curves.GenerateLearningRateSchedulePlot(),
		"curves_accuracy.png": m.curves.GenerateEvaluationPlot(),
	}
	for name, pd := range plots {
		if err := pd.RenderPNG(filepath.Join(m.saveDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Matcher) saveBestPerformance() error {
	if m.saveDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(map[string]map[string]float64{
		"best_acc": m.bestAcc,
		"best_std": m.bestStd,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.saveDir, "best_performance.json"), data, 0o644)
}

// save writes the best synthetic set with its learned rate and the decoded
// images and labels when the set improved, a rolling checkpoint when due,
// and a preview grid either way.
func (m *Matcher) save(it int, best, checkpoint bool) error {
	if m.saveDir == "" {
		return nil
	}
	if best {
		aux := map[string]float64{"syn_lr": m.SyntheticLR()}
		if err := m.synset.Save(filepath.Join(m.saveDir, BestSynsetName(m.cfg.IPC)), aux); err != nil {
			return err
		}
		if err := m.saveImages("images_best.pb", "labels_best.pb"); err != nil {
			return err
		}
	}
	if checkpoint {
		aux := map[string]float64{"syn_lr": m.SyntheticLR(), "iteration": float64(it)}
		if err := m.synset.Save(filepath.Join(m.saveDir, fmt.Sprintf("synset_%06d%s", it, buffer.FileExt)), aux); err != nil {
			return err
		}
	}
	return m.savePreview(it)
}

// previewClip is the clipping window of the clipped previews, in standard
// deviations of the whole set around its mean.
const previewClip = 2.5

// savePreview renders up to ten images of up to ten classes, plainly and
// clipped to mean ± previewClip·std. With ZCA the whole set is also mapped
// back to pixel space, saved, and previewed the same two ways.
func (m *Matcher) savePreview(it int) error {
	if m.cfg.IPC >= previewMaxIPC {
		return nil
	}
	classes := m.rng.Perm(m.synset.NumClasses())
	if len(classes) > 10 {
		classes = classes[:10]
	}
	perClass := min(m.synset.NumPerClass, 10)
	indices := make([]int, 0, len(classes)*perClass)
	for _, c := range classes {
		for k := 0; k < perClass; k++ {
			indices = append(indices, c*m.synset.NumPerClass+k)
		}
	}

	images, _, err := m.synset.GetAll(true)
	if err != nil {
		return err
	}
	dir := filepath.Join(m.saveDir, "imgs")
	if err := m.previewGrids(dir, "synthetic", "clipped_synthetic", it, images, indices, perClass); err != nil {
		return err
	}
	if m.zca == nil {
		return nil
	}

	if err := m.zca.Invert(images.Data); err != nil {
		return fmt.Errorf("failed to invert ZCA: %w", err)
	}
	if err := checkpoints.SaveTensorFile(filepath.Join(dir, fmt.Sprintf("images_zca_%d%s", it, buffer.FileExt)), checkpoints.WeightTensor{
		Name:  "images",
		Shape: images.Shape,
		Data:  images.Data,
	}); err != nil {
		return err
	}
	return m.previewGrids(dir, "reconstructed", "clipped_reconstructed", it, images, indices, perClass)
}

// previewGrids writes the selected rows of images as a plain grid and as a
// grid clipped around the statistics of all of images.
func (m *Matcher) previewGrids(dir, plain, clipped string, it int, images *tensor.Tensor, indices []int, perClass int) error {
	upscale := 4
	if m.cfg.Dataset == "ImageNet" {
		upscale = 1
	}
	shape := append([]int{len(indices)}, images.Shape[1:]...)
	rows := tensor.SelectRows(images, indices).Data

	if err := preprocessing.SaveGrid(filepath.Join(dir, fmt.Sprintf("%s_%05d.png", plain, it)), rows, shape, perClass, upscale); err != nil {
		return err
	}

	mean, std := stat.MeanStdDev(images.Data, nil)
	lo, hi := mean-previewClip*std, mean+previewClip*std
	clip := make([]float64, len(rows))
	for i, v := range rows {
		clip[i] = math.Max(lo, math.Min(hi, v))
	}
	return preprocessing.SaveGrid(filepath.Join(dir, fmt.Sprintf("%s_%05d.png", clipped, it)), clip, shape, perClass, upscale)
}

func (m *Matcher) saveImages(imageFile, labelFile string) error {
	images, labels, err := m.synset.GetAll(true)
	if err != nil {
		return err
	}
	if err := checkpoints.SaveTensorFile(filepath.Join(m.saveDir, imageFile), checkpoints.WeightTensor{
		Name:  "images",
		Shape: images.Shape,
		Data:  images.Data,
	}); err != nil {
		return err
	}
	labelData := make([]float64, len(labels))
	for i, l := range labels {
		labelData[i] = float64(l)
	}
	return checkpoints.SaveTensorFile(filepath.Join(m.saveDir, labelFile), checkpoints.WeightTensor{
		Name:  "labels",
		Shape: []int{len(labels)},
		Data:  labelData,
	})
}
