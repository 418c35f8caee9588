package training

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"strings"

	"github.com/tsawler/go-distill/augment"
	"github.com/tsawler/go-distill/models"
	"github.com/tsawler/go-distill/optimizer"
	"github.com/tsawler/go-distill/student"
	"github.com/tsawler/go-distill/tensor"
)

// Evaluation network hyperparameters.
const (
	EvalMomentum    = 0.9
	EvalWeightDecay = 5e-4
)

// EvalPool returns the architectures to evaluate under mode, keeping only
// registered ones.
//
//	S  the training model without a BN suffix
//	M  ConvNet, AlexNet, VGG11, ResNet18
//	W  ConvNet widths 32..256
//	D  ConvNet depths 1..4
//	A  activations (sigmoid, relu, leaky relu)
//	P  pooling (none, max, avg)
//	N  normalisation (none, batch, layer, instance, group)
//	C  the training model and ConvNet
//
// Any other mode evaluates evalModel alone.
func EvalPool(mode, model, evalModel string, registry *models.Registry) []string {
	var pool []string
	switch mode {
	case "M":
		pool = []string{"ConvNet", "AlexNet", "VGG11", "ResNet18"}
	case "W":
		pool = []string{"ConvNetW32", "ConvNetW64", "ConvNetW128", "ConvNetW256"}
	case "D":
		pool = []string{"ConvNetD1", "ConvNetD2", "ConvNetD3", "ConvNetD4"}
	case "A":
		pool = []string{"ConvNetAS", "ConvNetAR", "ConvNetAL"}
	case "P":
		pool = []string{"ConvNetNP", "ConvNetMP", "ConvNetAP"}
	case "N":
		pool = []string{"ConvNetNN", "ConvNetBN", "ConvNetLN", "ConvNetIN", "ConvNetGN"}
	case "S":
		if i := strings.Index(model, "BN"); i >= 0 {
			pool = []string{model[:i]}
		} else {
			pool = []string{model}
		}
	case "C":
		pool = []string{model, "ConvNet"}
	default:
		if evalModel == "" {
			evalModel = model
		}
		pool = []string{evalModel}
	}

	seen := make(map[string]bool, len(pool))
	out := make([]string, 0, len(pool))
	for _, name := range pool {
		if seen[name] || !registry.Has(name) {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// EvalConfig controls how a synthetic set is scored.
type EvalConfig struct {
	Epochs    int // training runs for Epochs+1 epochs
	BatchSize int
	NumEval   int
	Replicas  int
}

// EvalResult summarises the runs of one architecture.
type EvalResult struct {
	Model      string
	Accuracies []float64
	Mean       float64
	Std        float64
	Failures   []error
}

// Evaluator trains fresh networks on a synthetic set and measures their
// accuracy on held-out real data.
type Evaluator struct {
	cfg        EvalConfig
	registry   *models.Registry
	channel    int
	numClasses int
	imSize     [2]int

	test      *DataLoader
	augmenter *augment.Augmenter
	rng       *rand.Rand
	logger    *log.Logger
	progress  io.Writer
}

// NewEvaluator creates an evaluator for images [channel, imSize...] scored
// against test. augmenter may be nil. A nil logger discards output and
// progress bars are only drawn when progress is set.
func NewEvaluator(cfg EvalConfig, registry *models.Registry, channel, numClasses int, imSize [2]int,
	test *DataLoader, augmenter *augment.Augmenter, rng *rand.Rand, logger *log.Logger, progress io.Writer) (*Evaluator, error) {
	if cfg.Epochs < 0 || cfg.NumEval <= 0 {
		return nil, fmt.Errorf("invalid evaluation schedule: %d epochs, %d runs", cfg.Epochs, cfg.NumEval)
	}
	if test == nil || test.NumSamples() == 0 {
		return nil, fmt.Errorf("evaluation needs a non-empty test set")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if progress == nil {
		progress = io.Discard
	}
	return &Evaluator{
		cfg:        cfg,
		registry:   registry,
		channel:    channel,
		numClasses: numClasses,
		imSize:     imSize,
		test:       test,
		augmenter:  augmenter,
		rng:        rng,
		logger:     logger,
		progress:   progress,
	}, nil
}

// Evaluate runs NumEval independent trainings of modelName on images with
// labels at learning rate lr. A failing run is recorded and skipped; an
// error is returned only when no run succeeds.
func (e *Evaluator) Evaluate(modelName string, images *tensor.Tensor, labels []int, lr float64) (*EvalResult, error) {
	res := &EvalResult{Model: modelName}
	for run := 0; run < e.cfg.NumEval; run++ {
		acc, err := e.evaluateOnce(modelName, run, images, labels, lr)
		if err != nil {
			e.logger.Printf("Evaluation run %d of %s failed: %v", run, modelName, err)
			res.Failures = append(res.Failures, err)
			continue
		}
		res.Accuracies = append(res.Accuracies, acc)
	}
	if len(res.Accuracies) == 0 {
		return res, fmt.Errorf("all %d evaluation runs of %s failed: %w", e.cfg.NumEval, modelName, res.Failures[0])
	}
	res.Mean, res.Std = MeanStd(res.Accuracies)
	return res, nil
}

func (e *Evaluator) evaluateOnce(modelName string, run int, images *tensor.Tensor, labels []int, lr float64) (acc float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation panicked: %v", r)
		}
	}()

	spec, err := e.registry.Build(modelName, e.channel, e.numClasses, e.imSize)
	if err != nil {
		return 0, err
	}
	net, err := student.New(spec, e.cfg.Replicas)
	if err != nil {
		return 0, fmt.Errorf("failed to create network: %w", err)
	}
	params := net.InitParams(e.rng).SetRequiresGrad(true)

	if err := e.train(net, params, modelName, run, images, labels, lr); err != nil {
		return 0, err
	}
	return e.testAccuracy(net, params.Detach())
}

// train follows the reference schedule: epochs 0..Epochs with one 10x decay.
// The optimizer is rebuilt when the rate changes, which drops momentum.
func (e *Evaluator) train(net *student.Student, params *tensor.Tensor, modelName string, run int,
	images *tensor.Tensor, labels []int, baseLR float64) error {
	ds, err := NewTensorDataset(images, labels)
	if err != nil {
		return err
	}
	loader := NewDataLoader(ds, e.cfg.BatchSize, true, e.rng)
	schedule := EvalSchedule(e.cfg.Epochs)

	var opt optimizer.Optimizer
	currentLR := -1.0
	pb := NewProgressBar(e.progress, fmt.Sprintf("%s run %d", modelName, run), e.cfg.Epochs+1)
	for epoch := 0; epoch <= e.cfg.Epochs; epoch++ {
		if lr := schedule.GetLR(epoch, baseLR); lr != currentLR {
			opt, err = optimizer.NewSGDOptimizer(optimizer.SGDConfig{
				LearningRate: lr,
				Momentum:     EvalMomentum,
				WeightDecay:  EvalWeightDecay,
			}, []*tensor.Tensor{params})
			if err != nil {
				return fmt.Errorf("failed to create evaluation optimizer: %w", err)
			}
			currentLR = lr
		}

		loader.Reset()
		epochLoss, correct, seen := 0.0, 0, 0
		for loader.HasNext() {
			batch, err := loader.Next()
			if err != nil {
				return err
			}
			x := batch.Images
			if e.augmenter != nil {
				x = e.augmenter.Apply(x)
			}
			logits, err := net.Forward(x, params)
			if err != nil {
				return err
			}
			loss := tensor.CrossEntropy(logits, batch.Labels)

			opt.ZeroGrad()
			if err := loss.Backward(); err != nil {
				return fmt.Errorf("failed to backpropagate: %w", err)
			}
			if err := opt.Step(); err != nil {
				return err
			}

			epochLoss += loss.Item() * float64(len(batch.Labels))
			for i, p := range tensor.Argmax(logits) {
				if p == batch.Labels[i] {
					correct++
				}
			}
			seen += len(batch.Labels)
		}
		pb.Update(epoch+1, map[string]float64{
			"loss":      epochLoss / float64(seen),
			"train_acc": float64(correct) / float64(seen),
		})
	}
	pb.Finish()
	opt.ZeroGrad()
	return nil
}

func (e *Evaluator) testAccuracy(net *student.Student, params *tensor.Tensor) (float64, error) {
	cm := NewConfusionMatrix(e.numClasses)
	e.test.Reset()
	for e.test.HasNext() {
		batch, err := e.test.Next()
		if err != nil {
			return 0, fmt.Errorf("failed to read test batch: %w", err)
		}
		logits, err := net.Forward(batch.Images, params)
		if err != nil {
			return 0, err
		}
		if err := cm.UpdateFromLogits(logits, batch.Labels); err != nil {
			return 0, err
		}
	}
	return cm.GetAccuracy(), nil
}
