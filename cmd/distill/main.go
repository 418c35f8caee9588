// Command distill learns an implicit-field synthetic dataset by matching
// expert training trajectories.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tsawler/go-distill/augment"
	"github.com/tsawler/go-distill/buffer"
	"github.com/tsawler/go-distill/config"
	"github.com/tsawler/go-distill/memory"
	"github.com/tsawler/go-distill/models"
	"github.com/tsawler/go-distill/parallel"
	"github.com/tsawler/go-distill/student"
	"github.com/tsawler/go-distill/synset"
	"github.com/tsawler/go-distill/tensor"
	"github.com/tsawler/go-distill/training"
	"github.com/tsawler/go-distill/vision/dataset"
	"github.com/tsawler/go-distill/vision/preprocessing"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to parse configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Distillation failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ResolveDefaults(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	runDir := cfg.RunDir()
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	logFile, err := os.Create(filepath.Join(runDir, "log.txt"))
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()
	logger := log.New(io.MultiWriter(os.Stdout, logFile), "", log.LstdFlags)

	logger.Printf("Run started %s", time.Now().Format(time.RFC3339))
	logger.Printf("Device: %s", parallel.DeviceInfo())
	logger.Printf("Output: %s", runDir)
	if err := cfg.Save(filepath.Join(runDir, "config.json")); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = parallel.DeviceCount()
	}

	data, err := loadData(cfg, replicas, logger)
	if err != nil {
		return err
	}
	channels := data.imageShape[0]
	imSize := [2]int{cfg.Res, cfg.Res}

	registry := models.Default()
	spec, err := registry.Build(cfg.Model, channels, data.numClasses, imSize)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	logger.Print(training.NewModelArchitecturePrinter(cfg.Model).Format(spec))
	st, err := student.New(spec, replicas)
	if err != nil {
		return fmt.Errorf("failed to create student: %w", err)
	}

	set, err := synset.New(cfg.SynsetConfig(replicas), data.numClasses, data.imageShape, rng)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	logger.Printf("Synthetic set: %d classes x %d decoded images from %d fields of %d parameters",
		set.NumClasses(), set.NumPerClass, set.Len(), cfg.FieldConfig().ParamsPerField())

	exemplars, rows, err := data.exemplars(set.NumPerClass, replicas, rng)
	if err != nil {
		return err
	}
	start := time.Now()
	initLoss, err := set.Init(exemplars, rows, rng)
	if err != nil {
		return fmt.Errorf("failed to initialise synthetic set: %w", err)
	}
	logger.Printf("Fields fitted in %s, mean reconstruction loss %.6f", time.Since(start).Round(time.Second), initLoss)

	bufCfg, err := cfg.BufferConfig()
	if err != nil {
		return err
	}
	logger.Printf("Expert directory: %s", bufCfg.Dir)
	experts, err := buffer.NewManager(bufCfg, rng, logger)
	if err != nil {
		return err
	}

	augmenter, err := augment.New(cfg.Augmentation(), augment.DefaultParam(), rng)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	evaluator, err := training.NewEvaluator(training.EvalConfig{
		Epochs:    cfg.EpochEvalTrain,
		BatchSize: cfg.BatchTrain,
		NumEval:   cfg.NumEval,
		Replicas:  replicas,
	}, registry, channels, data.numClasses, imSize,
		training.NewDataLoader(data.test, cfg.BatchTrain, false, nil),
		augmenter, rng, logger, os.Stdout)
	if err != nil {
		return err
	}

	mm := memory.NewMemoryManager(cfg.GraphMemoryLimit)
	matcher, err := training.NewMatcher(cfg, set, experts, st, rng, training.MatcherOptions{
		Augmenter: augmenter,
		Evaluator: evaluator,
		Memory:    mm,
		Logger:    logger,
		SaveDir:   runDir,
		ZCA:       data.zca,
	})
	if err != nil {
		return err
	}

	runErr := matcher.Run(ctx)
	logger.Printf("Graph memory: %v", mm.Stats())
	if data.cached != nil {
		logger.Print(data.cached.CacheStats())
	}
	if runErr != nil {
		return runErr
	}
	mean, std := matcher.BestAccuracy(cfg.Model)
	logger.Printf("Best accuracy %.4f +- %.4f, final synthetic lr %.6f", mean, std, matcher.SyntheticLR())
	return nil
}

// realData is the real side of a run: the training images the fields are
// fitted to and the held-out set the evaluator scores against.
type realData struct {
	train      *dataset.ImageFolderDataset
	test       training.Dataset
	cached     *dataset.ImageFolderDataset // test split when decoded lazily
	zca        *preprocessing.ZCA
	numClasses int
	imageShape []int
}

func loadData(cfg *config.Config, workers int, logger *log.Logger) (*realData, error) {
	norm, err := preprocessing.NormalizationFor(cfg.Dataset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	if cfg.ZCA {
		norm = preprocessing.Identity(norm.Channels())
	}

	train, err := dataset.NewImageFolderDataset(
		dataset.Root(cfg.DataPath, cfg.Dataset, cfg.Subset, "train"), nil, cfg.Res, norm)
	if err != nil {
		return nil, fmt.Errorf("failed to load training data: %w", err)
	}
	test, err := dataset.NewImageFolderDataset(
		dataset.Root(cfg.DataPath, cfg.Dataset, cfg.Subset, dataset.TestSplit(cfg.Dataset)), nil, cfg.Res, norm)
	if err != nil {
		return nil, fmt.Errorf("failed to load test data: %w", err)
	}
	if train.NumClasses() != test.NumClasses() {
		return nil, fmt.Errorf("train split has %d classes, test split has %d", train.NumClasses(), test.NumClasses())
	}
	logger.Printf("Train: %d images, test: %d images, %d classes", train.Len(), test.Len(), train.NumClasses())

	d := &realData{
		train:      train,
		numClasses: train.NumClasses(),
		imageShape: train.ImageShape(),
	}
	if !cfg.ZCA {
		d.test = test.WithCache(test.Len())
		d.cached = test
		return d, nil
	}

	logger.Printf("Fitting ZCA on %d training images", train.Len())
	all, _, err := train.LoadAll(workers)
	if err != nil {
		return nil, err
	}
	if d.zca, err = preprocessing.FitZCA(all.Data, all.NumElems()/all.Shape[0], preprocessing.DefaultZCAEpsilon); err != nil {
		return nil, fmt.Errorf("failed to fit ZCA: %w", err)
	}
	testImages, testLabels, err := test.LoadAll(workers)
	if err != nil {
		return nil, err
	}
	if err := d.zca.Apply(testImages.Data); err != nil {
		return nil, err
	}
	if d.test, err = training.NewTensorDataset(testImages, testLabels); err != nil {
		return nil, err
	}
	return d, nil
}

// exemplars decodes up to perClass random training images of every class
// and returns them with the rows of each class.
func (d *realData) exemplars(perClass, workers int, rng *rand.Rand) (*tensor.Tensor, [][]int, error) {
	var picked []int
	rows := make([][]int, d.numClasses)
	for c, indices := range d.train.ClassIndices() {
		n := perClass
		if n > len(indices) {
			n = len(indices)
		}
		for _, k := range rng.Perm(len(indices))[:n] {
			rows[c] = append(rows[c], len(picked))
			picked = append(picked, indices[k])
		}
	}

	images, _, err := d.train.Load(picked, workers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load exemplars: %w", err)
	}
	if d.zca != nil {
		if err := d.zca.Apply(images.Data); err != nil {
			return nil, nil, err
		}
	}
	return images, rows, nil
}
