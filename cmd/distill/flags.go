package main

import (
	"flag"
	"fmt"

	"github.com/tsawler/go-distill/config"
)

// bindFlags registers the command line overrides on fs, targeting cfg.
func bindFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "dataset name (CIFAR10, CIFAR100, ImageNet, ...)")
	fs.StringVar(&cfg.Subset, "subset", cfg.Subset, "ImageNet subset")
	fs.IntVar(&cfg.Res, "res", cfg.Res, "image resolution (0 uses the dataset default)")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "student architecture")
	fs.IntVar(&cfg.IPC, "ipc", cfg.IPC, "storage budget in images per class")
	fs.IntVar(&cfg.DIPC, "dipc", cfg.DIPC, "decoded images per class (0 derives it from ipc)")

	fs.IntVar(&cfg.DimIn, "dim_in", cfg.DimIn, "field input dimension")
	fs.IntVar(&cfg.NumLayers, "num_layers", cfg.NumLayers, "field depth")
	fs.IntVar(&cfg.LayerSize, "layer_size", cfg.LayerSize, "field hidden width")
	fs.IntVar(&cfg.DimOut, "dim_out", cfg.DimOut, "field output dimension")
	fs.Float64Var(&cfg.W0Initial, "w0_initial", cfg.W0Initial, "first layer frequency")
	fs.Float64Var(&cfg.W0, "w0", cfg.W0, "hidden layer frequency")

	fs.StringVar(&cfg.FieldOptimizer, "field_optimizer", cfg.FieldOptimizer, "field optimizer (adam, sgd, rmsprop)")
	fs.Float64Var(&cfg.LRImg, "lr_nf", cfg.LRImg, "field learning rate")
	fs.IntVar(&cfg.EpochsInit, "epochs_init", cfg.EpochsInit, "field fitting epochs at initialisation")
	fs.Float64Var(&cfg.LRInit, "lr_nf_init", cfg.LRInit, "field fitting learning rate")

	fs.IntVar(&cfg.SynSteps, "syn_steps", cfg.SynSteps, "student steps per meta-iteration")
	fs.IntVar(&cfg.ExpertEpochs, "expert_epochs", cfg.ExpertEpochs, "expert epochs to match")
	fs.IntVar(&cfg.MaxStartEpoch, "max_start_epoch", cfg.MaxStartEpoch, "exclusive bound on the start epoch")
	fs.IntVar(&cfg.BatchSyn, "batch_syn", cfg.BatchSyn, "synthetic batch size (0 uses the whole set)")
	fs.Float64Var(&cfg.LRLR, "lr_lr", cfg.LRLR, "learning rate of the synthetic step size")
	fs.Float64Var(&cfg.LRTeacher, "lr_teacher", cfg.LRTeacher, "initial synthetic step size")
	fs.Float64Var(&cfg.MinSyntheticLR, "min_syn_lr", cfg.MinSyntheticLR, "floor of the synthetic step size")
	fs.IntVar(&cfg.Iterations, "iteration", cfg.Iterations, "meta-iterations")
	fs.IntVar(&cfg.LogEvery, "log_every", cfg.LogEvery, "iterations between loss lines")
	fs.IntVar(&cfg.CheckpointEvery, "checkpoint_every", cfg.CheckpointEvery, "iterations between checkpoints")

	fs.StringVar(&cfg.BufferPath, "buffer_path", cfg.BufferPath, "expert buffer root")
	fs.BoolVar(&cfg.ZCA, "zca", cfg.ZCA, "ZCA whiten real data")
	fs.BoolVar(&cfg.LoadAll, "load_all", cfg.LoadAll, "keep every expert file resident")
	fs.IntVar(&cfg.MaxFiles, "max_files", cfg.MaxFiles, "streaming cap on buffer files")
	fs.IntVar(&cfg.MaxExperts, "max_experts", cfg.MaxExperts, "streaming cap on experts per file")

	fs.BoolVar(&cfg.DSA, "dsa", cfg.DSA, "differentiable siamese augmentation")
	fs.StringVar(&cfg.DSAStrategy, "dsa_strategy", cfg.DSAStrategy, "augmentation strategy")
	fs.BoolVar(&cfg.NoAug, "no_aug", cfg.NoAug, "disable augmentation")

	fs.StringVar(&cfg.EvalMode, "eval_mode", cfg.EvalMode, "evaluation model pool (S, M, W, D, A, P, N, C)")
	fs.StringVar(&cfg.EvalModel, "model_eval", cfg.EvalModel, "evaluation model outside the named pools")
	fs.IntVar(&cfg.NumEval, "num_eval", cfg.NumEval, "evaluation runs per model")
	fs.IntVar(&cfg.EvalInterval, "eval_it", cfg.EvalInterval, "iterations between evaluations")
	fs.IntVar(&cfg.EpochEvalTrain, "epoch_eval_train", cfg.EpochEvalTrain, "evaluation training epochs")
	fs.IntVar(&cfg.BatchTrain, "batch_train", cfg.BatchTrain, "evaluation batch size")

	fs.StringVar(&cfg.DataPath, "data_path", cfg.DataPath, "real data root")
	fs.StringVar(&cfg.SavePath, "save_path", cfg.SavePath, "output root")
	fs.StringVar(&cfg.Flag, "flag", cfg.Flag, "run name suffix")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	fs.IntVar(&cfg.Replicas, "replicas", cfg.Replicas, "student replicas (0 uses the physical core count)")
	fs.Int64Var(&cfg.GraphMemoryLimit, "graph_memory_limit", cfg.GraphMemoryLimit, "unrolled graph budget in bytes (0 is unlimited)")
}

// parseConfig reads -config (if any) and applies only the flags given on the
// command line on top of it. Precedence is flag, then file, then default.
func parseConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("distill", flag.ContinueOnError)
	configPath := fs.String("config", "", "JSON configuration file")
	bindFlags(fs, config.DefaultConfig())
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}

	target := flag.NewFlagSet("overrides", flag.ContinueOnError)
	bindFlags(target, cfg)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" || setErr != nil {
			return
		}
		setErr = target.Set(f.Name, f.Value.String())
	})
	if setErr != nil {
		return nil, fmt.Errorf("failed to apply flags: %w", setErr)
	}
	return cfg, nil
}
