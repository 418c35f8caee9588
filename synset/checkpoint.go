package synset

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-distill/checkpoints"
)

// Save writes every field parameter plus the auxiliary scalars (the learned
// rate, at minimum) and the field optimizer state. The format follows the
// file extension: ".pb" for the protobuf wire format, JSON otherwise.
func (s *SyntheticSet) Save(path string, aux map[string]float64) error {
	var weights []checkpoints.WeightTensor
	for i, f := range s.fields {
		fw, err := f.Weights()
		if err != nil {
			return fmt.Errorf("failed to extract field %d: %w", i, err)
		}
		for _, w := range fw {
			w.Name = fmt.Sprintf("fields.%d.%s", i, w.Name)
			w.Layer = fmt.Sprintf("fields.%d.%s", i, w.Layer)
			weights = append(weights, w)
		}
	}

	state, err := s.opt.GetState()
	if err != nil {
		return fmt.Errorf("failed to extract optimizer state: %w", err)
	}

	ckpt := &checkpoints.Checkpoint{
		Weights:        weights,
		Auxiliary:      aux,
		OptimizerState: state,
		Metadata: checkpoints.CheckpointMetadata{
			Description: "synthetic set",
			Tags: []string{
				fmt.Sprintf("classes=%d", s.numClasses),
				fmt.Sprintf("per_class=%d", s.NumPerClass),
				fmt.Sprintf("image=%s", strings.Trim(fmt.Sprint(s.imageShape), "[]")),
			},
		},
	}
	if lr, ok := aux["syn_lr"]; ok {
		ckpt.TrainingState.LearningRate = lr
	}

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path))
	if err := saver.SaveCheckpoint(ckpt, path); err != nil {
		return fmt.Errorf("failed to save synthetic set: %w", err)
	}
	return nil
}

// Load restores field parameters and optimizer state from a checkpoint
// written by Save for the same configuration, returning its auxiliary
// scalars.
func (s *SyntheticSet) Load(path string) (map[string]float64, error) {
	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(path))
	ckpt, err := saver.LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load synthetic set: %w", err)
	}

	perField := len(s.fields[0].Params())
	if len(ckpt.Weights) != perField*len(s.fields) {
		return nil, fmt.Errorf("checkpoint holds %d tensors, synthetic set needs %d",
			len(ckpt.Weights), perField*len(s.fields))
	}
	for i, f := range s.fields {
		if err := f.LoadWeights(ckpt.Weights[i*perField : (i+1)*perField]); err != nil {
			return nil, fmt.Errorf("failed to restore field %d: %w", i, err)
		}
	}

	if ckpt.OptimizerState != nil {
		if err := s.opt.LoadState(ckpt.OptimizerState); err != nil {
			return nil, fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	return ckpt.Auxiliary, nil
}
