package buffer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tsawler/go-distill/checkpoints"
)

// ReadFile decodes one replay buffer file.
func ReadFile(path string) ([]Trajectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer file: %w", err)
	}
	ts, err := checkpoints.UnmarshalBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode buffer file %s: %w", path, err)
	}
	return ts, nil
}

// WriteFile encodes trajectories into one replay buffer file, creating the
// parent directory when needed.
func WriteFile(path string, trajectories []Trajectory) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create buffer directory: %w", err)
	}
	if err := os.WriteFile(path, checkpoints.MarshalBuffer(trajectories), 0644); err != nil {
		return fmt.Errorf("failed to write buffer file: %w", err)
	}
	return nil
}

var imageNetSubsets = map[string]string{
	"nette":  "imagenette",
	"woof":   "imagewoof",
	"fruits": "imagefruit",
	"yellow": "imageyellow",
	"cats":   "imagemeow",
	"birds":  "imagesquawk",
}

// ExpertDir resolves <root>/<dataset>[/<subset>][_NO_ZCA]/<model>. The
// subset level only exists for ImageNet.
func ExpertDir(root, dataset, subset, model string, zca bool) (string, error) {
	dir := filepath.Join(root, dataset)
	if dataset == "ImageNet" {
		name, ok := imageNetSubsets[subset]
		if !ok {
			return "", fmt.Errorf("unknown ImageNet subset %q", subset)
		}
		dir = filepath.Join(dir, name)
	}
	if !zca {
		dir += "_NO_ZCA"
	}
	return filepath.Join(dir, model), nil
}
