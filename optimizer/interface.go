package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-distill/checkpoints"
	"github.com/tsawler/go-distill/tensor"
)

// Optimizer updates a fixed list of leaf tensors in place from the
// gradients accumulated by tensor.Backward.
type Optimizer interface {
	// Step applies one update. Parameters without a gradient are skipped.
	Step() error

	// ZeroGrad clears the gradient of every managed parameter.
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64
}

// OptimizerState is the serialisable optimizer state.
type OptimizerState = checkpoints.OptimizerState

// New builds an optimizer by name ("sgd", "adam", "rmsprop") with default
// hyperparameters and the given learning rate.
func New(name string, lr float64, params []*tensor.Tensor) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGDOptimizer(cfg, params)
	case "adam", "":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg, params)
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate = lr
		return NewRMSPropOptimizer(cfg, params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

func checkParams(params []*tensor.Tensor) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
		if !p.IsLeaf() {
			return fmt.Errorf("parameter %d is not a leaf tensor", i)
		}
	}
	return nil
}

func zeroGrads(params []*tensor.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
