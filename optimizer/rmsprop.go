package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-distill/tensor"
)

// RMSPropOptimizerState is RMSProp with optional momentum and centering.
type RMSPropOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Alpha        float64 // Smoothing constant (typically 0.99)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient
	Momentum     float64 // Momentum coefficient (0.0 for no momentum)
	Centered     bool    // Whether to use centered RMSProp (subtract mean of gradients)

	SquaredGradAvgBuffers [][]float64 // Running average of squared gradients
	MomentumBuffers       [][]float64 // Only if momentum > 0
	GradientAvgBuffers    [][]float64 // Only if centered

	// Step tracking
	StepCount uint64

	params []*tensor.Tensor
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates an RMSProp optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*tensor.Tensor) (*RMSPropOptimizerState, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}

	n := len(params)
	rms := &RMSPropOptimizerState{
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: make([][]float64, n),
		params:                params,
	}
	if config.Momentum > 0 {
		rms.MomentumBuffers = make([][]float64, n)
	}
	if config.Centered {
		rms.GradientAvgBuffers = make([][]float64, n)
	}
	for i, p := range params {
		rms.SquaredGradAvgBuffers[i] = make([]float64, len(p.Data))
		if rms.MomentumBuffers != nil {
			rms.MomentumBuffers[i] = make([]float64, len(p.Data))
		}
		if rms.GradientAvgBuffers != nil {
			rms.GradientAvgBuffers[i] = make([]float64, len(p.Data))
		}
	}
	return rms, nil
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step() error {
	rms.StepCount++

	for i, p := range rms.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		if len(g.Data) != len(p.Data) {
			return fmt.Errorf("gradient %d has %d elements, parameter has %d", i, len(g.Data), len(p.Data))
		}
		sq := rms.SquaredGradAvgBuffers[i]
		for j, gj := range g.Data {
			if rms.WeightDecay != 0 {
				gj += rms.WeightDecay * p.Data[j]
			}
			sq[j] = rms.Alpha*sq[j] + (1-rms.Alpha)*gj*gj
			avg := sq[j]
			if rms.Centered {
				ga := rms.GradientAvgBuffers[i]
				ga[j] = rms.Alpha*ga[j] + (1-rms.Alpha)*gj
				avg -= ga[j] * ga[j]
			}
			denom := math.Sqrt(avg) + rms.Epsilon
			if rms.Momentum > 0 {
				buf := rms.MomentumBuffers[i]
				buf[j] = rms.Momentum*buf[j] + gj/denom
				p.Data[j] -= rms.LearningRate * buf[j]
			} else {
				p.Data[j] -= rms.LearningRate * gj / denom
			}
		}
	}

	return nil
}

// ZeroGrad clears every parameter gradient
func (rms *RMSPropOptimizerState) ZeroGrad() {
	zeroGrads(rms.params)
}

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(newLR float64) {
	rms.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (rms *RMSPropOptimizerState) GetLearningRate() float64 {
	return rms.LearningRate
}

// GetStepCount returns the current step count
func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	data := collectBuffers(nil, rms.SquaredGradAvgBuffers, "squared_grad_avg", "squared_grad_avg")
	data = collectBuffers(data, rms.MomentumBuffers, "momentum", "momentum")
	data = collectBuffers(data, rms.GradientAvgBuffers, "gradient_avg", "gradient_avg")
	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]float64{
			"learning_rate": rms.LearningRate,
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"centered":      boolParam(rms.Centered),
			"step_count":    float64(rms.StepCount),
		},
		StateData: data,
	}, nil
}

// LoadState restores optimizer state from checkpoint. Momentum and
// centering are structural and must match the optimizer's configuration.
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	if c := extractBoolParam(state.Parameters, "centered", rms.Centered); c != rms.Centered {
		return fmt.Errorf("centered mismatch: optimizer %t, state %t", rms.Centered, c)
	}

	rms.LearningRate = extractFloatParam(state.Parameters, "learning_rate", rms.LearningRate)
	rms.Alpha = extractFloatParam(state.Parameters, "alpha", rms.Alpha)
	rms.Epsilon = extractFloatParam(state.Parameters, "epsilon", rms.Epsilon)
	rms.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", rms.WeightDecay)
	rms.StepCount = extractUint64Param(state.Parameters, "step_count", rms.StepCount)

	sizes := paramSizes(len(rms.params), func(i int) int { return len(rms.params[i].Data) })
	if err := restoreBuffers(rms.SquaredGradAvgBuffers, sizes, state, "squared_grad_avg"); err != nil {
		return err
	}
	if rms.MomentumBuffers != nil {
		if err := restoreBuffers(rms.MomentumBuffers, sizes, state, "momentum"); err != nil {
			return err
		}
	}
	if rms.GradientAvgBuffers != nil {
		return restoreBuffers(rms.GradientAvgBuffers, sizes, state, "gradient_avg")
	}
	return nil
}
