package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-distill/tensor"
)

// SGDOptimizerState is SGD with optional momentum, Nesterov momentum and L2
// weight decay, following the usual buf = μ·buf + g, p -= lr·buf form.
type SGDOptimizerState struct {
	LearningRate float64
	Momentum     float64 // 0 disables the buffers
	WeightDecay  float64
	Nesterov     bool

	// nil until the parameter first receives a gradient
	MomentumBuffers [][]float64
	StepCount       uint64

	params []*tensor.Tensor
}

type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig is plain SGD at 0.01.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LearningRate: 0.01}
}

func (c SGDConfig) validate() error {
	switch {
	case c.LearningRate < 0:
		return fmt.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	case c.Momentum < 0 || c.Momentum > 1:
		return fmt.Errorf("momentum must lie in [0, 1]: %f", c.Momentum)
	case c.WeightDecay < 0:
		return fmt.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	case c.Nesterov && c.Momentum == 0:
		return fmt.Errorf("nesterov momentum requires a positive momentum")
	}
	return nil
}

// NewSGDOptimizer updates params in place on every Step.
func NewSGDOptimizer(config SGDConfig, params []*tensor.Tensor) (*SGDOptimizerState, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &SGDOptimizerState{
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		MomentumBuffers: make([][]float64, len(params)),
		params:          params,
	}, nil
}

// Step applies one update to every parameter holding a gradient.
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++

	for i, p := range sgd.params {
		g := p.Grad()
		if g == nil {
			continue
		}
		if len(g.Data) != len(p.Data) {
			return fmt.Errorf("gradient %d has %d elements, parameter has %d", i, len(g.Data), len(p.Data))
		}

		d := append([]float64(nil), g.Data...)
		if sgd.WeightDecay != 0 {
			floats.AddScaled(d, sgd.WeightDecay, p.Data)
		}

		if sgd.Momentum != 0 {
			buf := sgd.MomentumBuffers[i]
			if buf == nil {
				buf = append([]float64(nil), d...)
				sgd.MomentumBuffers[i] = buf
			} else {
				floats.Scale(sgd.Momentum, buf)
				floats.Add(buf, d)
			}
			if sgd.Nesterov {
				floats.AddScaled(d, sgd.Momentum, buf)
			} else {
				copy(d, buf)
			}
		}

		floats.AddScaled(p.Data, -sgd.LearningRate, d)
	}

	return nil
}

func (sgd *SGDOptimizerState) ZeroGrad() {
	zeroGrads(sgd.params)
}

func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState snapshots hyperparameters and momentum buffers.
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.StepCount),
		},
		StateData: collectBuffers(nil, sgd.MomentumBuffers, "momentum", "momentum"),
	}, nil
}

// LoadState restores a GetState snapshot taken over the same parameters.
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloatParam(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloatParam(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloatParam(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	sizes := paramSizes(len(sgd.params), func(i int) int { return len(sgd.params[i].Data) })
	return restoreBuffers(sgd.MomentumBuffers, sizes, state, "momentum")
}
