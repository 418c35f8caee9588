package training

import (
	"math"
)

// LRScheduler maps an epoch to a learning rate. Implementations hold no
// state, so one value can drive every evaluation run.
type LRScheduler interface {
	GetLR(epoch int, baseLR float64) float64
	GetName() string
}

// StepLRScheduler multiplies the rate by Gamma after every StepSize epochs.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler falls back to a 10x decay every 30 epochs for
// out-of-range arguments.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	s := &StepLRScheduler{StepSize: 30, Gamma: 0.1}
	if stepSize > 0 {
		s.StepSize = stepSize
	}
	if gamma > 0 && gamma < 1 {
		s.Gamma = gamma
	}
	return s
}

// EvalSchedule is the schedule for training a fresh network over epochs 0..
// epochs: a single 10x decay once epoch epochs/2+1 has finished.
func EvalSchedule(epochs int) *StepLRScheduler {
	return NewStepLRScheduler(epochs/2+2, 0.1)
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	decays := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(decays))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

var _ LRScheduler = (*StepLRScheduler)(nil)
