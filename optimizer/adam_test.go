package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-distill/tensor"
)

func TestDefaultAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()
	assert.Equal(t, 0.001, config.LearningRate)
	assert.Equal(t, 0.9, config.Beta1)
	assert.Equal(t, 0.999, config.Beta2)
	assert.Equal(t, 1e-8, config.Epsilon)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	// with bias correction the first update is lr·sign(g) up to epsilon
	p := withGrad(t, []float64{1, 1, 1}, []float64{3, -0.002, 50})
	adam, err := NewAdamOptimizer(AdamConfig{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-12}, []*tensor.Tensor{p})
	require.NoError(t, err)

	require.NoError(t, adam.Step())
	assert.InDeltaSlice(t, []float64{0.99, 1.01, 0.99}, p.Data, 1e-8)
}

func TestAdamMatchesReferenceRecurrence(t *testing.T) {
	grads := [][]float64{{0.5}, {-0.25}, {1}}
	p := tensor.MustNew([]int{1}, []float64{2}).SetRequiresGrad(true)
	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0.1
	adam, err := NewAdamOptimizer(cfg, []*tensor.Tensor{p})
	require.NoError(t, err)

	want, m, v := 2.0, 0.0, 0.0
	for i, g := range grads {
		setGrad(t, p, g)
		require.NoError(t, adam.Step())

		m = 0.9*m + 0.1*g[0]
		v = 0.999*v + 0.001*g[0]*g[0]
		step := float64(i + 1)
		mHat := m / (1 - math.Pow(0.9, step))
		vHat := v / (1 - math.Pow(0.999, step))
		want -= 0.1 * mHat / (math.Sqrt(vHat) + 1e-8)
		assert.InDelta(t, want, p.Data[0], 1e-9, "step %d", i+1)
	}
}

func TestAdamValidation(t *testing.T) {
	p := tensor.Zeros([]int{1}).SetRequiresGrad(true)
	bad := []AdamConfig{
		{LearningRate: -1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 1, Beta1: 1, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 1, Beta1: 0.9, Beta2: 1.2, Epsilon: 1e-8},
		{LearningRate: 1, Beta1: 0.9, Beta2: 0.999, Epsilon: 0},
	}
	for _, cfg := range bad {
		_, err := NewAdamOptimizer(cfg, []*tensor.Tensor{p})
		assert.Error(t, err)
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	p := withGrad(t, []float64{1, 2}, []float64{0.1, 0.2})
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*tensor.Tensor{p})
	require.NoError(t, err)
	require.NoError(t, adam.Step())

	state, err := adam.GetState()
	require.NoError(t, err)
	assert.Len(t, state.StateData, 2)

	q := tensor.Zeros([]int{2}).SetRequiresGrad(true)
	restored, err := NewAdamOptimizer(DefaultAdamConfig(), []*tensor.Tensor{q})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(state))
	assert.Equal(t, adam.MomentumBuffers, restored.MomentumBuffers)
	assert.Equal(t, adam.VarianceBuffers, restored.VarianceBuffers)
	assert.Equal(t, uint64(1), restored.GetStats().StepCount)
	assert.Equal(t, 4, restored.GetStats().TotalStateElems)

	// buffer sized for a different parameter
	small := tensor.Zeros([]int{1}).SetRequiresGrad(true)
	other, err := NewAdamOptimizer(DefaultAdamConfig(), []*tensor.Tensor{small})
	require.NoError(t, err)
	assert.Error(t, other.LoadState(state))
}
