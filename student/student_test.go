package student

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/tsawler/go-distill/layers"
	"github.com/tsawler/go-distill/models"
	"github.com/tsawler/go-distill/tensor"
)

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return tensor.MustNew(shape, data)
}

func buildStudent(t *testing.T, cfg models.ConvNetConfig, channel, classes, size, replicas int) *Student {
	t.Helper()
	spec, err := cfg.Build(channel, classes, [2]int{size, size})
	require.NoError(t, err)
	s, err := New(spec, replicas)
	require.NoError(t, err)
	return s
}

func TestLinearForwardMatchesHandComputation(t *testing.T) {
	spec, err := models.Linear(1, 2, [2]int{1, 2})
	require.NoError(t, err)
	s, err := New(spec, 1)
	require.NoError(t, err)
	require.Equal(t, 6, s.NumParams())

	// W = [[1, 2], [3, 4]], b = [0.5, -0.5]
	flat := tensor.MustNew([]int{6}, []float64{1, 2, 3, 4, 0.5, -0.5})
	x := tensor.MustNew([]int{2, 1, 1, 2}, []float64{1, 0, 2, -1})

	out, err := s.Forward(x, flat)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, out.Shape)
	assert.InDeltaSlice(t, []float64{1.5, 1.5, -0.5, -0.5}, out.Data, 1e-12)
}

func TestConvMatchesDirectConvolution(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	spec, err := layers.NewModelBuilder([]int{1, 2, 5, 5}).AddConv2D(3, 3, 2, 1, true, "conv").Compile()
	require.NoError(t, err)
	s, err := New(spec, 1)
	require.NoError(t, err)

	x := randomTensor(rng, 2, 2, 5, 5)
	flat := randomTensor(rng, s.NumParams())
	out, err := s.Forward(x, flat)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 3, 3}, out.Shape)

	weight := flat.Data[:3*2*9]
	bias := flat.Data[3*2*9:]
	for b := 0; b < 2; b++ {
		for o := 0; o < 3; o++ {
			for oy := 0; oy < 3; oy++ {
				for ox := 0; ox < 3; ox++ {
					want := bias[o]
					for c := 0; c < 2; c++ {
						for ky := 0; ky < 3; ky++ {
							for kx := 0; kx < 3; kx++ {
								y, xx := oy*2+ky-1, ox*2+kx-1
								if y < 0 || y >= 5 || xx < 0 || xx >= 5 {
									continue
								}
								want += x.Data[((b*2+c)*5+y)*5+xx] * weight[((o*2+c)*3+ky)*3+kx]
							}
						}
					}
					got := out.Data[((b*3+o)*3+oy)*3+ox]
					assert.InDelta(t, want, got, 1e-10)
				}
			}
		}
	}
}

func TestInstanceNormOutputIsStandardised(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	spec, err := layers.NewModelBuilder([]int{1, 3, 4, 4}).AddInstanceNorm(1e-12, "norm").Compile()
	require.NoError(t, err)
	s, err := New(spec, 1)
	require.NoError(t, err)

	x := randomTensor(rng, 2, 3, 4, 4)
	out, err := s.Forward(x, s.InitParams(rng))
	require.NoError(t, err)

	for plane := 0; plane < 6; plane++ {
		vals := out.Data[plane*16 : (plane+1)*16]
		mean, sq := 0.0, 0.0
		for _, v := range vals {
			mean += v
		}
		mean /= 16
		for _, v := range vals {
			sq += (v - mean) * (v - mean)
		}
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, sq/16, 1e-6)
	}
}

func TestReplicaForwardMatchesSingle(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cfg := models.ConvNetConfig{Width: 4, Depth: 2, Activation: "relu", Norm: "instancenorm", Pooling: "avgpooling"}
	single := buildStudent(t, cfg, 3, 5, 8, 1)
	multi := buildStudent(t, cfg, 3, 5, 8, 3)

	x := randomTensor(rng, 7, 3, 8, 8)
	flatData := single.InitParams(rng).Data

	run := func(s *Student) ([]float64, []float64) {
		flat := tensor.MustNew([]int{len(flatData)}, append([]float64(nil), flatData...)).SetRequiresGrad(true)
		out, err := s.Forward(x, flat)
		require.NoError(t, err)
		loss := tensor.CrossEntropy(out, []int{0, 1, 2, 3, 4, 0, 1})
		g, err := tensor.Grad(loss, []*tensor.Tensor{flat}, false)
		require.NoError(t, err)
		return out.Data, g[0].Data
	}

	out1, grad1 := run(single)
	out3, grad3 := run(multi)
	assert.InDeltaSlice(t, out1, out3, 1e-12)
	assert.InDeltaSlice(t, grad1, grad3, 1e-12)
}

func TestGradientMatchesFiniteDifferences(t *testing.T) {
	variants := []models.ConvNetConfig{
		{Width: 2, Depth: 1, Activation: "sigmoid", Norm: "instancenorm", Pooling: "avgpooling"},
		{Width: 4, Depth: 1, Activation: "leakyrelu", Norm: "groupnorm", Pooling: "maxpooling"},
		{Width: 2, Depth: 1, Activation: "sigmoid", Norm: "layernorm", Pooling: "none"},
	}
	for _, cfg := range variants {
		t.Run(cfg.Norm+"/"+cfg.Pooling, func(t *testing.T) {
			rng := rand.New(rand.NewSource(4))
			s := buildStudent(t, cfg, 2, 3, 4, 1)
			x := randomTensor(rng, 3, 2, 4, 4)
			labels := []int{2, 0, 1}

			loss := func(flat *tensor.Tensor) *tensor.Tensor {
				out, err := s.Forward(x, flat)
				require.NoError(t, err)
				return tensor.CrossEntropy(out, labels)
			}

			p0 := s.InitParams(rng).Data
			flat := tensor.MustNew([]int{len(p0)}, append([]float64(nil), p0...)).SetRequiresGrad(true)
			g, err := tensor.Grad(loss(flat), []*tensor.Tensor{flat}, false)
			require.NoError(t, err)

			numeric := fd.Gradient(nil, func(p []float64) float64 {
				return loss(tensor.MustNew([]int{len(p)}, append([]float64(nil), p...))).Item()
			}, p0, &fd.Settings{Formula: fd.Central, Step: 1e-6})
			for i := range numeric {
				assert.InDelta(t, numeric[i], g[0].Data[i], 1e-5, "param %d", i)
			}
		})
	}
}

func TestInitParams(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	s := buildStudent(t, models.ConvNetConfig{Width: 4, Depth: 1, Activation: "relu", Norm: "instancenorm", Pooling: "avgpooling"}, 3, 10, 4, 1)
	flat := s.InitParams(rng)
	weights, err := s.Unflatten(flat.Data)
	require.NoError(t, err)

	names := map[string][]float64{}
	for _, w := range weights {
		names[w.Name] = w.Data
	}
	assert.Equal(t, []float64{1, 1, 1, 1}, names["features.norm0.weight"])
	assert.Equal(t, []float64{0, 0, 0, 0}, names["features.norm0.bias"])

	bound := 1 / 5.196152422706632 // 1/sqrt(3*3*3)
	for _, v := range names["features.conv0.weight"] {
		assert.LessOrEqual(t, v, bound)
		assert.GreaterOrEqual(t, v, -bound)
	}
	assert.False(t, flat.RequiresGrad())
}

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	spec, err := models.MLP(1, 3, [2]int{2, 2})
	require.NoError(t, err)
	s, err := New(spec, 1)
	require.NoError(t, err)

	flat := s.InitParams(rng).Data
	snapshot, err := s.Unflatten(flat)
	require.NoError(t, err)
	require.Len(t, snapshot, 6)
	assert.Equal(t, "fc_1.weight", snapshot[0].Name)
	assert.Equal(t, []int{4, 128}, snapshot[0].Shape)

	back, err := s.Flatten(snapshot)
	require.NoError(t, err)
	assert.Equal(t, flat, back)

	_, err = s.Flatten(snapshot[:5])
	assert.Error(t, err)
	_, err = s.Unflatten(flat[:10])
	assert.Error(t, err)
}

func TestForwardRejectsMismatchedInputs(t *testing.T) {
	spec, err := models.Linear(1, 2, [2]int{2, 2})
	require.NoError(t, err)
	s, err := New(spec, 1)
	require.NoError(t, err)

	_, err = s.Forward(tensor.Zeros([]int{1, 1, 2, 2}), tensor.Zeros([]int{3}))
	assert.Error(t, err)
	_, err = s.Forward(tensor.Zeros([]int{1, 1, 3, 3}), tensor.Zeros([]int{s.NumParams()}))
	assert.Error(t, err)

	_, err = New(&layers.ModelSpec{}, 1)
	assert.Error(t, err)
}
