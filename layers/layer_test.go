package layers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-distill/layers"
)

func TestConvNetStyleCompile(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{1, 3, 32, 32}).
		AddConv2D(8, 3, 1, 1, true, "conv0").
		AddInstanceNorm(1e-5, "norm0").
		AddReLU("act0").
		AddAvgPool2D(2, "pool0").
		AddFlatten("flatten").
		AddDense(10, true, "classifier").
		Compile()
	require.NoError(t, err)

	assert.True(t, model.Compiled)
	assert.Equal(t, []int{1, 10}, model.OutputShape)
	assert.Equal(t, [][]int{{8, 3, 3, 3}, {8}, {8}, {8}, {8 * 16 * 16, 10}, {10}}, model.ParameterShapes)
	assert.Equal(t, []string{
		"conv0.weight", "conv0.bias", "norm0.weight", "norm0.bias", "classifier.weight", "classifier.bias",
	}, model.ParameterNames)
	assert.Equal(t, int64(8*27+8+16+8*16*16*10+10), model.TotalParameters)

	assert.Equal(t, 8, model.Layers[1].IntParam("groups", 0), "instance norm is one group per channel")
	assert.Equal(t, 3, model.Layers[0].IntParam("input_channels", 0))
	assert.Contains(t, model.Summary(), "Total Parameters")
}

func TestLayerShapes(t *testing.T) {
	tests := []struct {
		name      string
		build     func(*layers.ModelBuilder) *layers.ModelBuilder
		wantShape []int
		wantCount int64
	}{
		{"strided conv", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddConv2D(4, 3, 2, 0, false, "c")
		}, []int{2, 4, 3, 3}, 4 * 3 * 9},
		{"dense flattens", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddDense(5, true, "d")
		}, []int{2, 5}, 3*7*7*5 + 5},
		{"layer norm is elementwise", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddLayerNorm(1e-5, "ln")
		}, []int{2, 3, 7, 7}, 2 * 3 * 7 * 7},
		{"max pool floors", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddMaxPool2D(2, "mp")
		}, []int{2, 3, 3, 3}, 0},
		{"activations keep shape", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddSigmoid("s").AddLeakyReLU(0.01, "l")
		}, []int{2, 3, 7, 7}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, err := tt.build(layers.NewModelBuilder([]int{2, 3, 7, 7})).Compile()
			require.NoError(t, err)
			assert.Equal(t, tt.wantShape, model.OutputShape)
			assert.Equal(t, tt.wantCount, model.TotalParameters)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(*layers.ModelBuilder) *layers.ModelBuilder
	}{
		{"empty", func(b *layers.ModelBuilder) *layers.ModelBuilder { return b }},
		{"duplicate names", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddReLU("a").AddReLU("a")
		}},
		{"kernel too large", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddConv2D(2, 9, 1, 0, true, "c")
		}},
		{"conv after flatten", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddFlatten("f").AddConv2D(2, 3, 1, 1, true, "c")
		}},
		{"bad groups", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddGroupNorm(2, 1e-5, "gn")
		}},
		{"missing output size", func(b *layers.ModelBuilder) *layers.ModelBuilder {
			return b.AddDense(0, true, "d")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build(layers.NewModelBuilder([]int{1, 3, 4, 4})).Compile()
			assert.Error(t, err)
		})
	}
}

func TestGetCompiledModel(t *testing.T) {
	b := layers.NewModelBuilder([]int{1, 4}).AddDense(2, false, "d")
	_, err := b.GetCompiledModel()
	assert.Error(t, err)

	_, err = b.Compile()
	require.NoError(t, err)
	model, err := b.GetCompiledModel()
	require.NoError(t, err)
	assert.Equal(t, [][]int{{4, 2}}, model.ParameterShapes)
}

func TestParamAccessorsAcceptJSONNumbers(t *testing.T) {
	spec := layers.LayerSpec{Parameters: map[string]interface{}{
		"kernel_size": float64(3),
		"eps":         1e-5,
		"use_bias":    false,
	}}
	assert.Equal(t, 3, spec.IntParam("kernel_size", 0))
	assert.Equal(t, 7, spec.IntParam("missing", 7))
	assert.Equal(t, 1e-5, spec.FloatParam("eps", 0))
	assert.False(t, spec.BoolParam("use_bias", true))
	assert.Equal(t, "Unknown", layers.LayerType(99).String())
}
