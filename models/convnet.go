package models

import (
	"fmt"

	"github.com/tsawler/go-distill/layers"
)

const normEps = 1e-5

// ConvNetConfig describes the standard distillation ConvNet: Depth blocks of
// conv3x3 → norm → activation → pool, then a linear classifier.
type ConvNetConfig struct {
	Width      int
	Depth      int
	Activation string // relu, leakyrelu, sigmoid
	Norm       string // instancenorm, groupnorm, layernorm, none
	Pooling    string // avgpooling, maxpooling, none
}

// DefaultConvNetConfig returns width 128, depth 3, ReLU, instance norm and
// average pooling.
func DefaultConvNetConfig() ConvNetConfig {
	return ConvNetConfig{
		Width:      128,
		Depth:      3,
		Activation: "relu",
		Norm:       "instancenorm",
		Pooling:    "avgpooling",
	}
}

// Constructor binds the configuration into a registry constructor.
func (c ConvNetConfig) Constructor() Constructor {
	return func(channel, numClasses int, imSize [2]int) (*layers.ModelSpec, error) {
		return c.Build(channel, numClasses, imSize)
	}
}

// Build compiles the network. 28x28 single-channel inputs get a padding of 3
// on the first convolution so they are processed at 32x32.
func (c ConvNetConfig) Build(channel, numClasses int, imSize [2]int) (*layers.ModelSpec, error) {
	if c.Width <= 0 || c.Depth <= 0 {
		return nil, fmt.Errorf("invalid ConvNet width %d / depth %d", c.Width, c.Depth)
	}

	b := layers.NewModelBuilder([]int{1, channel, imSize[0], imSize[1]})
	for d := 0; d < c.Depth; d++ {
		padding := 1
		if channel == 1 && d == 0 && imSize[0] == 28 {
			padding = 3
		}
		b.AddConv2D(c.Width, 3, 1, padding, true, fmt.Sprintf("features.conv%d", d))

		switch c.Norm {
		case "instancenorm":
			b.AddInstanceNorm(normEps, fmt.Sprintf("features.norm%d", d))
		case "groupnorm":
			b.AddGroupNorm(4, normEps, fmt.Sprintf("features.norm%d", d))
		case "layernorm":
			b.AddLayerNorm(normEps, fmt.Sprintf("features.norm%d", d))
		case "none":
		default:
			return nil, fmt.Errorf("unknown net_norm: %s", c.Norm)
		}

		switch c.Activation {
		case "relu":
			b.AddReLU(fmt.Sprintf("features.act%d", d))
		case "leakyrelu":
			b.AddLeakyReLU(0.01, fmt.Sprintf("features.act%d", d))
		case "sigmoid":
			b.AddSigmoid(fmt.Sprintf("features.act%d", d))
		default:
			return nil, fmt.Errorf("unknown activation function: %s", c.Activation)
		}

		switch c.Pooling {
		case "avgpooling":
			b.AddAvgPool2D(2, fmt.Sprintf("features.pool%d", d))
		case "maxpooling":
			b.AddMaxPool2D(2, fmt.Sprintf("features.pool%d", d))
		case "none":
		default:
			return nil, fmt.Errorf("unknown net_pooling: %s", c.Pooling)
		}
	}
	b.AddFlatten("flatten").AddDense(numClasses, true, "classifier")
	return b.Compile()
}

// MLP is a three-layer perceptron with 128 hidden units.
func MLP(channel, numClasses int, imSize [2]int) (*layers.ModelSpec, error) {
	return layers.NewModelBuilder([]int{1, channel, imSize[0], imSize[1]}).
		AddFlatten("flatten").
		AddDense(128, true, "fc_1").
		AddReLU("relu_1").
		AddDense(128, true, "fc_2").
		AddReLU("relu_2").
		AddDense(numClasses, true, "fc_3").
		Compile()
}

// Linear is a single dense layer over the flattened image.
func Linear(channel, numClasses int, imSize [2]int) (*layers.ModelSpec, error) {
	return layers.NewModelBuilder([]int{1, channel, imSize[0], imSize[1]}).
		AddDense(numClasses, true, "fc").
		Compile()
}
