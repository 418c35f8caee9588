package layers

import (
	"fmt"
	"maps"
	"strings"
)

// LayerType enumerates the building blocks of student networks.
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	LeakyReLU
	Sigmoid
	InstanceNorm
	GroupNorm
	LayerNorm
	AvgPool2D
	MaxPool2D
	Flatten
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Sigmoid:
		return "Sigmoid"
	case InstanceNorm:
		return "InstanceNorm"
	case GroupNorm:
		return "GroupNorm"
	case LayerNorm:
		return "LayerNorm"
	case AvgPool2D:
		return "AvgPool2D"
	case MaxPool2D:
		return "MaxPool2D"
	case Flatten:
		return "Flatten"
	default:
		return "Unknown"
	}
}

// LayerSpec is pure configuration. Execution lives with whoever owns the
// parameters (see the student package).
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// filled in by Compile
	InputShape      []int    `json:"input_shape,omitempty"`
	OutputShape     []int    `json:"output_shape,omitempty"`
	ParameterShapes [][]int  `json:"parameter_shapes,omitempty"`
	ParameterNames  []string `json:"parameter_names,omitempty"`
	ParameterCount  int64    `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete network as layer configuration. The leading
// dimension of every shape is the batch size the model was compiled for;
// executors treat it as a placeholder.
type ModelSpec struct {
	Layers          []LayerSpec `json:"layers"`
	TotalParameters int64       `json:"total_parameters"`
	ParameterShapes [][]int     `json:"parameter_shapes"`
	ParameterNames  []string    `json:"parameter_names"`
	InputShape      []int       `json:"input_shape"`
	OutputShape     []int       `json:"output_shape"`
	Compiled        bool        `json:"compiled"`
}

// ModelBuilder accumulates layers for an input of inputShape
// [batch, channels, height, width]. Shapes are resolved by Compile.
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{inputShape: inputShape}
}

// AddLayer appends layer and marks the builder dirty.
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

func (mb *ModelBuilder) add(t LayerType, name string, params map[string]interface{}) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: t, Name: name, Parameters: params})
}

// AddDense appends a fully connected layer; its input size is the product
// of the incoming non-batch dimensions.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.add(Dense, name, map[string]interface{}{"output_size": outputSize, "use_bias": useBias})
}

// AddConv2D appends a square-kernel convolution.
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.add(Conv2D, name, map[string]interface{}{
		"output_channels": outputChannels,
		"kernel_size":     kernelSize,
		"stride":          stride,
		"padding":         padding,
		"use_bias":        useBias,
	})
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder { return mb.add(ReLU, name, nil) }

// AddLeakyReLU scales negative inputs by negativeSlope.
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float64, name string) *ModelBuilder {
	return mb.add(LeakyReLU, name, map[string]interface{}{"negative_slope": negativeSlope})
}

func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder { return mb.add(Sigmoid, name, nil) }

// AddInstanceNorm normalises each channel of each sample, with a learnable
// per-channel scale and shift.
func (mb *ModelBuilder) AddInstanceNorm(eps float64, name string) *ModelBuilder {
	return mb.add(InstanceNorm, name, map[string]interface{}{"eps": eps})
}

// AddGroupNorm normalises groups of channels per sample, with a learnable
// per-channel scale and shift.
func (mb *ModelBuilder) AddGroupNorm(groups int, eps float64, name string) *ModelBuilder {
	return mb.add(GroupNorm, name, map[string]interface{}{"groups": groups, "eps": eps})
}

// AddLayerNorm normalises each sample over all of its features, with a
// learnable elementwise scale and shift.
func (mb *ModelBuilder) AddLayerNorm(eps float64, name string) *ModelBuilder {
	return mb.add(LayerNorm, name, map[string]interface{}{"eps": eps})
}

// AddAvgPool2D and AddMaxPool2D pool non-overlapping kernelSize windows.
func (mb *ModelBuilder) AddAvgPool2D(kernelSize int, name string) *ModelBuilder {
	return mb.add(AvgPool2D, name, map[string]interface{}{"kernel_size": kernelSize})
}

func (mb *ModelBuilder) AddMaxPool2D(kernelSize int, name string) *ModelBuilder {
	return mb.add(MaxPool2D, name, map[string]interface{}{"kernel_size": kernelSize})
}

func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder { return mb.add(Flatten, name, nil) }

// Compile copies the layers into a ModelSpec and walks the input shape
// through them, recording every parameter tensor in forward order. Layer
// names must be unique since they prefix parameter names.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	spec := &ModelSpec{InputShape: append([]int(nil), mb.inputShape...)}
	seen := make(map[string]bool, len(mb.layers))
	shape := mb.inputShape
	for i, src := range mb.layers {
		if src.Name == "" {
			return nil, fmt.Errorf("layer %d (%s) has no name", i, src.Type)
		}
		if seen[src.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", src.Name)
		}
		seen[src.Name] = true

		layer := src
		layer.Parameters = maps.Clone(src.Parameters)
		layer.InputShape = append([]int(nil), shape...)
		out, shapes, names, err := mb.computeLayerInfo(&layer, shape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}
		layer.OutputShape = out
		layer.ParameterShapes = shapes
		layer.ParameterNames = names
		for _, s := range shapes {
			layer.ParameterCount += int64(numElements(s))
		}

		spec.Layers = append(spec.Layers, layer)
		spec.ParameterShapes = append(spec.ParameterShapes, shapes...)
		spec.ParameterNames = append(spec.ParameterNames, names...)
		spec.TotalParameters += layer.ParameterCount
		shape = out
	}

	spec.OutputShape = shape
	spec.Compiled = true
	mb.compiled = true
	return spec, nil
}

// computeLayerInfo returns the output shape and the parameter shapes and
// names of layer applied to inputShape.
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, error) {
	switch layer.Type {
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case Conv2D:
		return mb.computeConv2DInfo(layer, inputShape)
	case InstanceNorm, GroupNorm, LayerNorm:
		return mb.computeNormInfo(layer, inputShape)
	case AvgPool2D, MaxPool2D:
		return mb.computePoolInfo(layer, inputShape)
	case Flatten:
		if len(inputShape) < 2 {
			return nil, nil, nil, fmt.Errorf("flatten requires a batch dimension")
		}
		return []int{inputShape[0], numElements(inputShape[1:])}, nil, nil, nil
	case ReLU, LeakyReLU, Sigmoid:
		return append([]int(nil), inputShape...), nil, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func weightAndBias(layer *LayerSpec, weightShape, biasShape []int, useBias bool) ([][]int, []string) {
	shapes := [][]int{weightShape}
	names := []string{layer.Name + ".weight"}
	if useBias {
		shapes = append(shapes, biasShape)
		names = append(names, layer.Name+".bias")
	}
	return shapes, names
}

func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, error) {
	if len(inputShape) < 2 {
		return nil, nil, nil, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize := layer.IntParam("output_size", 0)
	if outputSize <= 0 {
		return nil, nil, nil, fmt.Errorf("missing output_size parameter")
	}
	useBias := layer.BoolParam("use_bias", true)

	// Dense layers flatten every non-batch dimension
	inputSize := numElements(inputShape[1:])
	layer.Parameters["input_size"] = inputSize

	shapes, names := weightAndBias(layer, []int{inputSize, outputSize}, []int{outputSize}, useBias)
	return []int{inputShape[0], outputSize}, shapes, names, nil
}

func (mb *ModelBuilder) computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, error) {
	if len(inputShape) != 4 {
		return nil, nil, nil, fmt.Errorf("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := layer.IntParam("output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, nil, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize := layer.IntParam("kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, nil, fmt.Errorf("missing kernel_size parameter")
	}
	stride := layer.IntParam("stride", 1)
	padding := layer.IntParam("padding", 0)
	useBias := layer.BoolParam("use_bias", true)

	n, c, h, w := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	layer.Parameters["input_channels"] = c

	outH := (h+2*padding-kernelSize)/stride + 1
	outW := (w+2*padding-kernelSize)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, nil, nil, fmt.Errorf("kernel %d does not fit input %dx%d", kernelSize, h, w)
	}

	shapes, names := weightAndBias(layer, []int{outputChannels, c, kernelSize, kernelSize}, []int{outputChannels}, useBias)
	return []int{n, outputChannels, outH, outW}, shapes, names, nil
}

// computeNormInfo covers instance, group and layer normalisation
func (mb *ModelBuilder) computeNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, error) {
	if len(inputShape) != 4 {
		return nil, nil, nil, fmt.Errorf("%s requires 4D input", layer.Type)
	}
	channels := inputShape[1]
	affineShape := []int{channels}

	switch layer.Type {
	case InstanceNorm:
		layer.Parameters["groups"] = channels
	case GroupNorm:
		groups := layer.IntParam("groups", 0)
		if groups <= 0 || channels%groups != 0 {
			return nil, nil, nil, fmt.Errorf("%d channels cannot be split into %d groups", channels, groups)
		}
	case LayerNorm:
		layer.Parameters["groups"] = 1
		affineShape = append([]int(nil), inputShape[1:]...)
	}

	shapes := [][]int{affineShape, append([]int(nil), affineShape...)}
	names := []string{layer.Name + ".weight", layer.Name + ".bias"}
	return append([]int(nil), inputShape...), shapes, names, nil
}

func (mb *ModelBuilder) computePoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, []string, error) {
	if len(inputShape) != 4 {
		return nil, nil, nil, fmt.Errorf("%s requires 4D input", layer.Type)
	}
	k := layer.IntParam("kernel_size", 2)
	if k <= 0 || inputShape[2] < k || inputShape[3] < k {
		return nil, nil, nil, fmt.Errorf("pool size %d does not fit input %v", k, inputShape)
	}
	return []int{inputShape[0], inputShape[1], inputShape[2] / k, inputShape[3] / k}, nil, nil, nil
}

// GetCompiledModel returns a fresh copy of the last successful Compile.
// Adding a layer afterwards invalidates it.
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if !mb.compiled {
		return nil, fmt.Errorf("model not compiled: call Compile first")
	}
	return mb.Compile()
}

// Summary lists each layer with its shapes and parameter count.
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)

		if len(layer.Parameters) > 0 {
			fmt.Fprintf(&sb, "  Config: %v\n", layer.Parameters)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// IntParam reads an integer parameter, accepting the float64 form that
// JSON decoding produces.
func (ls *LayerSpec) IntParam(key string, defaultValue int) int {
	switch v := ls.Parameters[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return defaultValue
}

// BoolParam reads a boolean parameter.
func (ls *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	if v, ok := ls.Parameters[key].(bool); ok {
		return v
	}
	return defaultValue
}

// FloatParam reads a float parameter.
func (ls *LayerSpec) FloatParam(key string, defaultValue float64) float64 {
	switch v := ls.Parameters[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return defaultValue
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
