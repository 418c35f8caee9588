// Package field implements the implicit neural field that parameterises one
// synthetic image: a SIREN mapping normalised pixel coordinates to channel
// values.
package field

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-distill/checkpoints"
	"github.com/tsawler/go-distill/optimizer"
	"github.com/tsawler/go-distill/tensor"
)

// Config holds the SIREN shape and frequency scales.
type Config struct {
	DimIn     int     `json:"dim_in"`
	NumLayers int     `json:"num_layers"`
	LayerSize int     `json:"layer_size"`
	DimOut    int     `json:"dim_out"`
	W0Initial float64 `json:"w0_initial"`
	W0        float64 `json:"w0"`
}

// Validate checks that every dimension is positive.
func (c Config) Validate() error {
	if c.DimIn <= 0 || c.NumLayers <= 0 || c.LayerSize <= 0 || c.DimOut <= 0 {
		return fmt.Errorf("invalid field shape: dim_in=%d num_layers=%d layer_size=%d dim_out=%d",
			c.DimIn, c.NumLayers, c.LayerSize, c.DimOut)
	}
	if c.W0Initial <= 0 || c.W0 <= 0 {
		return fmt.Errorf("invalid field frequency: w0_initial=%g w0=%g", c.W0Initial, c.W0)
	}
	return nil
}

// ParamsPerField is the number of scalars one field stores.
func (c Config) ParamsPerField() int {
	total := 0
	for _, s := range c.layerShapes() {
		total += s[0]*s[1] + s[1]
	}
	return total
}

// layerShapes returns [in, out] for every sine layer followed by the linear
// output layer.
func (c Config) layerShapes() [][2]int {
	shapes := make([][2]int, 0, c.NumLayers+1)
	in := c.DimIn
	for i := 0; i < c.NumLayers; i++ {
		shapes = append(shapes, [2]int{in, c.LayerSize})
		in = c.LayerSize
	}
	return append(shapes, [2]int{in, c.DimOut})
}

// Field is one SIREN. Weights are stored [in, out].
type Field struct {
	cfg     Config
	weights []*tensor.Tensor
	biases  []*tensor.Tensor
}

// New draws a freshly initialised field. The first layer samples from
// U(-1/in, 1/in); later layers from U(-sqrt(6/in)/w0, sqrt(6/in)/w0).
func New(cfg Config, rng *rand.Rand) (*Field, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Field{cfg: cfg}
	for i, s := range cfg.layerShapes() {
		in, out := s[0], s[1]
		bound := math.Sqrt(6/float64(in)) / cfg.W0
		if i == 0 {
			bound = 1 / float64(in)
		}
		f.weights = append(f.weights, tensor.Uniform([]int{in, out}, -bound, bound, rng).SetRequiresGrad(true))
		f.biases = append(f.biases, tensor.Uniform([]int{out}, -bound, bound, rng).SetRequiresGrad(true))
	}
	return f, nil
}

// Config returns the field's shape.
func (f *Field) Config() Config {
	return f.cfg
}

// Params returns the trainable leaves, weight then bias per layer.
func (f *Field) Params() []*tensor.Tensor {
	params := make([]*tensor.Tensor, 0, 2*len(f.weights))
	for i := range f.weights {
		params = append(params, f.weights[i], f.biases[i])
	}
	return params
}

// ParamNames names Params in order.
func (f *Field) ParamNames() []string {
	names := make([]string, 0, 2*len(f.weights))
	for i := range f.weights {
		layer := fmt.Sprintf("net.%d", i)
		if i == len(f.weights)-1 {
			layer = "last_layer"
		}
		names = append(names, layer+".weight", layer+".bias")
	}
	return names
}

// Weights copies the parameters out for checkpointing.
func (f *Field) Weights() ([]checkpoints.WeightTensor, error) {
	return checkpoints.ExtractWeightsFromTensors(f.Params(), f.ParamNames())
}

// LoadWeights overwrites the parameters in place.
func (f *Field) LoadWeights(weights []checkpoints.WeightTensor) error {
	return checkpoints.LoadWeightsIntoTensors(weights, f.Params())
}

// Decode evaluates the field on every grid coordinate and returns
// [DimOut, res...]. The result stays attached to the parameters.
func (f *Field) Decode(grid *Grid) *tensor.Tensor {
	return f.decode(grid, f.weights, f.biases)
}

// DecodeDetached is Decode without building a graph.
func (f *Field) DecodeDetached(grid *Grid) *tensor.Tensor {
	weights := make([]*tensor.Tensor, len(f.weights))
	biases := make([]*tensor.Tensor, len(f.biases))
	for i := range f.weights {
		weights[i], biases[i] = f.weights[i].Detach(), f.biases[i].Detach()
	}
	return f.decode(grid, weights, biases)
}

func (f *Field) decode(grid *Grid, weights, biases []*tensor.Tensor) *tensor.Tensor {
	if grid.Coords.Shape[1] != f.cfg.DimIn {
		panic(fmt.Errorf("%w: grid has %d coordinate dims, field expects %d",
			tensor.ErrShape, grid.Coords.Shape[1], f.cfg.DimIn))
	}

	h := grid.Coords
	last := len(weights) - 1
	for i := 0; i < last; i++ {
		w0 := f.cfg.W0
		if i == 0 {
			w0 = f.cfg.W0Initial
		}
		h = tensor.Sin(tensor.MulConst(tensor.Linear(h, weights[i], biases[i]), w0))
	}
	out := tensor.Linear(h, weights[last], biases[last])

	shape := append([]int{f.cfg.DimOut}, grid.Resolution...)
	return tensor.Reshape(tensor.Transpose(out), shape)
}

// Fit regresses the field onto target [DimOut, res...] with a dedicated
// Adam optimizer for the given number of steps. It returns the MSE of the
// last step.
func (f *Field) Fit(grid *Grid, target *tensor.Tensor, steps int, lr float64) (float64, error) {
	want := append([]int{f.cfg.DimOut}, grid.Resolution...)
	if len(target.Data) != numElements(want) {
		return 0, fmt.Errorf("fit target has shape %v, field decodes %v", target.Shape, want)
	}
	target = tensor.Reshape(target.Detach(), want)

	opt, err := optimizer.New("adam", lr, f.Params())
	if err != nil {
		return 0, fmt.Errorf("failed to create init optimizer: %w", err)
	}

	loss := math.NaN()
	for step := 0; step < steps; step++ {
		opt.ZeroGrad()
		l := tensor.MSE(f.Decode(grid), target)
		if err := l.Backward(); err != nil {
			return 0, fmt.Errorf("failed to backpropagate init loss: %w", err)
		}
		if err := opt.Step(); err != nil {
			return 0, fmt.Errorf("failed to step init optimizer: %w", err)
		}
		loss = l.Item()
	}
	opt.ZeroGrad()
	return loss, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
