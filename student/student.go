// Package student runs a compiled layer specification as a pure function of
// a flat parameter vector. No weights are stored, so the same architecture
// can be evaluated at every point of an unrolled optimisation chain.
package student

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/tsawler/go-distill/checkpoints"
	"github.com/tsawler/go-distill/layers"
	"github.com/tsawler/go-distill/parallel"
	"github.com/tsawler/go-distill/tensor"
)

// Student is a reparameterised network.
type Student struct {
	spec     *layers.ModelSpec
	replicas int
	offsets  []int // start of each parameter tensor in the flat vector
	total    int

	indexCache sync.Map // unfoldKey → []int
}

// New wraps a compiled spec. replicas ≤ 1 runs the forward pass on the
// calling goroutine.
func New(spec *layers.ModelSpec, replicas int) (*Student, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec is not compiled")
	}
	if replicas < 1 {
		replicas = 1
	}

	s := &Student{spec: spec, replicas: replicas, offsets: make([]int, len(spec.ParameterShapes))}
	for i, shape := range spec.ParameterShapes {
		s.offsets[i] = s.total
		s.total += numElements(shape)
	}
	return s, nil
}

// Spec returns the compiled architecture.
func (s *Student) Spec() *layers.ModelSpec {
	return s.spec
}

// NumParams returns the flat parameter vector length.
func (s *Student) NumParams() int {
	return s.total
}

// NumClasses returns the width of the logits.
func (s *Student) NumClasses() int {
	return s.spec.OutputShape[len(s.spec.OutputShape)-1]
}

// ParameterShapes returns the per-tensor shapes in architecture order.
func (s *Student) ParameterShapes() [][]int {
	return s.spec.ParameterShapes
}

// InitParams draws a fresh flat vector: weights and biases of convolutions
// and dense layers from U(-1/sqrt(fan_in), 1/sqrt(fan_in)), normalisation
// scales at one and shifts at zero.
func (s *Student) InitParams(rng *rand.Rand) *tensor.Tensor {
	flat := make([]float64, s.total)
	idx := 0
	for _, layer := range s.spec.Layers {
		if len(layer.ParameterShapes) == 0 {
			continue
		}
		switch layer.Type {
		case layers.Dense, layers.Conv2D:
			fanIn := numElements(layer.ParameterShapes[0]) / fanOutDim(layer)
			bound := 1 / math.Sqrt(float64(fanIn))
			for _, shape := range layer.ParameterShapes {
				off := s.offsets[idx]
				for j := 0; j < numElements(shape); j++ {
					flat[off+j] = (rng.Float64()*2 - 1) * bound
				}
				idx++
			}
		default:
			// scale, shift
			off := s.offsets[idx]
			for j := 0; j < numElements(layer.ParameterShapes[0]); j++ {
				flat[off+j] = 1
			}
			idx += len(layer.ParameterShapes)
		}
	}
	return tensor.MustNew([]int{s.total}, flat)
}

func fanOutDim(layer layers.LayerSpec) int {
	if layer.Type == layers.Dense {
		return layer.ParameterShapes[0][1]
	}
	return layer.ParameterShapes[0][0]
}

// Flatten concatenates a snapshot into a flat vector after checking it
// matches the architecture.
func (s *Student) Flatten(snapshot []checkpoints.WeightTensor) ([]float64, error) {
	if len(snapshot) != len(s.spec.ParameterShapes) {
		return nil, fmt.Errorf("snapshot has %d tensors, architecture has %d", len(snapshot), len(s.spec.ParameterShapes))
	}
	for i, w := range snapshot {
		if w.NumElements() != numElements(s.spec.ParameterShapes[i]) || len(w.Data) != w.NumElements() {
			return nil, fmt.Errorf("snapshot tensor %d (%s) has shape %v, want %v", i, w.Name, w.Shape, s.spec.ParameterShapes[i])
		}
	}
	return checkpoints.Flatten(snapshot), nil
}

// Unflatten splits a flat vector into named tensors in architecture order.
func (s *Student) Unflatten(flat []float64) ([]checkpoints.WeightTensor, error) {
	if len(flat) != s.total {
		return nil, fmt.Errorf("flat vector has %d elements, architecture has %d", len(flat), s.total)
	}
	out := make([]checkpoints.WeightTensor, len(s.spec.ParameterShapes))
	for i, shape := range s.spec.ParameterShapes {
		n := numElements(shape)
		name := s.spec.ParameterNames[i]
		views, err := checkpoints.ExtractWeightsFromTensors(
			[]*tensor.Tensor{tensor.MustNew(shape, flat[s.offsets[i]:s.offsets[i]+n])}, []string{name})
		if err != nil {
			return nil, err
		}
		out[i] = views[0]
	}
	return out, nil
}

// Forward evaluates the network on x [N, C, H, W] with parameters flat [P].
// With more than one replica the batch is split into contiguous shards that
// run concurrently against the same flat vector; logits come back in input
// order.
func (s *Student) Forward(x, flat *tensor.Tensor) (*tensor.Tensor, error) {
	if len(flat.Data) != s.total {
		return nil, fmt.Errorf("flat parameter vector has %d elements, architecture has %d", len(flat.Data), s.total)
	}
	want := s.spec.InputShape[1:]
	if len(x.Shape) != len(want)+1 || numElements(x.Shape[1:]) != numElements(want) {
		return nil, fmt.Errorf("input shape %v does not match model input %v", x.Shape, s.spec.InputShape)
	}
	n := x.Shape[0]

	shards := parallel.Shards(n, s.replicas)
	if len(shards) <= 1 {
		return s.forward(x, flat), nil
	}

	rowSize := len(x.Data) / n
	outs := make([]*tensor.Tensor, len(shards))
	parallel.ForEach(len(shards), len(shards), func(i int) {
		lo, hi := shards[i][0], shards[i][1]
		part := tensor.Reshape(tensor.Slice(x, lo*rowSize, hi*rowSize), append([]int{hi - lo}, x.Shape[1:]...))
		outs[i] = s.forward(part, flat)
	})
	return tensor.Concat(outs...), nil
}

func (s *Student) forward(x, flat *tensor.Tensor) *tensor.Tensor {
	params := make([]*tensor.Tensor, len(s.spec.ParameterShapes))
	for i, shape := range s.spec.ParameterShapes {
		n := numElements(shape)
		params[i] = tensor.Reshape(tensor.Slice(flat, s.offsets[i], s.offsets[i]+n), shape)
	}

	h := x
	if len(h.Shape) == 2 && len(s.spec.InputShape) == 4 {
		h = tensor.Reshape(h, append([]int{h.Shape[0]}, s.spec.InputShape[1:]...))
	}
	idx := 0
	for i := range s.spec.Layers {
		layer := &s.spec.Layers[i]
		p := params[idx : idx+len(layer.ParameterShapes)]
		idx += len(layer.ParameterShapes)
		h = s.apply(layer, h, p)
	}
	return h
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
