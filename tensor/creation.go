package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a leaf tensor from data, which is used without copying.
func NewTensor(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(shape); n != len(data) {
		return nil, fmt.Errorf("data length %d doesn't match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: cloneInts(shape), Data: data}, nil
}

// MustNew is NewTensor for shapes known to be valid.
func MustNew(shape []int, data []float64) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int) *Tensor {
	return &Tensor{Shape: cloneInts(shape), Data: make([]float64, calculateNumElements(shape))}
}

func Ones(shape []int) *Tensor {
	return Full(shape, 1)
}

func Full(shape []int, value float64) *Tensor {
	t := Zeros(shape)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// Scalar creates a one-element tensor of shape [1].
func Scalar(v float64) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float64{v}}
}

// Uniform fills a tensor with samples from U[lo, hi).
func Uniform(shape []int, lo, hi float64, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.Data {
		t.Data[i] = lo + (hi-lo)*rng.Float64()
	}
	return t
}

// RandomNormal fills a tensor with samples from N(mean, std²).
func RandomNormal(shape []int, mean, std float64, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.Data {
		t.Data[i] = mean + std*rng.NormFloat64()
	}
	return t
}
