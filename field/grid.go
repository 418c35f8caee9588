package field

import (
	"github.com/tsawler/go-distill/tensor"
)

// Grid is a fixed lattice of normalised coordinates.
type Grid struct {
	Resolution []int
	Coords     *tensor.Tensor // [prod(Resolution), len(Resolution)]
}

// NewGrid spaces each axis evenly over [-1, 1] and enumerates the lattice
// row-major, so the last axis varies fastest. An axis of length 1 sits at 0.
func NewGrid(resolution []int) *Grid {
	dims := len(resolution)
	total := numElements(resolution)
	data := make([]float64, total*dims)

	idx := make([]int, dims)
	for p := 0; p < total; p++ {
		for d := 0; d < dims; d++ {
			data[p*dims+d] = linspace(idx[d], resolution[d])
		}
		for d := dims - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < resolution[d] {
				break
			}
			idx[d] = 0
		}
	}

	return &Grid{
		Resolution: append([]int(nil), resolution...),
		Coords:     tensor.MustNew([]int{total, dims}, data),
	}
}

func linspace(i, n int) float64 {
	if n == 1 {
		return 0
	}
	return -1 + 2*float64(i)/float64(n-1)
}
