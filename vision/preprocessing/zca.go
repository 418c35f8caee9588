package preprocessing

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultZCAEpsilon regularises the covariance eigenvalues.
const DefaultZCAEpsilon = 0.1

// ZCA is a fitted whitening transform over flattened images.
type ZCA struct {
	mean      []float64
	transform *mat.Dense // symmetric D×D
	inverse   *mat.Dense // U·diag(sqrt(s+eps))·Uᵀ
}

// FitZCA estimates the whitening transform U·diag(1/sqrt(s+eps))·Uᵀ from
// rows of data, each one flattened image of dim values.
func FitZCA(data []float64, dim int, eps float64) (*ZCA, error) {
	if dim <= 0 || len(data)%dim != 0 {
		return nil, fmt.Errorf("data of %d values is not a whole number of %d-value rows", len(data), dim)
	}
	n := len(data) / dim
	if n < 2 {
		return nil, fmt.Errorf("ZCA needs at least two samples, got %d", n)
	}

	x := mat.NewDense(n, dim, append([]float64(nil), data...))
	mean := make([]float64, dim)
	for j := 0; j < dim; j++ {
		mean[j] = mat.Sum(x.ColView(j)) / float64(n)
	}
	for i := 0; i < n; i++ {
		row := x.RawRowView(i)
		for j := range row {
			row[j] -= mean[j]
		}
	}

	var cov mat.SymDense
	cov.SymOuterK(1/float64(n-1), x.T())

	var eig mat.EigenSym
	if ok := eig.Factorize(&cov, true); !ok {
		return nil, fmt.Errorf("failed to factorize covariance")
	}
	values := eig.Values(nil)
	var u mat.Dense
	eig.VectorsTo(&u)

	whiten := mat.DenseCopyOf(&u)
	recolor := mat.DenseCopyOf(&u)
	for j, s := range values {
		root := math.Sqrt(math.Max(s, 0) + eps)
		for i := 0; i < dim; i++ {
			whiten.Set(i, j, whiten.At(i, j)/root)
			recolor.Set(i, j, recolor.At(i, j)*root)
		}
	}
	var transform, inverse mat.Dense
	transform.Mul(whiten, u.T())
	inverse.Mul(recolor, u.T())

	return &ZCA{mean: mean, transform: &transform, inverse: &inverse}, nil
}

// Dim is the flattened image size the transform was fitted on.
func (z *ZCA) Dim() int {
	return len(z.mean)
}

// Apply whitens rows of data in place.
func (z *ZCA) Apply(data []float64) error {
	dim := len(z.mean)
	if len(data)%dim != 0 {
		return fmt.Errorf("data of %d values is not a whole number of %d-value rows", len(data), dim)
	}
	n := len(data) / dim
	if n == 0 {
		return nil
	}
	x := mat.NewDense(n, dim, data)
	for i := 0; i < n; i++ {
		row := x.RawRowView(i)
		for j := range row {
			row[j] -= z.mean[j]
		}
	}
	var out mat.Dense
	out.Mul(x, z.transform)
	copy(data, out.RawMatrix().Data)
	return nil
}

// Invert maps whitened rows of data back to pixel space in place.
func (z *ZCA) Invert(data []float64) error {
	dim := len(z.mean)
	if len(data)%dim != 0 {
		return fmt.Errorf("data of %d values is not a whole number of %d-value rows", len(data), dim)
	}
	n := len(data) / dim
	if n == 0 {
		return nil
	}
	var out mat.Dense
	out.Mul(mat.NewDense(n, dim, data), z.inverse)
	raw := out.RawMatrix().Data
	for i := range raw {
		data[i] = raw[i] + z.mean[i%dim]
	}
	return nil
}
