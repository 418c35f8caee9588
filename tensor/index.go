package tensor

import (
	"fmt"
)

// GatherOp reads out[i] = a[idx[i]], or zero where idx[i] < 0. Every
// structural operation in the package (transposes, im2col, slicing,
// broadcasting) is a Gather with a precomputed index map, and its adjoint is
// the matching ScatterAdd.
type GatherOp struct {
	a   *Tensor
	idx []int
}

func (op *GatherOp) Name() string      { return "Gather" }
func (op *GatherOp) Inputs() []*Tensor { return []*Tensor{op.a} }
func (op *GatherOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{ScatterAdd(g, op.idx, op.a.Shape)}
}

// Gather builds a tensor of the given shape from a using idx, which must have
// one entry per output element.
func Gather(a *Tensor, idx []int, shape []int) *Tensor {
	if calculateNumElements(shape) != len(idx) {
		panic(fmt.Errorf("%w: Gather index of %d entries for shape %v", ErrShape, len(idx), shape))
	}
	out := make([]float64, len(idx))
	n := len(a.Data)
	for i, j := range idx {
		if j < 0 {
			continue
		}
		if j >= n {
			panic(fmt.Errorf("%w: Gather index %d out of range %d", ErrShape, j, n))
		}
		out[i] = a.Data[j]
	}
	return newResult(cloneInts(shape), out, &GatherOp{a, idx})
}

// ScatterAddOp accumulates out[idx[i]] += a[i], skipping idx[i] < 0.
type ScatterAddOp struct {
	a   *Tensor
	idx []int
}

func (op *ScatterAddOp) Name() string      { return "ScatterAdd" }
func (op *ScatterAddOp) Inputs() []*Tensor { return []*Tensor{op.a} }
func (op *ScatterAddOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{Gather(g, op.idx, op.a.Shape)}
}

func ScatterAdd(a *Tensor, idx []int, shape []int) *Tensor {
	if len(idx) != len(a.Data) {
		panic(fmt.Errorf("%w: ScatterAdd index of %d entries for %d elements", ErrShape, len(idx), len(a.Data)))
	}
	out := make([]float64, calculateNumElements(shape))
	for i, j := range idx {
		if j < 0 {
			continue
		}
		out[j] += a.Data[i]
	}
	return newResult(cloneInts(shape), out, &ScatterAddOp{a, idx})
}

// ConcatOp joins tensors along their first dimension.
type ConcatOp struct {
	parts []*Tensor
}

func (op *ConcatOp) Name() string      { return "Concat" }
func (op *ConcatOp) Inputs() []*Tensor { return op.parts }
func (op *ConcatOp) Backward(g *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.parts))
	offset := 0
	for i, p := range op.parts {
		grads[i] = Reshape(Slice(g, offset, offset+len(p.Data)), p.Shape)
		offset += len(p.Data)
	}
	return grads
}

// Concat joins tensors along dimension 0. Trailing dimensions must agree.
func Concat(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic(fmt.Errorf("%w: Concat of nothing", ErrShape))
	}
	first := parts[0]
	rows, total := 0, 0
	for _, p := range parts {
		if len(p.Shape) != len(first.Shape) || !shapesEqual(p.Shape[1:], first.Shape[1:]) {
			panic(fmt.Errorf("%w: Concat %v with %v", ErrShape, first.Shape, p.Shape))
		}
		rows += p.Shape[0]
		total += len(p.Data)
	}
	out := make([]float64, 0, total)
	for _, p := range parts {
		out = append(out, p.Data...)
	}
	shape := cloneInts(first.Shape)
	shape[0] = rows
	return newResult(shape, out, &ConcatOp{parts: parts})
}

// Slice returns the flat elements [start, end) as a 1-D tensor.
func Slice(a *Tensor, start, end int) *Tensor {
	if start < 0 || end > len(a.Data) || start > end {
		panic(fmt.Errorf("%w: Slice [%d:%d] of %d elements", ErrShape, start, end, len(a.Data)))
	}
	idx := make([]int, end-start)
	for i := range idx {
		idx[i] = start + i
	}
	return Gather(a, idx, []int{end - start})
}

// SelectRows gathers whole rows (first-dimension entries) in the given order.
func SelectRows(a *Tensor, rows []int) *Tensor {
	rowSize := len(a.Data) / a.Shape[0]
	idx := make([]int, 0, len(rows)*rowSize)
	for _, r := range rows {
		if r < 0 || r >= a.Shape[0] {
			panic(fmt.Errorf("%w: row %d of %d", ErrShape, r, a.Shape[0]))
		}
		for j := 0; j < rowSize; j++ {
			idx = append(idx, r*rowSize+j)
		}
	}
	shape := cloneInts(a.Shape)
	shape[0] = len(rows)
	return Gather(a, idx, shape)
}

// Sum reduces every element to a [1] tensor.
func Sum(a *Tensor) *Tensor {
	return ScatterAdd(a, make([]int, len(a.Data)), []int{1})
}

// Mean is Sum divided by the element count.
func Mean(a *Tensor) *Tensor {
	return MulConst(Sum(a), 1/float64(len(a.Data)))
}

// Expand broadcasts a one-element tensor to shape.
func Expand(s *Tensor, shape []int) *Tensor {
	if len(s.Data) != 1 {
		panic(fmt.Errorf("%w: Expand of %v", ErrShape, s.Shape))
	}
	return Gather(s, make([]int, calculateNumElements(shape)), shape)
}

// RowSum reduces a [n, m] view (any shape whose first dimension is n) to [n].
func RowSum(a *Tensor) *Tensor {
	n := a.Shape[0]
	m := len(a.Data) / n
	idx := make([]int, len(a.Data))
	for i := range idx {
		idx[i] = i / m
	}
	return ScatterAdd(a, idx, []int{n})
}

// RowMean is RowSum divided by the row length.
func RowMean(a *Tensor) *Tensor {
	m := len(a.Data) / a.Shape[0]
	return MulConst(RowSum(a), 1/float64(m))
}

// BroadcastRows repeats each entry of v (shape [n]) m times, producing [n, m].
func BroadcastRows(v *Tensor, m int) *Tensor {
	n := len(v.Data)
	idx := make([]int, n*m)
	for i := range idx {
		idx[i] = i / m
	}
	return Gather(v, idx, []int{n, m})
}

// Tile lays v (n elements) out as [outer, n, inner] with out[o,i,j] = v[i].
// A bias over columns is Tile(b, rows, 1); a per-channel affine over images
// is Tile(w, batch, height*width).
func Tile(v *Tensor, outer, inner int) *Tensor {
	n := len(v.Data)
	idx := make([]int, outer*n*inner)
	for o := 0; o < outer; o++ {
		for i := 0; i < n; i++ {
			base := (o*n + i) * inner
			for j := 0; j < inner; j++ {
				idx[base+j] = i
			}
		}
	}
	return Gather(v, idx, []int{outer, n, inner})
}

// Transpose swaps the two dimensions of a matrix.
func Transpose(a *Tensor) *Tensor {
	if len(a.Shape) != 2 {
		panic(fmt.Errorf("%w: Transpose of %v", ErrShape, a.Shape))
	}
	return BatchTranspose(a, 1, a.Shape[0], a.Shape[1])
}

// BatchTranspose treats a as [b, m, n] and returns [b, n, m] (or [n, m] when
// b is 1 and a is a matrix).
func BatchTranspose(a *Tensor, b, m, n int) *Tensor {
	if b*m*n != len(a.Data) {
		panic(fmt.Errorf("%w: BatchTranspose %dx%dx%d of %v", ErrShape, b, m, n, a.Shape))
	}
	idx := make([]int, len(a.Data))
	for k := 0; k < b; k++ {
		base := k * m * n
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				idx[base+j*m+i] = base + i*n + j
			}
		}
	}
	shape := []int{b, n, m}
	if b == 1 && len(a.Shape) == 2 {
		shape = []int{n, m}
	}
	return Gather(a, idx, shape)
}

// Unfold2DIndex builds the im2col gather map for a [batch, c, h, w] input:
// row r = (b, oy, ox), column q = (c, ky, kx). Padded taps are -1.
func Unfold2DIndex(batch, c, h, w, k, stride, pad int) (idx []int, oh, ow int) {
	oh = (h+2*pad-k)/stride + 1
	ow = (w+2*pad-k)/stride + 1
	cols := c * k * k
	idx = make([]int, batch*oh*ow*cols)
	pos := 0
	for b := 0; b < batch; b++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				for ch := 0; ch < c; ch++ {
					for ky := 0; ky < k; ky++ {
						for kx := 0; kx < k; kx++ {
							y := oy*stride + ky - pad
							x := ox*stride + kx - pad
							if y < 0 || y >= h || x < 0 || x >= w {
								idx[pos] = -1
							} else {
								idx[pos] = ((b*c+ch)*h+y)*w + x
							}
							pos++
						}
					}
				}
			}
		}
	}
	return idx, oh, ow
}

// Unfold2D is im2col: [batch, c, h, w] → [batch*oh*ow, c*k*k].
func Unfold2D(a *Tensor, k, stride, pad int) (*Tensor, int, int) {
	if len(a.Shape) != 4 {
		panic(fmt.Errorf("%w: Unfold2D expects [b,c,h,w], got %v", ErrShape, a.Shape))
	}
	b, c, h, w := a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3]
	idx, oh, ow := Unfold2DIndex(b, c, h, w, k, stride, pad)
	return Gather(a, idx, []int{b * oh * ow, c * k * k}), oh, ow
}
