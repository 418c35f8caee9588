package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// MatMulOp implements C = A·B for matrices.
type MatMulOp struct{ a, b *Tensor }

func (op *MatMulOp) Name() string      { return "MatMul" }
func (op *MatMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }
func (op *MatMulOp) Backward(g *Tensor) []*Tensor {
	ga := MatMul(g, Transpose(op.b))
	gb := MatMul(Transpose(op.a), g)
	return []*Tensor{ga, gb}
}

// MatMul multiplies a [m, k] by b [k, n].
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[0] {
		panic(fmt.Errorf("%w: MatMul %v x %v", ErrShape, a.Shape, b.Shape))
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := make([]float64, m*n)
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas64.General{Rows: m, Cols: k, Stride: k, Data: a.Data},
		blas64.General{Rows: k, Cols: n, Stride: n, Data: b.Data},
		0,
		blas64.General{Rows: m, Cols: n, Stride: n, Data: out},
	)
	return newResult([]int{m, n}, out, &MatMulOp{a, b})
}

// Linear computes x·w + b for x [n, in], w [in, out], b [out] (b may be nil).
func Linear(x, w, b *Tensor) *Tensor {
	y := MatMul(x, w)
	if b == nil {
		return y
	}
	return Add(y, Reshape(Tile(b, y.Shape[0], 1), y.Shape))
}
