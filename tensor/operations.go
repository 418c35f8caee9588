package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// AddOp implements a + b.
type AddOp struct{ a, b *Tensor }

func (op *AddOp) Name() string      { return "Add" }
func (op *AddOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }
func (op *AddOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{g, g}
}

// Add returns a + b elementwise. Both operands must hold the same number of
// elements; the result takes a's shape.
func Add(a, b *Tensor) *Tensor {
	mustSameSize("Add", a, b)
	out := make([]float64, len(a.Data))
	floats.AddTo(out, a.Data, b.Data)
	return newResult(cloneInts(a.Shape), out, &AddOp{a, b})
}

// SubOp implements a - b.
type SubOp struct{ a, b *Tensor }

func (op *SubOp) Name() string      { return "Sub" }
func (op *SubOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }
func (op *SubOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{g, Neg(g)}
}

func Sub(a, b *Tensor) *Tensor {
	mustSameSize("Sub", a, b)
	out := make([]float64, len(a.Data))
	floats.SubTo(out, a.Data, b.Data)
	return newResult(cloneInts(a.Shape), out, &SubOp{a, b})
}

// MulOp implements the elementwise product.
type MulOp struct{ a, b *Tensor }

func (op *MulOp) Name() string      { return "Mul" }
func (op *MulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }
func (op *MulOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{Mul(g, op.b), Mul(g, op.a)}
}

func Mul(a, b *Tensor) *Tensor {
	mustSameSize("Mul", a, b)
	out := make([]float64, len(a.Data))
	floats.MulTo(out, a.Data, b.Data)
	return newResult(cloneInts(a.Shape), out, &MulOp{a, b})
}

// DivOp implements the elementwise quotient.
type DivOp struct{ a, b *Tensor }

func (op *DivOp) Name() string      { return "Div" }
func (op *DivOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }
func (op *DivOp) Backward(g *Tensor) []*Tensor {
	ga := Div(g, op.b)
	gb := Neg(Div(Mul(g, op.a), Mul(op.b, op.b)))
	return []*Tensor{ga, gb}
}

func Div(a, b *Tensor) *Tensor {
	mustSameSize("Div", a, b)
	out := make([]float64, len(a.Data))
	floats.DivTo(out, a.Data, b.Data)
	return newResult(cloneInts(a.Shape), out, &DivOp{a, b})
}

// MulConstOp scales by a constant.
type MulConstOp struct {
	a *Tensor
	c float64
}

func (op *MulConstOp) Name() string      { return "MulConst" }
func (op *MulConstOp) Inputs() []*Tensor { return []*Tensor{op.a} }
func (op *MulConstOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{MulConst(g, op.c)}
}

func MulConst(a *Tensor, c float64) *Tensor {
	out := make([]float64, len(a.Data))
	floats.ScaleTo(out, c, a.Data)
	return newResult(cloneInts(a.Shape), out, &MulConstOp{a, c})
}

func Neg(a *Tensor) *Tensor {
	return MulConst(a, -1)
}

// AddConstOp shifts by a constant.
type AddConstOp struct {
	a *Tensor
	c float64
}

func (op *AddConstOp) Name() string      { return "AddConst" }
func (op *AddConstOp) Inputs() []*Tensor { return []*Tensor{op.a} }
func (op *AddConstOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{g}
}

func AddConst(a *Tensor, c float64) *Tensor {
	out := make([]float64, len(a.Data))
	copy(out, a.Data)
	floats.AddConst(c, out)
	return newResult(cloneInts(a.Shape), out, &AddConstOp{a, c})
}

// MulScalarOp multiplies every element of a by the single element of s.
type MulScalarOp struct{ s, a *Tensor }

func (op *MulScalarOp) Name() string      { return "MulScalar" }
func (op *MulScalarOp) Inputs() []*Tensor { return []*Tensor{op.s, op.a} }
func (op *MulScalarOp) Backward(g *Tensor) []*Tensor {
	gs := Sum(Mul(g, op.a))
	ga := MulScalar(op.s, g)
	return []*Tensor{gs, ga}
}

// MulScalar returns s·a where s is a one-element tensor. This is how a
// learned step size enters the graph.
func MulScalar(s, a *Tensor) *Tensor {
	if len(s.Data) != 1 {
		panic(fmt.Errorf("%w: MulScalar expects a one-element scale, got %v", ErrShape, s.Shape))
	}
	out := make([]float64, len(a.Data))
	floats.ScaleTo(out, s.Data[0], a.Data)
	return newResult(cloneInts(a.Shape), out, &MulScalarOp{s, a})
}

// unaryOp covers the pointwise functions whose derivative can be written
// from the input and the output.
type unaryOp struct {
	name     string
	a        *Tensor
	out      *Tensor
	backward func(op *unaryOp, g *Tensor) *Tensor
}

func (op *unaryOp) Name() string      { return op.name }
func (op *unaryOp) Inputs() []*Tensor { return []*Tensor{op.a} }
func (op *unaryOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{op.backward(op, g)}
}

func applyUnary(name string, a *Tensor, f func(float64) float64, backward func(op *unaryOp, g *Tensor) *Tensor) *Tensor {
	out := make([]float64, len(a.Data))
	for i, v := range a.Data {
		out[i] = f(v)
	}
	op := &unaryOp{name: name, a: a, backward: backward}
	res := newResult(cloneInts(a.Shape), out, op)
	op.out = res
	return res
}

func Sin(a *Tensor) *Tensor {
	return applyUnary("Sin", a, math.Sin, func(op *unaryOp, g *Tensor) *Tensor {
		return Mul(g, Cos(op.a))
	})
}

func Cos(a *Tensor) *Tensor {
	return applyUnary("Cos", a, math.Cos, func(op *unaryOp, g *Tensor) *Tensor {
		return Neg(Mul(g, Sin(op.a)))
	})
}

func Exp(a *Tensor) *Tensor {
	return applyUnary("Exp", a, math.Exp, func(op *unaryOp, g *Tensor) *Tensor {
		return Mul(g, op.out)
	})
}

func Log(a *Tensor) *Tensor {
	return applyUnary("Log", a, math.Log, func(op *unaryOp, g *Tensor) *Tensor {
		return Div(g, op.a)
	})
}

func Sqrt(a *Tensor) *Tensor {
	return applyUnary("Sqrt", a, math.Sqrt, func(op *unaryOp, g *Tensor) *Tensor {
		return Div(MulConst(g, 0.5), op.out)
	})
}

func Sigmoid(a *Tensor) *Tensor {
	return applyUnary("Sigmoid", a, func(v float64) float64 {
		return 1 / (1 + math.Exp(-v))
	}, func(op *unaryOp, g *Tensor) *Tensor {
		return Mul(g, Mul(op.out, AddConst(Neg(op.out), 1)))
	})
}

func Tanh(a *Tensor) *Tensor {
	return applyUnary("Tanh", a, math.Tanh, func(op *unaryOp, g *Tensor) *Tensor {
		return Mul(g, AddConst(Neg(Mul(op.out, op.out)), 1))
	})
}

// ReLU is LeakyReLU with a zero slope.
func ReLU(a *Tensor) *Tensor {
	return LeakyReLU(a, 0)
}

// LeakyReLU multiplies negative inputs by slope. Its derivative is a
// piecewise constant mask, so the second derivative is zero.
func LeakyReLU(a *Tensor, slope float64) *Tensor {
	mask := make([]float64, len(a.Data))
	for i, v := range a.Data {
		if v > 0 {
			mask[i] = 1
		} else {
			mask[i] = slope
		}
	}
	m := &Tensor{Shape: cloneInts(a.Shape), Data: mask}
	out := make([]float64, len(a.Data))
	floats.MulTo(out, a.Data, mask)
	return newResult(cloneInts(a.Shape), out, &maskOp{a: a, mask: m})
}

type maskOp struct {
	a, mask *Tensor
}

func (op *maskOp) Name() string      { return "Mask" }
func (op *maskOp) Inputs() []*Tensor { return []*Tensor{op.a} }
func (op *maskOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{Mul(g, op.mask)}
}

// ReshapeOp changes the logical shape without moving data.
type ReshapeOp struct {
	a *Tensor
}

func (op *ReshapeOp) Name() string      { return "Reshape" }
func (op *ReshapeOp) Inputs() []*Tensor { return []*Tensor{op.a} }
func (op *ReshapeOp) Backward(g *Tensor) []*Tensor {
	return []*Tensor{Reshape(g, op.a.Shape)}
}

// Reshape returns a copy of a with a new shape of the same size. A single
// -1 dimension is inferred.
func Reshape(a *Tensor, shape []int) *Tensor {
	shape = cloneInts(shape)
	infer, known := -1, 1
	for i, d := range shape {
		if d == -1 {
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 && known > 0 {
		shape[infer] = len(a.Data) / known
	}
	if calculateNumElements(shape) != len(a.Data) {
		panic(fmt.Errorf("%w: Reshape %v to %v", ErrShape, a.Shape, shape))
	}
	out := make([]float64, len(a.Data))
	copy(out, a.Data)
	return newResult(shape, out, &ReshapeOp{a})
}
