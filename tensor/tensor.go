package tensor

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-distill/memory"
)

// ErrShape is the panic value used for shape mismatches, following gonum/mat.
var ErrShape = errors.New("tensor: dimension mismatch")

// Operation is a node in the computation graph. Backward receives the
// gradient of the node's output and returns one gradient per input (nil for
// inputs that do not require gradients). Backward must be written in terms
// of tensor operations so that the returned gradients are themselves
// differentiable.
type Operation interface {
	Name() string
	Inputs() []*Tensor
	Backward(gradOut *Tensor) []*Tensor
}

// Tensor is a dense row-major float64 array with an optional link to the
// operation that produced it.
type Tensor struct {
	Shape []int
	Data  []float64

	requiresGrad bool
	grad         *Tensor
	creator      Operation
	mm           *memory.MemoryManager
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d, requires_grad=%t)",
		t.Shape, len(t.Data), t.requiresGrad)
}

// NumElems returns the number of elements.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks a leaf as a differentiation target. Calling it on a
// non-leaf is a programming error.
func (t *Tensor) SetRequiresGrad(requires bool) *Tensor {
	if t.creator != nil {
		panic("tensor: SetRequiresGrad on a non-leaf tensor")
	}
	t.requiresGrad = requires
	return t
}

// Grad returns the gradient accumulated by Backward.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// ZeroGrad drops the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// IsLeaf reports whether t was created directly rather than by an operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Creator returns the operation that produced t, or nil for leaves.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// Item returns the single value of a one-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Errorf("%w: Item on tensor with %d elements", ErrShape, len(t.Data)))
	}
	return t.Data[0]
}

// Detach returns a tensor sharing t's storage but cut from the graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{Shape: cloneInts(t.Shape), Data: t.Data}
}

// Clone returns a detached deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: cloneInts(t.Shape), Data: data}
}

// Track attaches a memory manager. Every graph-attached tensor derived from
// t charges its storage to mm.
func (t *Tensor) Track(mm *memory.MemoryManager) *Tensor {
	t.mm = mm
	mm.Allocate(len(t.Data))
	return t
}

// Manager returns the memory manager t charges to, if any.
func (t *Tensor) Manager() *memory.MemoryManager {
	return t.mm
}

// newResult wires an operation's output into the graph. The output only
// records its creator when some input requires gradients.
func newResult(shape []int, data []float64, op Operation) *Tensor {
	out := &Tensor{Shape: shape, Data: data}
	for _, in := range op.Inputs() {
		if in == nil {
			continue
		}
		if out.mm == nil && in.mm != nil {
			out.mm = in.mm
		}
		if in.requiresGrad {
			out.requiresGrad = true
		}
	}
	if out.requiresGrad {
		out.creator = op
		out.mm.Allocate(len(data))
	}
	return out
}

func cloneInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: empty")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func mustSameSize(op string, a, b *Tensor) {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Errorf("%w: %s %v vs %v", ErrShape, op, a.Shape, b.Shape))
	}
}
