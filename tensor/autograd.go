package tensor

import (
	"fmt"
)

// topoSort returns the graph-attached tensors reachable from root in an
// order where each tensor appears after all of its inputs. Tensors in stop
// are included but not expanded.
func topoSort(root *Tensor, stop map[*Tensor]bool) []*Tensor {
	var order []*Tensor
	visited := map[*Tensor]bool{root: true}

	type frame struct {
		t    *Tensor
		next int
	}
	stack := []frame{{t: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var inputs []*Tensor
		if top.t.creator != nil && !stop[top.t] {
			inputs = top.t.creator.Inputs()
		}
		pushed := false
		for top.next < len(inputs) {
			in := inputs[top.next]
			top.next++
			if in == nil || !in.requiresGrad || visited[in] {
				continue
			}
			visited[in] = true
			stack = append(stack, frame{t: in})
			pushed = true
			break
		}
		if !pushed {
			order = append(order, top.t)
			stack = stack[:len(stack)-1]
		}
	}
	return order
}

// propagate runs reverse-mode accumulation from root towards targets (nil
// means every leaf). Only nodes on a path to a target are visited. When
// createGraph is set the gradients stay graph-attached and can be
// differentiated again; otherwise every intermediate gradient is detached.
func propagate(root *Tensor, targets map[*Tensor]bool, createGraph bool) map[*Tensor]*Tensor {
	isTarget := func(t *Tensor) bool {
		if targets == nil {
			return t.creator == nil
		}
		return targets[t]
	}

	order := topoSort(root, targets)
	needed := make(map[*Tensor]bool, len(order))
	for _, t := range order {
		if isTarget(t) {
			needed[t] = true
			continue
		}
		if t.creator == nil {
			continue
		}
		for _, in := range t.creator.Inputs() {
			if in != nil && needed[in] {
				needed[t] = true
				break
			}
		}
	}

	grads := map[*Tensor]*Tensor{root: Ones(root.Shape)}
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		g, ok := grads[t]
		if !ok || t.creator == nil || !needed[t] || (targets != nil && targets[t]) {
			continue
		}
		delete(grads, t)
		if !createGraph {
			g = g.Detach()
		}
		inputs := t.creator.Inputs()
		inGrads := t.creator.Backward(g)
		for j, in := range inputs {
			if in == nil || !needed[in] || inGrads[j] == nil {
				continue
			}
			ig := inGrads[j]
			if !createGraph {
				ig = ig.Detach()
			}
			if prev, ok := grads[in]; ok {
				grads[in] = Add(prev, ig)
			} else {
				grads[in] = ig
			}
		}
	}
	return grads
}

// Grad returns d(output)/d(input) for each input. output must hold a single
// element. With createGraph the gradients stay attached to the graph, which
// is what lets an unrolled optimisation step be differentiated again.
// Propagation stops at the inputs, and inputs output does not depend on get
// zero gradients.
func Grad(output *Tensor, inputs []*Tensor, createGraph bool) ([]*Tensor, error) {
	if len(output.Data) != 1 {
		return nil, fmt.Errorf("grad can be implicitly created only for scalar outputs, got shape %v", output.Shape)
	}
	if !output.requiresGrad {
		return nil, fmt.Errorf("output does not require grad")
	}
	targets := make(map[*Tensor]bool, len(inputs))
	for _, in := range inputs {
		targets[in] = true
	}
	grads := propagate(output, targets, createGraph)

	out := make([]*Tensor, len(inputs))
	for i, in := range inputs {
		if g, ok := grads[in]; ok {
			out[i] = g
		} else {
			out[i] = Zeros(in.Shape)
		}
	}
	return out, nil
}

// Backward accumulates d(t)/d(leaf) into the Grad of every leaf that
// requires gradients. t must hold a single element.
func (t *Tensor) Backward() error {
	if len(t.Data) != 1 {
		return fmt.Errorf("backward can be implicitly created only for scalar outputs, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad")
	}
	grads := propagate(t, nil, false)
	for leaf, g := range grads {
		if leaf.creator != nil || !leaf.requiresGrad {
			continue
		}
		if leaf.grad == nil {
			leaf.grad = &Tensor{Shape: cloneInts(leaf.Shape), Data: append([]float64(nil), g.Data...)}
			continue
		}
		for i, v := range g.Data {
			leaf.grad.Data[i] += v
		}
	}
	return nil
}
