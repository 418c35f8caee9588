package student

import (
	"math"

	"github.com/tsawler/go-distill/layers"
	"github.com/tsawler/go-distill/tensor"
)

// apply runs one layer. Parameter tensors arrive as views of the flat
// vector in the layer's declared order.
func (s *Student) apply(layer *layers.LayerSpec, x *tensor.Tensor, p []*tensor.Tensor) *tensor.Tensor {
	switch layer.Type {
	case layers.Dense:
		n := x.Shape[0]
		flat := tensor.Reshape(x, []int{n, len(x.Data) / n})
		var bias *tensor.Tensor
		if len(p) > 1 {
			bias = p[1]
		}
		return tensor.Linear(flat, p[0], bias)

	case layers.Conv2D:
		return s.conv2D(layer, x, p)

	case layers.InstanceNorm, layers.GroupNorm, layers.LayerNorm:
		return groupNorm(layer, x, p[0], p[1])

	case layers.AvgPool2D:
		return avgPool(x, layer.IntParam("kernel_size", 2))

	case layers.MaxPool2D:
		return maxPool(x, layer.IntParam("kernel_size", 2))

	case layers.ReLU:
		return tensor.ReLU(x)

	case layers.LeakyReLU:
		return tensor.LeakyReLU(x, layer.FloatParam("negative_slope", 0.01))

	case layers.Sigmoid:
		return tensor.Sigmoid(x)

	case layers.Flatten:
		n := x.Shape[0]
		return tensor.Reshape(x, []int{n, len(x.Data) / n})
	}
	panic("student: unsupported layer type " + layer.Type.String())
}

type unfoldKey struct {
	b, c, h, w, k, stride, pad int
}

// conv2D is im2col followed by one matrix product. Output rows come out as
// (b, oy, ox) and are transposed back to channel-major.
func (s *Student) conv2D(layer *layers.LayerSpec, x *tensor.Tensor, p []*tensor.Tensor) *tensor.Tensor {
	k := layer.IntParam("kernel_size", 3)
	stride := layer.IntParam("stride", 1)
	pad := layer.IntParam("padding", 0)
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outC := p[0].Shape[0]

	key := unfoldKey{b, c, h, w, k, stride, pad}
	var idx []int
	if v, ok := s.indexCache.Load(key); ok {
		idx = v.([]int)
	} else {
		idx, _, _ = tensor.Unfold2DIndex(b, c, h, w, k, stride, pad)
		s.indexCache.Store(key, idx)
	}
	oh := (h+2*pad-k)/stride + 1
	ow := (w+2*pad-k)/stride + 1
	rows := b * oh * ow

	cols := tensor.Gather(x, idx, []int{rows, c * k * k})
	kernel := tensor.Reshape(p[0], []int{outC, c * k * k})
	var y *tensor.Tensor
	if len(p) > 1 {
		y = tensor.Linear(cols, tensor.Transpose(kernel), p[1])
	} else {
		y = tensor.MatMul(cols, tensor.Transpose(kernel))
	}
	y = tensor.BatchTranspose(y, b, oh*ow, outC)
	return tensor.Reshape(y, []int{b, outC, oh, ow})
}

// groupNorm normalises [N, C, H, W] over groups of channels and applies the
// affine transform. Instance norm is one group per channel and layer norm a
// single group with elementwise affine parameters.
func groupNorm(layer *layers.LayerSpec, x, weight, bias *tensor.Tensor) *tensor.Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	groups := layer.IntParam("groups", c)
	eps := layer.FloatParam("eps", 1e-5)
	m := (c / groups) * h * w

	g := tensor.Reshape(x, []int{n * groups, m})
	centered := tensor.Sub(g, tensor.BroadcastRows(tensor.RowMean(g), m))
	variance := tensor.RowMean(tensor.Mul(centered, centered))
	std := tensor.Sqrt(tensor.AddConst(variance, eps))
	normed := tensor.Reshape(tensor.Div(centered, tensor.BroadcastRows(std, m)), x.Shape)

	var scale, shift *tensor.Tensor
	if layer.Type == layers.LayerNorm {
		scale = tensor.Tile(weight, n, 1)
		shift = tensor.Tile(bias, n, 1)
	} else {
		scale = tensor.Tile(weight, n, h*w)
		shift = tensor.Tile(bias, n, h*w)
	}
	return tensor.Add(tensor.Mul(normed, scale), shift)
}

// poolIndex maps every input element of [N, C, H, W] to its k×k output
// window, or -1 when it falls in the cropped remainder.
func poolIndex(shape []int, k int) ([]int, []int) {
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	oh, ow := h/k, w/k
	idx := make([]int, n*c*h*w)
	for plane := 0; plane < n*c; plane++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := (plane*h+y)*w + x
				oy, ox := y/k, x/k
				if oy >= oh || ox >= ow {
					idx[i] = -1
					continue
				}
				idx[i] = (plane*oh+oy)*ow + ox
			}
		}
	}
	return idx, []int{n, c, oh, ow}
}

func avgPool(x *tensor.Tensor, k int) *tensor.Tensor {
	idx, out := poolIndex(x.Shape, k)
	return tensor.MulConst(tensor.ScatterAdd(x, idx, out), 1/float64(k*k))
}

// maxPool gathers the arg-max of each window. The selection is a constant
// of the current values, so gradients flow only through the chosen entries.
func maxPool(x *tensor.Tensor, k int) *tensor.Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/k, w/k
	pick := make([]int, n*c*oh*ow)
	for plane := 0; plane < n*c; plane++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best, bestV := -1, math.Inf(-1)
				for dy := 0; dy < k; dy++ {
					for dx := 0; dx < k; dx++ {
						i := (plane*h+oy*k+dy)*w + ox*k + dx
						if x.Data[i] > bestV {
							best, bestV = i, x.Data[i]
						}
					}
				}
				pick[(plane*oh+oy)*ow+ox] = best
			}
		}
	}
	return tensor.Gather(x, pick, []int{n, c, oh, ow})
}
