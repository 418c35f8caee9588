package augment

import (
	"math"
	"math/rand"

	"github.com/tsawler/go-distill/tensor"
)

func dims(x *tensor.Tensor) (n, c, h, w int) {
	return x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
}

// perSample lays one value per sample over the whole image.
func perSample(vals []float64, x *tensor.Tensor) *tensor.Tensor {
	return tensor.Tile(tensor.MustNew([]int{len(vals)}, vals), 1, len(x.Data)/len(vals))
}

func uniforms(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.Float64()
	}
	return v
}

// randint draws from [lo, hi).
func randint(rng *rand.Rand, lo, hi int) int {
	return lo + rng.Intn(hi-lo)
}

func brightness(x *tensor.Tensor, p Param, rng *rand.Rand) *tensor.Tensor {
	n := x.Shape[0]
	shift := uniforms(rng, n)
	for i := range shift {
		shift[i] = (shift[i] - 0.5) * p.Brightness
	}
	return tensor.Add(x, perSample(shift, x))
}

func saturation(x *tensor.Tensor, p Param, rng *rand.Rand) *tensor.Tensor {
	n, c, h, w := dims(x)
	hw := h * w
	idx := make([]int, len(x.Data))
	for i := range idx {
		s, pix := i/(c*hw), i%hw
		idx[i] = s*hw + pix
	}
	mean := tensor.MulConst(tensor.ScatterAdd(x, idx, []int{n, 1, h, w}), 1/float64(c))
	broadcast := tensor.Gather(mean, idx, x.Shape)

	factor := uniforms(rng, n)
	for i := range factor {
		factor[i] *= p.Saturation
	}
	return tensor.Add(tensor.Mul(tensor.Sub(x, broadcast), perSample(factor, x)), broadcast)
}

func contrast(x *tensor.Tensor, p Param, rng *rand.Rand) *tensor.Tensor {
	n := x.Shape[0]
	m := len(x.Data) / n
	broadcast := tensor.BroadcastRows(tensor.RowMean(x), m)

	factor := uniforms(rng, n)
	for i := range factor {
		factor[i] += p.Contrast
	}
	return tensor.Add(tensor.Mul(tensor.Sub(x, broadcast), perSample(factor, x)), broadcast)
}

// crop shifts each image by up to ratio·size pixels. Pixels pulled from
// beyond the one-pixel zero border are clamped onto it.
func crop(x *tensor.Tensor, p Param, rng *rand.Rand) *tensor.Tensor {
	n, c, h, w := dims(x)
	sx, sy := int(float64(h)*p.RatioCropPad+0.5), int(float64(w)*p.RatioCropPad+0.5)
	idx := make([]int, len(x.Data))
	for s := 0; s < n; s++ {
		tx := randint(rng, -sx, sx+1)
		ty := randint(rng, -sy, sy+1)
		for ch := 0; ch < c; ch++ {
			for i := 0; i < h; i++ {
				for j := 0; j < w; j++ {
					// coordinates in the padded image, then back to the source
					px := clamp(i+tx+1, 0, h+1) - 1
					py := clamp(j+ty+1, 0, w+1) - 1
					src := -1
					if px >= 0 && px < h && py >= 0 && py < w {
						src = ((s*c+ch)*h+px)*w + py
					}
					idx[((s*c+ch)*h+i)*w+j] = src
				}
			}
		}
	}
	return tensor.Gather(x, idx, x.Shape)
}

func cutout(x *tensor.Tensor, p Param, rng *rand.Rand) *tensor.Tensor {
	n, c, h, w := dims(x)
	cx, cy := int(float64(h)*p.RatioCutout+0.5), int(float64(w)*p.RatioCutout+0.5)
	mask := make([]float64, len(x.Data))
	for i := range mask {
		mask[i] = 1
	}
	for s := 0; s < n; s++ {
		ox := randint(rng, 0, h+(1-cx%2))
		oy := randint(rng, 0, w+(1-cy%2))
		for a := 0; a < cx; a++ {
			for b := 0; b < cy; b++ {
				i := clamp(a+ox-cx/2, 0, h-1)
				j := clamp(b+oy-cy/2, 0, w-1)
				for ch := 0; ch < c; ch++ {
					mask[((s*c+ch)*h+i)*w+j] = 0
				}
			}
		}
	}
	return tensor.Mul(x, tensor.MustNew(x.Shape, mask))
}

func flip(x *tensor.Tensor, p Param, rng *rand.Rand) *tensor.Tensor {
	n, c, h, w := dims(x)
	idx := make([]int, len(x.Data))
	for s := 0; s < n; s++ {
		mirrored := rng.Float64() < p.ProbFlip
		for ch := 0; ch < c; ch++ {
			for i := 0; i < h; i++ {
				row := ((s*c+ch)*h + i) * w
				for j := 0; j < w; j++ {
					if mirrored {
						idx[row+j] = row + w - 1 - j
					} else {
						idx[row+j] = row + j
					}
				}
			}
		}
	}
	return tensor.Gather(x, idx, x.Shape)
}

func scale(x *tensor.Tensor, p Param, rng *rand.Rand) *tensor.Tensor {
	n := x.Shape[0]
	ratio := p.RatioScale
	sx, sy := uniforms(rng, n), uniforms(rng, n)
	thetas := make([][6]float64, n)
	for s := range thetas {
		a := sx[s]*(ratio-1/ratio) + 1/ratio
		b := sy[s]*(ratio-1/ratio) + 1/ratio
		thetas[s] = [6]float64{a, 0, 0, 0, b, 0}
	}
	return affine(x, thetas)
}

func rotate(x *tensor.Tensor, p Param, rng *rand.Rand) *tensor.Tensor {
	n := x.Shape[0]
	thetas := make([][6]float64, n)
	for s, u := range uniforms(rng, n) {
		a := (u - 0.5) * 2 * p.RatioRotate / 180 * math.Pi
		thetas[s] = [6]float64{math.Cos(a), -math.Sin(a), 0, math.Sin(a), math.Cos(a), 0}
	}
	return affine(x, thetas)
}

// affine resamples every image through its 2x3 matrix with bilinear
// interpolation and zero padding, on pixel-centre coordinates normalised to
// [-1, 1]. The result is a weighted sum of four gathers, so it stays
// differentiable in x.
func affine(x *tensor.Tensor, thetas [][6]float64) *tensor.Tensor {
	n, c, h, w := dims(x)
	var idx [4][]int
	var wt [4][]float64
	for k := range idx {
		idx[k] = make([]int, len(x.Data))
		wt[k] = make([]float64, len(x.Data))
	}

	for s := 0; s < n; s++ {
		t := thetas[s]
		for i := 0; i < h; i++ {
			yn := (2*float64(i)+1)/float64(h) - 1
			for j := 0; j < w; j++ {
				xn := (2*float64(j)+1)/float64(w) - 1
				gx := t[0]*xn + t[1]*yn + t[2]
				gy := t[3]*xn + t[4]*yn + t[5]
				ix := ((gx+1)*float64(w) - 1) / 2
				iy := ((gy+1)*float64(h) - 1) / 2

				x0, y0 := int(math.Floor(ix)), int(math.Floor(iy))
				fx, fy := ix-float64(x0), iy-float64(y0)
				corners := [4][3]float64{
					{float64(x0), float64(y0), (1 - fx) * (1 - fy)},
					{float64(x0 + 1), float64(y0), fx * (1 - fy)},
					{float64(x0), float64(y0 + 1), (1 - fx) * fy},
					{float64(x0 + 1), float64(y0 + 1), fx * fy},
				}
				for ch := 0; ch < c; ch++ {
					out := ((s*c+ch)*h+i)*w + j
					for k, cr := range corners {
						cxi, cyi := int(cr[0]), int(cr[1])
						if cxi < 0 || cxi >= w || cyi < 0 || cyi >= h {
							idx[k][out] = -1
							continue
						}
						idx[k][out] = ((s*c+ch)*h+cyi)*w + cxi
						wt[k][out] = cr[2]
					}
				}
			}
		}
	}

	var out *tensor.Tensor
	for k := range idx {
		term := tensor.Mul(tensor.Gather(x, idx[k], x.Shape), tensor.MustNew(x.Shape, wt[k]))
		if out == nil {
			out = term
		} else {
			out = tensor.Add(out, term)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
