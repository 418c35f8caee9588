package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
)

// SaveGrid writes images [N, C, H, W] (C is 1 or 3) as one PNG laid out
// nrow images per row with a two pixel border. Each image is stretched to
// its own min/max range and enlarged by an integer upscale factor.
func SaveGrid(path string, data []float64, shape []int, nrow, upscale int) error {
	if len(shape) != 4 || shape[1] != 1 && shape[1] != 3 {
		return fmt.Errorf("grid expects [N, 1|3, H, W], got %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if n == 0 || len(data) != n*c*h*w {
		return fmt.Errorf("data of %d values does not match shape %v", len(data), shape)
	}
	if nrow <= 0 || nrow > n {
		nrow = n
	}
	if upscale <= 0 {
		upscale = 1
	}

	const pad = 2
	rows := (n + nrow - 1) / nrow
	cellW, cellH := w*upscale+pad, h*upscale+pad
	canvas := image.NewRGBA(image.Rect(0, 0, nrow*cellW+pad, rows*cellH+pad))

	size := c * h * w
	for k := 0; k < n; k++ {
		img := data[k*size : (k+1)*size]
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range img {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		scale := 0.0
		if hi > lo {
			scale = 255 / (hi - lo)
		}

		ox, oy := (k%nrow)*cellW+pad, (k/nrow)*cellH+pad
		for y := 0; y < h*upscale; y++ {
			for x := 0; x < w*upscale; x++ {
				idx := (y/upscale)*w + x/upscale
				var rgb [3]uint8
				for ch := 0; ch < 3; ch++ {
					src := ch
					if c == 1 {
						src = 0
					}
					rgb[ch] = uint8(math.Round((img[src*h*w+idx] - lo) * scale))
				}
				canvas.SetRGBA(ox+x, oy+y, color.RGBA{rgb[0], rgb[1], rgb[2], 255})
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create grid directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create grid file: %w", err)
	}
	if err := png.Encode(f, canvas); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode grid: %w", err)
	}
	return f.Close()
}
