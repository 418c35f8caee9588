package preprocessing

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // register decoders for image.Decode
	_ "image/png"
	"io"
	"os"
	"sync"
)

// Normalization holds per-channel statistics applied after scaling pixels
// to [0, 1].
type Normalization struct {
	Mean []float64
	Std  []float64
}

// Channels is the number of channels the statistics describe.
func (n Normalization) Channels() int {
	return len(n.Mean)
}

var normalizations = map[string]Normalization{
	"MNIST":        {Mean: []float64{0.1307}, Std: []float64{0.3081}},
	"FashionMNIST": {Mean: []float64{0.2861}, Std: []float64{0.3530}},
	"SVHN":         {Mean: []float64{0.4377, 0.4438, 0.4728}, Std: []float64{0.1980, 0.2010, 0.1970}},
	"CIFAR10":      {Mean: []float64{0.4914, 0.4822, 0.4465}, Std: []float64{0.2023, 0.1994, 0.2010}},
	"CIFAR100":     {Mean: []float64{0.4914, 0.4822, 0.4465}, Std: []float64{0.2023, 0.1994, 0.2010}},
	"Tiny":         {Mean: []float64{0.485, 0.456, 0.406}, Std: []float64{0.229, 0.224, 0.225}},
	"ImageNet":     {Mean: []float64{0.485, 0.456, 0.406}, Std: []float64{0.229, 0.224, 0.225}},
}

// NormalizationFor returns the channel statistics of a dataset.
func NormalizationFor(dataset string) (Normalization, error) {
	n, ok := normalizations[dataset]
	if !ok {
		return Normalization{}, fmt.Errorf("unknown dataset: %s", dataset)
	}
	return n, nil
}

// Identity leaves [0, 1] pixels untouched, which is what ZCA runs want.
func Identity(channels int) Normalization {
	n := Normalization{Mean: make([]float64, channels), Std: make([]float64, channels)}
	for c := range n.Std {
		n.Std[c] = 1
	}
	return n
}

// ImageProcessor decodes images to normalised CHW float64 data of a fixed
// square size. It keeps one RGBA canvas between calls and is safe for
// concurrent use.
type ImageProcessor struct {
	mu     sync.Mutex
	canvas *image.RGBA
	size   int
	norm   Normalization
}

func NewImageProcessor(targetSize int, norm Normalization) *ImageProcessor {
	return &ImageProcessor{size: targetSize, norm: norm}
}

// ProcessedImage is one decoded sample laid out as [Channels, Height, Width].
type ProcessedImage struct {
	Data     []float64
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes a PNG or JPEG, resizes it with nearest
// neighbour sampling and normalises each channel. One-channel statistics
// produce luminance images.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	channels := p.norm.Channels()
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.canvas == nil || p.canvas.Bounds().Dx() != p.size {
		p.canvas = image.NewRGBA(image.Rect(0, 0, p.size, p.size))
	}
	resizeNearest(p.canvas, img)

	return &ProcessedImage{
		Data:     p.normalise(p.canvas, channels),
		Width:    p.size,
		Height:   p.size,
		Channels: channels,
	}, nil
}

// resizeNearest fills dst by sampling src at the scaled pixel position.
func resizeNearest(dst *image.RGBA, src image.Image) {
	sb, db := src.Bounds(), dst.Bounds()
	for y := 0; y < db.Dy(); y++ {
		sy := min(y*sb.Dy()/db.Dy(), sb.Dy()-1)
		for x := 0; x < db.Dx(); x++ {
			sx := min(x*sb.Dx()/db.Dx(), sb.Dx()-1)
			dst.Set(x, y, src.At(sb.Min.X+sx, sb.Min.Y+sy))
		}
	}
}

func (p *ImageProcessor) normalise(src *image.RGBA, channels int) []float64 {
	plane := p.size * p.size
	out := make([]float64, channels*plane)
	scale := func(v uint8, c int) float64 {
		return (float64(v)/255 - p.norm.Mean[c]) / p.norm.Std[c]
	}
	for i := 0; i < plane; i++ {
		px := src.RGBAAt(i%p.size, i/p.size)
		if channels == 1 {
			out[i] = scale(color.GrayModel.Convert(px).(color.Gray).Y, 0)
			continue
		}
		out[i] = scale(px.R, 0)
		out[plane+i] = scale(px.G, 1)
		out[2*plane+i] = scale(px.B, 2)
	}
	return out
}

// ProcessFile opens and preprocesses one image file.
func (p *ImageProcessor) ProcessFile(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return p.DecodeAndPreprocess(f)
}

// PreprocessBatch decodes paths with up to workers goroutines, each owning
// its own processor. Results keep the order of paths; the first failure in
// that order is returned.
func PreprocessBatch(paths []string, targetSize int, norm Normalization, workers int) ([]*ProcessedImage, error) {
	workers = max(workers, 1)
	results := make([]*ProcessedImage, len(paths))
	errs := make([]error, len(paths))

	next := make(chan int, len(paths))
	for i := range paths {
		next <- i
	}
	close(next)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc := NewImageProcessor(targetSize, norm)
			for i := range next {
				results[i], errs[i] = proc.ProcessFile(paths[i])
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process image %d (%s): %w", i, paths[i], err)
		}
	}
	return results, nil
}
