package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/go-distill/tensor"
	"github.com/tsawler/go-distill/vision/preprocessing"
)

// Root returns the directory of one split. ImageNet subsets live in their
// own directory: <data>/ImageNet/<subset>/<split>.
func Root(dataPath, datasetName, subset, split string) string {
	if datasetName == "ImageNet" {
		return filepath.Join(dataPath, datasetName, subset, split)
	}
	return filepath.Join(dataPath, datasetName, split)
}

// TestSplit names the held-out split of a dataset.
func TestSplit(datasetName string) string {
	switch datasetName {
	case "Tiny", "ImageNet":
		return "val"
	default:
		return "test"
	}
}

// ImageFolderDataset indexes a <root>/<class>/<image> tree. Class labels
// follow the sorted directory names; images are decoded on demand.
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string

	imageSize int
	norm      preprocessing.Normalization
	processor *preprocessing.ImageProcessor
	cache     *CacheManager
}

// NewImageFolderDataset scans root for class directories holding files with
// one of extensions (case-insensitive; jpg, jpeg and png when empty). Images
// are resized to imageSize x imageSize and normalised with norm.
func NewImageFolderDataset(root string, extensions []string, imageSize int, norm preprocessing.Normalization) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg", ".png"}
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	d := &ImageFolderDataset{
		imageSize: imageSize,
		norm:      norm,
		processor: preprocessing.NewImageProcessor(imageSize, norm),
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		label := len(d.classNames)
		d.classNames = append(d.classNames, entry.Name())

		classDir := filepath.Join(root, entry.Name())
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", classDir, err)
		}
		for _, f := range files {
			if f.IsDir() || !allowed[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			d.imagePaths = append(d.imagePaths, filepath.Join(classDir, f.Name()))
			d.labels = append(d.labels, label)
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return d, nil
}

// WithCache keeps up to maxSize decoded images in memory across epochs.
func (d *ImageFolderDataset) WithCache(maxSize int) *ImageFolderDataset {
	d.cache = NewCacheManager(maxSize)
	return d
}

// CacheStats reports cache usage; the zero value when no cache is set.
func (d *ImageFolderDataset) CacheStats() CacheStats {
	if d.cache == nil {
		return CacheStats{}
	}
	return d.cache.Stats()
}

// Len is the number of samples.
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// ImageShape is the [C, H, W] shape of every sample.
func (d *ImageFolderDataset) ImageShape() []int {
	return []int{d.norm.Channels(), d.imageSize, d.imageSize}
}

// Path returns the file and label of sample index.
func (d *ImageFolderDataset) Path(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Get decodes the sample at index into a [C, H, W] tensor.
func (d *ImageFolderDataset) Get(index int) (*tensor.Tensor, int, error) {
	path, label, err := d.Path(index)
	if err != nil {
		return nil, 0, err
	}
	if d.cache != nil {
		if data, ok := d.cache.Get(path); ok {
			return tensor.MustNew(d.ImageShape(), append([]float64(nil), data...)), label, nil
		}
	}
	img, err := d.processor.ProcessFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if d.cache != nil {
		d.cache.Put(path, append([]float64(nil), img.Data...))
	}
	return tensor.MustNew(d.ImageShape(), img.Data), label, nil
}

// Load decodes the given samples concurrently into [len(indices), C, H, W].
func (d *ImageFolderDataset) Load(indices []int, workers int) (*tensor.Tensor, []int, error) {
	paths := make([]string, len(indices))
	labels := make([]int, len(indices))
	for i, idx := range indices {
		path, label, err := d.Path(idx)
		if err != nil {
			return nil, nil, err
		}
		paths[i], labels[i] = path, label
	}

	images, err := preprocessing.PreprocessBatch(paths, d.imageSize, d.norm, workers)
	if err != nil {
		return nil, nil, err
	}
	shape := d.ImageShape()
	size := shape[0] * shape[1] * shape[2]
	data := make([]float64, 0, len(indices)*size)
	for _, img := range images {
		data = append(data, img.Data...)
	}
	return tensor.MustNew(append([]int{len(indices)}, shape...), data), labels, nil
}

// LoadAll decodes the whole dataset.
func (d *ImageFolderDataset) LoadAll(workers int) (*tensor.Tensor, []int, error) {
	return d.Load(d.allIndices(), workers)
}

// ClassIndices lists the sample indices of every class.
func (d *ImageFolderDataset) ClassIndices() [][]int {
	out := make([][]int, len(d.classNames))
	for i, label := range d.labels {
		out[label] = append(out[label], i)
	}
	return out
}

func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassDistribution counts samples per class name.
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classNames))
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Split puts the first trainRatio of the samples, shuffled by rng when it
// is non-nil, in the first dataset and the rest in the second.
func (d *ImageFolderDataset) Split(trainRatio float64, rng *rand.Rand) (*ImageFolderDataset, *ImageFolderDataset) {
	order := d.allIndices()
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	cut := int(float64(len(order)) * trainRatio)
	return d.Subset(order[:cut]), d.Subset(order[cut:])
}

func (d *ImageFolderDataset) allIndices() []int {
	idx := make([]int, len(d.imagePaths))
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// Subset selects samples by index. It shares the decoder but not the cache.
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	sub := &ImageFolderDataset{
		classNames: d.classNames,
		imageSize:  d.imageSize,
		norm:       d.norm,
		processor:  d.processor,
	}
	for _, i := range indices {
		sub.imagePaths = append(sub.imagePaths, d.imagePaths[i])
		sub.labels = append(sub.labels, d.labels[i])
	}
	return sub
}

func (d *ImageFolderDataset) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames))
	b.WriteString("Class distribution:\n")
	dist := d.ClassDistribution()
	for _, name := range d.classNames {
		fmt.Fprintf(&b, "  %s: %d samples\n", name, dist[name])
	}
	return b.String()
}
