package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-distill/tensor"
)

// Dataset is a random-access labelled image source. Get returns one
// [C, H, W] sample.
type Dataset interface {
	Len() int
	Get(idx int) (image *tensor.Tensor, label int, err error)
}

// DataLoader stacks Dataset samples into [B, C, H, W] batches, one epoch at
// a time. The final batch of an epoch may be short.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. rng is only used when shuffling.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, rng *rand.Rand) *DataLoader {
	if batchSize <= 0 {
		batchSize = dataset.Len()
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
		indices:   indices,
	}
}

// Batch is a stacked set of samples
type Batch struct {
	Images *tensor.Tensor // [N, C, H, W]
	Labels []int
}

// Len is the number of batches per epoch.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// NumSamples returns the dataset size
func (dl *DataLoader) NumSamples() int {
	return dl.dataset.Len()
}

// Reset rewinds the loader for a new epoch, reshuffling if enabled
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns (nil, nil) once the epoch is exhausted.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	var data []float64
	var sampleShape []int
	sampleSize := 0
	labels := make([]int, len(indices))
	for i, idx := range indices {
		img, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if sampleShape == nil {
			sampleShape = append([]int(nil), img.Shape...)
			sampleSize = len(img.Data)
			data = make([]float64, 0, len(indices)*sampleSize)
		} else if len(img.Data) != sampleSize {
			return nil, fmt.Errorf("sample %d has shape %v, batch has %v", idx, img.Shape, sampleShape)
		}
		data = append(data, img.Data...)
		labels[i] = label
	}

	return &Batch{
		Images: tensor.MustNew(append([]int{len(indices)}, sampleShape...), data),
		Labels: labels,
	}, nil
}

// TensorDataset serves rows of an image tensor [N, C, H, W] with labels
type TensorDataset struct {
	images *tensor.Tensor
	labels []int
}

// NewTensorDataset wraps images and labels. The images are used as given,
// so pass a detached copy when they come from a live graph.
func NewTensorDataset(images *tensor.Tensor, labels []int) (*TensorDataset, error) {
	if len(images.Shape) < 2 || images.Shape[0] != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %v and %d", images.Shape, len(labels))
	}
	return &TensorDataset{images: images, labels: labels}, nil
}

func (ds *TensorDataset) Len() int {
	return len(ds.labels)
}

// Get returns a view onto row idx; it shares storage with the images.
func (ds *TensorDataset) Get(idx int) (*tensor.Tensor, int, error) {
	if idx < 0 || idx >= len(ds.labels) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.labels))
	}
	size := len(ds.images.Data) / len(ds.labels)
	img := tensor.MustNew(ds.images.Shape[1:], ds.images.Data[idx*size:(idx+1)*size])
	return img, ds.labels[idx], nil
}
