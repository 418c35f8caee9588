// Package synset holds the learned synthetic dataset: a class-major
// collection of implicit fields trained by one shared optimizer.
package synset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-distill/field"
	"github.com/tsawler/go-distill/optimizer"
	"github.com/tsawler/go-distill/parallel"
	"github.com/tsawler/go-distill/tensor"
)

// Config selects the field shape, the storage budget and the optimizers.
type Config struct {
	IPC   int          `json:"ipc"`
	DIPC  int          `json:"dipc"` // decoded images per class; 0 derives it from the budget
	Field field.Config `json:"field"`

	Optimizer    string  `json:"optimizer"` // "adam" (default), "sgd", "rmsprop"
	LearningRate float64 `json:"learning_rate"`

	EpochsInit int     `json:"epochs_init"`
	LRInit     float64 `json:"lr_init"`

	// Workers bounds concurrent decoding and init fits. 0 runs serially.
	Workers int `json:"workers"`
}

// PerClass returns the number of fields per class for images of shape
// [C, H, W]. Without an explicit DIPC the budget of IPC raw images is spent
// on fields: floor(IPC·C·H·W / ParamsPerField), at least one.
func (c Config) PerClass(imageShape []int) int {
	if c.DIPC > 0 {
		return c.DIPC
	}
	budget := c.IPC * numElements(imageShape)
	n := budget / c.Field.ParamsPerField()
	if n < 1 {
		n = 1
	}
	return n
}

// SyntheticSet owns the fields. Flat index i decodes field i and always
// carries label i / NumPerClass.
type SyntheticSet struct {
	cfg         Config
	numClasses  int
	NumPerClass int
	imageShape  []int // [C, H, W]

	grid   *field.Grid
	fields []*field.Field
	params []*tensor.Tensor
	opt    optimizer.Optimizer
}

// New creates numClasses·PerClass freshly initialised fields.
func New(cfg Config, numClasses int, imageShape []int, rng *rand.Rand) (*SyntheticSet, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("invalid number of classes: %d", numClasses)
	}
	if len(imageShape) != 3 {
		return nil, fmt.Errorf("image shape must be [C, H, W], got %v", imageShape)
	}
	if err := cfg.Field.Validate(); err != nil {
		return nil, err
	}
	if cfg.Field.DimOut != imageShape[0] {
		return nil, fmt.Errorf("field decodes %d channels, images have %d", cfg.Field.DimOut, imageShape[0])
	}
	if cfg.Field.DimIn != len(imageShape)-1 {
		return nil, fmt.Errorf("field takes %d coordinates, images have %d spatial axes", cfg.Field.DimIn, len(imageShape)-1)
	}
	if cfg.DIPC <= 0 && cfg.IPC <= 0 {
		return nil, fmt.Errorf("either ipc or dipc must be positive")
	}

	s := &SyntheticSet{
		cfg:         cfg,
		numClasses:  numClasses,
		NumPerClass: cfg.PerClass(imageShape),
		imageShape:  append([]int(nil), imageShape...),
		grid:        field.NewGrid(imageShape[1:]),
	}

	total := numClasses * s.NumPerClass
	s.fields = make([]*field.Field, total)
	for i := range s.fields {
		f, err := field.New(cfg.Field, rng)
		if err != nil {
			return nil, err
		}
		s.fields[i] = f
		s.params = append(s.params, f.Params()...)
	}

	opt, err := optimizer.New(cfg.Optimizer, cfg.LearningRate, s.params)
	if err != nil {
		return nil, fmt.Errorf("failed to create field optimizer: %w", err)
	}
	s.opt = opt
	return s, nil
}

// Init fits every field to a real exemplar of its class. realImages is
// [N, C, H, W] and classIndices[c] lists the rows of class c. Exemplars are
// drawn without replacement and wrap around when a class is smaller than
// NumPerClass. The mean final fit loss is returned.
func (s *SyntheticSet) Init(realImages *tensor.Tensor, classIndices [][]int, rng *rand.Rand) (float64, error) {
	if len(classIndices) != s.numClasses {
		return 0, fmt.Errorf("got indices for %d classes, synthetic set has %d", len(classIndices), s.numClasses)
	}
	rowSize := numElements(s.imageShape)
	if len(realImages.Shape) == 0 || len(realImages.Data) != realImages.Shape[0]*rowSize {
		return 0, fmt.Errorf("real images have shape %v, want [N %v]", realImages.Shape, s.imageShape)
	}

	exemplar := make([]int, len(s.fields))
	for c, rows := range classIndices {
		if len(rows) == 0 {
			return 0, fmt.Errorf("class %d has no real images", c)
		}
		perm := rng.Perm(len(rows))
		for k := 0; k < s.NumPerClass; k++ {
			exemplar[c*s.NumPerClass+k] = rows[perm[k%len(rows)]]
		}
	}

	losses := make([]float64, len(s.fields))
	errs := make([]error, len(s.fields))
	parallel.ForEach(len(s.fields), s.cfg.Workers, func(i int) {
		row := exemplar[i]
		target := tensor.MustNew(s.imageShape, realImages.Data[row*rowSize:(row+1)*rowSize])
		losses[i], errs[i] = s.fields[i].Fit(s.grid, target, s.cfg.EpochsInit, s.cfg.LRInit)
	})

	mean := 0.0
	for i, err := range errs {
		if err != nil {
			return 0, fmt.Errorf("failed to fit field %d: %w", i, err)
		}
		mean += losses[i]
	}
	return mean / float64(len(losses)), nil
}

// Len is the number of synthetic samples.
func (s *SyntheticSet) Len() int {
	return len(s.fields)
}

// NumClasses returns the number of classes.
func (s *SyntheticSet) NumClasses() int {
	return s.numClasses
}

// ImageShape returns [C, H, W].
func (s *SyntheticSet) ImageShape() []int {
	return append([]int(nil), s.imageShape...)
}

// Label maps a flat index to its class.
func (s *SyntheticSet) Label(i int) int {
	return i / s.NumPerClass
}

// Params returns every field parameter, field-major.
func (s *SyntheticSet) Params() []*tensor.Tensor {
	return s.params
}

// Fields exposes the decoders in flat index order.
func (s *SyntheticSet) Fields() []*field.Field {
	return s.fields
}

// Get decodes the given flat indices into images [len(indices), C, H, W]
// and their labels. With needCopy the fields are decoded without a graph
// into fresh storage; otherwise gradients flow back into the fields.
func (s *SyntheticSet) Get(indices []int, needCopy bool) (*tensor.Tensor, []int, error) {
	if len(indices) == 0 {
		return nil, nil, fmt.Errorf("no indices requested")
	}
	labels := make([]int, len(indices))
	for j, i := range indices {
		if i < 0 || i >= len(s.fields) {
			return nil, nil, fmt.Errorf("index %d out of range [0, %d)", i, len(s.fields))
		}
		labels[j] = s.Label(i)
	}

	decoded := make([]*tensor.Tensor, len(indices))
	parallel.ForEach(len(indices), s.cfg.Workers, func(j int) {
		f := s.fields[indices[j]]
		var img *tensor.Tensor
		if needCopy {
			img = f.DecodeDetached(s.grid)
		} else {
			img = f.Decode(s.grid)
		}
		decoded[j] = tensor.Reshape(img, append([]int{1}, s.imageShape...))
	})

	// Concat always allocates, so detached images never alias parameters.
	return tensor.Concat(decoded...), labels, nil
}

// GetAll decodes the whole set in class-major order.
func (s *SyntheticSet) GetAll(needCopy bool) (*tensor.Tensor, []int, error) {
	indices := make([]int, len(s.fields))
	for i := range indices {
		indices[i] = i
	}
	return s.Get(indices, needCopy)
}

// OptimZeroGrad clears field gradients.
func (s *SyntheticSet) OptimZeroGrad() {
	s.opt.ZeroGrad()
}

// OptimStep applies one outer update to every field.
func (s *SyntheticSet) OptimStep() error {
	if err := s.opt.Step(); err != nil {
		return fmt.Errorf("failed to step field optimizer: %w", err)
	}
	return nil
}

// Optimizer returns the field optimizer.
func (s *SyntheticSet) Optimizer() optimizer.Optimizer {
	return s.opt
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
