package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/go-distill/tensor"
)

// CheckpointFormat selects the on-disk encoding.
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from a file extension: ".pb" selects the
// protobuf wire format, anything else JSON.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".pb") {
		return FormatProto
	}
	return FormatJSON
}

// Checkpoint is a saved parameter set (a synthetic set, a student) with the
// optimizer state that was driving it and any auxiliary scalars such as the
// learned synthetic rate.
type Checkpoint struct {
	Weights   []WeightTensor     `json:"weights"`
	Auxiliary map[string]float64 `json:"auxiliary,omitempty"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a named parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer,omitempty"`
	Type  string    `json:"type,omitempty"` // "weight", "bias", "gamma", "beta", ...
}

// NumElements returns the element count implied by Shape.
func (w WeightTensor) NumElements() int {
	if len(w.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// Validate checks that Data matches Shape.
func (w WeightTensor) Validate() error {
	if n := w.NumElements(); n != len(w.Data) {
		return fmt.Errorf("tensor %q: shape %v implies %d elements, got %d", w.Name, w.Shape, n, len(w.Data))
	}
	return nil
}

// TrainingState captures the distillation progress at save time
type TrainingState struct {
	Iteration       int     `json:"iteration"`
	LearningRate    float64 `json:"learning_rate"`
	BestAccuracy    float64 `json:"best_accuracy"`
	BestAccuracyStd float64 `json:"best_accuracy_std"`
}

// OptimizerState is an optimizer snapshot: scalar hyperparameters plus one
// tensor per per-parameter buffer.
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor is one per-parameter optimizer buffer.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", ...
}

// CheckpointMetadata is stamped by SaveCheckpoint when left empty.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       uuid.UUID `json:"run_id"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver reads and writes checkpoints in one format.
type CheckpointSaver struct {
	format CheckpointFormat
}

func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint fills missing metadata and writes checkpoint to path.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	fillMetadata(&checkpoint.Metadata)

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatProto:
		return cs.saveProto(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatProto:
		return cs.loadProto(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

func fillMetadata(md *CheckpointMetadata) {
	if md.Framework == "" {
		md.Framework = "go-distill"
		md.Version = "1.0.0"
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now()
	}
	if md.RunID == uuid.Nil {
		md.RunID = uuid.New()
	}
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	cp := new(Checkpoint)
	if err := json.NewDecoder(file).Decode(cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return cp, nil
}

func (cs *CheckpointSaver) saveProto(checkpoint *Checkpoint, path string) error {
	if err := os.WriteFile(path, MarshalCheckpoint(checkpoint), 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

func (cs *CheckpointSaver) loadProto(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	checkpoint, err := UnmarshalCheckpoint(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

// ExtractWeightsFromTensors copies parameter tensors out under the given
// names. A name of the form "<layer>.<type>" fills Layer and Type.
func ExtractWeightsFromTensors(tensors []*tensor.Tensor, names []string) ([]WeightTensor, error) {
	if len(names) != len(tensors) {
		return nil, fmt.Errorf("name count mismatch: %d names, %d tensors", len(names), len(tensors))
	}

	weights := make([]WeightTensor, len(tensors))
	for i, t := range tensors {
		w := WeightTensor{
			Name:  names[i],
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		}
		if dot := strings.LastIndexByte(names[i], '.'); dot > 0 {
			w.Layer = names[i][:dot]
			w.Type = names[i][dot+1:]
		}
		weights[i] = w
	}
	return weights, nil
}

// LoadWeightsIntoTensors copies weight data back into tensors of matching
// shape, in order.
func LoadWeightsIntoTensors(weights []WeightTensor, tensors []*tensor.Tensor) error {
	if len(weights) != len(tensors) {
		return fmt.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(tensors))
	}

	for i, t := range tensors {
		weight := weights[i]
		if len(t.Shape) != len(weight.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v",
				weight.Name, t.Shape, weight.Shape)
		}
		for j, dim := range t.Shape {
			if dim != weight.Shape[j] {
				return fmt.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					weight.Name, j, dim, weight.Shape[j])
			}
		}
		if len(weight.Data) != len(t.Data) {
			return fmt.Errorf("data size mismatch for weight %s: %d vs %d", weight.Name, len(weight.Data), len(t.Data))
		}
		copy(t.Data, weight.Data)
	}

	return nil
}

// Flatten concatenates a snapshot's tensors into one parameter vector in
// architecture order.
func Flatten(weights []WeightTensor) []float64 {
	total := 0
	for _, w := range weights {
		total += len(w.Data)
	}
	flat := make([]float64, 0, total)
	for _, w := range weights {
		flat = append(flat, w.Data...)
	}
	return flat
}
