package optimizer

import (
	"fmt"

	"github.com/tsawler/go-distill/checkpoints"
)

// extractBufferState copies one state buffer out for checkpointing
func extractBufferState(buffer []float64, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}
	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(buffer)},
		Data:      append([]float64(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState copies checkpointed data back into a state buffer
func restoreBufferState(buffer []float64, data []float64, name string) error {
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// collectBuffers appends every non-nil buffer under "<prefix>_<i>".
func collectBuffers(dst []checkpoints.OptimizerTensor, buffers [][]float64, prefix, stateType string) []checkpoints.OptimizerTensor {
	for i, buf := range buffers {
		if t := extractBufferState(buf, fmt.Sprintf("%s_%d", prefix, i), stateType); t != nil {
			dst = append(dst, *t)
		}
	}
	return dst
}

// restoreBuffers loads every state tensor of stateType into buffers,
// allocating buffers that have not been touched yet.
func restoreBuffers(buffers [][]float64, sizes []int, state *OptimizerState, stateType string) error {
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if buffers[idx] == nil {
			buffers[idx] = make([]float64, sizes[idx])
		}
		if err := restoreBufferState(buffers[idx], t.Data, t.Name); err != nil {
			return err
		}
	}
	return nil
}

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter stored as 0/1
func extractBoolParam(params map[string]float64, key string, defaultValue bool) bool {
	if val, ok := params[key]; ok {
		return val != 0
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map
func extractUint64Param(params map[string]float64, key string, defaultValue uint64) uint64 {
	if val, ok := params[key]; ok && val >= 0 {
		return uint64(val)
	}
	return defaultValue
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func paramSizes(n int, size func(i int) int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = size(i)
	}
	return out
}
