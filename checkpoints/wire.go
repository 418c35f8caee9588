package checkpoints

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout (proto3 compatible, no generated code):
//
//	Tensor     { string name = 1; repeated int64 shape = 2 [packed];
//	             repeated double data = 3 [packed]; string layer = 4;
//	             string type = 5; }
//	Snapshot   { repeated Tensor tensors = 1; }
//	Trajectory { repeated Snapshot snapshots = 1; }
//	Buffer     { repeated Trajectory trajectories = 1; }
//	Checkpoint { repeated Tensor weights = 1; map<string, double> auxiliary = 2;
//	             TrainingState training_state = 3; OptimizerState optimizer = 4;
//	             Metadata metadata = 5; }

// Snapshot is the parameter set of a model at one epoch, in architecture order.
type Snapshot []WeightTensor

// Trajectory is the ordered list of snapshots recorded while training one expert.
type Trajectory []Snapshot

func appendMessage(b []byte, num protowire.Number, encode func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, encode(nil))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var payload []byte
	for _, v := range vs {
		payload = protowire.AppendVarint(payload, uint64(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func appendPackedDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// appendDoubleMap writes map<string, double> entries in key order so the
// encoding is deterministic.
func appendDoubleMap(b []byte, num protowire.Number, m map[string]float64) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		b = appendMessage(b, num, func(e []byte) []byte {
			e = protowire.AppendTag(e, 1, protowire.BytesType)
			e = protowire.AppendString(e, k)
			e = protowire.AppendTag(e, 2, protowire.Fixed64Type)
			return protowire.AppendFixed64(e, math.Float64bits(v))
		})
	}
	return b
}

// walk calls fn for every field in b. fn consumes the value and returns the
// number of bytes read, or a negative protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte, out *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	*out = v
	return n
}

func consumeDouble(typ protowire.Type, b []byte, out *float64) int {
	if typ != protowire.Fixed64Type {
		return 0
	}
	v, n := protowire.ConsumeFixed64(b)
	*out = math.Float64frombits(v)
	return n
}

func consumeVarint(typ protowire.Type, b []byte, out *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	*out = v
	return n
}

// consumeInts reads a packed or unpacked repeated int64.
func consumeInts(typ protowire.Type, b []byte, out *[]int) int {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			*out = append(*out, int(int64(v)))
		}
		return n
	case protowire.BytesType:
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		for len(payload) > 0 {
			v, m := protowire.ConsumeVarint(payload)
			if m < 0 {
				return m
			}
			*out = append(*out, int(int64(v)))
			payload = payload[m:]
		}
		return n
	}
	return 0
}

// consumeDoubles reads a packed or unpacked repeated double.
func consumeDoubles(typ protowire.Type, b []byte, out *[]float64) int {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n >= 0 {
			*out = append(*out, math.Float64frombits(v))
		}
		return n
	case protowire.BytesType:
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		if len(payload)%8 != 0 {
			return -1
		}
		if *out == nil {
			*out = make([]float64, 0, len(payload)/8)
		}
		for len(payload) > 0 {
			v, m := protowire.ConsumeFixed64(payload)
			if m < 0 {
				return m
			}
			*out = append(*out, math.Float64frombits(v))
			payload = payload[m:]
		}
		return n
	}
	return 0
}

func consumeDoubleMapEntry(b []byte, into map[string]float64) error {
	var key string
	var value float64
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		switch num {
		case 1:
			var raw []byte
			n := consumeBytes(typ, v, &raw)
			key = string(raw)
			return n
		case 2:
			return consumeDouble(typ, v, &value)
		}
		return 0
	})
	if err != nil {
		return err
	}
	into[key] = value
	return nil
}

// MarshalTensor encodes one tensor message.
func MarshalTensor(w WeightTensor) []byte {
	return appendTensor(nil, w)
}

func appendTensor(b []byte, w WeightTensor) []byte {
	b = appendString(b, 1, w.Name)
	b = appendPackedInts(b, 2, w.Shape)
	b = appendPackedDoubles(b, 3, w.Data)
	b = appendString(b, 4, w.Layer)
	b = appendString(b, 5, w.Type)
	return b
}

// UnmarshalTensor decodes one tensor message and validates its shape.
func UnmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		var raw []byte
		switch num {
		case 1, 4, 5:
			n := consumeBytes(typ, v, &raw)
			switch num {
			case 1:
				w.Name = string(raw)
			case 4:
				w.Layer = string(raw)
			case 5:
				w.Type = string(raw)
			}
			return n
		case 2:
			return consumeInts(typ, v, &w.Shape)
		case 3:
			return consumeDoubles(typ, v, &w.Data)
		}
		return 0
	})
	if err != nil {
		return w, fmt.Errorf("failed to decode tensor: %w", err)
	}
	if err := w.Validate(); err != nil {
		return w, err
	}
	return w, nil
}

// repeatedMessages collects the payloads of a repeated message field.
func repeatedMessages(b []byte, field protowire.Number) ([][]byte, error) {
	var out [][]byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		if num != field {
			return 0
		}
		var raw []byte
		n := consumeBytes(typ, v, &raw)
		if n > 0 {
			out = append(out, raw)
		}
		return n
	})
	return out, err
}

func appendSnapshot(b []byte, s Snapshot) []byte {
	for _, w := range s {
		b = appendMessage(b, 1, func(e []byte) []byte { return appendTensor(e, w) })
	}
	return b
}

func decodeSnapshot(b []byte) (Snapshot, error) {
	msgs, err := repeatedMessages(b, 1)
	if err != nil {
		return nil, err
	}
	s := make(Snapshot, 0, len(msgs))
	for _, m := range msgs {
		w, err := UnmarshalTensor(m)
		if err != nil {
			return nil, err
		}
		s = append(s, w)
	}
	return s, nil
}

func appendTrajectory(b []byte, t Trajectory) []byte {
	for _, s := range t {
		b = appendMessage(b, 1, func(e []byte) []byte { return appendSnapshot(e, s) })
	}
	return b
}

func decodeTrajectory(b []byte) (Trajectory, error) {
	msgs, err := repeatedMessages(b, 1)
	if err != nil {
		return nil, err
	}
	t := make(Trajectory, 0, len(msgs))
	for _, m := range msgs {
		s, err := decodeSnapshot(m)
		if err != nil {
			return nil, err
		}
		t = append(t, s)
	}
	return t, nil
}

// MarshalBuffer encodes a list of expert trajectories.
func MarshalBuffer(trajectories []Trajectory) []byte {
	var b []byte
	for _, t := range trajectories {
		b = appendMessage(b, 1, func(e []byte) []byte { return appendTrajectory(e, t) })
	}
	return b
}

// UnmarshalBuffer decodes a list of expert trajectories.
func UnmarshalBuffer(b []byte) ([]Trajectory, error) {
	msgs, err := repeatedMessages(b, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to decode buffer: %w", err)
	}
	out := make([]Trajectory, 0, len(msgs))
	for i, m := range msgs {
		t, err := decodeTrajectory(m)
		if err != nil {
			return nil, fmt.Errorf("failed to decode trajectory %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// MarshalCheckpoint encodes a checkpoint.
func MarshalCheckpoint(c *Checkpoint) []byte {
	var b []byte
	for _, w := range c.Weights {
		b = appendMessage(b, 1, func(e []byte) []byte { return appendTensor(e, w) })
	}
	b = appendDoubleMap(b, 2, c.Auxiliary)

	ts := c.TrainingState
	b = appendMessage(b, 3, func(e []byte) []byte {
		e = appendVarint(e, 1, uint64(int64(ts.Iteration)))
		e = appendDouble(e, 2, ts.LearningRate)
		e = appendDouble(e, 3, ts.BestAccuracy)
		return appendDouble(e, 4, ts.BestAccuracyStd)
	})

	if opt := c.OptimizerState; opt != nil {
		b = appendMessage(b, 4, func(e []byte) []byte {
			e = appendString(e, 1, opt.Type)
			e = appendDoubleMap(e, 2, opt.Parameters)
			for _, st := range opt.StateData {
				e = appendMessage(e, 3, func(t []byte) []byte {
					return appendTensor(t, WeightTensor{Name: st.Name, Shape: st.Shape, Data: st.Data, Type: st.StateType})
				})
			}
			return e
		})
	}

	md := c.Metadata
	b = appendMessage(b, 5, func(e []byte) []byte {
		e = appendString(e, 1, md.Version)
		e = appendString(e, 2, md.Framework)
		if !md.CreatedAt.IsZero() {
			e = appendVarint(e, 3, uint64(md.CreatedAt.UnixNano()))
		}
		if md.RunID != uuid.Nil {
			e = protowire.AppendTag(e, 4, protowire.BytesType)
			e = protowire.AppendBytes(e, md.RunID[:])
		}
		e = appendString(e, 5, md.Description)
		for _, tag := range md.Tags {
			e = protowire.AppendTag(e, 6, protowire.BytesType)
			e = protowire.AppendString(e, tag)
		}
		return e
	})
	return b
}

// UnmarshalCheckpoint decodes a checkpoint.
func UnmarshalCheckpoint(b []byte) (*Checkpoint, error) {
	c := &Checkpoint{}
	var nested error
	keep := func(err error) {
		if err != nil && nested == nil {
			nested = err
		}
	}

	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		var raw []byte
		n := consumeBytes(typ, v, &raw)
		if n <= 0 {
			return n
		}
		switch num {
		case 1:
			w, err := UnmarshalTensor(raw)
			keep(err)
			c.Weights = append(c.Weights, w)
		case 2:
			if c.Auxiliary == nil {
				c.Auxiliary = map[string]float64{}
			}
			keep(consumeDoubleMapEntry(raw, c.Auxiliary))
		case 3:
			keep(decodeTrainingState(raw, &c.TrainingState))
		case 4:
			st, err := decodeOptimizerState(raw)
			keep(err)
			c.OptimizerState = st
		case 5:
			keep(decodeMetadata(raw, &c.Metadata))
		}
		return n
	})
	if err == nil {
		err = nested
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decodeTrainingState(b []byte, ts *TrainingState) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		switch num {
		case 1:
			var it uint64
			n := consumeVarint(typ, v, &it)
			ts.Iteration = int(int64(it))
			return n
		case 2:
			return consumeDouble(typ, v, &ts.LearningRate)
		case 3:
			return consumeDouble(typ, v, &ts.BestAccuracy)
		case 4:
			return consumeDouble(typ, v, &ts.BestAccuracyStd)
		}
		return 0
	})
}

func decodeOptimizerState(b []byte) (*OptimizerState, error) {
	st := &OptimizerState{Parameters: map[string]float64{}}
	var nested error
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		var raw []byte
		n := consumeBytes(typ, v, &raw)
		if n <= 0 {
			return n
		}
		switch num {
		case 1:
			st.Type = string(raw)
		case 2:
			if err := consumeDoubleMapEntry(raw, st.Parameters); err != nil && nested == nil {
				nested = err
			}
		case 3:
			w, err := UnmarshalTensor(raw)
			if err != nil && nested == nil {
				nested = err
			}
			st.StateData = append(st.StateData, OptimizerTensor{Name: w.Name, Shape: w.Shape, Data: w.Data, StateType: w.Type})
		}
		return n
	})
	if err == nil {
		err = nested
	}
	return st, err
}

func decodeMetadata(b []byte, md *CheckpointMetadata) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		if num == 3 {
			var ns uint64
			n := consumeVarint(typ, v, &ns)
			md.CreatedAt = time.Unix(0, int64(ns))
			return n
		}
		var raw []byte
		n := consumeBytes(typ, v, &raw)
		if n <= 0 {
			return n
		}
		switch num {
		case 1:
			md.Version = string(raw)
		case 2:
			md.Framework = string(raw)
		case 4:
			if id, err := uuid.FromBytes(raw); err == nil {
				md.RunID = id
			}
		case 5:
			md.Description = string(raw)
		case 6:
			md.Tags = append(md.Tags, string(raw))
		}
		return n
	})
}

// SaveTensorFile writes a single tensor message to path.
func SaveTensorFile(path string, w WeightTensor) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if err := os.WriteFile(path, MarshalTensor(w), 0o644); err != nil {
		return fmt.Errorf("failed to write tensor file: %w", err)
	}
	return nil
}

// LoadTensorFile reads a tensor written by SaveTensorFile.
func LoadTensorFile(path string) (WeightTensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WeightTensor{}, fmt.Errorf("failed to read tensor file: %w", err)
	}
	return UnmarshalTensor(data)
}
