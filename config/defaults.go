package config

import (
	"fmt"

	"github.com/tsawler/go-distill/field"
)

// fieldDefaults is keyed by "<dataset>_<res>" and then ipc.
var fieldDefaults = map[string]map[int]field.Config{
	"CIFAR10_32": {
		1:  {DimIn: 2, NumLayers: 2, LayerSize: 6, DimOut: 3, W0Initial: 30, W0: 10},
		10: {DimIn: 2, NumLayers: 2, LayerSize: 6, DimOut: 3, W0Initial: 30, W0: 10},
		50: {DimIn: 2, NumLayers: 2, LayerSize: 20, DimOut: 3, W0Initial: 30, W0: 10},
	},
	"CIFAR100_32": {
		1:  {DimIn: 2, NumLayers: 2, LayerSize: 10, DimOut: 3, W0Initial: 30, W0: 10},
		10: {DimIn: 2, NumLayers: 2, LayerSize: 15, DimOut: 3, W0Initial: 30, W0: 10},
		50: {DimIn: 2, NumLayers: 2, LayerSize: 30, DimOut: 3, W0Initial: 30, W0: 10},
	},
	"ImageNet_128": {
		1:  {DimIn: 2, NumLayers: 3, LayerSize: 20, DimOut: 3, W0Initial: 30, W0: 40},
		10: {DimIn: 2, NumLayers: 3, LayerSize: 20, DimOut: 3, W0Initial: 30, W0: 40},
		50: {DimIn: 2, NumLayers: 3, LayerSize: 40, DimOut: 3, W0Initial: 30, W0: 40},
	},
	"ImageNet_256": {
		1: {DimIn: 2, NumLayers: 3, LayerSize: 40, DimOut: 3, W0Initial: 30, W0: 40},
	},
}

var defaultRes = map[string]int{
	"CIFAR10":  32,
	"CIFAR100": 32,
	"ImageNet": 128,
}

// ResolveDefaults fills every unset field hyperparameter from the tables.
// Precedence is explicit value, then table entry; a value that is neither
// set nor tabulated is an ErrConfiguration.
func (c *Config) ResolveDefaults() error {
	if c.Res == 0 {
		c.Res = defaultRes[c.Dataset]
	}

	table, ok := fieldDefaults[c.Key()][c.IPC]
	missing := func(name string) error {
		return fmt.Errorf("%w: no default %s for %s ipc=%d", ErrConfiguration, name, c.Key(), c.IPC)
	}
	ints := []struct {
		name  string
		value *int
		def   int
	}{
		{"dim_in", &c.DimIn, table.DimIn},
		{"num_layers", &c.NumLayers, table.NumLayers},
		{"layer_size", &c.LayerSize, table.LayerSize},
		{"dim_out", &c.DimOut, table.DimOut},
	}
	for _, f := range ints {
		if *f.value != 0 {
			continue
		}
		if !ok {
			return missing(f.name)
		}
		*f.value = f.def
	}

	floats := []struct {
		name  string
		value *float64
		def   float64
	}{
		{"w0_initial", &c.W0Initial, table.W0Initial},
		{"w0", &c.W0, table.W0},
	}
	for _, f := range floats {
		if *f.value != 0 {
			continue
		}
		if !ok {
			return missing(f.name)
		}
		*f.value = f.def
	}
	return nil
}
