// Package models maps architecture identifiers to layer specifications.
package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/go-distill/layers"
)

// Constructor builds the compiled spec of an architecture for the given
// input channels, class count and image size.
type Constructor func(channel, numClasses int, imSize [2]int) (*layers.ModelSpec, error)

// Registry is a name → constructor table.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds or replaces a constructor.
func (r *Registry) Register(name string, c Constructor) {
	r.constructors[name] = c
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.constructors[name]
	return ok
}

// Build compiles the named architecture.
func (r *Registry) Build(name string, channel, numClasses int, imSize [2]int) (*layers.ModelSpec, error) {
	c, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q (registered: %s)", name, strings.Join(r.Names(), ", "))
	}
	spec, err := c(channel, numClasses, imSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build model %s: %w", name, err)
	}
	return spec, nil
}

// Names returns the registered identifiers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.constructors))
	for n := range r.constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default returns a registry holding the MLP, the linear probe and the
// ConvNet family with its width/depth/activation/normalisation/pooling
// variants.
func Default() *Registry {
	r := NewRegistry()
	r.Register("MLP", MLP)
	r.Register("Linear", Linear)

	base := DefaultConvNetConfig()
	variant := func(edit func(*ConvNetConfig)) Constructor {
		cfg := base
		edit(&cfg)
		return cfg.Constructor()
	}

	r.Register("ConvNet", base.Constructor())
	for _, d := range []int{1, 2, 3, 4} {
		depth := d
		r.Register(fmt.Sprintf("ConvNetD%d", d), variant(func(c *ConvNetConfig) { c.Depth = depth }))
	}
	for _, w := range []int{32, 64, 128, 256} {
		width := w
		r.Register(fmt.Sprintf("ConvNetW%d", w), variant(func(c *ConvNetConfig) { c.Width = width }))
	}
	r.Register("ConvNetAS", variant(func(c *ConvNetConfig) { c.Activation = "sigmoid" }))
	r.Register("ConvNetAR", variant(func(c *ConvNetConfig) { c.Activation = "relu" }))
	r.Register("ConvNetAL", variant(func(c *ConvNetConfig) { c.Activation = "leakyrelu" }))
	r.Register("ConvNetNN", variant(func(c *ConvNetConfig) { c.Norm = "none" }))
	r.Register("ConvNetIN", variant(func(c *ConvNetConfig) { c.Norm = "instancenorm" }))
	r.Register("ConvNetLN", variant(func(c *ConvNetConfig) { c.Norm = "layernorm" }))
	r.Register("ConvNetGN", variant(func(c *ConvNetConfig) { c.Norm = "groupnorm" }))
	r.Register("ConvNetNP", variant(func(c *ConvNetConfig) { c.Pooling = "none" }))
	r.Register("ConvNetAP", variant(func(c *ConvNetConfig) { c.Pooling = "avgpooling" }))
	r.Register("ConvNetMP", variant(func(c *ConvNetConfig) { c.Pooling = "maxpooling" }))
	return r
}
