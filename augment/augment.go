// Package augment implements differentiable Siamese augmentation over image
// batches [N, C, H, W]. Every transform is built from tensor ops, so the
// gradient reaches the input images.
package augment

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/tsawler/go-distill/tensor"
)

// Mode selects how a multi-part strategy is applied.
type Mode string

const (
	// Single applies one strategy part chosen uniformly per call.
	Single Mode = "S"
	// Multiple applies every part in order.
	Multiple Mode = "M"
)

// Param holds the augmentation strengths.
type Param struct {
	Mode         Mode    `json:"aug_mode"`
	ProbFlip     float64 `json:"prob_flip"`
	RatioScale   float64 `json:"ratio_scale"`
	RatioRotate  float64 `json:"ratio_rotate"` // degrees
	RatioCropPad float64 `json:"ratio_crop_pad"`
	RatioCutout  float64 `json:"ratio_cutout"`
	Brightness   float64 `json:"brightness"`
	Saturation   float64 `json:"saturation"`
	Contrast     float64 `json:"contrast"`
}

// DefaultParam returns the standard DSA strengths.
func DefaultParam() Param {
	return Param{
		Mode:         Single,
		ProbFlip:     0.5,
		RatioScale:   1.2,
		RatioRotate:  15.0,
		RatioCropPad: 0.125,
		RatioCutout:  0.5,
		Brightness:   1.0,
		Saturation:   2.0,
		Contrast:     0.5,
	}
}

// DefaultStrategy is the full DSA strategy string.
const DefaultStrategy = "color_crop_cutout_flip_scale_rotate"

type transform func(x *tensor.Tensor, p Param, rng *rand.Rand) *tensor.Tensor

var transforms = map[string][]transform{
	"color":  {brightness, saturation, contrast},
	"crop":   {crop},
	"cutout": {cutout},
	"flip":   {flip},
	"scale":  {scale},
	"rotate": {rotate},
}

// Augmenter applies a strategy string such as "color_crop_flip".
type Augmenter struct {
	parts []string
	param Param
	rng   *rand.Rand
}

// New parses the strategy. "", "none" and "None" disable augmentation.
func New(strategy string, param Param, rng *rand.Rand) (*Augmenter, error) {
	a := &Augmenter{param: param, rng: rng}
	if strategy == "" || strings.EqualFold(strategy, "none") {
		return a, nil
	}
	if param.Mode != Single && param.Mode != Multiple {
		return nil, fmt.Errorf("unknown augmentation mode: %s", param.Mode)
	}
	for _, p := range strings.Split(strategy, "_") {
		if _, ok := transforms[p]; !ok {
			return nil, fmt.Errorf("unknown augmentation strategy: %s", p)
		}
		a.parts = append(a.parts, p)
	}
	return a, nil
}

// Enabled reports whether any transform is configured.
func (a *Augmenter) Enabled() bool {
	return len(a.parts) > 0
}

// Strategy returns the parsed parts.
func (a *Augmenter) Strategy() []string {
	return append([]string(nil), a.parts...)
}

// Apply transforms x [N, C, H, W]. Each sample draws its own parameters.
func (a *Augmenter) Apply(x *tensor.Tensor) *tensor.Tensor {
	if !a.Enabled() {
		return x
	}
	if len(x.Shape) != 4 {
		panic(fmt.Errorf("%w: augment expects [N, C, H, W], got %v", tensor.ErrShape, x.Shape))
	}

	parts := a.parts
	if a.param.Mode == Single {
		parts = []string{a.parts[a.rng.Intn(len(a.parts))]}
	}
	for _, p := range parts {
		for _, f := range transforms[p] {
			x = f(x, a.param, a.rng)
		}
	}
	return x
}
