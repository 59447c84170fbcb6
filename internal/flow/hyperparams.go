// Package flow implements the invertible transform stack of a multi-scale
// normalizing-flow model: actnorm, invertible 1x1 channel mixing, affine
// coupling, their composition into steps and levels, the encoding forward
// pass with log-determinant bookkeeping, and the reversal construction that
// derives a generative model from a trained inference model.
package flow

import "fmt"

// ImageChannels is the channel count of encoder input tensors (RGB).
const ImageChannels = 3

// Hyperparameters fixes the architecture of a model. Immutable once a model
// is built.
type Hyperparameters struct {
	Levels          int
	DepthPerLevel   int
	SqueezeFactor   int
	HiddenChannels  int
	LUDecomposition bool
}

func (h Hyperparameters) Validate() error {
	if h.Levels < 1 {
		return fmt.Errorf("flow: levels must be >= 1, got %d", h.Levels)
	}

	if h.DepthPerLevel < 1 {
		return fmt.Errorf("flow: depth per level must be >= 1, got %d", h.DepthPerLevel)
	}

	if h.SqueezeFactor < 2 {
		return fmt.Errorf("flow: squeeze factor must be >= 2, got %d", h.SqueezeFactor)
	}

	if h.HiddenChannels < 1 {
		return fmt.Errorf("flow: hidden channels must be >= 1, got %d", h.HiddenChannels)
	}

	// Coupling layers and level splits both halve the channel dimension,
	// so every level's channel count must be even. An odd squeeze factor
	// breaks this at level 0 already (3*f^2 odd).
	for level := 0; level < h.Levels; level++ {
		if c := h.LevelChannels(level); c%2 != 0 {
			return fmt.Errorf("flow: squeeze factor %d yields odd channel count %d at level %d", h.SqueezeFactor, c, level)
		}
	}

	return nil
}

// LevelChannels returns the channel count entering the flow steps of the
// given level: 3*f^2 at level 0, then half the previous level's output times
// f^2 for every later level.
func (h Hyperparameters) LevelChannels(level int) int {
	f2 := h.SqueezeFactor * h.SqueezeFactor

	channels := ImageChannels
	for l := 0; l <= level; l++ {
		if l == 0 {
			channels *= f2
		} else {
			channels = channels / 2 * f2
		}
	}

	return channels
}

// LatentShape returns the shape of the latent tensor emitted at the given
// level for a (batch, 3, height, width) input. Every level but the last
// splits off half of its channels; the last level emits everything.
func (h Hyperparameters) LatentShape(level int, batch, height, width int64) []int64 {
	channels := int64(h.LevelChannels(level))
	if level < h.Levels-1 {
		channels /= 2
	}

	spatial := int64(1)
	for i := 0; i < level+1; i++ {
		spatial *= int64(h.SqueezeFactor)
	}

	return []int64{batch, channels, height / spatial, width / spatial}
}

// SpatialDivisor returns the factor the input height and width must be
// divisible by: squeeze_factor^levels.
func (h Hyperparameters) SpatialDivisor() int64 {
	d := int64(1)
	for i := 0; i < h.Levels; i++ {
		d *= int64(h.SqueezeFactor)
	}

	return d
}
