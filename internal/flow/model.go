package flow

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-glow/internal/runtime/tensor"
)

// ErrNeedsInitialization reports a forward pass attempted before the
// actnorm layers received parameters, either from a snapshot or from
// data-dependent initialization.
var ErrNeedsInitialization = errors.New("flow: model awaits actnorm initialization")

// InferenceModel encodes an image tensor into a list of latent tensors,
// accumulating the log-determinant of the mapping. It owns an explicit
// arena of FlowStep parameter sets addressed by (level, depth).
type InferenceModel struct {
	hyperparams Hyperparameters
	steps       [][]*FlowStep
}

// NewInferenceModel builds a fully-formed model from hyperparameters.
// Every actnorm starts uninitialized; callers either restore a snapshot or
// run InitializeActnorm on a data batch before training.
func NewInferenceModel(h Hyperparameters) (*InferenceModel, error) {
	return newInferenceModelRand(h, nil)
}

func newInferenceModelRand(h Hyperparameters, rng *rand.Rand) (*InferenceModel, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	steps := make([][]*FlowStep, h.Levels)
	for level := 0; level < h.Levels; level++ {
		channels := h.LevelChannels(level)

		steps[level] = make([]*FlowStep, h.DepthPerLevel)
		for depth := 0; depth < h.DepthPerLevel; depth++ {
			step, err := newFlowStep(channels, h, rng)
			if err != nil {
				return nil, fmt.Errorf("flow: build step (%d,%d): %w", level, depth, err)
			}

			steps[level][depth] = step
		}
	}

	return &InferenceModel{hyperparams: h, steps: steps}, nil
}

func (m *InferenceModel) Hyperparams() Hyperparameters { return m.hyperparams }

// Step returns the flow step at (level, depth).
func (m *InferenceModel) Step(level, depth int) *FlowStep {
	return m.steps[level][depth]
}

// NeedsInitialization reports whether any actnorm still awaits
// data-dependent initialization.
func (m *InferenceModel) NeedsInitialization() bool {
	for _, level := range m.steps {
		for _, step := range level {
			if !step.Actnorm.initialized {
				return true
			}
		}
	}

	return false
}

// ForwardOptions tunes the execution of a forward pass.
//
// ReduceMemory trades compute for memory: no per-step activation trace is
// retained, and an external trainer recomputes intermediates via
// RecomputeActivation. Both modes run the same kernels in the same order
// and produce identical outputs.
type ForwardOptions struct {
	ReduceMemory bool
}

// ForwardResult carries the encoding outputs: one latent tensor per level
// and the per-batch-element log-determinant summed over every layer.
type ForwardResult struct {
	Latents []*tensor.Tensor
	LogDet  []float64

	// Activations holds the input to each flow step, indexed
	// [level][depth], when the pass retained them.
	Activations [][]*tensor.Tensor
}

// Forward encodes a (B, 3, H, W) batch, retaining activations.
func (m *InferenceModel) Forward(x *tensor.Tensor) (*ForwardResult, error) {
	return m.ForwardWithOptions(x, ForwardOptions{})
}

// ForwardWithOptions encodes a batch with explicit execution options.
func (m *InferenceModel) ForwardWithOptions(x *tensor.Tensor, opts ForwardOptions) (*ForwardResult, error) {
	if m.NeedsInitialization() {
		return nil, ErrNeedsInitialization
	}

	if err := m.checkInput(x); err != nil {
		return nil, err
	}

	h := m.hyperparams
	factor := int64(h.SqueezeFactor)
	batch := x.Shape()[0]

	result := &ForwardResult{
		Latents: make([]*tensor.Tensor, 0, h.Levels),
		LogDet:  make([]float64, batch),
	}
	if !opts.ReduceMemory {
		result.Activations = make([][]*tensor.Tensor, h.Levels)
	}

	out := x

	for level := 0; level < h.Levels; level++ {
		var err error

		out, err = tensor.Squeeze(out, factor)
		if err != nil {
			return nil, fmt.Errorf("flow: level %d squeeze: %w", level, err)
		}

		if result.Activations != nil {
			result.Activations[level] = make([]*tensor.Tensor, h.DepthPerLevel)
		}

		for depth := 0; depth < h.DepthPerLevel; depth++ {
			if result.Activations != nil {
				result.Activations[level][depth] = out
			}

			var logDet []float64

			out, logDet, err = m.steps[level][depth].forward(out)
			if err != nil {
				return nil, fmt.Errorf("flow: step (%d,%d): %w", level, depth, err)
			}

			addInto(result.LogDet, logDet)
		}

		if level == h.Levels-1 {
			result.Latents = append(result.Latents, out)
			continue
		}

		latent, rest, err := tensor.SplitChannels(out)
		if err != nil {
			return nil, fmt.Errorf("flow: level %d split: %w", level, err)
		}

		result.Latents = append(result.Latents, latent)
		out = rest
	}

	return result, nil
}

// RecomputeActivation re-derives the input to the flow step at
// (level, depth) by replaying the forward pass from the original input.
// This is the compute half of the reduce-memory tradeoff.
func (m *InferenceModel) RecomputeActivation(x *tensor.Tensor, level, depth int) (*tensor.Tensor, error) {
	if m.NeedsInitialization() {
		return nil, ErrNeedsInitialization
	}

	if level < 0 || level >= m.hyperparams.Levels || depth < 0 || depth >= m.hyperparams.DepthPerLevel {
		return nil, fmt.Errorf("flow: no step at (%d,%d)", level, depth)
	}

	if err := m.checkInput(x); err != nil {
		return nil, err
	}

	factor := int64(m.hyperparams.SqueezeFactor)
	out := x

	for l := 0; l <= level; l++ {
		var err error

		out, err = tensor.Squeeze(out, factor)
		if err != nil {
			return nil, err
		}

		maxDepth := m.hyperparams.DepthPerLevel
		if l == level {
			maxDepth = depth
		}

		for d := 0; d < maxDepth; d++ {
			out, _, err = m.steps[l][d].forward(out)
			if err != nil {
				return nil, err
			}
		}

		if l == level {
			return out, nil
		}

		_, rest, err := tensor.SplitChannels(out)
		if err != nil {
			return nil, err
		}

		out = rest
	}

	return out, nil
}

// InitializeActnorm runs the one-time data-dependent initialization with a
// single batch: in level-then-depth order, each actnorm takes the
// per-channel mean and standard deviation of the batch entering it, so
// later layers initialize from true post-earlier-layer statistics. The
// transformed batch after each freshly-initialized actnorm has per-channel
// mean 0 and standard deviation 1.
//
// It must be invoked explicitly, exactly once, and only when no snapshot
// was loaded.
func (m *InferenceModel) InitializeActnorm(x *tensor.Tensor) error {
	if !m.NeedsInitialization() {
		return errors.New("flow: model is already initialized")
	}

	if err := m.checkInput(x); err != nil {
		return err
	}

	h := m.hyperparams
	factor := int64(h.SqueezeFactor)
	out := x

	for level := 0; level < h.Levels; level++ {
		var err error

		out, err = tensor.Squeeze(out, factor)
		if err != nil {
			return fmt.Errorf("flow: init level %d squeeze: %w", level, err)
		}

		for depth := 0; depth < h.DepthPerLevel; depth++ {
			step := m.steps[level][depth]

			if err := step.Actnorm.initialize(out); err != nil {
				return fmt.Errorf("flow: init step (%d,%d): %w", level, depth, err)
			}

			out, _, err = step.forward(out)
			if err != nil {
				return fmt.Errorf("flow: init step (%d,%d): %w", level, depth, err)
			}
		}

		if level < h.Levels-1 {
			_, rest, err := tensor.SplitChannels(out)
			if err != nil {
				return fmt.Errorf("flow: init level %d split: %w", level, err)
			}

			out = rest
		}
	}

	return nil
}

func (m *InferenceModel) checkInput(x *tensor.Tensor) error {
	_, c, h, w, err := x.Dims4()
	if err != nil {
		return fmt.Errorf("flow: input: %w", err)
	}

	if c != ImageChannels {
		return fmt.Errorf("flow: input must have %d channels, got %d", ImageChannels, c)
	}

	divisor := m.hyperparams.SpatialDivisor()
	if h%divisor != 0 || w%divisor != 0 {
		return fmt.Errorf("flow: input spatial dims %dx%d must be divisible by %d", h, w, divisor)
	}

	return nil
}
