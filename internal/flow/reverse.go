package flow

import (
	"errors"
	"fmt"

	"github.com/example/go-glow/internal/runtime/linalg"
	"github.com/example/go-glow/internal/runtime/tensor"
)

// Reverse derives a GenerativeModel from an inference model by inverting
// each layer's learned weights and mirroring composition order. The result
// owns an entirely independent parameter set: mutating the source
// afterwards does not affect it.
//
// Channel-mixing inverses are computed as explicit float64 matrix inverses;
// near-singular learned matrices are not guarded against and may amplify
// floating error.
func Reverse(m *InferenceModel) (*GenerativeModel, error) {
	if m == nil {
		return nil, errors.New("flow: reverse of nil model")
	}

	h := m.hyperparams
	steps := make([][]*reverseFlowStep, h.Levels)

	for level := 0; level < h.Levels; level++ {
		steps[level] = make([]*reverseFlowStep, h.DepthPerLevel)

		for depth := 0; depth < h.DepthPerLevel; depth++ {
			src := m.steps[level][depth]

			invConv, err := reverseInvConv(src.InvConv)
			if err != nil {
				return nil, fmt.Errorf("flow: reverse step (%d,%d): %w", level, depth, err)
			}

			steps[level][depth] = &reverseFlowStep{
				coupling: reverseCoupling(src.Coupling),
				invConv:  invConv,
				actnorm:  reverseActnorm(src.Actnorm),
			}
		}
	}

	return &GenerativeModel{hyperparams: h, steps: steps}, nil
}

func reverseActnorm(a *Actnorm) *ReverseActnorm {
	return &ReverseActnorm{
		scale: append([]float32(nil), a.scale...),
		bias:  append([]float32(nil), a.bias...),
	}
}

// reverseInvConv realizes the effective matrix densely, inverts it in
// float64, and returns a dense direct-parameterized reverse layer. The LU
// structure of a factored source is not preserved; its inverse is dense.
func reverseInvConv(c *InvConv) (*ReverseInvConv, error) {
	dense, err := c.dense()
	if err != nil {
		return nil, err
	}

	inv, err := linalg.Inverse(dense, c.channels)
	if err != nil {
		return nil, err
	}

	return &ReverseInvConv{channels: c.channels, weight: inv}, nil
}

func reverseCoupling(c *AffineCoupling) *ReverseAffineCoupling {
	return &ReverseAffineCoupling{nn: c.nn.clone()}
}

// GenerativeModel mirrors an InferenceModel in reverse: it reconstructs an
// image tensor from per-level latents by traversing levels and depths in
// reverse order with the inverted layers.
type GenerativeModel struct {
	hyperparams Hyperparameters
	steps       [][]*reverseFlowStep
}

func (g *GenerativeModel) Hyperparams() Hyperparameters { return g.hyperparams }

// Generate reconstructs a (B, 3, H, W) tensor from one latent per level,
// ordered by level as produced by InferenceModel.Forward.
func (g *GenerativeModel) Generate(latents []*tensor.Tensor) (*tensor.Tensor, error) {
	h := g.hyperparams
	if len(latents) != h.Levels {
		return nil, fmt.Errorf("flow: generate needs %d latents, got %d", h.Levels, len(latents))
	}

	factor := int64(h.SqueezeFactor)
	out := latents[h.Levels-1]

	for level := h.Levels - 1; level >= 0; level-- {
		for depth := h.DepthPerLevel - 1; depth >= 0; depth-- {
			var err error

			out, err = g.steps[level][depth].forward(out)
			if err != nil {
				return nil, fmt.Errorf("flow: reverse step (%d,%d): %w", level, depth, err)
			}
		}

		var err error

		out, err = tensor.Unsqueeze(out, factor)
		if err != nil {
			return nil, fmt.Errorf("flow: level %d unsqueeze: %w", level, err)
		}

		if level > 0 {
			out, err = tensor.ConcatChannels(latents[level-1], out)
			if err != nil {
				return nil, fmt.Errorf("flow: level %d concat: %w", level, err)
			}
		}
	}

	return out, nil
}

// GenerateFromTensor splits a single image-shaped latent tensor into the
// per-level latent list using the same split sizes as the forward pass,
// applied in forward level order, then generates from it.
func (g *GenerativeModel) GenerateFromTensor(z *tensor.Tensor) (*tensor.Tensor, error) {
	latents, err := g.factor(z)
	if err != nil {
		return nil, err
	}

	return g.Generate(latents)
}

func (g *GenerativeModel) factor(z *tensor.Tensor) ([]*tensor.Tensor, error) {
	h := g.hyperparams
	factor := int64(h.SqueezeFactor)
	latents := make([]*tensor.Tensor, 0, h.Levels)

	for level := 0; level < h.Levels; level++ {
		var err error

		z, err = tensor.Squeeze(z, factor)
		if err != nil {
			return nil, fmt.Errorf("flow: factor level %d: %w", level, err)
		}

		if level == h.Levels-1 {
			latents = append(latents, z)
			continue
		}

		latent, rest, err := tensor.SplitChannels(z)
		if err != nil {
			return nil, fmt.Errorf("flow: factor level %d: %w", level, err)
		}

		latents = append(latents, latent)
		z = rest
	}

	return latents, nil
}
