package flow

import (
	"math/rand"

	"github.com/example/go-glow/internal/runtime/tensor"
)

// FlowStep is one step of flow: actnorm, then invertible channel mixing,
// then affine coupling. A step owns its three layers' parameters
// exclusively and is addressed by (level, depth) in the model arena.
type FlowStep struct {
	Actnorm  *Actnorm
	InvConv  *InvConv
	Coupling *AffineCoupling
}

func newFlowStep(channels int, h Hyperparameters, rng *rand.Rand) (*FlowStep, error) {
	conv, err := newInvConv(channels, h.LUDecomposition, rng)
	if err != nil {
		return nil, err
	}

	return &FlowStep{
		Actnorm:  newActnorm(channels),
		InvConv:  conv,
		Coupling: newAffineCoupling(int64(channels), int64(h.HiddenChannels), rng),
	}, nil
}

// forward runs the three layers in composition order and sums their
// log-determinant contributions.
func (s *FlowStep) forward(x *tensor.Tensor) (*tensor.Tensor, []float64, error) {
	out, logDet, err := s.Actnorm.Forward(x)
	if err != nil {
		return nil, nil, err
	}

	out, ld, err := s.InvConv.Forward(out)
	if err != nil {
		return nil, nil, err
	}

	addInto(logDet, ld)

	out, ld, err = s.Coupling.Forward(out)
	if err != nil {
		return nil, nil, err
	}

	addInto(logDet, ld)

	return out, logDet, nil
}

// reverseFlowStep mirrors FlowStep exactly: reverse coupling, reverse
// channel mixing, reverse actnorm.
type reverseFlowStep struct {
	coupling *ReverseAffineCoupling
	invConv  *ReverseInvConv
	actnorm  *ReverseActnorm
}

func (s *reverseFlowStep) forward(y *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := s.coupling.Forward(y)
	if err != nil {
		return nil, err
	}

	out, err = s.invConv.Forward(out)
	if err != nil {
		return nil, err
	}

	return s.actnorm.Forward(out)
}

func addInto(acc, delta []float64) {
	for i := range acc {
		acc[i] += delta[i]
	}
}
