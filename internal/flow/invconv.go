package flow

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/example/go-glow/internal/runtime/linalg"
	"github.com/example/go-glow/internal/runtime/tensor"
)

// ErrUnsupportedVariant reports a channel-mixing parameterization the
// reversal construction does not know how to invert.
var ErrUnsupportedVariant = errors.New("flow: unsupported channel mixing variant")

// invConvKind tags the parameterization of an InvConv layer. Every place
// that branches on it switches exhaustively and fails with
// ErrUnsupportedVariant on anything else.
type invConvKind uint8

const (
	invConvDirect invConvKind = iota + 1
	invConvLU
)

// InvConv is an invertible 1x1 convolution: a learned square matrix W
// applied per spatial location, y = W * x over the channel dimension.
//
// The direct parameterization stores W densely and pays an O(C^3)
// determinant on each forward pass. The LU parameterization stores
// W = P * L * (U + diag(s)) and reads the log-determinant off the diagonal.
type InvConv struct {
	kind     invConvKind
	channels int
	weight   []float64 // dense C x C row-major, direct kind only
	lu       linalg.LUFactors
}

func newInvConv(channels int, useLU bool, rng *rand.Rand) (*InvConv, error) {
	w, err := linalg.RandomOrthogonal(channels, rng)
	if err != nil {
		return nil, fmt.Errorf("flow: invconv init: %w", err)
	}

	if !useLU {
		return &InvConv{kind: invConvDirect, channels: channels, weight: w}, nil
	}

	factors, err := linalg.FactorLU(w, channels)
	if err != nil {
		return nil, fmt.Errorf("flow: invconv init: %w", err)
	}

	return &InvConv{kind: invConvLU, channels: channels, lu: factors}, nil
}

func (c *InvConv) Channels() int { return c.channels }

// Forward mixes channels at every spatial location and returns the
// per-batch-element log-determinant contribution H*W*log|det W|.
func (c *InvConv) Forward(x *tensor.Tensor) (*tensor.Tensor, []float64, error) {
	b, ch, h, w, err := x.Dims4()
	if err != nil {
		return nil, nil, fmt.Errorf("flow: invconv: %w", err)
	}

	if ch != int64(c.channels) {
		return nil, nil, fmt.Errorf("flow: invconv built for %d channels, input has %d", c.channels, ch)
	}

	dense, err := c.dense()
	if err != nil {
		return nil, nil, err
	}

	perLocation, err := c.logDet()
	if err != nil {
		return nil, nil, err
	}

	out, err := mixChannels(x, dense, c.channels)
	if err != nil {
		return nil, nil, err
	}

	logDet := make([]float64, b)
	for i := range logDet {
		logDet[i] = float64(h*w) * perLocation
	}

	return out, logDet, nil
}

// dense realizes the effective matrix W regardless of parameterization.
func (c *InvConv) dense() ([]float64, error) {
	switch c.kind {
	case invConvDirect:
		return c.weight, nil
	case invConvLU:
		return c.lu.Assemble(), nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnsupportedVariant, c.kind)
	}
}

func (c *InvConv) logDet() (float64, error) {
	switch c.kind {
	case invConvDirect:
		return linalg.LogDet(c.weight, c.channels)
	case invConvLU:
		return c.lu.LogDet(), nil
	default:
		return 0, fmt.Errorf("%w: kind %d", ErrUnsupportedVariant, c.kind)
	}
}

// ReverseInvConv holds the explicit inverse matrix as a dense direct
// parameterization. Reversal never preserves LU structure: the inverse of a
// factored matrix is realized densely.
type ReverseInvConv struct {
	channels int
	weight   []float64
}

func (r *ReverseInvConv) Forward(y *tensor.Tensor) (*tensor.Tensor, error) {
	_, ch, _, _, err := y.Dims4()
	if err != nil {
		return nil, fmt.Errorf("flow: reverse invconv: %w", err)
	}

	if ch != int64(r.channels) {
		return nil, fmt.Errorf("flow: reverse invconv built for %d channels, input has %d", r.channels, ch)
	}

	return mixChannels(y, r.weight, r.channels)
}

// mixChannels applies y[b, :, i, j] = W * x[b, :, i, j] with float64
// accumulation.
func mixChannels(x *tensor.Tensor, weight []float64, channels int) (*tensor.Tensor, error) {
	b, ch, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}

	in := x.RawData()
	c := int64(channels)
	plane := h * w
	out := make([]float32, len(in))

	for bi := int64(0); bi < b; bi++ {
		base := bi * ch * plane

		for i := int64(0); i < plane; i++ {
			for oc := int64(0); oc < c; oc++ {
				var sum float64

				row := weight[oc*c:]
				for ic := int64(0); ic < c; ic++ {
					sum += row[ic] * float64(in[base+ic*plane+i])
				}

				out[base+oc*plane+i] = float32(sum)
			}
		}
	}

	return tensor.New(out, x.Shape())
}
