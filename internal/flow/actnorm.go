package flow

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-glow/internal/runtime/tensor"
)

// Actnorm applies a per-channel affine normalization y = s * (x + b).
// Fresh layers hold s = 1, b = 0 and report themselves uninitialized until
// either data-dependent initialization runs or a snapshot replaces the
// parameters.
type Actnorm struct {
	scale       []float32
	bias        []float32
	initialized bool
}

func newActnorm(channels int) *Actnorm {
	scale := make([]float32, channels)
	for i := range scale {
		scale[i] = 1
	}

	return &Actnorm{scale: scale, bias: make([]float32, channels)}
}

func (a *Actnorm) Channels() int { return len(a.scale) }

// Forward applies y_c = s_c * (x_c + b_c) and returns the per-batch-element
// log-determinant contribution H*W*sum_c log|s_c|.
func (a *Actnorm) Forward(x *tensor.Tensor) (*tensor.Tensor, []float64, error) {
	b, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, nil, fmt.Errorf("flow: actnorm: %w", err)
	}

	if c != int64(len(a.scale)) {
		return nil, nil, fmt.Errorf("flow: actnorm built for %d channels, input has %d", len(a.scale), c)
	}

	out := x.Clone()
	data := out.RawData()
	plane := h * w

	for bi := int64(0); bi < b; bi++ {
		for ci := int64(0); ci < c; ci++ {
			s := a.scale[ci]
			bv := a.bias[ci]
			base := (bi*c + ci) * plane

			for i := int64(0); i < plane; i++ {
				data[base+i] = s * (data[base+i] + bv)
			}
		}
	}

	var perChannel float64
	for _, s := range a.scale {
		perChannel += math.Log(math.Abs(float64(s)))
	}

	logDet := make([]float64, b)
	for i := range logDet {
		logDet[i] = float64(plane) * perChannel
	}

	return out, logDet, nil
}

// initialize sets s_c = 1/std_c and b_c = -mean_c from the given batch,
// with statistics taken over the batch and spatial dimensions, then marks
// the layer initialized. The transformed batch then has per-channel mean 0
// and standard deviation 1.
func (a *Actnorm) initialize(x *tensor.Tensor) error {
	if a.initialized {
		return errors.New("flow: actnorm is already initialized")
	}

	b, c, h, w, err := x.Dims4()
	if err != nil {
		return fmt.Errorf("flow: actnorm init: %w", err)
	}

	if c != int64(len(a.scale)) {
		return fmt.Errorf("flow: actnorm built for %d channels, init batch has %d", len(a.scale), c)
	}

	data := x.RawData()
	plane := h * w
	count := float64(b * plane)

	for ci := int64(0); ci < c; ci++ {
		var sum float64

		for bi := int64(0); bi < b; bi++ {
			base := (bi*c + ci) * plane
			for i := int64(0); i < plane; i++ {
				sum += float64(data[base+i])
			}
		}

		mean := sum / count

		var variance float64

		for bi := int64(0); bi < b; bi++ {
			base := (bi*c + ci) * plane
			for i := int64(0); i < plane; i++ {
				delta := float64(data[base+i]) - mean
				variance += delta * delta
			}
		}

		std := math.Sqrt(variance / count)
		if std == 0 {
			return fmt.Errorf("flow: actnorm init: channel %d has zero variance", ci)
		}

		a.scale[ci] = float32(1.0 / std)
		a.bias[ci] = float32(-mean)
	}

	a.initialized = true

	return nil
}

// setParams replaces the layer parameters, marking it initialized.
func (a *Actnorm) setParams(scale, bias []float32) error {
	if len(scale) != len(a.scale) || len(bias) != len(a.bias) {
		return fmt.Errorf("flow: actnorm expects %d-channel parameters, got scale %d bias %d", len(a.scale), len(scale), len(bias))
	}

	copy(a.scale, scale)
	copy(a.bias, bias)
	a.initialized = true

	return nil
}

// ReverseActnorm inverts Actnorm: x_c = y_c / s_c - b_c. It owns its own
// parameter copies.
type ReverseActnorm struct {
	scale []float32
	bias  []float32
}

func (r *ReverseActnorm) Forward(y *tensor.Tensor) (*tensor.Tensor, error) {
	b, c, h, w, err := y.Dims4()
	if err != nil {
		return nil, fmt.Errorf("flow: reverse actnorm: %w", err)
	}

	if c != int64(len(r.scale)) {
		return nil, fmt.Errorf("flow: reverse actnorm built for %d channels, input has %d", len(r.scale), c)
	}

	out := y.Clone()
	data := out.RawData()
	plane := h * w

	for bi := int64(0); bi < b; bi++ {
		for ci := int64(0); ci < c; ci++ {
			s := r.scale[ci]
			bv := r.bias[ci]
			base := (bi*c + ci) * plane

			for i := int64(0); i < plane; i++ {
				data[base+i] = data[base+i]/s - bv
			}
		}
	}

	return out, nil
}
