// Package ops provides the neural kernels used by the flow layers.
package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-glow/internal/runtime/tensor"
)

// Conv2D applies a stride-1, zero-padded 2-D convolution.
// Shapes: input [B, inC, H, W], kernel [outC, inC, kH, kW], bias [outC] or
// nil. The output is [B, outC, H+2*pad-kH+1, W+2*pad-kW+1].
func Conv2D(input, kernel *tensor.Tensor, bias []float32, pad int64) (*tensor.Tensor, error) {
	if input == nil || kernel == nil {
		return nil, errors.New("ops: conv2d requires non-nil input and kernel")
	}

	if pad < 0 {
		return nil, fmt.Errorf("ops: conv2d padding must be >= 0, got %d", pad)
	}

	b, inC, h, w, err := input.Dims4()
	if err != nil {
		return nil, fmt.Errorf("ops: conv2d input: %w", err)
	}

	outC, kInC, kh, kw, err := kernel.Dims4()
	if err != nil {
		return nil, fmt.Errorf("ops: conv2d kernel: %w", err)
	}

	if kInC != inC {
		return nil, fmt.Errorf("ops: conv2d kernel expects %d input channels, input has %d", kInC, inC)
	}

	if bias != nil && int64(len(bias)) != outC {
		return nil, fmt.Errorf("ops: conv2d bias length %d does not match %d output channels", len(bias), outC)
	}

	oh := h + 2*pad - kh + 1

	ow := w + 2*pad - kw + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("ops: conv2d kernel %dx%d with padding %d exceeds input %dx%d", kh, kw, pad, h, w)
	}

	in := input.RawData()
	k := kernel.RawData()
	out := make([]float32, b*outC*oh*ow)

	for bi := int64(0); bi < b; bi++ {
		for oc := int64(0); oc < outC; oc++ {
			var biasV float32
			if bias != nil {
				biasV = bias[oc]
			}

			kBase := oc * inC * kh * kw
			outBase := (bi*outC + oc) * oh * ow

			for oy := int64(0); oy < oh; oy++ {
				for ox := int64(0); ox < ow; ox++ {
					sum := biasV

					for ic := int64(0); ic < inC; ic++ {
						inBase := (bi*inC + ic) * h * w
						kcBase := kBase + ic*kh*kw

						for ky := int64(0); ky < kh; ky++ {
							iy := oy + ky - pad
							if iy < 0 || iy >= h {
								continue
							}

							for kx := int64(0); kx < kw; kx++ {
								ix := ox + kx - pad
								if ix < 0 || ix >= w {
									continue
								}

								sum += in[inBase+iy*w+ix] * k[kcBase+ky*kw+kx]
							}
						}
					}

					out[outBase+oy*ow+ox] = sum
				}
			}
		}
	}

	y, err := tensor.New(out, []int64{b, outC, oh, ow})
	if err != nil {
		return nil, err
	}

	return y, nil
}

// ReLU applies max(0, x) element-wise and returns a new tensor.
func ReLU(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: relu on nil tensor")
	}

	out := x.Clone()

	data := out.RawData()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}

	return out, nil
}
