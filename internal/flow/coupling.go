package flow

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/example/go-glow/internal/runtime/ops"
	"github.com/example/go-glow/internal/runtime/tensor"
)

// conv2dLayer is a learned stride-1 convolution inside the coupling network.
type conv2dLayer struct {
	weight *tensor.Tensor // [outC, inC, kH, kW]
	bias   []float32
	pad    int64
}

func newConv2dLayer(outC, inC, kernel, pad int64, rng *rand.Rand) *conv2dLayer {
	n := outC * inC * kernel * kernel
	data := make([]float32, n)

	// He init over the receptive field.
	std := math.Sqrt(2.0 / float64(inC*kernel*kernel))
	for i := range data {
		data[i] = float32(gauss(rng) * std)
	}

	w, _ := tensor.New(data, []int64{outC, inC, kernel, kernel})

	return &conv2dLayer{weight: w, bias: make([]float32, outC), pad: pad}
}

func newZeroConv2dLayer(outC, inC, kernel, pad int64) *conv2dLayer {
	w, _ := tensor.Zeros([]int64{outC, inC, kernel, kernel})

	return &conv2dLayer{weight: w, bias: make([]float32, outC), pad: pad}
}

func (l *conv2dLayer) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.Conv2D(x, l.weight, l.bias, l.pad)
}

func (l *conv2dLayer) clone() *conv2dLayer {
	return &conv2dLayer{
		weight: l.weight.Clone(),
		bias:   append([]float32(nil), l.bias...),
		pad:    l.pad,
	}
}

func gauss(rng *rand.Rand) float64 {
	if rng != nil {
		return rng.NormFloat64()
	}

	return rand.NormFloat64()
}

// CouplingNet is the nonlinear conditioner of an affine coupling layer: two
// hidden convolutions with ReLU, then two parallel heads producing logScale
// and bias. The heads start at zero so a fresh coupling layer is an
// identity map.
type CouplingNet struct {
	conv1     *conv2dLayer // 3x3 same-pad, C/2 -> hidden
	conv2     *conv2dLayer // 1x1, hidden -> hidden
	scaleHead *conv2dLayer // 3x3 same-pad, hidden -> C/2
	biasHead  *conv2dLayer // 3x3 same-pad, hidden -> C/2
}

func newCouplingNet(channels, hidden int64, rng *rand.Rand) *CouplingNet {
	half := channels / 2

	return &CouplingNet{
		conv1:     newConv2dLayer(hidden, half, 3, 1, rng),
		conv2:     newConv2dLayer(hidden, hidden, 1, 0, rng),
		scaleHead: newZeroConv2dLayer(half, hidden, 3, 1),
		biasHead:  newZeroConv2dLayer(half, hidden, 3, 1),
	}
}

func (n *CouplingNet) forward(xa *tensor.Tensor) (logScale, bias *tensor.Tensor, err error) {
	h, err := n.conv1.forward(xa)
	if err != nil {
		return nil, nil, err
	}

	h, err = ops.ReLU(h)
	if err != nil {
		return nil, nil, err
	}

	h, err = n.conv2.forward(h)
	if err != nil {
		return nil, nil, err
	}

	h, err = ops.ReLU(h)
	if err != nil {
		return nil, nil, err
	}

	logScale, err = n.scaleHead.forward(h)
	if err != nil {
		return nil, nil, err
	}

	bias, err = n.biasHead.forward(h)
	if err != nil {
		return nil, nil, err
	}

	return logScale, bias, nil
}

func (n *CouplingNet) clone() *CouplingNet {
	return &CouplingNet{
		conv1:     n.conv1.clone(),
		conv2:     n.conv2.clone(),
		scaleHead: n.scaleHead.clone(),
		biasHead:  n.biasHead.clone(),
	}
}

// AffineCoupling splits channels into halves (xa, xb), leaves xa unchanged,
// and transforms yb = exp(logScale) * (xb + bias) with (logScale, bias)
// computed from xa by the coupling network.
type AffineCoupling struct {
	nn *CouplingNet
}

func newAffineCoupling(channels, hidden int64, rng *rand.Rand) *AffineCoupling {
	return &AffineCoupling{nn: newCouplingNet(channels, hidden, rng)}
}

// Forward returns the transformed tensor and the per-batch-element
// log-determinant: the sum of logScale over channels and space.
func (c *AffineCoupling) Forward(x *tensor.Tensor) (*tensor.Tensor, []float64, error) {
	xa, xb, err := tensor.SplitChannels(x)
	if err != nil {
		return nil, nil, fmt.Errorf("flow: coupling: %w", err)
	}

	logScale, bias, err := c.nn.forward(xa)
	if err != nil {
		return nil, nil, fmt.Errorf("flow: coupling net: %w", err)
	}

	yb := xb.Clone()
	data := yb.RawData()
	ls := logScale.RawData()
	bs := bias.RawData()

	b := x.Shape()[0]
	span := len(data) / int(b)
	logDet := make([]float64, b)

	for bi := 0; bi < int(b); bi++ {
		var sum float64

		for i := bi * span; i < (bi+1)*span; i++ {
			data[i] = float32(math.Exp(float64(ls[i]))) * (data[i] + bs[i])
			sum += float64(ls[i])
		}

		logDet[bi] = sum
	}

	out, err := tensor.ConcatChannels(xa, yb)
	if err != nil {
		return nil, nil, err
	}

	return out, logDet, nil
}

// ReverseAffineCoupling inverts AffineCoupling. Because ya = xa passes
// through unchanged, the conditioner is recomputed on ya with the layer's
// own copy of the network, then xb = yb * exp(-logScale) - bias.
type ReverseAffineCoupling struct {
	nn *CouplingNet
}

func (r *ReverseAffineCoupling) Forward(y *tensor.Tensor) (*tensor.Tensor, error) {
	ya, yb, err := tensor.SplitChannels(y)
	if err != nil {
		return nil, fmt.Errorf("flow: reverse coupling: %w", err)
	}

	logScale, bias, err := r.nn.forward(ya)
	if err != nil {
		return nil, fmt.Errorf("flow: reverse coupling net: %w", err)
	}

	xb := yb.Clone()
	data := xb.RawData()
	ls := logScale.RawData()
	bs := bias.RawData()

	for i := range data {
		data[i] = data[i]*float32(math.Exp(-float64(ls[i]))) - bs[i]
	}

	return tensor.ConcatChannels(ya, xb)
}
