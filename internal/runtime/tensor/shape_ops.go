package tensor

import (
	"errors"
	"fmt"
)

// Squeeze reshapes a (B, C, H, W) tensor into (B, C*f*f, H/f, W/f) by moving
// each f x f spatial block into the channel dimension. The mapping is a pure
// index permutation; Unsqueeze with the same factor restores the input
// exactly.
func Squeeze(x *Tensor, factor int64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: squeeze on nil tensor")
	}

	if factor < 2 {
		return nil, fmt.Errorf("tensor: squeeze factor must be >= 2, got %d", factor)
	}

	b, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}

	if h%factor != 0 || w%factor != 0 {
		return nil, fmt.Errorf("tensor: squeeze factor %d does not divide spatial dims %dx%d", factor, h, w)
	}

	oh := h / factor
	ow := w / factor
	oc := c * factor * factor
	out := make([]float32, len(x.data))

	for bi := int64(0); bi < b; bi++ {
		for ci := int64(0); ci < c; ci++ {
			for oy := int64(0); oy < oh; oy++ {
				for fy := int64(0); fy < factor; fy++ {
					srcRow := ((bi*c+ci)*h + oy*factor + fy) * w

					for ox := int64(0); ox < ow; ox++ {
						for fx := int64(0); fx < factor; fx++ {
							dc := ci*factor*factor + fy*factor + fx
							dst := ((bi*oc+dc)*oh+oy)*ow + ox
							out[dst] = x.data[srcRow+ox*factor+fx]
						}
					}
				}
			}
		}
	}

	return newOwned(out, []int64{b, oc, oh, ow}), nil
}

// Unsqueeze is the exact structural inverse of Squeeze: it reshapes a
// (B, C*f*f, H, W) tensor back into (B, C, H*f, W*f).
func Unsqueeze(x *Tensor, factor int64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: unsqueeze on nil tensor")
	}

	if factor < 2 {
		return nil, fmt.Errorf("tensor: unsqueeze factor must be >= 2, got %d", factor)
	}

	b, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}

	if c%(factor*factor) != 0 {
		return nil, fmt.Errorf("tensor: unsqueeze factor %d squared does not divide channel count %d", factor, c)
	}

	oc := c / (factor * factor)
	oh := h * factor
	ow := w * factor
	out := make([]float32, len(x.data))

	for bi := int64(0); bi < b; bi++ {
		for ci := int64(0); ci < oc; ci++ {
			for sy := int64(0); sy < h; sy++ {
				for fy := int64(0); fy < factor; fy++ {
					dstRow := ((bi*oc+ci)*oh + sy*factor + fy) * ow

					for sx := int64(0); sx < w; sx++ {
						for fx := int64(0); fx < factor; fx++ {
							sc := ci*factor*factor + fy*factor + fx
							src := ((bi*c+sc)*h+sy)*w + sx
							out[dstRow+sx*factor+fx] = x.data[src]
						}
					}
				}
			}
		}
	}

	return newOwned(out, []int64{b, oc, oh, ow}), nil
}

// SplitChannels splits a rank-4 tensor into two equal halves along the
// channel dimension.
func SplitChannels(x *Tensor) (*Tensor, *Tensor, error) {
	if x == nil {
		return nil, nil, errors.New("tensor: split on nil tensor")
	}

	b, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, nil, err
	}

	if c%2 != 0 {
		return nil, nil, fmt.Errorf("tensor: cannot split odd channel count %d", c)
	}

	hc := c / 2
	span := hc * h * w
	first := make([]float32, b*span)
	second := make([]float32, b*span)

	for bi := int64(0); bi < b; bi++ {
		srcBase := bi * c * h * w
		copy(first[bi*span:(bi+1)*span], x.data[srcBase:srcBase+span])
		copy(second[bi*span:(bi+1)*span], x.data[srcBase+span:srcBase+2*span])
	}

	shape := []int64{b, hc, h, w}

	return newOwned(first, append([]int64(nil), shape...)), newOwned(second, shape), nil
}

// ConcatChannels concatenates two rank-4 tensors along the channel
// dimension; a precedes b. It is the inverse of SplitChannels.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: concat requires non-nil tensors")
	}

	ab, ac, ah, aw, err := a.Dims4()
	if err != nil {
		return nil, err
	}

	bb, bc, bh, bw, err := b.Dims4()
	if err != nil {
		return nil, err
	}

	if ab != bb || ah != bh || aw != bw {
		return nil, fmt.Errorf("tensor: concat shape mismatch %v vs %v", a.shape, b.shape)
	}

	oc := ac + bc
	aSpan := ac * ah * aw
	bSpan := bc * bh * bw
	out := make([]float32, ab*(aSpan+bSpan))

	for bi := int64(0); bi < ab; bi++ {
		dstBase := bi * (aSpan + bSpan)
		copy(out[dstBase:dstBase+aSpan], a.data[bi*aSpan:(bi+1)*aSpan])
		copy(out[dstBase+aSpan:dstBase+aSpan+bSpan], b.data[bi*bSpan:(bi+1)*bSpan])
	}

	return newOwned(out, []int64{ab, oc, ah, aw}), nil
}
