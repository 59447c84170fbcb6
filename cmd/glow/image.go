package main

import (
	"fmt"
	"image"
	"image/png"
	"os"

	xdraw "golang.org/x/image/draw"

	"github.com/example/go-glow/internal/runtime/tensor"
)

// loadImageTensor decodes a PNG into a (1, 3, H, W) tensor with values in
// [0, 1]. Dimensions that are not multiples of divisor are resampled down
// to the nearest multiples so the flow's squeeze stages line up.
func loadImageTensor(path string, divisor int64) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	bounds := img.Bounds()
	w := int64(bounds.Dx()) / divisor * divisor
	h := int64(bounds.Dy()) / divisor * divisor

	if w == 0 || h == 0 {
		return nil, fmt.Errorf("image %s is %dx%d, need at least %dx%d", path, bounds.Dx(), bounds.Dy(), divisor, divisor)
	}

	if w != int64(bounds.Dx()) || h != int64(bounds.Dy()) {
		resized := image.NewNRGBA(image.Rect(0, 0, int(w), int(h)))
		xdraw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, xdraw.Src, nil)
		img = resized
		bounds = resized.Bounds()
	}

	data := make([]float32, 3*w*h)
	plane := w * h

	for y := 0; y < int(h); y++ {
		for x := 0; x < int(w); x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := int64(y)*w + int64(x)
			data[i] = float32(r) / 65535
			data[plane+i] = float32(g) / 65535
			data[2*plane+i] = float32(b) / 65535
		}
	}

	return tensor.New(data, []int64{1, 3, h, w})
}

// saveImageTensor writes a (1, 3, H, W) tensor as a PNG, clamping values
// to [0, 1].
func saveImageTensor(path string, t *tensor.Tensor) error {
	b, c, h, w, err := t.Dims4()
	if err != nil {
		return fmt.Errorf("image tensor: %w", err)
	}

	if b != 1 || c != 3 {
		return fmt.Errorf("image tensor must be (1, 3, H, W), got %v", t.Shape())
	}

	data := t.Data()
	plane := h * w
	img := image.NewNRGBA(image.Rect(0, 0, int(w), int(h)))

	for y := 0; y < int(h); y++ {
		for x := 0; x < int(w); x++ {
			i := int64(y)*w + int64(x)
			o := img.PixOffset(x, y)

			img.Pix[o] = clampByte(data[i])
			img.Pix[o+1] = clampByte(data[plane+i])
			img.Pix[o+2] = clampByte(data[2*plane+i])
			img.Pix[o+3] = 0xff
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}

	return f.Close()
}

func clampByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 0xff
	default:
		return uint8(v*255 + 0.5)
	}
}
