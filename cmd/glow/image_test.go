package main

import (
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/example/go-glow/internal/runtime/tensor"
)

func TestImageTensorRoundTrip(t *testing.T) {
	t.Parallel()

	const size = 16

	data := make([]float32, 3*size*size)
	for i := range data {
		data[i] = float32(i%256) / 255
	}

	src, err := tensor.New(data, []int64{1, 3, size, size})
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}

	path := filepath.Join(t.TempDir(), "img.png")
	if err := saveImageTensor(path, src); err != nil {
		t.Fatalf("saveImageTensor: %v", err)
	}

	got, err := loadImageTensor(path, 8)
	if err != nil {
		t.Fatalf("loadImageTensor: %v", err)
	}

	shape := got.Shape()
	if shape[0] != 1 || shape[1] != 3 || shape[2] != size || shape[3] != size {
		t.Fatalf("shape = %v, want (1, 3, %d, %d)", shape, size, size)
	}

	// PNG stores 8-bit samples, so the round trip is exact to 1/255.
	sd := src.RawData()
	for i, v := range got.RawData() {
		if math.Abs(float64(v-sd[i])) > 1.0/255+1e-6 {
			t.Fatalf("value %d = %v, want %v", i, v, sd[i])
		}
	}
}

func TestLoadImageTensorResizesToDivisor(t *testing.T) {
	t.Parallel()

	src, err := tensor.Zeros([]int64{1, 3, 20, 21})
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}

	path := filepath.Join(t.TempDir(), "odd.png")
	if err := saveImageTensor(path, src); err != nil {
		t.Fatalf("saveImageTensor: %v", err)
	}

	got, err := loadImageTensor(path, 8)
	if err != nil {
		t.Fatalf("loadImageTensor: %v", err)
	}

	shape := got.Shape()
	if shape[2] != 16 || shape[3] != 16 {
		t.Fatalf("resized shape = %v, want 16x16 spatial", shape)
	}
}

func TestLoadImageTensorResizePreservesValues(t *testing.T) {
	t.Parallel()

	// A uniform mid-gray image must stay uniform through the resize; a
	// compositing mistake in the scaler would shift the values.
	src, err := tensor.Full([]int64{1, 3, 20, 21}, 128.0/255)
	if err != nil {
		t.Fatalf("Full: %v", err)
	}

	path := filepath.Join(t.TempDir(), "gray.png")
	if err := saveImageTensor(path, src); err != nil {
		t.Fatalf("saveImageTensor: %v", err)
	}

	got, err := loadImageTensor(path, 8)
	if err != nil {
		t.Fatalf("loadImageTensor: %v", err)
	}

	for i, v := range got.RawData() {
		if math.Abs(float64(v)-128.0/255) > 1.0/255+1e-6 {
			t.Fatalf("value %d = %v, want %v", i, v, 128.0/255)
		}
	}
}

func TestLoadImageTensorTooSmall(t *testing.T) {
	t.Parallel()

	src, err := tensor.Zeros([]int64{1, 3, 4, 4})
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}

	path := filepath.Join(t.TempDir(), "tiny.png")
	if err := saveImageTensor(path, src); err != nil {
		t.Fatalf("saveImageTensor: %v", err)
	}

	if _, err := loadImageTensor(path, 8); err == nil {
		t.Fatal("expected error for image smaller than the divisor")
	}
}

func TestSaveImageTensorRejectsBadShape(t *testing.T) {
	t.Parallel()

	src, err := tensor.Zeros([]int64{2, 3, 4, 4})
	if err != nil {
		t.Fatalf("Zeros: %v", err)
	}

	if err := saveImageTensor(filepath.Join(t.TempDir(), "x.png"), src); err == nil {
		t.Fatal("expected error for batch size > 1")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}

	for in, want := range cases {
		got, err := parseLogLevel(in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", in, err)
		}

		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestClampByte(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   float32
		want uint8
	}{
		{-1, 0},
		{0, 0},
		{0.5, 128},
		{1, 255},
		{2, 255},
	}

	for _, c := range cases {
		if got := clampByte(c.in); got != c.want {
			t.Fatalf("clampByte(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}
