package flow

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestInvConvDirectAndLUAgree(t *testing.T) {
	t.Parallel()

	const channels = 4

	// Same seed: both layers start from the same orthogonal matrix, one
	// stored densely, one factored.
	direct, err := newInvConv(channels, false, rand.New(rand.NewSource(21)))
	if err != nil {
		t.Fatalf("newInvConv direct: %v", err)
	}

	factored, err := newInvConv(channels, true, rand.New(rand.NewSource(21)))
	if err != nil {
		t.Fatalf("newInvConv lu: %v", err)
	}

	data := make([]float32, 2*channels*3*3)
	for i := range data {
		data[i] = float32(i%7) - 3
	}

	x := mustTensor(t, data, []int64{2, channels, 3, 3})

	yd, ldd, err := direct.Forward(x)
	if err != nil {
		t.Fatalf("direct Forward: %v", err)
	}

	yf, ldf, err := factored.Forward(x)
	if err != nil {
		t.Fatalf("lu Forward: %v", err)
	}

	dd := yd.RawData()
	for i, v := range yf.RawData() {
		if math.Abs(float64(v-dd[i])) > 1e-4 {
			t.Fatalf("output %d: direct %v, lu %v", i, dd[i], v)
		}
	}

	for i := range ldd {
		if math.Abs(ldd[i]-ldf[i]) > 1e-6 {
			t.Fatalf("logdet %d: direct %v, lu %v", i, ldd[i], ldf[i])
		}
	}
}

func TestInvConvOrthogonalInitLogDetZero(t *testing.T) {
	t.Parallel()

	c, err := newInvConv(6, false, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("newInvConv: %v", err)
	}

	x := mustTensor(t, make([]float32, 6*4*4), []int64{1, 6, 4, 4})

	_, logDet, err := c.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if math.Abs(logDet[0]) > 1e-9 {
		t.Fatalf("logdet at orthogonal init = %v, want 0", logDet[0])
	}
}

func TestInvConvReverseRoundTrip(t *testing.T) {
	t.Parallel()

	for _, useLU := range []bool{false, true} {
		c, err := newInvConv(4, useLU, rand.New(rand.NewSource(9)))
		if err != nil {
			t.Fatalf("newInvConv: %v", err)
		}

		data := make([]float32, 4*2*2)
		for i := range data {
			data[i] = float32(i)*0.25 - 2
		}

		x := mustTensor(t, data, []int64{1, 4, 2, 2})

		y, _, err := c.Forward(x)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}

		rev, err := reverseInvConv(c)
		if err != nil {
			t.Fatalf("reverseInvConv: %v", err)
		}

		back, err := rev.Forward(y)
		if err != nil {
			t.Fatalf("reverse Forward: %v", err)
		}

		xd := x.RawData()
		for i, v := range back.RawData() {
			if math.Abs(float64(v-xd[i])) > 1e-4 {
				t.Fatalf("useLU=%v value %d = %v, want %v", useLU, i, v, xd[i])
			}
		}
	}
}

func TestInvConvUnknownKind(t *testing.T) {
	t.Parallel()

	c := &InvConv{kind: invConvKind(99), channels: 2}

	x := mustTensor(t, make([]float32, 2*2*2), []int64{1, 2, 2, 2})

	if _, _, err := c.Forward(x); !errors.Is(err, ErrUnsupportedVariant) {
		t.Fatalf("Forward error = %v, want ErrUnsupportedVariant", err)
	}

	if _, err := reverseInvConv(c); !errors.Is(err, ErrUnsupportedVariant) {
		t.Fatalf("reverseInvConv error = %v, want ErrUnsupportedVariant", err)
	}
}

func TestInvConvChannelMismatch(t *testing.T) {
	t.Parallel()

	c, err := newInvConv(4, false, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("newInvConv: %v", err)
	}

	x := mustTensor(t, make([]float32, 2*2*2), []int64{1, 2, 2, 2})

	if _, _, err := c.Forward(x); err == nil {
		t.Fatal("expected error for channel mismatch")
	}
}
