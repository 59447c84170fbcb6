package flow

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/example/go-glow/internal/runtime/tensor"
)

func testHyperparams() Hyperparameters {
	return Hyperparameters{
		Levels:         3,
		DepthPerLevel:  2,
		SqueezeFactor:  2,
		HiddenChannels: 16,
	}
}

// randomImage fills a (batch, 3, size, size) tensor with Gaussian noise.
func randomImage(t *testing.T, batch, size int64, seed int64) *tensor.Tensor {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))

	data := make([]float32, batch*3*size*size)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}

	return mustTensor(t, data, []int64{batch, 3, size, size})
}

// readyModel builds a model with randomized parameters and actnorm
// initialized from a noise batch, so forward outputs are non-trivial.
func readyModel(t *testing.T, h Hyperparameters, seed int64) *InferenceModel {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))

	m, err := newInferenceModelRand(h, rng)
	if err != nil {
		t.Fatalf("newInferenceModelRand: %v", err)
	}

	for _, level := range m.steps {
		for _, step := range level {
			perturb(step.Coupling, rng)
		}
	}

	if err := m.InitializeActnorm(randomImage(t, 4, 16, seed+1)); err != nil {
		t.Fatalf("InitializeActnorm: %v", err)
	}

	return m
}

func TestHyperparametersValidate(t *testing.T) {
	t.Parallel()

	if err := testHyperparams().Validate(); err != nil {
		t.Fatalf("valid hyperparameters rejected: %v", err)
	}

	for name, h := range map[string]Hyperparameters{
		"levels":   {Levels: 0, DepthPerLevel: 1, SqueezeFactor: 2, HiddenChannels: 1},
		"depth":    {Levels: 1, DepthPerLevel: 0, SqueezeFactor: 2, HiddenChannels: 1},
		"squeeze":  {Levels: 1, DepthPerLevel: 1, SqueezeFactor: 1, HiddenChannels: 1},
		"channels": {Levels: 1, DepthPerLevel: 1, SqueezeFactor: 2, HiddenChannels: 0},
		// 3*3^2 = 27 channels at level 0 cannot be split in half.
		"odd-squeeze": {Levels: 2, DepthPerLevel: 1, SqueezeFactor: 3, HiddenChannels: 1},
	} {
		if err := h.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLevelChannelProgression(t *testing.T) {
	t.Parallel()

	h := testHyperparams()

	want := []int{12, 24, 48}
	for level, w := range want {
		if got := h.LevelChannels(level); got != w {
			t.Fatalf("LevelChannels(%d) = %d, want %d", level, got, w)
		}
	}

	if got := h.SpatialDivisor(); got != 8 {
		t.Fatalf("SpatialDivisor = %d, want 8", got)
	}
}

func TestLatentShapes(t *testing.T) {
	t.Parallel()

	h := testHyperparams()

	want := [][]int64{
		{1, 6, 8, 8},
		{1, 12, 4, 4},
		{1, 48, 2, 2},
	}

	for level, w := range want {
		got := h.LatentShape(level, 1, 16, 16)
		for i := range w {
			if got[i] != w[i] {
				t.Fatalf("LatentShape(%d) = %v, want %v", level, got, w)
			}
		}
	}
}

func TestForwardShapes(t *testing.T) {
	t.Parallel()

	h := testHyperparams()
	m := readyModel(t, h, 100)

	result, err := m.Forward(randomImage(t, 1, 16, 5))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if len(result.Latents) != h.Levels {
		t.Fatalf("latent count = %d, want %d", len(result.Latents), h.Levels)
	}

	var total int
	for level, latent := range result.Latents {
		want := h.LatentShape(level, 1, 16, 16)

		got := latent.Shape()
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("latent %d shape = %v, want %v", level, got, want)
			}
		}

		total += latent.ElemCount()
	}

	// The mapping is bijective: latent elements add up to the input size.
	if total != 3*16*16 {
		t.Fatalf("total latent elements = %d, want %d", total, 3*16*16)
	}

	if len(result.LogDet) != 1 {
		t.Fatalf("logdet length = %d, want 1", len(result.LogDet))
	}
}

func TestForwardRetainsActivations(t *testing.T) {
	t.Parallel()

	h := testHyperparams()
	m := readyModel(t, h, 200)

	result, err := m.Forward(randomImage(t, 1, 16, 6))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if len(result.Activations) != h.Levels {
		t.Fatalf("activation levels = %d, want %d", len(result.Activations), h.Levels)
	}

	for level := 0; level < h.Levels; level++ {
		if len(result.Activations[level]) != h.DepthPerLevel {
			t.Fatalf("level %d activations = %d, want %d", level, len(result.Activations[level]), h.DepthPerLevel)
		}

		for depth, act := range result.Activations[level] {
			if act == nil {
				t.Fatalf("activation (%d,%d) is nil", level, depth)
			}
		}
	}
}

func TestReduceMemoryMatchesDefault(t *testing.T) {
	t.Parallel()

	m := readyModel(t, testHyperparams(), 300)
	x := randomImage(t, 2, 16, 7)

	full, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	lean, err := m.ForwardWithOptions(x, ForwardOptions{ReduceMemory: true})
	if err != nil {
		t.Fatalf("ForwardWithOptions: %v", err)
	}

	if lean.Activations != nil {
		t.Fatal("reduce-memory pass retained activations")
	}

	for level := range full.Latents {
		fd := full.Latents[level].RawData()
		for i, v := range lean.Latents[level].RawData() {
			if v != fd[i] {
				t.Fatalf("latent %d value %d differs: %v vs %v", level, i, v, fd[i])
			}
		}
	}

	for i := range full.LogDet {
		if full.LogDet[i] != lean.LogDet[i] {
			t.Fatalf("logdet %d differs: %v vs %v", i, full.LogDet[i], lean.LogDet[i])
		}
	}
}

func TestRecomputeActivationMatchesTrace(t *testing.T) {
	t.Parallel()

	h := testHyperparams()
	m := readyModel(t, h, 400)
	x := randomImage(t, 1, 16, 8)

	result, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	for level := 0; level < h.Levels; level++ {
		for depth := 0; depth < h.DepthPerLevel; depth++ {
			act, err := m.RecomputeActivation(x, level, depth)
			if err != nil {
				t.Fatalf("RecomputeActivation(%d,%d): %v", level, depth, err)
			}

			want := result.Activations[level][depth].RawData()
			for i, v := range act.RawData() {
				if v != want[i] {
					t.Fatalf("activation (%d,%d) value %d differs: %v vs %v", level, depth, i, v, want[i])
				}
			}
		}
	}

	if _, err := m.RecomputeActivation(x, h.Levels, 0); err == nil {
		t.Fatal("expected error for out-of-range level")
	}
}

func TestNeedsInitializationLifecycle(t *testing.T) {
	t.Parallel()

	m, err := NewInferenceModel(testHyperparams())
	if err != nil {
		t.Fatalf("NewInferenceModel: %v", err)
	}

	if !m.NeedsInitialization() {
		t.Fatal("fresh model reports initialized")
	}

	if err := m.InitializeActnorm(randomImage(t, 4, 16, 9)); err != nil {
		t.Fatalf("InitializeActnorm: %v", err)
	}

	if m.NeedsInitialization() {
		t.Fatal("initialized model still reports needing initialization")
	}

	if err := m.InitializeActnorm(randomImage(t, 4, 16, 10)); err == nil {
		t.Fatal("expected error on second initialization")
	}
}

func TestInitializeActnormNormalizesEachStep(t *testing.T) {
	t.Parallel()

	h := testHyperparams()

	m, err := NewInferenceModel(h)
	if err != nil {
		t.Fatalf("NewInferenceModel: %v", err)
	}

	x := randomImage(t, 8, 16, 11)
	if err := m.InitializeActnorm(x); err != nil {
		t.Fatalf("InitializeActnorm: %v", err)
	}

	// After initialization the first step's actnorm output on the same
	// batch must be standardized per channel.
	squeezed, err := tensor.Squeeze(x, int64(h.SqueezeFactor))
	if err != nil {
		t.Fatalf("Squeeze: %v", err)
	}

	y, _, err := m.Step(0, 0).Actnorm.Forward(squeezed)
	if err != nil {
		t.Fatalf("actnorm Forward: %v", err)
	}

	b, c, hh, ww, _ := y.Dims4()
	data := y.RawData()
	plane := hh * ww
	count := float64(b * plane)

	for ci := int64(0); ci < c; ci++ {
		var sum float64

		for bi := int64(0); bi < b; bi++ {
			base := (bi*c + ci) * plane
			for i := int64(0); i < plane; i++ {
				sum += float64(data[base+i])
			}
		}

		if mean := sum / count; math.Abs(mean) > 1e-4 {
			t.Fatalf("channel %d mean = %v, want 0", ci, mean)
		}
	}
}

func TestForwardBeforeInitialization(t *testing.T) {
	t.Parallel()

	m, err := NewInferenceModel(testHyperparams())
	if err != nil {
		t.Fatalf("NewInferenceModel: %v", err)
	}

	if _, err := m.Forward(randomImage(t, 1, 16, 12)); !errors.Is(err, ErrNeedsInitialization) {
		t.Fatalf("Forward error = %v, want ErrNeedsInitialization", err)
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	t.Parallel()

	m := readyModel(t, testHyperparams(), 500)

	// Wrong channel count.
	if _, err := m.Forward(mustTensor(t, make([]float32, 16*16), []int64{1, 1, 16, 16})); err == nil {
		t.Fatal("expected error for single-channel input")
	}

	// Spatial dims not divisible by squeeze_factor^levels.
	if _, err := m.Forward(mustTensor(t, make([]float32, 3*12*12), []int64{1, 3, 12, 12})); err == nil {
		t.Fatal("expected error for indivisible spatial dims")
	}
}
