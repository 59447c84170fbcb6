package linalg

import (
	"math"
	"math/rand"
	"testing"
)

const eps = 1e-9

func TestRandomOrthogonalIsOrthogonal(t *testing.T) {
	t.Parallel()

	const n = 8
	rng := rand.New(rand.NewSource(1))

	w, err := RandomOrthogonal(n, rng)
	if err != nil {
		t.Fatalf("RandomOrthogonal: %v", err)
	}

	// W^T * W must be the identity.
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for k := 0; k < n; k++ {
				sum += w[k*n+i] * w[k*n+j]
			}

			want := 0.0
			if i == j {
				want = 1.0
			}

			if math.Abs(sum-want) > 1e-12 {
				t.Fatalf("(W^T W)[%d][%d] = %v, want %v", i, j, sum, want)
			}
		}
	}
}

func TestRandomOrthogonalLogDetIsZero(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))

	w, err := RandomOrthogonal(6, rng)
	if err != nil {
		t.Fatalf("RandomOrthogonal: %v", err)
	}

	ld, err := LogDet(w, 6)
	if err != nil {
		t.Fatalf("LogDet: %v", err)
	}

	if math.Abs(ld) > 1e-12 {
		t.Fatalf("log|det| of orthogonal matrix = %v, want 0", ld)
	}
}

func TestInverseRoundTrip(t *testing.T) {
	t.Parallel()

	const n = 5
	rng := rand.New(rand.NewSource(3))

	w, err := RandomOrthogonal(n, rng)
	if err != nil {
		t.Fatalf("RandomOrthogonal: %v", err)
	}

	inv, err := Inverse(w, n)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for k := 0; k < n; k++ {
				sum += w[i*n+k] * inv[k*n+j]
			}

			want := 0.0
			if i == j {
				want = 1.0
			}

			if math.Abs(sum-want) > eps {
				t.Fatalf("(W W^-1)[%d][%d] = %v, want %v", i, j, sum, want)
			}
		}
	}
}

func TestLogDetSingularMatrix(t *testing.T) {
	t.Parallel()

	if _, err := LogDet([]float64{1, 2, 2, 4}, 2); err == nil {
		t.Fatal("expected error for singular matrix")
	}
}

func TestFactorLUAssembleRoundTrip(t *testing.T) {
	t.Parallel()

	const n = 7
	rng := rand.New(rand.NewSource(11))

	w, err := RandomOrthogonal(n, rng)
	if err != nil {
		t.Fatalf("RandomOrthogonal: %v", err)
	}

	f, err := FactorLU(w, n)
	if err != nil {
		t.Fatalf("FactorLU: %v", err)
	}

	got := f.Assemble()
	for i := range w {
		if math.Abs(got[i]-w[i]) > eps {
			t.Fatalf("assembled[%d] = %v, want %v", i, got[i], w[i])
		}
	}
}

func TestFactorLULogDetMatchesDense(t *testing.T) {
	t.Parallel()

	const n = 6
	rng := rand.New(rand.NewSource(5))

	w := make([]float64, n*n)
	for i := range w {
		w[i] = rng.NormFloat64()
	}

	f, err := FactorLU(w, n)
	if err != nil {
		t.Fatalf("FactorLU: %v", err)
	}

	want, err := LogDet(w, n)
	if err != nil {
		t.Fatalf("LogDet: %v", err)
	}

	if math.Abs(f.LogDet()-want) > eps {
		t.Fatalf("factored logdet = %v, dense logdet = %v", f.LogDet(), want)
	}
}

func TestFactorLUPermIsPermutation(t *testing.T) {
	t.Parallel()

	const n = 9
	rng := rand.New(rand.NewSource(13))

	w, err := RandomOrthogonal(n, rng)
	if err != nil {
		t.Fatalf("RandomOrthogonal: %v", err)
	}

	f, err := FactorLU(w, n)
	if err != nil {
		t.Fatalf("FactorLU: %v", err)
	}

	seen := make([]bool, n)
	for _, p := range f.Perm {
		if p < 0 || p >= n || seen[p] {
			t.Fatalf("Perm %v is not a permutation of 0..%d", f.Perm, n-1)
		}

		seen[p] = true
	}
}

func TestFactorLUSingularMatrix(t *testing.T) {
	t.Parallel()

	if _, err := FactorLU([]float64{0, 0, 0, 0}, 2); err == nil {
		t.Fatal("expected error for singular matrix")
	}
}

func TestLUFactorsCloneIsIndependent(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(17))

	w, err := RandomOrthogonal(3, rng)
	if err != nil {
		t.Fatalf("RandomOrthogonal: %v", err)
	}

	f, err := FactorLU(w, 3)
	if err != nil {
		t.Fatalf("FactorLU: %v", err)
	}

	dup := f.Clone()
	f.S[0] = 42
	f.Perm[0], f.Perm[1] = f.Perm[1], f.Perm[0]

	if dup.S[0] == 42 {
		t.Fatal("clone shares the S slice")
	}
}
