package linalg

import (
	"fmt"
	"math"
)

// LUFactors holds W = P * L * (U + diag(S)) split into its learnable parts.
// L is unit-lower-triangular with the diagonal omitted, U is strictly
// upper-triangular, and S carries the diagonal. Perm encodes P: row Perm[i]
// of the assembled matrix is row i of L * (U + diag(S)).
//
// gonum's mat.LU exposes its pivoting in LAPACK swap form; the permutation
// here is a learned-parameter layout that must round-trip through the
// checkpoint store, so factorization keeps its own explicit partial-pivot
// elimination and hands the dense products back to gonum-side callers.
type LUFactors struct {
	Order int
	Perm  []int
	Lower []float64 // n x n row-major, strictly lower entries of L
	Upper []float64 // n x n row-major, strictly upper entries of U
	S     []float64 // diagonal, length n
}

// FactorLU decomposes an n x n row-major matrix with partial pivoting.
func FactorLU(w []float64, n int) (LUFactors, error) {
	if n < 1 {
		return LUFactors{}, fmt.Errorf("linalg: lu order must be >= 1, got %d", n)
	}

	if len(w) != n*n {
		return LUFactors{}, fmt.Errorf("linalg: lu needs %d elements for order %d, got %d", n*n, n, len(w))
	}

	a := append([]float64(nil), w...)

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	for k := 0; k < n; k++ {
		pivot := k
		maxAbs := math.Abs(a[k*n+k])

		for i := k + 1; i < n; i++ {
			if abs := math.Abs(a[i*n+k]); abs > maxAbs {
				pivot = i
				maxAbs = abs
			}
		}

		if maxAbs == 0 {
			return LUFactors{}, fmt.Errorf("linalg: lu of singular matrix (zero pivot at column %d)", k)
		}

		if pivot != k {
			for j := 0; j < n; j++ {
				a[k*n+j], a[pivot*n+j] = a[pivot*n+j], a[k*n+j]
			}

			perm[k], perm[pivot] = perm[pivot], perm[k]
		}

		inv := 1.0 / a[k*n+k]
		for i := k + 1; i < n; i++ {
			a[i*n+k] *= inv
			for j := k + 1; j < n; j++ {
				a[i*n+j] -= a[i*n+k] * a[k*n+j]
			}
		}
	}

	f := LUFactors{
		Order: n,
		Perm:  perm,
		Lower: make([]float64, n*n),
		Upper: make([]float64, n*n),
		S:     make([]float64, n),
	}

	for i := 0; i < n; i++ {
		f.S[i] = a[i*n+i]

		for j := 0; j < i; j++ {
			f.Lower[i*n+j] = a[i*n+j]
		}

		for j := i + 1; j < n; j++ {
			f.Upper[i*n+j] = a[i*n+j]
		}
	}

	return f, nil
}

// Assemble realizes the dense matrix P * L * (U + diag(S)).
func (f LUFactors) Assemble() []float64 {
	n := f.Order
	m := make([]float64, n*n)

	// M = L * (U + diag(S)) with L unit-lower.
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var sum float64

			// L[i][k] for k < i, plus the implicit unit diagonal at k == i.
			for k := 0; k < i && k <= j; k++ {
				sum += f.Lower[i*n+k] * f.upperAt(k, j)
			}

			if i <= j {
				sum += f.upperAt(i, j)
			}

			m[i*n+j] = sum
		}
	}

	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		copy(out[f.Perm[i]*n:f.Perm[i]*n+n], m[i*n:i*n+n])
	}

	return out
}

// LogDet returns log|det| directly from the diagonal, avoiding any dense
// determinant evaluation.
func (f LUFactors) LogDet() float64 {
	var sum float64
	for _, s := range f.S {
		sum += math.Log(math.Abs(s))
	}

	return sum
}

// Clone returns an independent copy of the factors.
func (f LUFactors) Clone() LUFactors {
	return LUFactors{
		Order: f.Order,
		Perm:  append([]int(nil), f.Perm...),
		Lower: append([]float64(nil), f.Lower...),
		Upper: append([]float64(nil), f.Upper...),
		S:     append([]float64(nil), f.S...),
	}
}

func (f LUFactors) upperAt(i, j int) float64 {
	if i == j {
		return f.S[i]
	}

	return f.Upper[i*f.Order+j]
}
