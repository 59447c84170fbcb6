// Package linalg is the float64 dense linear-algebra boundary of the flow
// stack. Channel-mixing kernels live here as flat row-major float64 slices;
// everything that touches a matrix decomposition or inverse crosses into
// gonum on this side of the float32 tensor world and crosses back before
// layer parameters are built.
package linalg

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// RandomOrthogonal returns a uniformly random n x n orthogonal matrix,
// obtained as the Q factor of a QR decomposition of a Gaussian matrix.
// Orthogonality guarantees |det| = 1, so a fresh channel-mixing layer is
// never degenerate.
func RandomOrthogonal(n int, rng *rand.Rand) ([]float64, error) {
	if n < 1 {
		return nil, fmt.Errorf("linalg: matrix order must be >= 1, got %d", n)
	}

	data := make([]float64, n*n)
	for i := range data {
		if rng != nil {
			data[i] = rng.NormFloat64()
		} else {
			data[i] = rand.NormFloat64()
		}
	}

	var qr mat.QR
	qr.Factorize(mat.NewDense(n, n, data))

	var q mat.Dense
	qr.QTo(&q)

	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = q.At(i, j)
		}
	}

	return out, nil
}

// Inverse computes the explicit inverse of an n x n row-major matrix.
func Inverse(w []float64, n int) ([]float64, error) {
	if len(w) != n*n {
		return nil, fmt.Errorf("linalg: inverse needs %d elements for order %d, got %d", n*n, n, len(w))
	}

	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(n, n, append([]float64(nil), w...))); err != nil {
		return nil, fmt.Errorf("linalg: inverse: %w", err)
	}

	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = inv.At(i, j)
		}
	}

	return out, nil
}

// LogDet returns log|det(W)| for an n x n row-major matrix.
func LogDet(w []float64, n int) (float64, error) {
	if len(w) != n*n {
		return 0, fmt.Errorf("linalg: logdet needs %d elements for order %d, got %d", n*n, n, len(w))
	}

	logDet, sign := mat.LogDet(mat.NewDense(n, n, append([]float64(nil), w...)))
	if sign == 0 || math.IsInf(logDet, -1) {
		return 0, errors.New("linalg: logdet of singular matrix")
	}

	return logDet, nil
}
