// Package checkpoint persists model parameters as a single snapshot file:
// an 8-byte little-endian header length, a JSON header mapping tensor names
// to dtype/shape/offsets, and the raw little-endian payload.
package checkpoint

import (
	"fmt"
	"math"
)

const (
	dtypeF32 = "F32"
	dtypeI64 = "I64"
)

// Entry is one named parameter tensor. Exactly one of Data and Ints is set:
// Data for F32 tensors, Ints for I64 tensors (permutation indices).
type Entry struct {
	Name  string
	Shape []int64
	Data  []float32
	Ints  []int64
}

func (e Entry) dtype() (string, error) {
	switch {
	case e.Data != nil && e.Ints == nil:
		return dtypeF32, nil
	case e.Ints != nil && e.Data == nil:
		return dtypeI64, nil
	default:
		return "", fmt.Errorf("checkpoint: entry %q must carry exactly one of float or int payloads", e.Name)
	}
}

func (e Entry) elemCount() int {
	if e.Data != nil {
		return len(e.Data)
	}

	return len(e.Ints)
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

func shapeElementCount(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension %d", d)
		}

		if d == 0 {
			return 0, nil
		}

		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

func dtypeBytes(dtype string) (int, error) {
	switch dtype {
	case dtypeF32:
		return 4, nil
	case dtypeI64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}
