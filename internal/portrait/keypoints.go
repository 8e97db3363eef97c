package portrait

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Keypoint topology expected by the expression table.
const (
	NumKeypoints = 21
	KeypointDims = 3
)

// Keypoints is an N×3 keypoint tensor in canonical pose space, one row per landmark.
//
// Values stored in a Portrait are never mutated; AddAt is only used on clones.
type Keypoints struct {
	m *mat.Dense
}

// NewKeypoints builds a keypoint tensor from row-major data.
func NewKeypoints(rows int, data []float64) (Keypoints, error) {
	if rows <= 0 {
		return Keypoints{}, fmt.Errorf("keypoint tensor needs at least one row, got %d", rows)
	}
	if len(data) != rows*KeypointDims {
		return Keypoints{}, fmt.Errorf("keypoint tensor %dx%d needs %d values, got %d",
			rows, KeypointDims, rows*KeypointDims, len(data))
	}
	buf := make([]float64, len(data))
	copy(buf, data)
	return Keypoints{m: mat.NewDense(rows, KeypointDims, buf)}, nil
}

// KeypointsFromDense wraps an existing N×3 matrix without copying.
func KeypointsFromDense(m *mat.Dense) (Keypoints, error) {
	_, c := m.Dims()
	if c != KeypointDims {
		return Keypoints{}, fmt.Errorf("keypoint tensor must have %d columns, got %d", KeypointDims, c)
	}
	return Keypoints{m: m}, nil
}

// ZeroKeypoints returns a zero tensor with the canonical topology.
func ZeroKeypoints() Keypoints {
	return Keypoints{m: mat.NewDense(NumKeypoints, KeypointDims, nil)}
}

// IsZero reports whether the tensor is unset.
func (k Keypoints) IsZero() bool {
	return k.m == nil
}

// Rows returns the number of landmarks.
func (k Keypoints) Rows() int {
	if k.m == nil {
		return 0
	}
	r, _ := k.m.Dims()
	return r
}

// At returns the value at (landmark, axis).
func (k Keypoints) At(landmark, axis int) float64 {
	return k.m.At(landmark, axis)
}

// AddAt adds v to (landmark, axis) in place.
func (k Keypoints) AddAt(landmark, axis int, v float64) {
	k.m.Set(landmark, axis, k.m.At(landmark, axis)+v)
}

// Matrix exposes the tensor as a read-only gonum matrix.
func (k Keypoints) Matrix() mat.Matrix {
	return k.m
}

// Clone returns a deep copy with its own storage.
func (k Keypoints) Clone() Keypoints {
	if k.m == nil {
		return Keypoints{}
	}
	return Keypoints{m: mat.DenseCopyOf(k.m)}
}

// Raw returns a row-major copy of the values.
func (k Keypoints) Raw() []float64 {
	if k.m == nil {
		return nil
	}
	r, c := k.m.Dims()
	out := make([]float64, 0, r*c)
	for i := range r {
		out = append(out, k.m.RawRowView(i)...)
	}
	return out
}

// Rows3 returns the tensor as a slice of [x, y, z] triples.
func (k Keypoints) Rows3() [][3]float64 {
	n := k.Rows()
	out := make([][3]float64, n)
	for i := range n {
		out[i] = [3]float64{k.m.At(i, 0), k.m.At(i, 1), k.m.At(i, 2)}
	}
	return out
}

// Identical reports bit-for-bit equality.
func (k Keypoints) Identical(o Keypoints) bool {
	if k.Rows() != o.Rows() {
		return false
	}
	a, b := k.Raw(), o.Raw()
	for i := range a {
		if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
			return false
		}
	}
	return true
}

// CheckTopology verifies the tensor has the 21×3 layout the expression table indexes into.
func (k Keypoints) CheckTopology() error {
	if k.m == nil {
		return fmt.Errorf("%w: keypoint tensor is empty", ErrTopology)
	}
	r, c := k.m.Dims()
	if r != NumKeypoints || c != KeypointDims {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrTopology, r, c, NumKeypoints, KeypointDims)
	}
	return nil
}

// KeypointInfo is the output of keypoint extraction on the neutral source crop.
type KeypointInfo struct {
	Kp    Keypoints
	Scale float64
	Pitch float64 // degrees
	Yaw   float64 // degrees
	Roll  float64 // degrees
	T     [3]float64
	// Exp holds model-specific expression offsets. Only Canonicalize reads it.
	Exp Keypoints
}
