package portrait

import (
	"errors"
	"fmt"
	"slices"

	"gorgonia.org/tensor"
)

// Tensor is an opaque float32 buffer with a fixed shape, produced and consumed
// by the neural module. The core never interprets its contents.
type Tensor struct {
	d *tensor.Dense
}

// NewTensor wraps data with the given shape. The slice is owned by the tensor afterwards.
func NewTensor(shape []int, data []float32) (Tensor, error) {
	if len(shape) == 0 {
		return Tensor{}, errors.New("tensor shape must not be empty")
	}
	size := 1
	for _, s := range shape {
		if s <= 0 {
			return Tensor{}, fmt.Errorf("invalid tensor dimension %d in shape %v", s, shape)
		}
		size *= s
	}
	if len(data) != size {
		return Tensor{}, fmt.Errorf("tensor shape %v needs %d values, got %d", shape, size, len(data))
	}
	d := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(shape...),
		tensor.WithBacking(data),
	)
	return Tensor{d: d}, nil
}

// IsZero reports whether the tensor holds no buffer.
func (t Tensor) IsZero() bool {
	return t.d == nil
}

// Shape returns a copy of the tensor shape.
func (t Tensor) Shape() []int {
	if t.d == nil {
		return nil
	}
	return slices.Clone([]int(t.d.Shape()))
}

// Len returns the number of elements.
func (t Tensor) Len() int {
	if t.d == nil {
		return 0
	}
	return t.d.Shape().TotalSize()
}

// Float32s returns the backing slice. Callers must treat it as read-only.
func (t Tensor) Float32s() []float32 {
	if t.d == nil {
		return nil
	}
	data, _ := t.d.Data().([]float32)
	return data
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	if t.d == nil {
		return Tensor{}
	}
	c, _ := t.d.Clone().(*tensor.Dense)
	return Tensor{d: c}
}

// FeatureVolume is the 3-D appearance feature tensor extracted from the crop.
// Layout is model defined (typically C×D×H×W); it is passed to warp+decode unmodified.
type FeatureVolume struct {
	Tensor
}

// RawFrame is the undecoded output of warp+decode, turned into pixels by ParseOutput.
type RawFrame struct {
	Tensor
}
