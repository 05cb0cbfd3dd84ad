package models

import (
	"fmt"
)

// Volume represents a single spatial image (one time point of a stack).
// It is either 2D (rows, cols) or 3D (rows, cols, slices).
type Volume struct {
	// Shape holds the size of each spatial axis.
	// Axis 0 is rows, axis 1 is columns, axis 2 (if present) is slices.
	Shape []int

	// Spacing is the physical size of a voxel along each axis, in mm
	Spacing []float64

	// Data is the voxel data in row-major order (last axis fastest)
	Data []float64
}

// NewVolume allocates a zero-filled volume with unit spacing
func NewVolume(shape ...int) *Volume {
	spacing := make([]float64, len(shape))
	for i := range spacing {
		spacing[i] = 1.0
	}
	return &Volume{
		Shape:   append([]int(nil), shape...),
		Spacing: spacing,
		Data:    make([]float64, product(shape)),
	}
}

// NewVolumeFrom wraps existing data. The data length must match the shape.
func NewVolumeFrom(data []float64, spacing []float64, shape ...int) (*Volume, error) {
	if len(data) != product(shape) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	v := NewVolume(shape...)
	v.Data = data
	if spacing != nil {
		if len(spacing) != len(shape) {
			return nil, fmt.Errorf("spacing %v does not match %d dimensions", spacing, len(shape))
		}
		copy(v.Spacing, spacing)
	}
	return v, nil
}

// Dims returns the spatial dimensionality
func (v *Volume) Dims() int { return len(v.Shape) }

// Len returns the number of voxels
func (v *Volume) Len() int { return len(v.Data) }

// Strides returns the row-major stride of each axis
func (v *Volume) Strides() []int {
	return strides(v.Shape)
}

// Offset converts a multi-index into a position in Data
func (v *Volume) Offset(idx ...int) int {
	off := 0
	for i, n := range v.Shape {
		off = off*n + idx[i]
	}
	return off
}

// Clone returns a deep copy
func (v *Volume) Clone() *Volume {
	if v == nil {
		return nil
	}
	return &Volume{
		Shape:   append([]int(nil), v.Shape...),
		Spacing: append([]float64(nil), v.Spacing...),
		Data:    append([]float64(nil), v.Data...),
	}
}

// SameShape reports whether two volumes have identical spatial shapes
func (v *Volume) SameShape(o *Volume) bool {
	if v == nil || o == nil {
		return false
	}
	return equalShape(v.Shape, o.Shape)
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
