package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Stack represents a time series of spatial images.
//
// Pixel data is held in the flat working layout, a pixels x time matrix.
// The spatial layout of a time point is only ever materialised as a copy
// through Frame, so the two layouts never coexist in the stack itself.
type Stack struct {
	// Shape is the spatial shape shared by all frames
	Shape []int

	// Spacing is the physical voxel size per spatial axis, in mm
	Spacing []float64

	data *mat.Dense
}

// NewStack allocates a zero-filled stack with unit spacing
func NewStack(frames int, shape ...int) (*Stack, error) {
	if len(shape) != 2 && len(shape) != 3 {
		return nil, fmt.Errorf("stack must be 2D or 3D, got %d spatial dimensions", len(shape))
	}
	pixels := product(shape)
	if pixels == 0 || frames <= 0 {
		return nil, fmt.Errorf("empty stack: shape %v with %d frames", shape, frames)
	}
	spacing := make([]float64, len(shape))
	for i := range spacing {
		spacing[i] = 1.0
	}
	return &Stack{
		Shape:   append([]int(nil), shape...),
		Spacing: spacing,
		data:    mat.NewDense(pixels, frames, nil),
	}, nil
}

// StackFromFrames builds a stack from equally shaped volumes, one per time point.
// The spacing of the first frame is used for the whole stack.
func StackFromFrames(frames []*Volume) (*Stack, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames")
	}
	s, err := NewStack(len(frames), frames[0].Shape...)
	if err != nil {
		return nil, err
	}
	copy(s.Spacing, frames[0].Spacing)
	for t, f := range frames {
		if err := s.SetFrame(t, f); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Dims returns the spatial dimensionality (2 or 3)
func (s *Stack) Dims() int { return len(s.Shape) }

// Pixels returns the number of voxels per frame
func (s *Stack) Pixels() int {
	r, _ := s.data.Dims()
	return r
}

// Frames returns the number of time points
func (s *Stack) Frames() int {
	_, c := s.data.Dims()
	return c
}

// Matrix exposes the flat pixels x time working layout.
// Callers must not retain it across calls that replace stack data.
func (s *Stack) Matrix() *mat.Dense { return s.data }

// SetMatrix replaces the pixel data. The matrix must be pixels x frames.
func (s *Stack) SetMatrix(m *mat.Dense) error {
	r, c := m.Dims()
	if r != s.Pixels() || c != s.Frames() {
		return fmt.Errorf("matrix is %dx%d, stack is %dx%d", r, c, s.Pixels(), s.Frames())
	}
	s.data = m
	return nil
}

// Frame returns a copy of time point t in spatial layout
func (s *Stack) Frame(t int) *Volume {
	v := NewVolume(s.Shape...)
	copy(v.Spacing, s.Spacing)
	mat.Col(v.Data, t, s.data)
	return v
}

// SetFrame writes a spatial volume back into time point t
func (s *Stack) SetFrame(t int, v *Volume) error {
	if t < 0 || t >= s.Frames() {
		return fmt.Errorf("frame %d out of range [0,%d)", t, s.Frames())
	}
	if !equalShape(v.Shape, s.Shape) {
		return fmt.Errorf("frame shape %v does not match stack shape %v", v.Shape, s.Shape)
	}
	s.data.SetCol(t, v.Data)
	return nil
}

// SameShape reports whether o has the same spatial shape and frame count
func (s *Stack) SameShape(o *Stack) bool {
	if s == nil || o == nil {
		return false
	}
	return equalShape(s.Shape, o.Shape) && s.Frames() == o.Frames()
}

// Clone returns a deep copy
func (s *Stack) Clone() *Stack {
	return &Stack{
		Shape:   append([]int(nil), s.Shape...),
		Spacing: append([]float64(nil), s.Spacing...),
		data:    mat.DenseCopyOf(s.data),
	}
}

// ParameterMap holds fitted signal-model parameters, one row per pixel
type ParameterMap struct {
	// Names labels each column
	Names []string

	// Values is a pixels x parameter-count matrix
	Values *mat.Dense
}

// Count returns the number of parameters per pixel
func (p *ParameterMap) Count() int {
	_, c := p.Values.Dims()
	return c
}

// Column returns parameter i for all pixels
func (p *ParameterMap) Column(i int) []float64 {
	return mat.Col(nil, i, p.Values)
}
