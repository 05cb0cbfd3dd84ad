package models

import (
	"fmt"
	"time"
)

// Field is the deformation field of one frame: a displacement vector per voxel.
// Data is laid out as shape + (dims,), so component d of voxel p is at p*Dims+d.
// Displacements are in physical units (mm).
type Field struct {
	Shape []int
	Dims  int
	Data  []float64
}

// NewField allocates a zero displacement field for the given spatial shape
func NewField(shape ...int) *Field {
	return &Field{
		Shape: append([]int(nil), shape...),
		Dims:  len(shape),
		Data:  make([]float64, product(shape)*len(shape)),
	}
}

// Pixels returns the number of voxels covered by the field
func (f *Field) Pixels() int { return product(f.Shape) }

// Vector returns the displacement at voxel p
func (f *Field) Vector(p int) []float64 {
	return f.Data[p*f.Dims : (p+1)*f.Dims]
}

// Clone returns a deep copy
func (f *Field) Clone() *Field {
	return &Field{
		Shape: append([]int(nil), f.Shape...),
		Dims:  f.Dims,
		Data:  append([]float64(nil), f.Data...),
	}
}

// Deformation is the deformation field of a whole stack,
// laid out as pixels x dims x time.
type Deformation struct {
	Shape  []int
	Dims   int
	Frames int
	Data   []float64
}

// NewDeformation allocates an all-zero deformation field
func NewDeformation(frames int, shape ...int) *Deformation {
	return &Deformation{
		Shape:  append([]int(nil), shape...),
		Dims:   len(shape),
		Frames: frames,
		Data:   make([]float64, product(shape)*len(shape)*frames),
	}
}

// Pixels returns the number of voxels per frame
func (d *Deformation) Pixels() int { return product(d.Shape) }

// At returns component c of voxel p at time t
func (d *Deformation) At(p, c, t int) float64 {
	return d.Data[(p*d.Dims+c)*d.Frames+t]
}

// Set assigns component c of voxel p at time t
func (d *Deformation) Set(p, c, t int, v float64) {
	d.Data[(p*d.Dims+c)*d.Frames+t] = v
}

// Frame extracts the per-frame field of time point t
func (d *Deformation) Frame(t int) *Field {
	f := NewField(d.Shape...)
	for p := 0; p < d.Pixels(); p++ {
		for c := 0; c < d.Dims; c++ {
			f.Data[p*d.Dims+c] = d.At(p, c, t)
		}
	}
	return f
}

// SetFrame writes a per-frame field into time point t
func (d *Deformation) SetFrame(t int, f *Field) error {
	if t < 0 || t >= d.Frames {
		return fmt.Errorf("frame %d out of range [0,%d)", t, d.Frames)
	}
	if !equalShape(f.Shape, d.Shape) || f.Dims != d.Dims {
		return fmt.Errorf("field shape %v x %d does not match deformation shape %v x %d",
			f.Shape, f.Dims, d.Shape, d.Dims)
	}
	for p := 0; p < d.Pixels(); p++ {
		for c := 0; c < d.Dims; c++ {
			d.Set(p, c, t, f.Data[p*f.Dims+c])
		}
	}
	return nil
}

// Sub returns d - o elementwise
func (d *Deformation) Sub(o *Deformation) (*Deformation, error) {
	if len(d.Data) != len(o.Data) || d.Dims != o.Dims || d.Frames != o.Frames {
		return nil, fmt.Errorf("deformation shapes differ: %v/%d vs %v/%d",
			d.Shape, d.Frames, o.Shape, o.Frames)
	}
	out := &Deformation{
		Shape:  append([]int(nil), d.Shape...),
		Dims:   d.Dims,
		Frames: d.Frames,
		Data:   make([]float64, len(d.Data)),
	}
	for i := range d.Data {
		out.Data[i] = d.Data[i] - o.Data[i]
	}
	return out, nil
}

// Clone returns a deep copy
func (d *Deformation) Clone() *Deformation {
	return &Deformation{
		Shape:  append([]int(nil), d.Shape...),
		Dims:   d.Dims,
		Frames: d.Frames,
		Data:   append([]float64(nil), d.Data...),
	}
}

// Iteration records the outcome of one MDR iteration
type Iteration struct {
	// Number is the 1-based iteration index
	Number int

	// MaxDeformation is the largest per-voxel change in deformation (mm).
	// It is NaN when Valid is false.
	MaxDeformation float64

	// Valid is false when the deformation change had no finite samples
	Valid bool

	// FailedFrames lists the time points whose registration failed
	FailedFrames []int

	// Duration is the wall time of the iteration
	Duration time.Duration
}

// IterationLog is the append-only convergence trace of a run
type IterationLog []Iteration

// Len returns the number of completed iterations
func (l IterationLog) Len() int { return len(l) }

// Last returns the most recent iteration
func (l IterationLog) Last() (Iteration, bool) {
	if len(l) == 0 {
		return Iteration{}, false
	}
	return l[len(l)-1], true
}

// MaxDeformations returns the diagnostic of every iteration in order
func (l IterationLog) MaxDeformations() []float64 {
	out := make([]float64, len(l))
	for i, it := range l {
		out[i] = it.MaxDeformation
	}
	return out
}

// FailedFrameCount returns the total number of frame failures across iterations
func (l IterationLog) FailedFrameCount() int {
	n := 0
	for _, it := range l {
		n += len(it.FailedFrames)
	}
	return n
}
