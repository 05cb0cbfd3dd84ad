// Package interpolation provides the resampling primitives used by the
// registration backends: N-dimensional linear sampling and warping, block
// reduction, Gaussian smoothing, finite-difference gradients and the cubic
// B-spline basis. All functions work on 2D and 3D row-major volumes.
package interpolation

import (
	"math"

	"github.com/plaresmedima/mdreg/internal/models"
)

// Mode selects how samples outside the volume are handled
type Mode int

const (
	// Edge clamps coordinates to the nearest border voxel
	Edge Mode = iota
	// Constant returns a fixed value outside the volume
	Constant
)

// Unravel converts a flat offset into a multi-index for the given shape.
// idx must have len(shape) elements.
func Unravel(p int, shape []int, idx []int) {
	for a := len(shape) - 1; a >= 0; a-- {
		idx[a] = p % shape[a]
		p /= shape[a]
	}
}

// Sample linearly interpolates v at the continuous voxel coordinate pos.
// The second return value reports whether pos lies inside the volume.
func Sample(v *models.Volume, pos []float64, mode Mode, cval float64) (float64, bool) {
	return SampleData(v.Data, v.Shape, pos, mode, cval)
}

// SampleData is Sample on raw row-major data of the given shape
func SampleData(data []float64, shape []int, pos []float64, mode Mode, cval float64) (float64, bool) {
	d := len(shape)
	var lo, hi [3]int
	var frac [3]float64
	inside := true
	for a := 0; a < d; a++ {
		n := shape[a]
		x := pos[a]
		if x < 0 || x > float64(n-1) || math.IsNaN(x) {
			inside = false
			if mode == Constant {
				return cval, false
			}
			if math.IsNaN(x) || x < 0 {
				x = 0
			} else {
				x = float64(n - 1)
			}
		}
		i := int(math.Floor(x))
		if i > n-1 {
			i = n - 1
		}
		lo[a] = i
		hi[a] = i + 1
		if hi[a] > n-1 {
			hi[a] = n - 1
		}
		frac[a] = x - float64(i)
	}

	var val float64
	for c := 0; c < 1<<d; c++ {
		w := 1.0
		off := 0
		for a := 0; a < d; a++ {
			idx := lo[a]
			if c>>a&1 == 1 {
				idx = hi[a]
				w *= frac[a]
			} else {
				w *= 1 - frac[a]
			}
			off = off*shape[a] + idx
		}
		if w != 0 {
			val += w * data[off]
		}
	}
	return val, inside
}

// Warp resamples v at x + u(x) for every voxel x, where u is a displacement
// field in physical units. Samples outside v follow mode, using cval for
// Constant. It returns the warped volume and the number of voxels whose sample
// position fell outside v.
func Warp(v *models.Volume, u *models.Field, mode Mode, cval float64) (*models.Volume, int) {
	out := v.Clone()
	d := v.Dims()
	idx := make([]int, d)
	pos := make([]float64, d)
	outside := 0
	for p := range out.Data {
		Unravel(p, v.Shape, idx)
		disp := u.Vector(p)
		for a := 0; a < d; a++ {
			pos[a] = float64(idx[a]) + disp[a]/v.Spacing[a]
		}
		val, inside := Sample(v, pos, mode, cval)
		if !inside {
			outside++
		}
		out.Data[p] = val
	}
	return out, outside
}

// Resize resamples v onto a grid of the given shape, keeping the physical
// extent of the volume. Spacing is scaled accordingly.
func Resize(v *models.Volume, shape []int) *models.Volume {
	out := models.NewVolume(shape...)
	d := v.Dims()
	scale := make([]float64, d)
	for a := 0; a < d; a++ {
		scale[a] = float64(v.Shape[a]) / float64(shape[a])
		out.Spacing[a] = v.Spacing[a] * scale[a]
	}
	idx := make([]int, d)
	pos := make([]float64, d)
	for p := range out.Data {
		Unravel(p, shape, idx)
		for a := 0; a < d; a++ {
			pos[a] = (float64(idx[a])+0.5)*scale[a] - 0.5
		}
		out.Data[p], _ = Sample(v, pos, Edge, 0)
	}
	return out
}

// Compose returns the field of applying step first and then prev:
// w(x) = step(x) + prev(x + step(x)). Both fields are in physical units on
// the grid described by spacing.
func Compose(prev, step *models.Field, spacing []float64) *models.Field {
	d := step.Dims
	comps := make([][]float64, d)
	for c := 0; c < d; c++ {
		comps[c] = make([]float64, prev.Pixels())
		for p := range comps[c] {
			comps[c][p] = prev.Data[p*d+c]
		}
	}
	out := step.Clone()
	idx := make([]int, d)
	pos := make([]float64, d)
	for p := 0; p < step.Pixels(); p++ {
		Unravel(p, step.Shape, idx)
		s := step.Vector(p)
		for a := 0; a < d; a++ {
			pos[a] = float64(idx[a]) + s[a]/spacing[a]
		}
		o := out.Vector(p)
		for c := 0; c < d; c++ {
			val, _ := SampleData(comps[c], prev.Shape, pos, Edge, 0)
			o[c] += val
		}
	}
	return out
}
