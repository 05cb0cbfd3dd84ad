package interpolation

import (
	"math"

	"github.com/plaresmedima/mdreg/internal/models"
)

// BlockReduce downsamples v by averaging blocks of factor voxels along each axis.
// Partial blocks at the upper border average only the voxels they contain.
// The returned spacing is the input spacing multiplied by factor.
func BlockReduce(v *models.Volume, factor int) *models.Volume {
	if factor <= 1 {
		return v.Clone()
	}
	d := v.Dims()
	shape := make([]int, d)
	for a := 0; a < d; a++ {
		shape[a] = (v.Shape[a] + factor - 1) / factor
	}
	out := models.NewVolume(shape...)
	for a := 0; a < d; a++ {
		out.Spacing[a] = v.Spacing[a] * float64(factor)
	}
	counts := make([]float64, out.Len())
	idx := make([]int, d)
	for p, val := range v.Data {
		Unravel(p, v.Shape, idx)
		off := 0
		for a := 0; a < d; a++ {
			off = off*shape[a] + idx[a]/factor
		}
		out.Data[off] += val
		counts[off]++
	}
	for i := range out.Data {
		out.Data[i] /= counts[i]
	}
	return out
}

// Gaussian smooths v with an isotropic Gaussian kernel of standard deviation
// sigma voxels. Borders are handled by clamping to the nearest voxel.
func Gaussian(v *models.Volume, sigma float64) *models.Volume {
	out := v.Clone()
	out.Data = SmoothData(v.Data, v.Shape, 1, sigma)
	return out
}

// SmoothField smooths each displacement component of f independently
func SmoothField(f *models.Field, sigma float64) *models.Field {
	out := f.Clone()
	out.Data = SmoothData(f.Data, f.Shape, f.Dims, sigma)
	return out
}

// SmoothData applies a separable Gaussian to interleaved data with ncomp
// components per voxel. It never modifies data.
func SmoothData(data []float64, shape []int, ncomp int, sigma float64) []float64 {
	out := append([]float64(nil), data...)
	if sigma <= 0 {
		return out
	}
	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2
	st := make([]int, len(shape))
	acc := ncomp
	for a := len(shape) - 1; a >= 0; a-- {
		st[a] = acc
		acc *= shape[a]
	}

	tmp := make([]float64, len(out))
	idx := make([]int, len(shape))
	voxels := len(out) / ncomp
	for a := range shape {
		n := shape[a]
		for p := 0; p < voxels; p++ {
			Unravel(p, shape, idx)
			base := p*ncomp - idx[a]*st[a]
			for c := 0; c < ncomp; c++ {
				var sum float64
				for k := -radius; k <= radius; k++ {
					j := idx[a] + k
					if j < 0 {
						j = 0
					} else if j >= n {
						j = n - 1
					}
					sum += kernel[k+radius] * out[base+j*st[a]+c]
				}
				tmp[p*ncomp+c] = sum
			}
		}
		out, tmp = tmp, out
	}
	return out
}

func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	k := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = w
		sum += w
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// Gradient returns the partial derivative of v along each axis, in intensity
// per voxel. Interior voxels use central differences, borders one-sided ones.
func Gradient(v *models.Volume) [][]float64 {
	d := v.Dims()
	st := v.Strides()
	grad := make([][]float64, d)
	idx := make([]int, d)
	for a := 0; a < d; a++ {
		grad[a] = make([]float64, v.Len())
	}
	for p := range v.Data {
		Unravel(p, v.Shape, idx)
		for a := 0; a < d; a++ {
			n := v.Shape[a]
			switch {
			case n == 1:
				grad[a][p] = 0
			case idx[a] == 0:
				grad[a][p] = v.Data[p+st[a]] - v.Data[p]
			case idx[a] == n-1:
				grad[a][p] = v.Data[p] - v.Data[p-st[a]]
			default:
				grad[a][p] = (v.Data[p+st[a]] - v.Data[p-st[a]]) / 2
			}
		}
	}
	return grad
}

// BSpline3 evaluates the uniform cubic B-spline basis at u
func BSpline3(u float64) float64 {
	u = math.Abs(u)
	switch {
	case u < 1:
		return (4 - 6*u*u + 3*u*u*u) / 6
	case u < 2:
		t := 2 - u
		return t * t * t / 6
	default:
		return 0
	}
}
