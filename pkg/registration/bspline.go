package registration

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/optimize"

	"github.com/plaresmedima/mdreg/internal/models"
	"github.com/plaresmedima/mdreg/pkg/interpolation"
)

// bsplineBackend is a free-form deformation registration: a cubic B-spline
// control grid optimised with L-BFGS against a mean-squares metric over a
// Gaussian smoothing pyramid. Every parameter map is run as one stage and the
// stage transforms are composed.
type bsplineBackend struct {
	stages     []bsplineSettings
	downsample int
	dims       int
	log        zerolog.Logger
}

func newBSplineBackend(p BSplineParameters, dims int, logger zerolog.Logger) (*bsplineBackend, error) {
	if len(p.Maps) == 0 {
		return nil, fmt.Errorf("%w: bspline backend needs at least one parameter map", ErrInvalidConfig)
	}
	if p.Downsample < 0 {
		return nil, fmt.Errorf("%w: downsample factor must be >= 1, got %d", ErrInvalidConfig, p.Downsample)
	}
	b := &bsplineBackend{downsample: p.Downsample, dims: dims, log: logger}
	if b.downsample == 0 {
		b.downsample = 1
	}
	for i, m := range p.Maps {
		s, err := parseBSplineMap(m, dims)
		if err != nil {
			return nil, fmt.Errorf("parameter map %d: %w", i, err)
		}
		b.stages = append(b.stages, s)
	}
	return b, nil
}

func (b *bsplineBackend) Name() string { return string(BSpline) }

// Register aligns moving to fixed. With a downsampling factor above 1 the
// optimisation runs on block-reduced images, whose first voxel centre sits
// (spacing_small - spacing_large)/2 from the full-resolution origin, and the
// transform is then evaluated on the full-resolution grid.
func (b *bsplineBackend) Register(moving, fixed, mask *models.Volume) (*models.Volume, *models.Field, error) {
	if err := checkPair(moving, fixed); err != nil {
		return nil, nil, err
	}
	if moving.Dims() != b.dims {
		return nil, nil, fmt.Errorf("%w: backend built for %d-D images, got %d-D", ErrInvalidConfig, b.dims, moving.Dims())
	}
	mask = usableMask(mask, fixed)

	origin := make([]float64, b.dims)
	smallOrigin := make([]float64, b.dims)
	fixedSmall, maskSmall := fixed, mask
	if b.downsample > 1 {
		fixedSmall = interpolation.BlockReduce(fixed, b.downsample)
		if mask != nil {
			maskSmall = interpolation.BlockReduce(mask, b.downsample)
		}
		smallOrigin = reducedOrigin(fixed, fixedSmall)
	}

	total := models.NewField(moving.Shape...)
	current := moving
	var cval float64
	for i, st := range b.stages {
		currentSmall := current
		if b.downsample > 1 {
			currentSmall = interpolation.BlockReduce(current, b.downsample)
		}
		tr, err := b.optimize(currentSmall, fixedSmall, maskSmall, smallOrigin, st)
		if err != nil {
			return nil, nil, fmt.Errorf("stage %d: %w", i, err)
		}
		total = interpolation.Compose(total, tr.field(moving.Shape, moving.Spacing, origin), moving.Spacing)
		cval = st.defaultPixel
		current, _ = interpolation.Warp(moving, total, interpolation.Constant, cval)
	}
	return current, total, nil
}

// reducedOrigin returns the physical position of the first voxel of a
// block-reduced copy of v, measured from the first voxel of v.
func reducedOrigin(v, reduced *models.Volume) []float64 {
	origin := make([]float64, v.Dims())
	for a := range origin {
		origin[a] = (reduced.Spacing[a] - v.Spacing[a]) / 2
	}
	return origin
}

func (b *bsplineBackend) optimize(moving, fixed, mask *models.Volume, origin []float64, st bsplineSettings) (*bsplineTransform, error) {
	tr := newBSplineTransform(fixed.Shape, fixed.Spacing, origin, st.gridSpacing)
	obj := newMeanSquares(tr, fixed, mask, origin, st.samples)
	if len(obj.samples) == 0 {
		return nil, fmt.Errorf("%w: no valid sample positions in mask", ErrSamplesOutsideBuffer)
	}

	x := make([]float64, len(tr.coef))
	if st.maxIterations > 0 {
		for level := 0; level < st.resolutions; level++ {
			sigma := 0.5 * math.Pow(2, float64(st.resolutions-1-level))
			obj.setImages(interpolation.Gaussian(moving, sigma), interpolation.Gaussian(fixed, sigma))

			start, _ := obj.evaluate(x, nil)
			problem := optimize.Problem{
				Func: func(c []float64) float64 {
					v, _ := obj.evaluate(c, nil)
					return v
				},
				Grad: func(grad, c []float64) {
					obj.evaluate(c, grad)
				},
			}
			settings := &optimize.Settings{
				MajorIterations:   st.maxIterations,
				GradientThreshold: 1e-10,
			}
			res, err := optimize.Minimize(problem, x, settings, &optimize.LBFGS{})
			if err != nil {
				b.log.Debug().Err(err).Int("level", level).Msg("optimizer stopped early")
			}
			final := start
			if res != nil && finite(res.X) && res.F <= start {
				copy(x, res.X)
				final = res.F
			}
			b.log.Debug().Int("level", level).Float64("sigma", sigma).
				Float64("start", start).Float64("final", final).Msg("resolution level done")
		}
	}
	tr.coef = x

	if st.checkSamples {
		obj.setImages(moving, fixed)
		_, ratio := obj.evaluate(x, nil)
		if ratio < st.requiredRatio {
			return nil, fmt.Errorf("%w: %.0f%% of samples valid, %.0f%% required",
				ErrSamplesOutsideBuffer, 100*ratio, 100*st.requiredRatio)
		}
	}
	return tr, nil
}

func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// bsplineTransform is a cubic B-spline displacement field defined by
// coefficients on a regular control grid in physical space.
type bsplineTransform struct {
	dims        int
	gridOrigin  []float64
	gridSpacing []float64
	gridShape   []int

	// coef holds the displacement of control point k along axis a at k*dims+a
	coef []float64
}

func newBSplineTransform(shape []int, spacing, origin, gridSpacing []float64) *bsplineTransform {
	d := len(shape)
	t := &bsplineTransform{
		dims:        d,
		gridOrigin:  make([]float64, d),
		gridSpacing: append([]float64(nil), gridSpacing...),
		gridShape:   make([]int, d),
	}
	n := 1
	for a := 0; a < d; a++ {
		extent := float64(shape[a]-1) * spacing[a]
		t.gridShape[a] = int(math.Floor(extent/gridSpacing[a])) + 4
		t.gridOrigin[a] = origin[a] - gridSpacing[a]
		n *= t.gridShape[a]
	}
	t.coef = make([]float64, n*d)
	return t
}

// support returns the control points influencing physical position x and
// their tensor-product weights. Control points outside the grid are dropped.
func (t *bsplineTransform) support(x []float64) ([]int, []float64) {
	d := t.dims
	var base [3]int
	var w1 [3][4]float64
	for a := 0; a < d; a++ {
		u := (x[a] - t.gridOrigin[a]) / t.gridSpacing[a]
		k0 := int(math.Floor(u)) - 1
		base[a] = k0
		for j := 0; j < 4; j++ {
			w1[a][j] = interpolation.BSpline3(u - float64(k0+j))
		}
	}
	combos := 1 << (2 * d)
	idx := make([]int, 0, combos)
	weights := make([]float64, 0, combos)
	for c := 0; c < combos; c++ {
		off, w := 0, 1.0
		ok := true
		for a := 0; a < d; a++ {
			j := (c >> (2 * a)) & 3
			k := base[a] + j
			if k < 0 || k >= t.gridShape[a] {
				ok = false
				break
			}
			off = off*t.gridShape[a] + k
			w *= w1[a][j]
		}
		if ok && w != 0 {
			idx = append(idx, off)
			weights = append(weights, w)
		}
	}
	return idx, weights
}

func (t *bsplineTransform) displacement(coef []float64, idx []int, weights []float64, out []float64) {
	for a := range out {
		out[a] = 0
	}
	for i, k := range idx {
		for a := 0; a < t.dims; a++ {
			out[a] += weights[i] * coef[k*t.dims+a]
		}
	}
}

// field evaluates the transform on a voxel grid with the given origin
func (t *bsplineTransform) field(shape []int, spacing, origin []float64) *models.Field {
	f := models.NewField(shape...)
	idx := make([]int, t.dims)
	x := make([]float64, t.dims)
	for p := 0; p < f.Pixels(); p++ {
		interpolation.Unravel(p, shape, idx)
		for a := 0; a < t.dims; a++ {
			x[a] = origin[a] + float64(idx[a])*spacing[a]
		}
		support, weights := t.support(x)
		t.displacement(t.coef, support, weights, f.Vector(p))
	}
	return f
}

type msSample struct {
	voxel   int
	pos     []float64
	support []int
	weights []float64
}

// meanSquares is the mean squared intensity difference between the fixed
// image and the moving image sampled through the transform.
type meanSquares struct {
	tr      *bsplineTransform
	origin  []float64
	samples []msSample

	moving, fixed *models.Volume
	gradient      [][]float64
}

func newMeanSquares(tr *bsplineTransform, fixed, mask *models.Volume, origin []float64, n int) *meanSquares {
	o := &meanSquares{tr: tr, origin: origin}
	step := fixed.Len() / n
	if step < 1 {
		step = 1
	}
	d := fixed.Dims()
	idx := make([]int, d)
	for p := 0; p < fixed.Len(); p += step {
		if mask != nil && mask.Data[p] <= 0 {
			continue
		}
		interpolation.Unravel(p, fixed.Shape, idx)
		pos := make([]float64, d)
		for a := 0; a < d; a++ {
			pos[a] = origin[a] + float64(idx[a])*fixed.Spacing[a]
		}
		support, weights := tr.support(pos)
		o.samples = append(o.samples, msSample{voxel: p, pos: pos, support: support, weights: weights})
	}
	return o
}

func (o *meanSquares) setImages(moving, fixed *models.Volume) {
	o.moving, o.fixed = moving, fixed
	o.gradient = interpolation.Gradient(moving)
	for a, g := range o.gradient {
		for i := range g {
			g[i] /= moving.Spacing[a]
		}
	}
}

// evaluate returns the metric at coef and the fraction of samples that
// mapped inside the moving image. When grad is not nil it receives the
// derivative of the metric with respect to every coefficient.
func (o *meanSquares) evaluate(coef []float64, grad []float64) (float64, float64) {
	d := o.tr.dims
	if grad != nil {
		for i := range grad {
			grad[i] = 0
		}
	}
	u := make([]float64, d)
	pos := make([]float64, d)
	var sum float64
	valid := 0
	for _, s := range o.samples {
		o.tr.displacement(coef, s.support, s.weights, u)
		for a := 0; a < d; a++ {
			pos[a] = (s.pos[a] + u[a] - o.origin[a]) / o.moving.Spacing[a]
		}
		m, inside := interpolation.Sample(o.moving, pos, interpolation.Constant, 0)
		if !inside {
			continue
		}
		valid++
		r := m - o.fixed.Data[s.voxel]
		sum += r * r
		if grad == nil {
			continue
		}
		for a := 0; a < d; a++ {
			g, _ := interpolation.SampleData(o.gradient[a], o.moving.Shape, pos, interpolation.Edge, 0)
			if g == 0 {
				continue
			}
			for i, k := range s.support {
				grad[k*d+a] += 2 * r * g * s.weights[i]
			}
		}
	}
	ratio := float64(valid) / float64(len(o.samples))
	if valid == 0 {
		return 0, ratio
	}
	if grad != nil {
		for i := range grad {
			grad[i] /= float64(valid)
		}
	}
	return sum / float64(valid), ratio
}
