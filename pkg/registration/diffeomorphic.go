package registration

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/plaresmedima/mdreg/internal/models"
	"github.com/plaresmedima/mdreg/pkg/interpolation"
)

// Similarity metrics of the diffeomorphic backend
const (
	MetricCC  = "Cross-Correlation"
	MetricEM  = "Expectation-Maximization"
	MetricSSD = "Sum of Squared Differences"

	TransformSymmetricDiffeomorphic = "Symmetric Diffeomorphic"
)

// minSlices3D is the smallest slab that 3D diffeomorphic registration accepts
const minSlices3D = 6

// DiffeomorphicParameters configures the diffeomorphic backend
type DiffeomorphicParameters struct {
	Transform string `yaml:"transform" toml:"transform"`
	Metric    string `yaml:"metric" toml:"metric"`

	// LevelIters is the iteration count per pyramid level, coarsest first
	LevelIters []int `yaml:"levelIters" toml:"levelIters"`
}

// DefaultDiffeomorphicParameters returns symmetric diffeomorphic registration
// with a cross-correlation metric over three pyramid levels.
func DefaultDiffeomorphicParameters() DiffeomorphicParameters {
	return DiffeomorphicParameters{
		Transform:  TransformSymmetricDiffeomorphic,
		Metric:     MetricCC,
		LevelIters: []int{100, 50, 25},
	}
}

// metricSettings holds the fixed constants of each similarity metric
type metricSettings struct {
	name string

	// smooth is the Gaussian sigma (voxels) applied to each update
	smooth float64

	// radius is the local window of cross-correlation (voxels)
	radius int

	// bins is the histogram size of the expectation-maximization transfer
	bins int
}

type diffeomorphicBackend struct {
	metric     metricSettings
	levelIters []int
	stepLength float64
	log        zerolog.Logger
}

func newDiffeomorphicBackend(p DiffeomorphicParameters, logger zerolog.Logger) (*diffeomorphicBackend, error) {
	b := &diffeomorphicBackend{stepLength: 0.25, log: logger}
	switch p.Metric {
	case MetricCC:
		b.metric = metricSettings{name: p.Metric, smooth: 3.0, radius: 4}
	case MetricEM:
		b.metric = metricSettings{name: p.Metric, smooth: 1.0, bins: 32}
	case MetricSSD:
		b.metric = metricSettings{name: p.Metric, smooth: 4.0}
	default:
		return nil, fmt.Errorf("%w: the metric %q is currently not implemented", ErrInvalidConfig, p.Metric)
	}
	if p.Transform != TransformSymmetricDiffeomorphic {
		return nil, fmt.Errorf("%w: the transform %q is currently not implemented", ErrInvalidConfig, p.Transform)
	}
	if len(p.LevelIters) == 0 {
		return nil, fmt.Errorf("%w: at least one pyramid level is required", ErrInvalidConfig)
	}
	for _, n := range p.LevelIters {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative level iterations %d", ErrInvalidConfig, n)
		}
	}
	b.levelIters = append([]int(nil), p.LevelIters...)
	return b, nil
}

func (b *diffeomorphicBackend) Name() string { return string(Diffeomorphic) }

// Register estimates a smooth invertible displacement with symmetric demons
// updates: forces use the average of the fixed and warped-moving gradients,
// each update is Gaussian-regularised and limited to stepLength voxels.
func (b *diffeomorphicBackend) Register(moving, fixed, mask *models.Volume) (*models.Volume, *models.Field, error) {
	if err := checkPair(moving, fixed); err != nil {
		return nil, nil, err
	}
	if fixed.Dims() == 3 && fixed.Shape[2] < minSlices3D {
		return nil, nil, fmt.Errorf("%w: volume has %d slices, need at least %d; try 2D registration instead",
			ErrInsufficientDepth, fixed.Shape[2], minSlices3D)
	}
	mask = usableMask(mask, fixed)

	u := models.NewField(moving.Shape...)
	levels := len(b.levelIters)
	for level, iters := range b.levelIters {
		sigma := 0.5 * math.Pow(2, float64(levels-1-level))
		if level == levels-1 {
			sigma = 0
		}
		m := interpolation.Gaussian(moving, sigma)
		f := interpolation.Gaussian(fixed, sigma)
		if b.metric.name == MetricCC {
			f = localNormalize(f, b.metric.radius)
		}
		// step reports the energy of the field it was given, so an increase
		// means the last accepted update made things worse and is rolled back
		energy := math.Inf(1)
		prev := u
		for it := 0; it < iters; it++ {
			next, e := b.step(m, f, mask, u)
			if e > energy {
				u = prev
				break
			}
			if e == energy {
				break
			}
			prev, u, energy = u, next, e
		}
		b.log.Debug().Int("level", level).Float64("sigma", sigma).Float64("energy", energy).Msg("pyramid level done")
	}

	warped, _ := interpolation.Warp(moving, u, interpolation.Constant, 0)
	return warped, u, nil
}

// step computes one regularised update of u and the energy of the warped
// image before the update.
func (b *diffeomorphicBackend) step(moving, fixed, mask *models.Volume, u *models.Field) (*models.Field, float64) {
	d := moving.Dims()
	w, _ := interpolation.Warp(moving, u, interpolation.Edge, 0)
	ref := fixed
	switch b.metric.name {
	case MetricCC:
		w = localNormalize(w, b.metric.radius)
	case MetricEM:
		// both sides are quantised so that identical images agree exactly
		ref = transferIntensities(fixed, fixed, mask, b.metric.bins)
		w = transferIntensities(w, fixed, mask, b.metric.bins)
	}
	gf := interpolation.Gradient(fixed)
	gw := interpolation.Gradient(w)

	du := models.NewField(moving.Shape...)
	var energy float64
	for p := range w.Data {
		if mask != nil && mask.Data[p] <= 0 {
			continue
		}
		diff := w.Data[p] - ref.Data[p]
		energy += diff * diff
		var norm2 float64
		for a := 0; a < d; a++ {
			j := (gf[a][p] + gw[a][p]) / 2
			norm2 += j * j
		}
		den := norm2 + diff*diff
		if den < 1e-12 {
			continue
		}
		v := du.Vector(p)
		for a := 0; a < d; a++ {
			j := (gf[a][p] + gw[a][p]) / 2
			v[a] = -diff * j / den
		}
	}

	du = interpolation.SmoothField(du, b.metric.smooth)
	var largest float64
	for p := 0; p < du.Pixels(); p++ {
		var n2 float64
		for _, x := range du.Vector(p) {
			n2 += x * x
		}
		largest = math.Max(largest, math.Sqrt(n2))
	}
	if largest > b.stepLength {
		scale := b.stepLength / largest
		for i := range du.Data {
			du.Data[i] *= scale
		}
	}
	// du is in voxels; u is in physical units
	for p := 0; p < du.Pixels(); p++ {
		v := du.Vector(p)
		for a := 0; a < d; a++ {
			v[a] *= moving.Spacing[a]
		}
	}
	next := interpolation.Compose(u, du, moving.Spacing)
	next = interpolation.SmoothField(next, 1.0)
	return next, energy
}

// localNormalize z-scores v within a Gaussian window of the given radius
func localNormalize(v *models.Volume, radius int) *models.Volume {
	sigma := float64(radius) / 2
	mean := interpolation.Gaussian(v, sigma)
	sq := v.Clone()
	for i, x := range sq.Data {
		sq.Data[i] = x * x
	}
	meanSq := interpolation.Gaussian(sq, sigma)
	out := v.Clone()
	for i := range out.Data {
		variance := meanSq.Data[i] - mean.Data[i]*mean.Data[i]
		if variance < 1e-12 {
			out.Data[i] = 0
			continue
		}
		out.Data[i] = (v.Data[i] - mean.Data[i]) / math.Sqrt(variance)
	}
	return out
}

// transferIntensities maps each intensity of w onto the mean fixed intensity
// observed at voxels in the same histogram bin of w.
func transferIntensities(w, fixed, mask *models.Volume, bins int) *models.Volume {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range w.Data {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	out := w.Clone()
	if hi <= lo {
		return out
	}
	bin := func(x float64) int {
		k := int(float64(bins) * (x - lo) / (hi - lo))
		if k >= bins {
			k = bins - 1
		}
		return k
	}
	sums := make([]float64, bins)
	counts := make([]float64, bins)
	for p, x := range w.Data {
		if mask != nil && mask.Data[p] <= 0 {
			continue
		}
		k := bin(x)
		sums[k] += fixed.Data[p]
		counts[k]++
	}
	for p, x := range w.Data {
		if k := bin(x); counts[k] > 0 {
			out.Data[p] = sums[k] / counts[k]
		}
	}
	return out
}
