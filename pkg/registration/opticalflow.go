package registration

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/plaresmedima/mdreg/internal/models"
	"github.com/plaresmedima/mdreg/pkg/interpolation"
)

// OpticalFlowParameters configures the TV-L1 optical flow backend
type OpticalFlowParameters struct {
	// Attachment weighs the data term against smoothness. Larger values
	// give a less regular flow.
	Attachment float64 `yaml:"attachment" toml:"attachment"`
	Tightness  float64 `yaml:"tightness" toml:"tightness"`
	NumWarp    int     `yaml:"numWarp" toml:"numWarp"`
	NumIter    int     `yaml:"numIter" toml:"numIter"`
	Tolerance  float64 `yaml:"tolerance" toml:"tolerance"`
}

// DefaultOpticalFlowParameters returns the usual TV-L1 settings
func DefaultOpticalFlowParameters() OpticalFlowParameters {
	return OpticalFlowParameters{
		Attachment: 1,
		Tightness:  0.3,
		NumWarp:    5,
		NumIter:    10,
		Tolerance:  1e-4,
	}
}

const (
	pyramidDownscale = 2
	pyramidMinSize   = 16
	pyramidMaxLevels = 10
	regIterations    = 2
)

type opticalFlowBackend struct {
	p   OpticalFlowParameters
	log zerolog.Logger
}

func newOpticalFlowBackend(p OpticalFlowParameters, logger zerolog.Logger) (*opticalFlowBackend, error) {
	switch {
	case p.Attachment <= 0:
		return nil, fmt.Errorf("%w: attachment must be positive, got %g", ErrInvalidConfig, p.Attachment)
	case p.Tightness <= 0:
		return nil, fmt.Errorf("%w: tightness must be positive, got %g", ErrInvalidConfig, p.Tightness)
	case p.NumWarp < 1 || p.NumIter < 1:
		return nil, fmt.Errorf("%w: numWarp and numIter must be >= 1", ErrInvalidConfig)
	case p.Tolerance < 0:
		return nil, fmt.Errorf("%w: tolerance must not be negative", ErrInvalidConfig)
	}
	return &opticalFlowBackend{p: p, log: logger}, nil
}

func (b *opticalFlowBackend) Name() string { return string(OpticalFlow) }

// Register estimates the flow that makes moving(x + flow(x)) match fixed(x),
// coarse to fine. Voxels outside the mask carry no data term and receive the
// flow of their neighbourhood through the regulariser.
func (b *opticalFlowBackend) Register(moving, fixed, mask *models.Volume) (*models.Volume, *models.Field, error) {
	if err := checkPair(moving, fixed); err != nil {
		return nil, nil, err
	}
	mask = usableMask(mask, fixed)

	fixedPyr := pyramid(fixed)
	movingPyr := pyramid(moving)
	var maskPyr []*models.Volume
	if mask != nil {
		maskPyr = pyramid(mask)
	}

	var flow [][]float64
	var prevShape []int
	for level := range fixedPyr {
		f, m := fixedPyr[level], movingPyr[level]
		if flow == nil {
			flow = make([][]float64, f.Dims())
			for a := range flow {
				flow[a] = make([]float64, f.Len())
			}
		} else {
			flow = resizeFlow(flow, prevShape, f.Shape)
		}
		var active []bool
		if maskPyr != nil {
			active = make([]bool, f.Len())
			for i, x := range maskPyr[level].Data {
				active[i] = x > 0.5
			}
		}
		warps := b.solve(f, m, active, flow)
		b.log.Debug().Int("level", level).Ints("shape", f.Shape).Int("warps", warps).Msg("pyramid level done")
		prevShape = f.Shape
	}

	u := models.NewField(moving.Shape...)
	for p := 0; p < u.Pixels(); p++ {
		v := u.Vector(p)
		for a := range v {
			v[a] = flow[a][p] * moving.Spacing[a]
		}
	}
	warped, _ := interpolation.Warp(moving, u, interpolation.Edge, 0)
	return warped, u, nil
}

// solve refines flow in place on one pyramid level and returns the number
// of warps performed.
func (b *opticalFlowBackend) solve(fixed, moving *models.Volume, active []bool, flow [][]float64) int {
	d := fixed.Dims()
	n := fixed.Len()
	shape := fixed.Shape
	strides := fixed.Strides()

	dt := 0.5 / float64(d)
	f0 := b.p.Attachment * b.p.Tightness
	f1 := dt / b.p.Tightness
	tol := b.p.Tolerance * float64(n)

	coords := make([][]int, d)
	for a := range coords {
		coords[a] = make([]int, n)
	}
	idx := make([]int, d)
	for p := 0; p < n; p++ {
		interpolation.Unravel(p, shape, idx)
		for a := 0; a < d; a++ {
			coords[a][p] = idx[a]
		}
	}

	aux := make([][]float64, d)
	g := make([][]float64, d)
	proj := make([][][]float64, d)
	for a := 0; a < d; a++ {
		aux[a] = make([]float64, n)
		g[a] = make([]float64, n)
		proj[a] = make([][]float64, d)
		for ax := 0; ax < d; ax++ {
			proj[a][ax] = make([]float64, n)
		}
	}
	previous := make([][]float64, d)
	for a := range previous {
		previous[a] = append([]float64(nil), flow[a]...)
	}
	rho0 := make([]float64, n)
	ni := make([]float64, n)
	pos := make([]float64, d)

	warps := 0
	for w := 0; w < b.p.NumWarp; w++ {
		warps++
		warpedData := make([]float64, n)
		for p := 0; p < n; p++ {
			for a := 0; a < d; a++ {
				pos[a] = float64(coords[a][p]) + flow[a][p]
			}
			warpedData[p], _ = interpolation.SampleData(moving.Data, shape, pos, interpolation.Edge, 0)
		}
		grad := interpolation.Gradient(&models.Volume{Shape: shape, Spacing: fixed.Spacing, Data: warpedData})
		for p := 0; p < n; p++ {
			var nn, gu float64
			for a := 0; a < d; a++ {
				nn += grad[a][p] * grad[a][p]
				gu += grad[a][p] * flow[a][p]
			}
			if nn == 0 {
				nn = 1
			}
			ni[p] = nn
			rho0[p] = warpedData[p] - fixed.Data[p] - gu
		}

		for it := 0; it < b.p.NumIter; it++ {
			// data term
			for p := 0; p < n; p++ {
				if active != nil && !active[p] {
					for a := 0; a < d; a++ {
						aux[a][p] = flow[a][p]
					}
					continue
				}
				rho := rho0[p]
				for a := 0; a < d; a++ {
					rho += grad[a][p] * flow[a][p]
				}
				if math.Abs(rho) >= f0*ni[p] {
					s := f0
					if rho < 0 {
						s = -f0
					}
					for a := 0; a < d; a++ {
						aux[a][p] = flow[a][p] - s*grad[a][p]
					}
				} else {
					s := rho / ni[p]
					for a := 0; a < d; a++ {
						aux[a][p] = flow[a][p] - s*grad[a][p]
					}
				}
			}
			for a := 0; a < d; a++ {
				copy(flow[a], aux[a])
			}

			// regularisation term, one Chambolle projection per component
			for c := 0; c < d; c++ {
				for r := 0; r < regIterations; r++ {
					for ax := 0; ax < d; ax++ {
						for p := 0; p < n; p++ {
							if coords[ax][p] < shape[ax]-1 {
								g[ax][p] = flow[c][p+strides[ax]] - flow[c][p]
							} else {
								g[ax][p] = 0
							}
						}
					}
					for p := 0; p < n; p++ {
						var norm float64
						for ax := 0; ax < d; ax++ {
							norm += g[ax][p] * g[ax][p]
						}
						norm = 1 + f1*math.Sqrt(norm)
						for ax := 0; ax < d; ax++ {
							proj[c][ax][p] = (proj[c][ax][p] - dt*g[ax][p]) / norm
						}
					}
					for p := 0; p < n; p++ {
						div := 0.0
						for ax := 0; ax < d; ax++ {
							div -= proj[c][ax][p]
							if coords[ax][p] > 0 {
								div += proj[c][ax][p-strides[ax]]
							}
						}
						flow[c][p] = aux[c][p] + div
					}
				}
			}
		}

		var change float64
		for a := 0; a < d; a++ {
			for p := 0; p < n; p++ {
				diff := previous[a][p] - flow[a][p]
				change += diff * diff
			}
			copy(previous[a], flow[a])
		}
		if change < tol {
			break
		}
	}
	return warps
}

// pyramid returns progressively reduced copies of v, coarsest first
func pyramid(v *models.Volume) []*models.Volume {
	levels := []*models.Volume{v}
	for len(levels) < pyramidMaxLevels && minDim(levels[len(levels)-1].Shape) > pyramidDownscale*pyramidMinSize {
		last := levels[len(levels)-1]
		shape := make([]int, last.Dims())
		for a, s := range last.Shape {
			shape[a] = (s + pyramidDownscale - 1) / pyramidDownscale
		}
		smooth := interpolation.Gaussian(last, 2.0*pyramidDownscale/6.0)
		levels = append(levels, interpolation.Resize(smooth, shape))
	}
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}
	return levels
}

// resizeFlow interpolates a voxel-unit flow onto a new grid and rescales it
func resizeFlow(flow [][]float64, from, to []int) [][]float64 {
	out := make([][]float64, len(flow))
	for a, comp := range flow {
		v := models.NewVolume(from...)
		v.Data = comp
		r := interpolation.Resize(v, to)
		scale := float64(to[a]) / float64(from[a])
		for i := range r.Data {
			r.Data[i] *= scale
		}
		out[a] = r.Data
	}
	return out
}

func minDim(shape []int) int {
	m := shape[0]
	for _, s := range shape[1:] {
		if s < m {
			m = s
		}
	}
	return m
}
