// Package registration defines the non-rigid registration capability used by
// the MDR loop and its three interchangeable implementations: a B-spline
// free-form deformation, a symmetric diffeomorphic (demons-style) mapping and
// TV-L1 optical flow.
//
// Backends are configured with a plain Parameters value that can be copied
// freely between goroutines. Each backend converts it into its own native
// settings when it is constructed, so nothing stateful is ever shared across a
// worker boundary.
package registration

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plaresmedima/mdreg/internal/models"
)

var (
	// ErrInvalidConfig marks unsupported backend parameter names or values.
	// It is fatal for a run.
	ErrInvalidConfig = errors.New("invalid registration configuration")

	// ErrInsufficientDepth is returned when a 3D volume has too few slices
	// for volumetric registration. It is fatal for a run.
	ErrInsufficientDepth = errors.New("not enough slices for 3D registration")

	// ErrSamplesOutsideBuffer is returned when too many metric samples map
	// outside the moving image. It only affects the frame being registered.
	ErrSamplesOutsideBuffer = errors.New("too many samples map outside moving image buffer")
)

// IsFatal reports whether err must abort a run rather than fail a single frame
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrInsufficientDepth)
}

// Backend registers a moving image onto a fixed image.
//
// Register returns the warped moving image and the deformation field that maps
// fixed-grid positions into the moving image, in physical units, with shape
// moving.Shape + (dims,). Implementations never modify their inputs. A nil mask,
// or one whose shape differs from fixed, means no mask.
type Backend interface {
	Name() string
	Register(moving, fixed, mask *models.Volume) (*models.Volume, *models.Field, error)
}

// Kind names a registration backend
type Kind string

const (
	BSpline       Kind = "bspline"
	Diffeomorphic Kind = "diffeomorphic"
	OpticalFlow   Kind = "opticalflow"
)

// Kinds lists the supported backends
func Kinds() []Kind {
	return []Kind{BSpline, Diffeomorphic, OpticalFlow}
}

// Parameters selects a backend and carries its settings.
// Only the section matching Backend is used; a missing section means defaults.
type Parameters struct {
	Backend       Kind                     `yaml:"backend" toml:"backend"`
	BSpline       *BSplineParameters       `yaml:"bspline,omitempty" toml:"bspline,omitempty"`
	Diffeomorphic *DiffeomorphicParameters `yaml:"diffeomorphic,omitempty" toml:"diffeomorphic,omitempty"`
	OpticalFlow   *OpticalFlowParameters   `yaml:"opticalflow,omitempty" toml:"opticalflow,omitempty"`

	// Verbose enables per-frame debug logging inside the backend
	Verbose bool `yaml:"verbose" toml:"verbose"`
}

// DefaultParameters returns the default settings of a backend for 2D or 3D data
func DefaultParameters(kind Kind, dims int) Parameters {
	p := Parameters{Backend: kind}
	switch kind {
	case BSpline:
		b := DefaultBSplineParameters(dims)
		p.BSpline = &b
	case Diffeomorphic:
		d := DefaultDiffeomorphicParameters()
		p.Diffeomorphic = &d
	case OpticalFlow:
		o := DefaultOpticalFlowParameters()
		p.OpticalFlow = &o
	}
	return p
}

// Clone returns a deep copy, safe to hand to another goroutine
func (p Parameters) Clone() Parameters {
	out := p
	if p.BSpline != nil {
		b := p.BSpline.clone()
		out.BSpline = &b
	}
	if p.Diffeomorphic != nil {
		d := *p.Diffeomorphic
		d.LevelIters = append([]int(nil), p.Diffeomorphic.LevelIters...)
		out.Diffeomorphic = &d
	}
	if p.OpticalFlow != nil {
		o := *p.OpticalFlow
		out.OpticalFlow = &o
	}
	return out
}

// Validate builds the backend once to surface configuration errors early
func (p Parameters) Validate(dims int) error {
	_, err := New(p, dims)
	return err
}

// New constructs the backend selected by p.Backend for images of the given
// dimensionality. Missing per-backend parameters fall back to their defaults.
//
// Parameters:
//   - p: backend kind and its parameters
//   - dims: spatial dimensionality of the images, 2 or 3
//
// Returns:
//   - A backend ready to register image pairs, or an error wrapping
//     ErrInvalidConfig when the parameters cannot be used
func New(p Parameters, dims int) (Backend, error) {
	if dims != 2 && dims != 3 {
		return nil, fmt.Errorf("%w: dimensionality must be 2 or 3, got %d", ErrInvalidConfig, dims)
	}
	logger := backendLogger(p)
	var (
		b   Backend
		err error
	)
	switch p.Backend {
	case BSpline:
		bp := DefaultBSplineParameters(dims)
		if p.BSpline != nil {
			bp = p.BSpline.clone()
		}
		b, err = newBSplineBackend(bp, dims, logger)
	case Diffeomorphic:
		dp := DefaultDiffeomorphicParameters()
		if p.Diffeomorphic != nil {
			dp = *p.Diffeomorphic
		}
		b, err = newDiffeomorphicBackend(dp, logger)
	case OpticalFlow:
		op := DefaultOpticalFlowParameters()
		if p.OpticalFlow != nil {
			op = *p.OpticalFlow
		}
		b, err = newOpticalFlowBackend(op, logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, p.Backend)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func backendLogger(p Parameters) zerolog.Logger {
	l := log.With().Str("component", "registration").Str("backend", string(p.Backend)).Logger()
	if !p.Verbose {
		l = l.Level(zerolog.InfoLevel)
	}
	return l
}

// usableMask returns mask if it matches fixed, nil otherwise
func usableMask(mask, fixed *models.Volume) *models.Volume {
	if mask == nil || !mask.SameShape(fixed) {
		return nil
	}
	return mask
}

func checkPair(moving, fixed *models.Volume) error {
	if moving == nil || fixed == nil {
		return fmt.Errorf("moving and fixed images are required")
	}
	if !moving.SameShape(fixed) {
		return fmt.Errorf("moving shape %v does not match fixed shape %v", moving.Shape, fixed.Shape)
	}
	if d := moving.Dims(); d != 2 && d != 3 {
		return fmt.Errorf("images must be 2D or 3D, got %d dimensions", d)
	}
	return nil
}
