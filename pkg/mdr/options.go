package mdr

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plaresmedima/mdreg/internal/models"
	"github.com/plaresmedima/mdreg/pkg/dispatch"
	"github.com/plaresmedima/mdreg/pkg/metrics"
	"github.com/plaresmedima/mdreg/pkg/registration"
	"github.com/plaresmedima/mdreg/pkg/signalmodel"
)

var (
	// ErrNoStack is returned by Fit when no image stack was set
	ErrNoStack = errors.New("no image stack set")

	// ErrFrameFailed wraps a frame registration error under the abort policy
	ErrFrameFailed = errors.New("frame registration failed")
)

// FailurePolicy decides what happens when a single frame fails to register
type FailurePolicy string

const (
	// KeepPrevious keeps the frame's previous coregistered image and
	// deformation, and records the failure in the iteration log
	KeepPrevious FailurePolicy = "keep-previous"

	// Abort stops the run with an error wrapping ErrFrameFailed
	Abort FailurePolicy = "abort"
)

// Status receives human-readable progress of a run
type Status interface {
	Message(text string)
	Progress(current, total int)
}

// ExportFunc writes a signal-model fit under a name suffix, such as
// "_unregistered" for the fit of the uncorrected data
type ExportFunc func(suffix string, fit *models.Stack, pars *models.ParameterMap) error

// Options configures an MDR run
type Options struct {
	// RunID identifies the run in logs and metrics; a random one is used when unset
	RunID uuid.UUID

	Model        signalmodel.Model
	Registration registration.Parameters

	MaxIterations int
	Precision     float64

	Parallel bool
	Workers  int

	FailurePolicy FailurePolicy

	// Status, Metrics and Exporter are optional
	Status  Status
	Logger  zerolog.Logger
	Metrics *metrics.Recorder

	// ExportUnregistered passes the first fit, made before any registration,
	// to Exporter
	ExportUnregistered bool
	Exporter           ExportFunc

	// NewBackend overrides how registration backends are built
	NewBackend dispatch.BackendFactory
}

// DefaultOptions returns a constant-model, B-spline run of at most five
// iterations with a precision of 1 mm, parallel over all CPUs. The logger
// writes at info level; per-frame debug lines need an explicit logger.
func DefaultOptions() Options {
	return Options{
		Model:         signalmodel.Constant{},
		Registration:  registration.Parameters{Backend: registration.BSpline},
		MaxIterations: 5,
		Precision:     1.0,
		Parallel:      true,
		Workers:       runtime.NumCPU(),
		FailurePolicy: KeepPrevious,
		Logger:        log.With().Str("component", "mdr").Logger().Level(zerolog.InfoLevel),
	}
}

// Validate checks the options that do not depend on the data
func (o Options) Validate() error {
	if o.Model == nil {
		return fmt.Errorf("a signal model is required")
	}
	if o.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be a positive integer, got %d", o.MaxIterations)
	}
	if o.Precision < 0 {
		return fmt.Errorf("precision must be non-negative, got %g", o.Precision)
	}
	switch o.FailurePolicy {
	case KeepPrevious, Abort:
	default:
		return fmt.Errorf("unknown failure policy %q", o.FailurePolicy)
	}
	if o.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", o.Workers)
	}
	return nil
}

type nopStatus struct{}

func (nopStatus) Message(string)    {}
func (nopStatus) Progress(int, int) {}
