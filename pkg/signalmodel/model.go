// Package signalmodel provides the per-pixel signal models that MDR fits to a
// time series before every registration pass.
//
// A model takes the flat pixels x time matrix of a stack and returns a fit of
// the same shape together with a pixels x parameters matrix.
package signalmodel

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Model is a deterministic per-pixel signal model
type Model interface {
	// Name identifies the model in logs and file names
	Name() string

	// Parameters names the columns of the parameter matrix returned by Fit
	Parameters() []string

	// Fit models every row of stack. It must not modify stack.
	Fit(stack *mat.Dense) (fit *mat.Dense, pars *mat.Dense, err error)
}

// Kind selects a built-in model
type Kind string

const (
	KindConstant    Kind = "constant"
	KindExponential Kind = "exponential"
)

// Config describes a built-in model
type Config struct {
	Kind Kind `yaml:"kind" toml:"kind"`

	// Times are the acquisition times of the frames, required by the
	// exponential model
	Times []float64 `yaml:"times,omitempty" toml:"times,omitempty"`
}

// New builds the model described by cfg
func New(cfg Config) (Model, error) {
	switch cfg.Kind {
	case KindConstant, "":
		return Constant{}, nil
	case KindExponential:
		e, err := NewExponential(cfg.Times)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown signal model %q", cfg.Kind)
	}
}
