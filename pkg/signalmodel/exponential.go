package signalmodel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrTimesMismatch is returned when the number of acquisition times differs
// from the number of frames
var ErrTimesMismatch = errors.New("acquisition times do not match frame count")

// signalFloor replaces non-positive samples before taking the logarithm
const signalFloor = 1e-6

// Exponential models mono-exponential decay S(t) = S0 exp(-t/T), fitted by
// linear least squares on log S.
type Exponential struct {
	times []float64
}

// NewExponential returns an exponential model for the given acquisition times
func NewExponential(times []float64) (*Exponential, error) {
	if len(times) < 2 {
		return nil, fmt.Errorf("exponential model needs at least 2 acquisition times, got %d", len(times))
	}
	if floats.Min(times) == floats.Max(times) {
		return nil, fmt.Errorf("exponential model needs distinct acquisition times")
	}
	return &Exponential{times: append([]float64(nil), times...)}, nil
}

func (e *Exponential) Name() string { return string(KindExponential) }

func (e *Exponential) Parameters() []string { return []string{"S0", "T"} }

// Fit returns +Inf for T when a pixel does not decay
func (e *Exponential) Fit(stack *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	pixels, frames := stack.Dims()
	if frames != len(e.times) {
		return nil, nil, fmt.Errorf("%w: %d times, %d frames", ErrTimesMismatch, len(e.times), frames)
	}
	fit := mat.NewDense(pixels, frames, nil)
	pars := mat.NewDense(pixels, 2, nil)
	logs := make([]float64, frames)
	for p := 0; p < pixels; p++ {
		for t := 0; t < frames; t++ {
			logs[t] = math.Log(math.Max(stack.At(p, t), signalFloor))
		}
		alpha, beta := stat.LinearRegression(e.times, logs, nil, false)
		s0 := math.Exp(alpha)
		decay := math.Inf(1)
		if beta < 0 {
			decay = -1 / beta
		}
		pars.Set(p, 0, s0)
		pars.Set(p, 1, decay)
		for t, x := range e.times {
			fit.Set(p, t, s0*math.Exp(beta*x))
		}
	}
	return fit, pars, nil
}
