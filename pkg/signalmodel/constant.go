package signalmodel

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Constant models every pixel by its mean over time
type Constant struct{}

func (Constant) Name() string { return string(KindConstant) }

func (Constant) Parameters() []string { return []string{"const"} }

func (Constant) Fit(stack *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	pixels, frames := stack.Dims()
	fit := mat.NewDense(pixels, frames, nil)
	pars := mat.NewDense(pixels, 1, nil)
	row := make([]float64, frames)
	for p := 0; p < pixels; p++ {
		mat.Row(row, p, stack)
		avg := stat.Mean(row, nil)
		pars.Set(p, 0, avg)
		for t := range row {
			row[t] = avg
		}
		fit.SetRow(p, row)
	}
	return fit, pars, nil
}
