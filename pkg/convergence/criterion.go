package convergence

import (
	"fmt"
	"math"
)

// Criterion decides when the MDR loop stops
type Criterion struct {
	// Precision is the largest deformation change (mm) still counted as converged
	Precision float64

	// MaxIterations caps the number of iterations
	MaxIterations int
}

// Validate checks the criterion for configuration errors
func (c Criterion) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be a positive integer, got %d", c.MaxIterations)
	}
	if c.Precision < 0 || math.IsNaN(c.Precision) {
		return fmt.Errorf("precision must be non-negative, got %v", c.Precision)
	}
	return nil
}

// Converged reports whether the improvement of an iteration meets the precision.
// An invalid measurement never converges.
func (c Criterion) Converged(improvement float64, valid bool) bool {
	return valid && !math.IsNaN(improvement) && improvement <= c.Precision
}

// Done reports whether the loop should stop after the given 1-based iteration
func (c Criterion) Done(iteration int, improvement float64, valid bool) bool {
	return c.Converged(improvement, valid) || iteration >= c.MaxIterations
}
