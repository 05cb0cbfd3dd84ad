// Package convergence implements the stopping rule of the MDR loop: the maximum
// per-voxel change of the deformation field between two iterations, compared
// against a precision threshold and an iteration budget.
package convergence

import (
	"errors"
	"fmt"
	"math"

	"github.com/plaresmedima/mdreg/internal/models"
)

// ErrNoValidSamples is returned when a deformation change contains no finite
// vectors, so that "nothing could be measured" is never confused with "no motion".
var ErrNoValidSamples = errors.New("deformation change has no valid samples")

// MaxNorm returns the largest Euclidean norm of the displacement vectors in delta,
// taken over all voxels and time points. Vectors with a NaN component are excluded.
//
// The norm is taken over 2 or 3 components depending on the dimensionality of delta.
// The result is in the physical units of the field.
func MaxNorm(delta *models.Deformation) (float64, error) {
	if delta.Dims != 2 && delta.Dims != 3 {
		return 0, fmt.Errorf("deformation must have 2 or 3 components, got %d", delta.Dims)
	}
	largest := math.Inf(-1)
	pixels := delta.Pixels()
	for p := 0; p < pixels; p++ {
		for t := 0; t < delta.Frames; t++ {
			var sq float64
			switch delta.Dims {
			case 3:
				x, y, z := delta.At(p, 0, t), delta.At(p, 1, t), delta.At(p, 2, t)
				sq = x*x + y*y + z*z
			default:
				x, y := delta.At(p, 0, t), delta.At(p, 1, t)
				sq = x*x + y*y
			}
			if math.IsNaN(sq) {
				continue
			}
			if n := math.Sqrt(sq); n > largest {
				largest = n
			}
		}
	}
	if math.IsInf(largest, -1) {
		return math.NaN(), ErrNoValidSamples
	}
	return largest, nil
}

// Improvement returns MaxNorm(prev - next)
func Improvement(prev, next *models.Deformation) (float64, error) {
	delta, err := prev.Sub(next)
	if err != nil {
		return math.NaN(), err
	}
	return MaxNorm(delta)
}
