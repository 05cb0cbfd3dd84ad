package interpolation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaresmedima/mdreg/internal/models"
)

// createRamp creates a volume whose value is the sum of its indices along each axis
func createRamp(shape ...int) *models.Volume {
	v := models.NewVolume(shape...)
	idx := make([]int, len(shape))
	for p := range v.Data {
		Unravel(p, shape, idx)
		for _, i := range idx {
			v.Data[p] += float64(i)
		}
	}
	return v
}

func TestSampleLinear(t *testing.T) {
	v := createRamp(4, 5)

	got, inside := Sample(v, []float64{1.5, 2.25}, Edge, 0)
	assert.True(t, inside)
	assert.InDelta(t, 3.75, got, 1e-12)

	got, inside = Sample(v, []float64{-1, 2}, Edge, 0)
	assert.False(t, inside)
	assert.InDelta(t, 2.0, got, 1e-12)

	got, inside = Sample(v, []float64{-1, 2}, Constant, -7)
	assert.False(t, inside)
	assert.Equal(t, -7.0, got)

	v3 := createRamp(3, 3, 3)
	got, _ = Sample(v3, []float64{0.5, 0.5, 0.5}, Edge, 0)
	assert.InDelta(t, 1.5, got, 1e-12)
}

func TestWarpIdentityAndShift(t *testing.T) {
	v := createRamp(6, 6)
	v.Spacing = []float64{2, 2}

	warped, outside := Warp(v, models.NewField(6, 6), Edge, 0)
	assert.Equal(t, 0, outside)
	assert.Equal(t, v.Data, warped.Data)

	shift := models.NewField(6, 6)
	for p := 0; p < shift.Pixels(); p++ {
		shift.Vector(p)[1] = 2 // one voxel along columns
	}
	warped, outside = Warp(v, shift, Edge, 0)
	assert.Equal(t, 6, outside)
	assert.InDelta(t, v.Data[v.Offset(2, 3)], warped.Data[v.Offset(2, 2)], 1e-12)
}

func TestBlockReduce(t *testing.T) {
	v := models.NewVolume(4, 5)
	for i := range v.Data {
		v.Data[i] = 1
	}
	v.Data[v.Offset(0, 4)] = 3

	r := BlockReduce(v, 2)
	assert.Equal(t, []int{2, 3}, r.Shape)
	assert.Equal(t, []float64{2, 2}, r.Spacing)
	assert.InDelta(t, 1.0, r.Data[0], 1e-12)
	// partial block holds (0,4) and (1,4)
	assert.InDelta(t, 2.0, r.Data[r.Offset(0, 2)], 1e-12)

	same := BlockReduce(v, 1)
	assert.Equal(t, v.Data, same.Data)
}

func TestGaussianPreservesConstant(t *testing.T) {
	v := models.NewVolume(5, 5, 5)
	for i := range v.Data {
		v.Data[i] = 3
	}
	s := Gaussian(v, 1.5)
	for _, x := range s.Data {
		assert.InDelta(t, 3.0, x, 1e-9)
	}
	// input untouched
	assert.Equal(t, 3.0, v.Data[0])
}

func TestSmoothFieldComponentsIndependent(t *testing.T) {
	f := models.NewField(5, 5)
	for p := 0; p < f.Pixels(); p++ {
		f.Vector(p)[0] = 1
	}
	s := SmoothField(f, 1)
	for p := 0; p < s.Pixels(); p++ {
		assert.InDelta(t, 1.0, s.Vector(p)[0], 1e-9)
		assert.InDelta(t, 0.0, s.Vector(p)[1], 1e-9)
	}
}

func TestGradientOfRamp(t *testing.T) {
	v := createRamp(4, 4, 4)
	g := Gradient(v)
	require.Len(t, g, 3)
	for a := 0; a < 3; a++ {
		for _, x := range g[a] {
			assert.InDelta(t, 1.0, x, 1e-12)
		}
	}
}

func TestResizeKeepsExtent(t *testing.T) {
	v := createRamp(8, 8)
	r := Resize(v, []int{4, 4})
	assert.Equal(t, []float64{2, 2}, r.Spacing)
	// centre of the first coarse voxel maps to 0.5 in the fine grid
	assert.InDelta(t, 1.0, r.Data[0], 1e-12)
}

func TestBSpline3PartitionOfUnity(t *testing.T) {
	for _, u := range []float64{0, 0.25, 0.5, 0.9} {
		sum := BSpline3(u+1) + BSpline3(u) + BSpline3(u-1) + BSpline3(u-2)
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
	assert.Equal(t, 0.0, BSpline3(2))
	assert.False(t, math.IsNaN(BSpline3(-1.5)))
}

func TestComposeWithZero(t *testing.T) {
	step := models.NewField(4, 4)
	for p := 0; p < step.Pixels(); p++ {
		step.Vector(p)[0] = 0.5
	}
	spacing := []float64{1, 1}

	got := Compose(models.NewField(4, 4), step, spacing)
	assert.Equal(t, step.Data, got.Data)

	got = Compose(step, models.NewField(4, 4), spacing)
	assert.Equal(t, step.Data, got.Data)

	twice := Compose(step, step, spacing)
	assert.InDelta(t, 1.0, twice.Vector(0)[0], 1e-12)
}
