package convergence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaresmedima/mdreg/internal/models"
)

func TestMaxNormZero(t *testing.T) {
	for _, shape := range [][]int{{4, 4}, {3, 3, 3}} {
		d := models.NewDeformation(5, shape...)
		got, err := MaxNorm(d)
		require.NoError(t, err)
		assert.Equal(t, 0.0, got)
	}
}

func TestMaxNormAllNaN(t *testing.T) {
	d := models.NewDeformation(2, 3, 3)
	for i := range d.Data {
		d.Data[i] = math.NaN()
	}
	got, err := MaxNorm(d)
	assert.ErrorIs(t, err, ErrNoValidSamples)
	assert.True(t, math.IsNaN(got))
}

func TestMaxNormIgnoresNaN(t *testing.T) {
	d := models.NewDeformation(2, 2, 2)
	d.Set(0, 0, 0, math.NaN())
	d.Set(0, 1, 0, 100)
	d.Set(3, 0, 1, 3)
	d.Set(3, 1, 1, 4)

	got, err := MaxNorm(d)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, got, 1e-12)
}

func TestMaxNormDimensionality(t *testing.T) {
	t.Run("3D", func(t *testing.T) {
		d := models.NewDeformation(3, 2, 2, 2)
		want := 0.0
		for p := 0; p < d.Pixels(); p++ {
			for tt := 0; tt < d.Frames; tt++ {
				x, y, z := float64(p)*0.5, float64(tt)-1, float64(p*tt)*0.25
				d.Set(p, 0, tt, x)
				d.Set(p, 1, tt, y)
				d.Set(p, 2, tt, z)
				want = math.Max(want, math.Sqrt(x*x+y*y+z*z))
			}
		}
		got, err := MaxNorm(d)
		require.NoError(t, err)
		assert.InDelta(t, want, got, 1e-12)
	})

	t.Run("2D", func(t *testing.T) {
		d := models.NewDeformation(2, 3, 3)
		d.Set(4, 0, 1, -6)
		d.Set(4, 1, 1, 8)
		got, err := MaxNorm(d)
		require.NoError(t, err)
		assert.InDelta(t, 10.0, got, 1e-12)
	})
}

func TestImprovement(t *testing.T) {
	prev := models.NewDeformation(1, 2, 2)
	next := prev.Clone()
	next.Set(1, 0, 0, 3)
	next.Set(1, 1, 0, 4)

	got, err := Improvement(prev, next)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, got, 1e-12)

	_, err = Improvement(prev, models.NewDeformation(2, 2, 2))
	assert.Error(t, err)
}

func TestCriterion(t *testing.T) {
	c := Criterion{Precision: 0.5, MaxIterations: 3}
	require.NoError(t, c.Validate())

	assert.True(t, c.Done(1, 0.5, true))
	assert.False(t, c.Done(1, 0.6, true))
	assert.False(t, c.Done(2, math.NaN(), false))
	assert.True(t, c.Done(3, 10, true))

	assert.Error(t, Criterion{Precision: 1, MaxIterations: 0}.Validate())
	assert.Error(t, Criterion{Precision: -1, MaxIterations: 1}.Validate())
}
