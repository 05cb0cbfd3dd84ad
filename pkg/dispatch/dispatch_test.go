package dispatch

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaresmedima/mdreg/internal/models"
	"github.com/plaresmedima/mdreg/pkg/registration"
)

var errStub = errors.New("stub failure")

// indexBackend reads the task index from the first voxel of the moving
// image, sleeps longer for early frames and scribbles over its input.
type indexBackend struct {
	failing map[int]error
}

func (b *indexBackend) Name() string { return "index" }

func (b *indexBackend) Register(moving, fixed, mask *models.Volume) (*models.Volume, *models.Field, error) {
	index := int(moving.Data[0])
	time.Sleep(time.Duration(8-index) * time.Millisecond)
	if err := b.failing[index]; err != nil {
		return nil, nil, err
	}
	warped := moving.Clone()
	for i := range moving.Data {
		moving.Data[i] = -1
	}
	field := models.NewField(moving.Shape...)
	for i := range field.Data {
		field.Data[i] = float64(index)
	}
	return warped, field, nil
}

func stubFactory(failing map[int]error) BackendFactory {
	return func(p registration.Parameters, dims int) (registration.Backend, error) {
		return &indexBackend{failing: failing}, nil
	}
}

func createTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		moving := models.NewVolume(4, 4)
		moving.Data[0] = float64(i)
		tasks[i] = Task{Index: i, Moving: moving, Fixed: models.NewVolume(4, 4)}
	}
	return tasks
}

func createBlobTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		moving := models.NewVolume(20, 20)
		fixed := models.NewVolume(20, 20)
		for p := range moving.Data {
			r, c := float64(p/20), float64(p%20)
			dr, dc := r-10-0.3*float64(i), c-10
			moving.Data[p] = math.Exp(-(dr*dr + dc*dc) / 18)
			fixed.Data[p] = math.Exp(-((r-10)*(r-10) + dc*dc) / 18)
		}
		tasks[i] = Task{Index: i, Moving: moving, Fixed: fixed}
	}
	return tasks
}

func TestParallelResultsInTaskOrder(t *testing.T) {
	var calls []int
	d := New(Options{
		Workers:    4,
		Parallel:   true,
		NewBackend: stubFactory(nil),
		Progress:   func(done, total int) { calls = append(calls, done) },
	})

	tasks := createTasks(8)
	batch, err := d.Run(context.Background(), registration.Parameters{}, tasks)
	require.NoError(t, err)
	require.Len(t, batch.Results, 8)
	for i, r := range batch.Results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, float64(i), r.Field.Data[0])
		assert.Equal(t, float64(i), r.Warped.Data[0])
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, calls)
	assert.Empty(t, batch.Failed())
}

func TestParallelClonesInputs(t *testing.T) {
	d := New(Options{Workers: 2, Parallel: true, NewBackend: stubFactory(nil)})
	tasks := createTasks(3)

	_, err := d.Run(context.Background(), registration.Parameters{}, tasks)
	require.NoError(t, err)
	for i, task := range tasks {
		assert.Equal(t, float64(i), task.Moving.Data[0])
	}
}

func TestSequentialMatchesParallel(t *testing.T) {
	params := registration.DefaultParameters(registration.OpticalFlow, 2)

	seq, err := New(Options{Parallel: false}).Run(context.Background(), params, createBlobTasks(4))
	require.NoError(t, err)
	par, err := New(Options{Parallel: true, Workers: 3}).Run(context.Background(), params, createBlobTasks(4))
	require.NoError(t, err)

	require.Len(t, par.Results, len(seq.Results))
	for i := range seq.Results {
		require.NoError(t, seq.Results[i].Err)
		assert.Equal(t, seq.Results[i].Warped.Data, par.Results[i].Warped.Data)
		assert.Equal(t, seq.Results[i].Field.Data, par.Results[i].Field.Data)
	}
}

func TestFailuresAreCaptured(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		d := New(Options{Workers: 3, Parallel: parallel, NewBackend: stubFactory(map[int]error{
			2: errStub,
		})})
		batch, err := d.Run(context.Background(), registration.Parameters{}, createTasks(5))
		require.NoError(t, err)
		assert.Equal(t, []int{2}, batch.Failed())
		assert.NoError(t, batch.Err())
		assert.ErrorIs(t, batch.Results[2].Err, errStub)
		assert.NotNil(t, batch.Results[3].Field)
	}
}

func TestFatalFrameError(t *testing.T) {
	d := New(Options{NewBackend: stubFactory(map[int]error{
		1: registration.ErrInsufficientDepth,
	})})
	batch, err := d.Run(context.Background(), registration.Parameters{}, createTasks(3))
	require.NoError(t, err)
	assert.ErrorIs(t, batch.Err(), registration.ErrInsufficientDepth)
}

func TestInvalidParameters(t *testing.T) {
	d := New(Options{Parallel: true, Workers: 2})
	_, err := d.Run(context.Background(), registration.Parameters{Backend: "rigid"}, createTasks(2))
	assert.ErrorIs(t, err, registration.ErrInvalidConfig)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(Options{NewBackend: stubFactory(nil)})
	_, err := d.Run(ctx, registration.Parameters{}, createTasks(3))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmptyBatch(t *testing.T) {
	batch, err := New(Options{}).Run(context.Background(), registration.Parameters{}, nil)
	require.NoError(t, err)
	assert.Empty(t, batch.Results)
	assert.Equal(t, 4, New(Options{Workers: 4}).Workers())
}
