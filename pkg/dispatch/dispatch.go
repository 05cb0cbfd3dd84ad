// Package dispatch runs the per-time-point registrations of one MDR iteration,
// either in order on a single backend or on a pool of workers that each own a
// backend built from the same plain parameter value.
package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/plaresmedima/mdreg/internal/models"
	"github.com/plaresmedima/mdreg/pkg/registration"
)

// Task is the registration of one time point
type Task struct {
	Index  int
	Moving *models.Volume
	Fixed  *models.Volume

	// Mask is optional
	Mask *models.Volume
}

// Result is the outcome of one task
type Result struct {
	Index    int
	Warped   *models.Volume
	Field    *models.Field
	Err      error
	Duration time.Duration
}

// Batch holds the results of a Run in task order
type Batch struct {
	Results []Result
}

// Failed returns the indices of the tasks that returned an error
func (b *Batch) Failed() []int {
	var failed []int
	for _, r := range b.Results {
		if r.Err != nil {
			failed = append(failed, r.Index)
		}
	}
	return failed
}

// Err returns the first error that must abort the run, if any
func (b *Batch) Err() error {
	for _, r := range b.Results {
		if r.Err != nil && registration.IsFatal(r.Err) {
			return fmt.Errorf("frame %d: %w", r.Index, r.Err)
		}
	}
	return nil
}

// ProgressFunc is called after each completed task
type ProgressFunc func(done, total int)

// BackendFactory builds a backend for images of the given dimensionality
type BackendFactory func(p registration.Parameters, dims int) (registration.Backend, error)

// Options configures a Dispatcher
type Options struct {
	// Workers bounds the pool size in parallel mode. Zero means one worker per CPU.
	Workers  int
	Parallel bool
	Logger   zerolog.Logger
	Progress ProgressFunc

	// NewBackend defaults to registration.New
	NewBackend BackendFactory
}

// Dispatcher runs batches of registration tasks
type Dispatcher struct {
	opts Options
}

// New returns a dispatcher
func New(opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.NewBackend == nil {
		opts.NewBackend = registration.New
	}
	return &Dispatcher{opts: opts}
}

// Workers returns the pool size used in parallel mode
func (d *Dispatcher) Workers() int { return d.opts.Workers }

// Run registers every task with a backend built from params.
//
// Tasks are processed one at a time, or spread over the worker pool when the
// dispatcher is parallel. Each worker builds its own backend and receives
// copies of its inputs, and results are stored by task position, so both
// modes return the same batch. Per-frame errors are reported in the batch
// rather than returned.
//
// Parameters:
//   - ctx: stops dispatching further tasks when cancelled
//   - params: backend parameters, cloned for every worker
//   - tasks: the frames to register
//
// Returns:
//   - A batch with one result per task in task order, or an error if params
//     are invalid or ctx was cancelled before every task finished
func (d *Dispatcher) Run(ctx context.Context, params registration.Parameters, tasks []Task) (*Batch, error) {
	if len(tasks) == 0 {
		return &Batch{}, nil
	}
	dims := tasks[0].Fixed.Dims()
	if _, err := d.opts.NewBackend(params, dims); err != nil {
		return nil, err
	}
	if d.opts.Parallel && d.opts.Workers > 1 && len(tasks) > 1 {
		return d.runParallel(ctx, params, dims, tasks)
	}
	return d.runSequential(ctx, params, dims, tasks)
}

func (d *Dispatcher) runSequential(ctx context.Context, params registration.Parameters, dims int, tasks []Task) (*Batch, error) {
	backend, err := d.opts.NewBackend(params, dims)
	if err != nil {
		return nil, err
	}
	batch := &Batch{Results: make([]Result, len(tasks))}
	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch.Results[i] = register(backend, task)
		d.report(batch.Results[i], i+1, len(tasks))
	}
	return batch, nil
}

func (d *Dispatcher) runParallel(ctx context.Context, params registration.Parameters, dims int, tasks []Task) (*Batch, error) {
	workers := d.opts.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	jobs := make(chan int)
	results := make(chan Result)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(p registration.Parameters) {
			defer wg.Done()
			// construction errors are reported per task
			backend, err := d.opts.NewBackend(p, dims)
			for i := range jobs {
				if err != nil {
					results <- Result{Index: tasks[i].Index, Err: err}
					continue
				}
				results <- register(backend, cloneTask(tasks[i]))
			}
		}(params.Clone())
	}

	go func() {
		defer close(jobs)
		for i := range tasks {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	// results are stored by task position, not completion order
	position := make(map[int]int, len(tasks))
	for i, t := range tasks {
		position[t.Index] = i
	}
	batch := &Batch{Results: make([]Result, len(tasks))}
	done := 0
	for res := range results {
		batch.Results[position[res.Index]] = res
		done++
		d.report(res, done, len(tasks))
	}
	if done < len(tasks) {
		return nil, ctx.Err()
	}
	return batch, nil
}

func (d *Dispatcher) report(res Result, done, total int) {
	if res.Err != nil {
		d.opts.Logger.Warn().Err(res.Err).Int("frame", res.Index).Msg("frame registration failed")
	} else {
		d.opts.Logger.Debug().Int("frame", res.Index).Dur("took", res.Duration).Msg("frame registered")
	}
	if d.opts.Progress != nil {
		d.opts.Progress(done, total)
	}
}

func register(backend registration.Backend, task Task) Result {
	start := time.Now()
	warped, field, err := backend.Register(task.Moving, task.Fixed, task.Mask)
	return Result{
		Index:    task.Index,
		Warped:   warped,
		Field:    field,
		Err:      err,
		Duration: time.Since(start),
	}
}

func cloneTask(t Task) Task {
	return Task{
		Index:  t.Index,
		Moving: t.Moving.Clone(),
		Fixed:  t.Fixed.Clone(),
		Mask:   t.Mask.Clone(),
	}
}
