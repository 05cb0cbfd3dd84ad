// Package mdr implements model-driven registration: a time series of images is
// alternately fitted to a signal model and registered frame by frame onto that
// fit, until the deformation field stops changing.
package mdr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/plaresmedima/mdreg/internal/models"
	"github.com/plaresmedima/mdreg/pkg/convergence"
	"github.com/plaresmedima/mdreg/pkg/dispatch"
)

// Result holds the outputs of a run
type Result struct {
	RunID uuid.UUID

	// Coregistered is the motion-corrected stack
	Coregistered *models.Stack

	// ModelFit is the signal-model fit of Coregistered and Parameters its parameters
	ModelFit   *models.Stack
	Parameters *models.ParameterMap

	// Deformation maps every frame of the original stack onto the model fit (mm)
	Deformation *models.Deformation

	Log       models.IterationLog
	Converged bool
}

// FailedFrames returns the number of frame registrations that failed during the run
func (r *Result) FailedFrames() int { return r.Log.FailedFrameCount() }

// MDR runs model-driven registration on one stack
type MDR struct {
	opts  Options
	stack *models.Stack
	mask  *models.Stack
	log   zerolog.Logger
}

// New creates a runner for one MDR fit. The options are validated here, so a
// runner that was created successfully only fails later on data errors.
//
// Parameters:
//   - opts: model, registration backend and loop settings; start from DefaultOptions
//
// Returns:
//   - A runner with no stack set, or an error describing the invalid option
func New(opts Options) (*MDR, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Status == nil {
		opts.Status = nopStatus{}
	}
	return &MDR{opts: opts, log: opts.Logger}, nil
}

// SetStack sets the time series to correct. The stack is not modified by Fit.
func (m *MDR) SetStack(s *models.Stack) error {
	if s == nil {
		return ErrNoStack
	}
	m.stack = s
	return nil
}

// SetMask sets the validity mask, a stack shaped like the image stack in which
// non-zero voxels take part in registration. A nil mask clears it.
func (m *MDR) SetMask(mask *models.Stack) {
	m.mask = mask
}

// Fit runs model-driven registration on the stack set with SetStack.
//
// Every iteration fits the signal model to the current coregistered stack,
// registers each original frame onto its model-fit frame and measures the
// largest change of the deformation field. The loop stops when that change
// falls below the precision or after MaxIterations, and the model is then
// refitted to the final coregistered stack. Frames that fail to register are
// handled by the failure policy; configuration errors always stop the run.
//
// Parameters:
//   - ctx: cancels the run between frames
//
// Returns:
//   - The coregistered stack, model fit, parameters, deformation field and
//     iteration log, or an error if the run could not complete
func (m *MDR) Fit(ctx context.Context) (*Result, error) {
	if m.stack == nil {
		return nil, ErrNoStack
	}
	crit := convergence.Criterion{Precision: m.opts.Precision, MaxIterations: m.opts.MaxIterations}
	if err := crit.Validate(); err != nil {
		return nil, err
	}

	mask := m.mask
	if mask != nil && !mask.SameShape(m.stack) {
		m.log.Warn().Ints("mask", mask.Shape).Ints("stack", m.stack.Shape).
			Msg("mask shape does not match image stack, ignoring mask")
		mask = nil
	}

	res := &Result{RunID: m.opts.RunID}
	if res.RunID == uuid.Nil {
		res.RunID = uuid.New()
	}
	log := m.log.With().Str("run_id", res.RunID.String()).Logger()
	status := m.opts.Status
	d := dispatch.New(dispatch.Options{
		Workers:    m.opts.Workers,
		Parallel:   m.opts.Parallel,
		Logger:     log,
		Progress:   status.Progress,
		NewBackend: m.opts.NewBackend,
	})
	log.Info().
		Ints("shape", m.stack.Shape).
		Int("frames", m.stack.Frames()).
		Str("model", m.opts.Model.Name()).
		Str("backend", string(m.opts.Registration.Backend)).
		Bool("parallel", m.opts.Parallel).
		Int("workers", d.Workers()).
		Msg("starting model-driven registration")

	frames := m.stack.Frames()
	coreg := m.stack.Clone()
	deformation := models.NewDeformation(frames, m.stack.Shape...)
	start := time.Now()

	for i := 1; ; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iterStart := time.Now()

		status.Message(fmt.Sprintf("Iteration %d: fitting signal model", i))
		fit, pars, err := m.fitModel(coreg)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		if i == 1 && m.opts.ExportUnregistered && m.opts.Exporter != nil {
			if err := m.opts.Exporter("_unregistered", fit, pars); err != nil {
				log.Warn().Err(err).Msg("failed to export unregistered fit")
			}
		}

		status.Message(fmt.Sprintf("Iteration %d: registering %d frames", i, frames))
		tasks := make([]dispatch.Task, frames)
		for t := range tasks {
			tasks[t] = dispatch.Task{Index: t, Moving: m.stack.Frame(t), Fixed: fit.Frame(t)}
			if mask != nil {
				tasks[t].Mask = mask.Frame(t)
			}
		}
		batch, err := d.Run(ctx, m.opts.Registration, tasks)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		if err := batch.Err(); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}

		// failed frames keep their previous image and deformation
		next := deformation.Clone()
		failed := batch.Failed()
		for _, r := range batch.Results {
			if r.Err != nil {
				if m.opts.FailurePolicy == Abort {
					return nil, fmt.Errorf("iteration %d: %w: frame %d: %w", i, ErrFrameFailed, r.Index, r.Err)
				}
				continue
			}
			m.opts.Metrics.ObserveFrame(r.Duration)
			if err := coreg.SetFrame(r.Index, r.Warped); err != nil {
				return nil, fmt.Errorf("iteration %d: frame %d: %w", i, r.Index, err)
			}
			if err := next.SetFrame(r.Index, r.Field); err != nil {
				return nil, fmt.Errorf("iteration %d: frame %d: %w", i, r.Index, err)
			}
		}
		if len(failed) > 0 {
			log.Warn().Int("iteration", i).Ints("frames", failed).
				Msg("registration failed for some frames, keeping their previous estimate")
		}

		improvement, err := convergence.Improvement(deformation, next)
		valid := true
		if err != nil {
			if !errors.Is(err, convergence.ErrNoValidSamples) {
				return nil, fmt.Errorf("iteration %d: %w", i, err)
			}
			valid = false
			log.Warn().Int("iteration", i).Msg("deformation change has no valid samples")
		}
		deformation = next

		it := models.Iteration{
			Number:         i,
			MaxDeformation: improvement,
			Valid:          valid,
			FailedFrames:   failed,
			Duration:       time.Since(iterStart),
		}
		res.Log = append(res.Log, it)
		m.opts.Metrics.ObserveIteration(it)

		msg := fmt.Sprintf("Iteration %d: maximum deformation change %.4f mm (precision %.4f mm)",
			i, improvement, m.opts.Precision)
		status.Message(msg)
		log.Info().
			Int("iteration", i).
			Float64("max_deformation", improvement).
			Bool("valid", valid).
			Int("failed_frames", len(failed)).
			Dur("took", it.Duration).
			Msg("iteration done")

		if crit.Done(i, improvement, valid) {
			res.Converged = crit.Converged(improvement, valid)
			break
		}
	}

	status.Message("Fitting signal model to coregistered data")
	fit, pars, err := m.fitModel(coreg)
	if err != nil {
		return nil, fmt.Errorf("final fit: %w", err)
	}
	res.Coregistered = coreg
	res.ModelFit = fit
	res.Parameters = pars
	res.Deformation = deformation
	m.opts.Metrics.SetConverged(res.Converged)

	log.Info().
		Int("iterations", res.Log.Len()).
		Bool("converged", res.Converged).
		Int("failed_frames", res.FailedFrames()).
		Dur("took", time.Since(start)).
		Msg("model-driven registration done")
	return res, nil
}

func (m *MDR) fitModel(s *models.Stack) (*models.Stack, *models.ParameterMap, error) {
	fit, pars, err := m.opts.Model.Fit(s.Matrix())
	if err != nil {
		return nil, nil, fmt.Errorf("signal model %s: %w", m.opts.Model.Name(), err)
	}
	out := s.Clone()
	if err := out.SetMatrix(fit); err != nil {
		return nil, nil, fmt.Errorf("signal model %s returned a bad fit: %w", m.opts.Model.Name(), err)
	}
	return out, &models.ParameterMap{Names: m.opts.Model.Parameters(), Values: pars}, nil
}
