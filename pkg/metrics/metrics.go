// Package metrics records run statistics of MDR in a Prometheus registry that
// can be written out in the node-exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/plaresmedima/mdreg/internal/models"
)

// Recorder collects the metrics of a single run. A nil Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	iterations     prometheus.Counter
	failedFrames   prometheus.Counter
	frameDuration  prometheus.Histogram
	maxDeformation prometheus.Gauge
	converged      prometheus.Gauge
}

// NewRecorder creates a recorder whose series carry the given run id
func NewRecorder(runID string) *Recorder {
	labels := prometheus.Labels{"run_id": runID}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mdreg",
			Subsystem:   "fit",
			Name:        "iterations_total",
			Help:        "MDR iterations completed.",
			ConstLabels: labels,
		}),
		failedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mdreg",
			Subsystem:   "registration",
			Name:        "failed_frames_total",
			Help:        "Frame registrations that returned an error.",
			ConstLabels: labels,
		}),
		frameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "mdreg",
			Subsystem:   "registration",
			Name:        "frame_duration_seconds",
			Help:        "Wall time of one frame registration.",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 12),
			ConstLabels: labels,
		}),
		maxDeformation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "mdreg",
			Subsystem:   "fit",
			Name:        "max_deformation_mm",
			Help:        "Largest deformation change of the last iteration.",
			ConstLabels: labels,
		}),
		converged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "mdreg",
			Subsystem:   "fit",
			Name:        "converged",
			Help:        "1 if the last run reached the requested precision.",
			ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(r.iterations, r.failedFrames, r.frameDuration, r.maxDeformation, r.converged)
	return r
}

// ObserveIteration records a completed iteration
func (r *Recorder) ObserveIteration(it models.Iteration) {
	if r == nil {
		return
	}
	r.iterations.Inc()
	r.failedFrames.Add(float64(len(it.FailedFrames)))
	r.maxDeformation.Set(it.MaxDeformation)
}

// ObserveFrame records the duration of one frame registration
func (r *Recorder) ObserveFrame(d time.Duration) {
	if r == nil {
		return
	}
	r.frameDuration.Observe(d.Seconds())
}

// SetConverged records whether the run converged
func (r *Recorder) SetConverged(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.converged.Set(1)
	} else {
		r.converged.Set(0)
	}
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// WriteTextfile writes all series to path in the text exposition format
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
