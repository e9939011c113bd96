// Package pipeline drives an inference stage through its cycles: regions
// are pulled from an upstream source, enqueued, submitted as one batch,
// fetched back, and the correlated results are handed to the output sinks.
package pipeline

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/openperception/vispipe/inference"
	"github.com/openperception/vispipe/objectdetection"
	"github.com/openperception/vispipe/output"
)

// RegionSource supplies the regions of interest found upstream for one
// frame, along with the frame itself. It may return zero regions when the
// upstream found nothing worth detecting on.
type RegionSource interface {
	NextRegions(ctx context.Context) (image.Image, []inference.Region, error)
}

// Option configures a Driver.
type Option func(*Driver)

// WithInterval sets the time between cycles. Default is 100ms.
func WithInterval(d time.Duration) Option {
	return func(drv *Driver) {
		drv.interval = d
	}
}

// WithClock swaps the wall clock, used by tests to step cycles manually.
func WithClock(c clock.Clock) Option {
	return func(drv *Driver) {
		drv.clock = c
	}
}

// WithFilter applies a postprocessor to every cycle's results before they
// reach the sinks.
func WithFilter(f objectdetection.Postprocessor) Option {
	return func(drv *Driver) {
		drv.filter = f
	}
}

// WithLogger sets the driver logger.
func WithLogger(logger golog.Logger) Option {
	return func(drv *Driver) {
		drv.logger = logger
	}
}

// Driver owns the coordinating goroutine of one inference stage. It is the
// single execution context that calls enqueue, submit and fetch, so the
// stage's sequencing discipline is upheld by construction.
type Driver struct {
	stage    *inference.ObjectDetection
	src      RegionSource
	sinks    []output.Sink
	filter   objectdetection.Postprocessor
	clock    clock.Clock
	interval time.Duration
	logger   golog.Logger

	mu   sync.RWMutex
	last output.Observation

	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
	started                 bool
}

// New builds a driver for the given stage, source and sinks.
func New(stage *inference.ObjectDetection, src RegionSource, sinks []output.Sink, opts ...Option) (*Driver, error) {
	if stage == nil {
		return nil, errors.New("driver must have an inference stage")
	}
	if src == nil {
		return nil, errors.New("driver must have a region source to pull from")
	}
	d := &Driver{
		stage:    stage,
		src:      src,
		sinks:    sinks,
		filter:   func(in []objectdetection.Detection) []objectdetection.Detection { return in },
		clock:    clock.New(),
		interval: 100 * time.Millisecond,
		logger:   golog.NewLogger("pipeline"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the cycle loop in the background. Call Close to stop it.
func (d *Driver) Start(ctx context.Context) {
	if d.started {
		return
	}
	d.started = true
	cancelCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	ticker := d.clock.Ticker(d.interval)
	d.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		defer ticker.Stop()
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
			}
			obs, err := d.RunCycle(cancelCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				d.logger.Errorw("cycle failed", "stage", d.stage.Name(), "error", err)
				continue
			}
			d.mu.Lock()
			d.last = obs
			d.mu.Unlock()
		}
	}, d.activeBackgroundWorkers.Done)
}

// RunCycle executes one complete enqueue* -> submit -> fetch sequence and
// dispatches the outcome to the sinks. Regions rejected at enqueue are
// skipped for the cycle; submit, fetch and decode failures abort it.
func (d *Driver) RunCycle(ctx context.Context) (output.Observation, error) {
	frame, regions, err := d.src.NextRegions(ctx)
	if err != nil {
		return output.Observation{}, errors.Wrap(err, "could not pull regions")
	}
	enqueued := 0
	for _, r := range regions {
		if err := d.stage.Enqueue(r.Image, r.Frame); err != nil {
			// per-frame skip: the offending region is dropped, the cycle continues
			d.logger.Warnw("dropping region", "stage", d.stage.Name(), "frame", r.Frame, "error", err)
			continue
		}
		enqueued++
	}
	obs := output.Observation{Source: d.stage.Name(), Image: frame}
	if enqueued == 0 {
		return obs, nil
	}
	if err := d.stage.SubmitRequest(ctx); err != nil {
		return output.Observation{}, errors.Wrap(err, "submit failed")
	}
	if _, err := d.stage.FetchResults(ctx); err != nil {
		return output.Observation{}, errors.Wrap(err, "fetch failed")
	}
	obs.Detections = d.filter(d.stage.Results())

	var errs error
	for _, sink := range d.sinks {
		errs = multierr.Append(errs, sink.Consume(ctx, obs))
	}
	if errs != nil {
		return output.Observation{}, errors.Wrap(errs, "sink dispatch failed")
	}
	return obs, nil
}

// LastObservation returns the outcome of the most recent successful cycle.
func (d *Driver) LastObservation() output.Observation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// Close stops the cycle loop and waits for it to exit.
func (d *Driver) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.activeBackgroundWorkers.Wait()
	return nil
}
