// Package inference implements the asynchronous object-detection stage of a
// perception pipeline: regions of interest are enqueued with their offsets
// in the source frame, submitted to a batched inference engine in a single
// request, and fetched back as confidence-filtered detections expressed in
// source frame coordinates.
//
// A stage is driven by one goroutine in a strict enqueue* -> submit -> fetch
// cycle. The engine call is the only asynchronous seam: SubmitRequest issues
// the work and FetchResults is the join point. Sequencing violations are
// rejected synchronously and never corrupt state.
package inference

import (
	"context"
	"image"
	"strconv"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"gorgonia.org/tensor"

	"github.com/openperception/vispipe/ml"
	"github.com/openperception/vispipe/mlmodel"
	"github.com/openperception/vispipe/objectdetection"
	"github.com/openperception/vispipe/output"
)

var (
	// ErrNoNetwork is returned when an operation needs a loaded network and none is bound.
	ErrNoNetwork = errors.New("no network loaded")
	// ErrEmptyRegion is returned when an enqueued region has zero width or height.
	ErrEmptyRegion = errors.New("region has zero width or height")
	// ErrBufferFull is returned when the region buffer is at the network's batch capacity.
	ErrBufferFull = errors.New("region buffer is at batch capacity")
	// ErrEmptyBuffer is returned when submitting with no buffered regions.
	ErrEmptyBuffer = errors.New("no regions buffered")
	// ErrInFlight is returned when a request is issued while another is still pending.
	ErrInFlight = errors.New("inference request already in flight")
	// ErrNothingPending is returned when fetching with no pending request.
	ErrNothingPending = errors.New("no inference request pending")
)

// Option configures an ObjectDetection stage.
type Option func(*ObjectDetection)

// WithThreshold sets the confidence below which raw detections are dropped.
// The default of 0 accepts everything.
func WithThreshold(thresh float64) Option {
	return func(od *ObjectDetection) {
		od.threshold = thresh
	}
}

// WithName gives the stage a stable identifier, useful when several
// detection stages coexist in one pipeline.
func WithName(name string) Option {
	return func(od *ObjectDetection) {
		od.name = name
	}
}

// WithLogger sets the stage logger.
func WithLogger(logger golog.Logger) Option {
	return func(od *ObjectDetection) {
		od.logger = logger
	}
}

// outcome carries the engine's answer across the asynchronous seam.
type outcome struct {
	tensors ml.Tensors
	err     error
}

// ObjectDetection buffers regions for a detection network, runs one batched
// request at a time, and exposes the correlated results. Not safe for
// concurrent use; one coordinating goroutine drives each instance.
type ObjectDetection struct {
	name      string
	logger    golog.Logger
	threshold float64

	engine mlmodel.Engine
	desc   *mlmodel.DetectorDescriptor

	buffer   []Region
	inflight []Region
	pending  chan outcome

	results []objectdetection.Detection
}

// NewObjectDetection creates an idle detection stage. A network must be
// loaded before regions can be enqueued.
func NewObjectDetection(opts ...Option) *ObjectDetection {
	od := &ObjectDetection{
		name:   "object-detection-" + uuid.New().String()[:8],
		logger: golog.NewLogger("object_detection"),
	}
	for _, opt := range opts {
		opt(od)
	}
	return od
}

// Name returns the stable human-readable identifier of this stage instance.
func (od *ObjectDetection) Name() string {
	return od.name
}

// LoadNetwork binds a detection engine to the stage. The engine metadata is
// interpreted and validated up front; a bind failure leaves the previous
// binding in place. A successful swap invalidates any unfinished cycle.
func (od *ObjectDetection) LoadNetwork(ctx context.Context, engine mlmodel.Engine) error {
	if engine == nil {
		return errors.Wrap(ErrNoNetwork, "cannot bind a nil engine")
	}
	md, err := engine.Metadata(ctx)
	if err != nil {
		return errors.Wrap(err, "could not read engine metadata")
	}
	desc, err := mlmodel.DetectorFromMetadata(md)
	if err != nil {
		return errors.Wrapf(err, "model %q is not usable as a detector", md.ModelName)
	}
	od.engine = engine
	od.desc = desc
	od.buffer = nil
	od.inflight = nil
	od.pending = nil
	od.logger.Infow("network loaded",
		"stage", od.name,
		"model", md.ModelName,
		"input", desc.InputName,
		"batch_capacity", desc.BatchCapacity,
		"max_proposals", desc.MaxProposals,
	)
	return nil
}

// Enqueue appends one region and its source frame offset to the buffer.
// Nothing is appended on failure and no inference is triggered; a failed
// region is skipped for this cycle, not retried.
func (od *ObjectDetection) Enqueue(img image.Image, frame image.Rectangle) error {
	if od.desc == nil {
		return ErrNoNetwork
	}
	if od.pending != nil {
		return errors.Wrap(ErrInFlight, "cannot enqueue")
	}
	if img == nil || frame.Dx() <= 0 || frame.Dy() <= 0 {
		return ErrEmptyRegion
	}
	if len(od.buffer) >= od.desc.BatchCapacity {
		return ErrBufferFull
	}
	od.buffer = append(od.buffer, Region{Image: img, Frame: frame})
	return nil
}

// BufferedRegions returns how many regions are waiting for the next submit.
func (od *ObjectDetection) BufferedRegions() int {
	return len(od.buffer)
}

// SubmitRequest issues exactly one batched inference request for all
// buffered regions. It fails without side effects if the buffer is empty,
// no network is bound, or a request is already in flight.
func (od *ObjectDetection) SubmitRequest(ctx context.Context) error {
	if od.desc == nil {
		return ErrNoNetwork
	}
	if od.pending != nil {
		return ErrInFlight
	}
	if len(od.buffer) == 0 {
		return ErrEmptyBuffer
	}
	in, err := od.batchTensor()
	if err != nil {
		return errors.Wrap(err, "could not build batch input")
	}
	od.inflight = od.buffer
	od.pending = make(chan outcome, 1)

	pending := od.pending
	engine := od.engine
	inputName := od.desc.InputName
	goutils.PanicCapturingGo(func() {
		out, err := engine.Infer(ctx, ml.Tensors{inputName: in})
		pending <- outcome{tensors: out, err: err}
	})
	return nil
}

// FetchResults blocks until the in-flight request completes, consumes the
// buffered regions, and rebuilds the result set from the raw output: each
// record is decoded, thresholded, rescaled into its originating region's
// pixel space and translated by that region's frame offset. The region
// buffer is cleared whether or not any record survives filtering. The
// previous result set is only replaced on success. Returns whether any new
// results were produced.
func (od *ObjectDetection) FetchResults(ctx context.Context) (bool, error) {
	if od.pending == nil {
		return false, ErrNothingPending
	}
	var res outcome
	select {
	case res = <-od.pending:
	case <-ctx.Done():
		// the batch runs to completion regardless; only the wait is abandoned
		return false, ctx.Err()
	}
	od.pending = nil
	regions := od.inflight
	od.inflight = nil
	od.buffer = nil

	if res.err != nil {
		return false, errors.Wrap(res.err, "inference request failed")
	}
	raw, err := od.rawOutput(res.tensors)
	if err != nil {
		return false, err
	}
	expected := len(regions) * od.desc.MaxProposals * od.desc.ObjectSize
	if len(raw) != expected {
		return false, errors.Errorf(
			"raw output has %d values but %d regions of %d records of stride %d need %d",
			len(raw), len(regions), od.desc.MaxProposals, od.desc.ObjectSize, expected)
	}

	results := []objectdetection.Detection{}
	for slot, region := range regions {
		cands, err := decodeCandidates(raw, slot, od.desc.MaxProposals, od.desc.ObjectSize)
		if err != nil {
			return false, errors.Wrapf(err, "could not decode batch slot %d", slot)
		}
		for _, c := range cands {
			if c.confidence < od.threshold {
				continue
			}
			label := od.desc.Label(c.classID)
			if label == "" {
				label = strconv.Itoa(c.classID)
			}
			results = append(results, objectdetection.NewDetection(c.toFrameRect(region.Frame), c.confidence, label))
		}
	}
	od.results = results
	return len(results) > 0, nil
}

// rawOutput pulls the detection output tensor out of the engine's answer
// and flattens it. If the declared output name is absent but the engine
// returned exactly one tensor, that tensor is used.
func (od *ObjectDetection) rawOutput(tensors ml.Tensors) ([]float64, error) {
	t, ok := tensors[od.desc.OutputName]
	if !ok {
		if len(tensors) != 1 {
			return nil, errors.Errorf("no tensor named %q among output tensors %v",
				od.desc.OutputName, ml.TensorNames(tensors))
		}
		for _, only := range tensors {
			t = only
		}
	}
	if t == nil {
		return nil, errors.Errorf("output tensor %q is nil", od.desc.OutputName)
	}
	raw, err := ml.ToFloat64Slice(t.Data())
	if err != nil {
		return nil, errors.Wrapf(err, "could not read output tensor %q", od.desc.OutputName)
	}
	return raw, nil
}

// ResultsLength returns the number of detections in the current result set.
func (od *ObjectDetection) ResultsLength() int {
	return len(od.results)
}

// Result returns the detection at idx. An index outside [0, ResultsLength())
// is a caller error and is rejected rather than returning garbage.
func (od *ObjectDetection) Result(idx int) (objectdetection.Detection, error) {
	if idx < 0 || idx >= len(od.results) {
		return nil, errors.Errorf("result index %d out of range [0, %d)", idx, len(od.results))
	}
	return od.results[idx], nil
}

// Results returns a copy of the current result set.
func (od *ObjectDetection) Results() []objectdetection.Detection {
	out := make([]objectdetection.Detection, len(od.results))
	copy(out, od.results)
	return out
}

// Observe hands the most recently fetched, complete result set to the sink.
// The stage does not care whether the sink renders, publishes or logs; the
// sink must not retain the detections past the next fetch cycle.
func (od *ObjectDetection) Observe(ctx context.Context, sink output.Sink) error {
	if sink == nil {
		return errors.New("cannot observe with a nil sink")
	}
	return sink.Consume(ctx, output.Observation{
		Source:     od.name,
		Detections: od.Results(),
	})
}

// batchTensor resizes every buffered region to the network input geometry
// and stacks them into one batched float32 tensor.
func (od *ObjectDetection) batchTensor() (*tensor.Dense, error) {
	n := len(od.buffer)
	w, h := od.desc.InputWidth, od.desc.InputHeight
	data := make([]float32, 0, n*3*w*h)
	for _, r := range od.buffer {
		resized := ml.ResizeImage(r.Image, w, h)
		if od.desc.ChannelsFirst {
			data = append(data, ml.ImageToFloatBufferCHW(resized)...)
		} else {
			data = append(data, ml.ImageToFloatBuffer(resized)...)
		}
	}
	var shape tensor.Shape
	if od.desc.ChannelsFirst {
		shape = tensor.Shape{n, 3, h, w}
	} else {
		shape = tensor.Shape{n, h, w, 3}
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}
