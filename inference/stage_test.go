package inference_test

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/openperception/vispipe/inference"
	"github.com/openperception/vispipe/ml"
	"github.com/openperception/vispipe/mlmodel/fake"
	"github.com/openperception/vispipe/output"
)

func newTestStage(t *testing.T, engine *fake.Engine, thresh float64) *inference.ObjectDetection {
	t.Helper()
	stage := inference.NewObjectDetection(
		inference.WithName("test-stage"),
		inference.WithThreshold(thresh),
		inference.WithLogger(golog.NewTestLogger(t)),
	)
	err := stage.LoadNetwork(context.Background(), engine)
	test.That(t, err, test.ShouldBeNil)
	return stage
}

func testImage(w, h int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

// record builds one 7-float SSD record.
func record(imageID, classID, conf, xMin, yMin, xMax, yMax float32) []float32 {
	return []float32{imageID, classID, conf, xMin, yMin, xMax, yMax}
}

func terminator() []float32 {
	return record(-1, 0, 0, 0, 0, 0, 0)
}

func TestLoadNetwork(t *testing.T) {
	ctx := context.Background()
	stage := inference.NewObjectDetection(inference.WithLogger(golog.NewTestLogger(t)))

	err := stage.LoadNetwork(ctx, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, inference.ErrNoNetwork), test.ShouldBeTrue)

	// structurally incompatible metadata fails the bind
	bad := &fake.Engine{}
	err = stage.LoadNetwork(ctx, bad)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "not usable as a detector")

	err = stage.LoadNetwork(ctx, fake.NewSSDEngine(2, 300, 300, 10))
	test.That(t, err, test.ShouldBeNil)
}

func TestEnqueue(t *testing.T) {
	unbound := inference.NewObjectDetection(inference.WithLogger(golog.NewTestLogger(t)))
	err := unbound.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10))
	test.That(t, errors.Is(err, inference.ErrNoNetwork), test.ShouldBeTrue)

	stage := newTestStage(t, fake.NewSSDEngine(2, 300, 300, 10), 0)

	// degenerate regions are not appended
	err = stage.Enqueue(testImage(10, 10), image.Rect(5, 5, 5, 25))
	test.That(t, errors.Is(err, inference.ErrEmptyRegion), test.ShouldBeTrue)
	err = stage.Enqueue(nil, image.Rect(0, 0, 10, 10))
	test.That(t, errors.Is(err, inference.ErrEmptyRegion), test.ShouldBeTrue)
	test.That(t, stage.BufferedRegions(), test.ShouldEqual, 0)

	// each valid enqueue grows the buffer by exactly one
	err = stage.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stage.BufferedRegions(), test.ShouldEqual, 1)
	err = stage.Enqueue(testImage(10, 10), image.Rect(20, 20, 30, 30))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stage.BufferedRegions(), test.ShouldEqual, 2)

	// the third region exceeds the network's batch capacity
	err = stage.Enqueue(testImage(10, 10), image.Rect(40, 40, 50, 50))
	test.That(t, errors.Is(err, inference.ErrBufferFull), test.ShouldBeTrue)
	test.That(t, stage.BufferedRegions(), test.ShouldEqual, 2)
}

func TestSubmitSequencing(t *testing.T) {
	ctx := context.Background()
	stage := newTestStage(t, fake.NewSSDEngine(2, 300, 300, 10), 0)

	err := stage.SubmitRequest(ctx)
	test.That(t, errors.Is(err, inference.ErrEmptyBuffer), test.ShouldBeTrue)

	err = stage.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10))
	test.That(t, err, test.ShouldBeNil)
	err = stage.SubmitRequest(ctx)
	test.That(t, err, test.ShouldBeNil)

	// a second submit before the fetch must fail, not queue
	err = stage.SubmitRequest(ctx)
	test.That(t, errors.Is(err, inference.ErrInFlight), test.ShouldBeTrue)
	// so must enqueueing into a cycle that is already running
	err = stage.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10))
	test.That(t, errors.Is(err, inference.ErrInFlight), test.ShouldBeTrue)

	_, err = stage.FetchResults(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stage.BufferedRegions(), test.ShouldEqual, 0)

	// the cycle is over, the next one starts from an empty buffer
	err = stage.SubmitRequest(ctx)
	test.That(t, errors.Is(err, inference.ErrEmptyBuffer), test.ShouldBeTrue)
}

func TestFetchNothingPending(t *testing.T) {
	ctx := context.Background()
	engine := fake.NewSSDEngine(1, 300, 300, 2)
	engine.Raw = append(record(0, 1, 0.9, 0, 0, 1, 1), terminator()...)
	stage := newTestStage(t, engine, 0)

	_, err := stage.FetchResults(ctx)
	test.That(t, errors.Is(err, inference.ErrNothingPending), test.ShouldBeTrue)

	// run one full cycle to populate results
	test.That(t, stage.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10)), test.ShouldBeNil)
	test.That(t, stage.SubmitRequest(ctx), test.ShouldBeNil)
	got, err := stage.FetchResults(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldBeTrue)
	test.That(t, stage.ResultsLength(), test.ShouldEqual, 1)

	// a stray fetch fails and leaves the previous result set unchanged
	_, err = stage.FetchResults(ctx)
	test.That(t, errors.Is(err, inference.ErrNothingPending), test.ShouldBeTrue)
	test.That(t, stage.ResultsLength(), test.ShouldEqual, 1)
}

func TestFetchClearsBufferWhenEverythingIsFiltered(t *testing.T) {
	ctx := context.Background()
	engine := fake.NewSSDEngine(1, 300, 300, 2)
	engine.Raw = append(record(0, 1, 0.3, 0.1, 0.1, 0.4, 0.4), terminator()...)
	stage := newTestStage(t, engine, 0.5)

	test.That(t, stage.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10)), test.ShouldBeNil)
	test.That(t, stage.SubmitRequest(ctx), test.ShouldBeNil)
	got, err := stage.FetchResults(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldBeFalse)
	test.That(t, stage.ResultsLength(), test.ShouldEqual, 0)
	test.That(t, stage.BufferedRegions(), test.ShouldEqual, 0)
}

func TestRoundTrip(t *testing.T) {
	// a full-extent normalized box must map exactly onto the region's
	// rectangle in frame coordinates
	ctx := context.Background()
	engine := fake.NewSSDEngine(1, 300, 300, 1)
	engine.Raw = record(0, 1, 1, 0, 0, 1, 1)
	stage := newTestStage(t, engine, 0)

	frame := image.Rect(30, 40, 130, 140)
	test.That(t, stage.Enqueue(testImage(100, 100), frame), test.ShouldBeNil)
	test.That(t, stage.SubmitRequest(ctx), test.ShouldBeNil)
	got, err := stage.FetchResults(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldBeTrue)
	test.That(t, stage.ResultsLength(), test.ShouldEqual, 1)
	d, err := stage.Result(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *d.BoundingBox(), test.ShouldResemble, frame)
}

func TestTwoRegionThresholdScenario(t *testing.T) {
	ctx := context.Background()
	labelFile := filepath.Join(t.TempDir(), "labels.txt")
	err := os.WriteFile(labelFile, []byte("background\nperson\n"), 0o600)
	test.That(t, err, test.ShouldBeNil)

	engine := fake.NewSSDEngine(2, 300, 300, 2)
	engine.MD.Outputs[0].Extra = map[string]interface{}{"labels": labelFile}
	raw := record(0, 1, 0.9, 0.1, 0.1, 0.5, 0.5)
	raw = append(raw, terminator()...)
	raw = append(raw, record(1, 1, 0.2, 0.1, 0.1, 0.5, 0.5)...)
	raw = append(raw, terminator()...)
	engine.Raw = raw
	stage := newTestStage(t, engine, 0.5)

	test.That(t, stage.Enqueue(testImage(100, 100), image.Rect(0, 0, 100, 100)), test.ShouldBeNil)
	test.That(t, stage.Enqueue(testImage(50, 50), image.Rect(200, 0, 250, 50)), test.ShouldBeNil)
	test.That(t, stage.SubmitRequest(ctx), test.ShouldBeNil)
	got, err := stage.FetchResults(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldBeTrue)

	// the low-confidence detection in the second region must be dropped
	test.That(t, stage.ResultsLength(), test.ShouldEqual, 1)
	d, err := stage.Result(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *d.BoundingBox(), test.ShouldResemble, image.Rect(10, 10, 50, 50))
	test.That(t, d.Score(), test.ShouldAlmostEqual, 0.9, 1e-6)
	test.That(t, d.Label(), test.ShouldEqual, "person")
}

func TestResultBoundsCheck(t *testing.T) {
	ctx := context.Background()
	engine := fake.NewSSDEngine(1, 300, 300, 2)
	engine.Raw = append(record(0, 1, 0.9, 0, 0, 1, 1), terminator()...)
	stage := newTestStage(t, engine, 0)

	test.That(t, stage.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10)), test.ShouldBeNil)
	test.That(t, stage.SubmitRequest(ctx), test.ShouldBeNil)
	_, err := stage.FetchResults(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stage.ResultsLength(), test.ShouldEqual, 1)

	// idx == length is a contract violation, rejected instead of garbage
	_, err = stage.Result(stage.ResultsLength())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "out of range")
	_, err = stage.Result(-1)
	test.That(t, err, test.ShouldNotBeNil)
	d, err := stage.Result(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d, test.ShouldNotBeNil)
}

func TestDecodeErrorKeepsPreviousResults(t *testing.T) {
	ctx := context.Background()
	engine := fake.NewSSDEngine(1, 300, 300, 2)
	engine.Raw = append(record(0, 1, 0.9, 0, 0, 1, 1), terminator()...)
	stage := newTestStage(t, engine, 0)

	test.That(t, stage.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10)), test.ShouldBeNil)
	test.That(t, stage.SubmitRequest(ctx), test.ShouldBeNil)
	_, err := stage.FetchResults(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stage.ResultsLength(), test.ShouldEqual, 1)

	// a truncated raw buffer means the descriptor and engine disagree:
	// fatal for this fetch, previous results stay visible
	engine.Raw = record(0, 1, 0.9, 0, 0, 1, 1)[:5]
	test.That(t, stage.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10)), test.ShouldBeNil)
	test.That(t, stage.SubmitRequest(ctx), test.ShouldBeNil)
	got, err := stage.FetchResults(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, got, test.ShouldBeFalse)
	test.That(t, stage.ResultsLength(), test.ShouldEqual, 1)
	test.That(t, stage.BufferedRegions(), test.ShouldEqual, 0)
}

func TestFetchWaitsOutOfBandOnCancel(t *testing.T) {
	ctx := context.Background()
	engine := fake.NewSSDEngine(1, 300, 300, 1)
	release := make(chan struct{})
	raw := record(0, 1, 1, 0, 0, 1, 1)
	engine.InferFunc = func(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
		<-release
		out := tensor.New(tensor.WithShape(len(raw)), tensor.WithBacking(raw))
		return ml.Tensors{fake.DetectionOutputName: out}, nil
	}

	stage := newTestStage(t, engine, 0)
	test.That(t, stage.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10)), test.ShouldBeNil)
	test.That(t, stage.SubmitRequest(ctx), test.ShouldBeNil)

	// an expired wait abandons the join, not the batch
	expired, cancel := context.WithCancel(ctx)
	cancel()
	_, err := stage.FetchResults(expired)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)

	// the request is still in flight
	err = stage.SubmitRequest(ctx)
	test.That(t, errors.Is(err, inference.ErrInFlight), test.ShouldBeTrue)

	close(release)
	got, err := stage.FetchResults(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldBeTrue)
}

func TestObserve(t *testing.T) {
	ctx := context.Background()
	engine := fake.NewSSDEngine(1, 300, 300, 2)
	engine.Raw = append(record(0, 1, 0.9, 0, 0, 1, 1), terminator()...)
	stage := newTestStage(t, engine, 0)

	err := stage.Observe(ctx, nil)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, stage.Enqueue(testImage(10, 10), image.Rect(0, 0, 10, 10)), test.ShouldBeNil)
	test.That(t, stage.SubmitRequest(ctx), test.ShouldBeNil)
	_, err = stage.FetchResults(ctx)
	test.That(t, err, test.ShouldBeNil)

	sink := &captureSink{}
	err = stage.Observe(ctx, sink)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sink.last.Source, test.ShouldEqual, "test-stage")
	test.That(t, sink.last.Detections, test.ShouldHaveLength, 1)
}

type captureSink struct {
	last output.Observation
}

func (s *captureSink) Consume(ctx context.Context, obs output.Observation) error {
	s.last = obs
	return nil
}
