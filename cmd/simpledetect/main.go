// simpledetect runs one detection cycle over a single image file and writes
// the annotated result next to it. With -model it uses an ONNX model on the
// CPU; without one it falls back to a fake engine with a scripted detection,
// which is enough to exercise the full enqueue/submit/fetch path.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"

	"github.com/openperception/vispipe/inference"
	"github.com/openperception/vispipe/mlmodel"
	"github.com/openperception/vispipe/mlmodel/fake"
	"github.com/openperception/vispipe/mlmodel/onnxcpu"
	"github.com/openperception/vispipe/objectdetection"
	"github.com/openperception/vispipe/output"
)

func main() {
	imgPtr := flag.String("img", "", "path to image to run detection on")
	modelPtr := flag.String("model", "", "path to an ONNX detection model; empty runs a fake engine")
	labelPtr := flag.String("labels", "", "path to a label file, one label per line")
	threshPtr := flag.Float64("thresh", 0.5, "confidence below which detections are dropped")
	outPtr := flag.String("out", "./simpledetect.png", "where to write the annotated image")
	flag.Parse()
	logger := golog.NewLogger("simpledetect")
	if err := detect(*imgPtr, *modelPtr, *labelPtr, *outPtr, *threshPtr, logger); err != nil {
		logger.Fatal(err)
	}
	os.Exit(0)
}

func detect(imgPath, modelPath, labelPath, outPath string, thresh float64, logger golog.Logger) error {
	ctx := context.Background()
	img, err := imaging.Open(imgPath)
	if err != nil {
		return err
	}
	frame := img.Bounds()

	var engine mlmodel.Engine
	if modelPath != "" {
		model, err := onnxcpu.New(ctx, onnxcpu.Config{ModelPath: modelPath, LabelPath: labelPath}, logger)
		if err != nil {
			return err
		}
		defer func() {
			_ = model.Close()
		}()
		engine = model
	} else {
		fakeEngine := fake.NewSSDEngine(1, 300, 300, 10)
		// one scripted detection in the middle of the frame
		fakeEngine.Raw = scriptedOutput(10)
		engine = fakeEngine
		logger.Info("no model given, using a fake engine with a scripted detection")
	}

	stage := inference.NewObjectDetection(
		inference.WithName("simpledetect"),
		inference.WithThreshold(thresh),
		inference.WithLogger(logger),
	)
	if err := stage.LoadNetwork(ctx, engine); err != nil {
		return err
	}
	if err := stage.Enqueue(img, frame); err != nil {
		return err
	}
	if err := stage.SubmitRequest(ctx); err != nil {
		return err
	}
	if _, err := stage.FetchResults(ctx); err != nil {
		return err
	}

	if err := stage.Observe(ctx, output.NewLogSink(logger)); err != nil {
		return err
	}
	for i := 0; i < stage.ResultsLength(); i++ {
		d, err := stage.Result(i)
		if err != nil {
			return err
		}
		box := d.BoundingBox()
		logger.Infof("detection %d: %s (%.2f) upperLeft(%d, %d), lowerRight(%d, %d)",
			i, d.Label(), d.Score(), box.Min.X, box.Min.Y, box.Max.X, box.Max.Y)
	}

	ovImg := objectdetection.Overlay(img, stage.Results())
	return imaging.Save(imaging.Clone(ovImg), outPath)
}

// scriptedOutput fills one batch slot of maxProposals 7-float records with a
// single centered box and a terminator.
func scriptedOutput(maxProposals int) []float32 {
	raw := make([]float32, maxProposals*7)
	copy(raw, []float32{0, 1, 0.9, 0.25, 0.25, 0.75, 0.75})
	for i := 7; i < len(raw); i += 7 {
		raw[i] = -1
	}
	return raw
}
