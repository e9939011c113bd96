// Package fake implements a scriptable inference engine for tests and
// demos: it answers with canned raw output instead of running a model.
package fake

import (
	"context"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/openperception/vispipe/ml"
	"github.com/openperception/vispipe/mlmodel"
)

// DetectionOutputName is the conventional name of an SSD detection output tensor.
const DetectionOutputName = "detection_out"

// Engine is a fake mlmodel.Engine. Set Raw to script the flat detection
// output of the next Infer calls, or override InferFunc entirely.
type Engine struct {
	MD        mlmodel.Metadata
	Raw       []float32
	InferFunc func(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error)

	InferCount int
	LastInput  ml.Tensors
}

// NewSSDEngine returns a fake engine whose metadata describes an SSD-style
// detector: NCHW float32 input of the given geometry and a 7-float record
// output. The default scripted output holds no detections.
func NewSSDEngine(batchCapacity, inputWidth, inputHeight, maxProposals int) *Engine {
	return &Engine{
		MD: mlmodel.Metadata{
			ModelName: "fake-ssd",
			ModelType: "ssd_detector",
			Inputs: []mlmodel.TensorInfo{{
				Name:     "image",
				DataType: "float32",
				Shape:    []int{batchCapacity, 3, inputHeight, inputWidth},
			}},
			Outputs: []mlmodel.TensorInfo{{
				Name:     DetectionOutputName,
				DataType: "float32",
				Shape:    []int{1, 1, maxProposals, 7},
			}},
		},
	}
}

// Infer returns the scripted raw output.
func (e *Engine) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	e.InferCount++
	e.LastInput = tensors
	if e.InferFunc != nil {
		return e.InferFunc(ctx, tensors)
	}
	raw := e.Raw
	if raw == nil {
		// an all-terminator batch: valid output, zero detections
		n, err := e.batchOf(tensors)
		if err != nil {
			return nil, err
		}
		mp := e.MD.Outputs[0].Shape[len(e.MD.Outputs[0].Shape)-2]
		raw = make([]float32, n*mp*7)
		for i := 0; i < len(raw); i += 7 {
			raw[i] = -1
		}
	}
	out := tensor.New(tensor.WithShape(len(raw)), tensor.WithBacking(raw))
	return ml.Tensors{DetectionOutputName: out}, nil
}

// Metadata returns the configured metadata.
func (e *Engine) Metadata(ctx context.Context) (mlmodel.Metadata, error) {
	return e.MD, nil
}

func (e *Engine) batchOf(tensors ml.Tensors) (int, error) {
	in, ok := tensors[e.MD.Inputs[0].Name]
	if !ok || in == nil {
		return 0, errors.Errorf("no input tensor named %q", e.MD.Inputs[0].Name)
	}
	shape := in.Shape()
	if len(shape) < 1 {
		return 0, errors.New("input tensor has no batch dimension")
	}
	return shape[0], nil
}
