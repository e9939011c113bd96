// Package mlmodel describes the boundary to a batched inference engine: a
// capability that takes a map of input tensors, runs them through a model,
// and returns a map of output tensors, plus the metadata needed to
// interpret both sides.
package mlmodel

import (
	"context"

	"github.com/openperception/vispipe/ml"
)

// Engine is an opaque batched inference engine. Infer may block for the
// duration of the accelerator call; callers that need an asynchronous seam
// wrap it themselves.
type Engine interface {
	Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error)
	Metadata(ctx context.Context) (Metadata, error)
}

// Metadata contains the description of the model the engine is serving.
type Metadata struct {
	ModelName        string
	ModelType        string // e.g. ssd_detector
	ModelDescription string
	Inputs           []TensorInfo
	Outputs          []TensorInfo
}

// TensorInfo contains the information necessary to interpret one named
// input or output tensor.
type TensorInfo struct {
	Name        string // e.g. detection_out
	Description string
	DataType    string // e.g. uint8, float32
	Shape       []int
	Extra       map[string]interface{}
}
