// Package onnxcpu runs ONNX detection models on the host's CPU through the
// onnxruntime shared library, as an implementation of the engine boundary.
package onnxcpu

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/openperception/vispipe/ml"
	"github.com/openperception/vispipe/mlmodel"
)

// Config contains the parameters specific to an onnxruntime CPU engine.
type Config struct {
	ModelPath   string `json:"model_path"`
	LabelPath   string `json:"label_path"`
	LibraryPath string `json:"library_path"`
	// ONNX models often declare the batch and proposal dimensions as
	// dynamic; these pin them for descriptor building.
	BatchCapacity int `json:"batch_capacity"`
	MaxProposals  int `json:"max_proposals"`
}

// Model wraps one onnxruntime session behind the engine interface.
type Model struct {
	conf    Config
	session *ort.DynamicAdvancedSession
	md      mlmodel.Metadata
	logger  golog.Logger
}

// New loads the model at conf.ModelPath and prepares a reusable session.
func New(ctx context.Context, conf Config, logger golog.Logger) (*Model, error) {
	if conf.ModelPath == "" {
		return nil, errors.New("model_path cannot be empty")
	}
	if conf.LibraryPath != "" {
		ort.SetSharedLibraryPath(conf.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "could not initialize onnxruntime")
		}
	}
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(conf.ModelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "could not inspect model at %s", conf.ModelPath)
	}
	if len(inputInfo) < 1 || len(outputInfo) < 1 {
		return nil, errors.Errorf("model at %s declares no usable inputs or outputs", conf.ModelPath)
	}
	inNames := make([]string, 0, len(inputInfo))
	for _, info := range inputInfo {
		inNames = append(inNames, info.Name)
	}
	outNames := make([]string, 0, len(outputInfo))
	for _, info := range outputInfo {
		outNames = append(outNames, info.Name)
	}
	session, err := ort.NewDynamicAdvancedSession(conf.ModelPath, inNames, outNames, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not create onnxruntime session")
	}
	m := &Model{
		conf:    conf,
		session: session,
		logger:  logger,
	}
	m.md = m.buildMetadata(inputInfo, outputInfo)
	return m, nil
}

// Infer feeds the batched input tensor through the session and returns the
// detection output under its declared name.
func (m *Model) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	inName := m.md.Inputs[0].Name
	in, ok := tensors[inName]
	if !ok || in == nil {
		return nil, errors.Errorf("no tensor named %q among input tensors %v", inName, ml.TensorNames(tensors))
	}
	data, ok := in.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("input tensor %q must be float32, got %T", inName, in.Data())
	}
	inShape := in.Shape()
	dims := make([]int64, 0, len(inShape))
	for _, d := range inShape {
		dims = append(dims, int64(d))
	}
	input, err := ort.NewTensor(ort.NewShape(dims...), data)
	if err != nil {
		return nil, errors.Wrap(err, "could not build onnxruntime input")
	}
	defer input.Destroy()

	batch := inShape[0]
	outShape := m.outputShape(batch)
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(outShape...))
	if err != nil {
		return nil, errors.Wrap(err, "could not allocate onnxruntime output")
	}
	defer output.Destroy()

	if err := m.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, errors.Wrapf(err, "could not run model %s", m.conf.ModelPath)
	}

	// the ort tensor is destroyed on return, copy out its backing data
	raw := output.GetData()
	backing := make([]float32, len(raw))
	copy(backing, raw)
	out := tensor.New(tensor.WithShape(len(backing)), tensor.WithBacking(backing))
	return ml.Tensors{m.md.Outputs[0].Name: out}, nil
}

// Metadata returns the model description synthesized from the session's
// input/output info and the engine config.
func (m *Model) Metadata(ctx context.Context) (mlmodel.Metadata, error) {
	return m.md, nil
}

// Close releases the onnxruntime session.
func (m *Model) Close() error {
	if m.session == nil {
		return nil
	}
	err := m.session.Destroy()
	m.session = nil
	return err
}

func (m *Model) buildMetadata(inputInfo, outputInfo []ort.InputOutputInfo) mlmodel.Metadata {
	md := mlmodel.Metadata{
		ModelName: m.conf.ModelPath,
		ModelType: "ssd_detector",
	}
	for _, info := range inputInfo {
		md.Inputs = append(md.Inputs, mlmodel.TensorInfo{
			Name:     info.Name,
			DataType: "float32",
			Shape:    m.pinDims(info.Dimensions, m.batchCapacity()),
		})
	}
	for i, info := range outputInfo {
		ti := mlmodel.TensorInfo{
			Name:     info.Name,
			DataType: "float32",
			Shape:    m.pinDims(info.Dimensions, m.maxProposals()),
		}
		if i == 0 && m.conf.LabelPath != "" {
			ti.Extra = map[string]interface{}{"labels": m.conf.LabelPath}
		}
		md.Outputs = append(md.Outputs, ti)
	}
	return md
}

// pinDims converts an ort shape to ints, substituting the given value for
// any dynamic (non-positive) dimension.
func (m *Model) pinDims(shape ort.Shape, dynamic int) []int {
	out := make([]int, 0, len(shape))
	for _, d := range shape {
		if d <= 0 {
			out = append(out, dynamic)
			continue
		}
		out = append(out, int(d))
	}
	return out
}

func (m *Model) outputShape(batch int) []int64 {
	outSize := int64(7)
	declared := m.md.Outputs[0].Shape
	if len(declared) > 0 {
		outSize = int64(declared[len(declared)-1])
	}
	return []int64{1, 1, int64(batch) * int64(m.maxProposals()), outSize}
}

func (m *Model) batchCapacity() int {
	if m.conf.BatchCapacity > 0 {
		return m.conf.BatchCapacity
	}
	return 1
}

func (m *Model) maxProposals() int {
	if m.conf.MaxProposals > 0 {
		return m.conf.MaxProposals
	}
	return 100
}
