package mlmodel

import (
	"github.com/pkg/errors"

	"github.com/openperception/vispipe/ml"
)

// Valid record strides for SSD-style detection outputs. A 7-float record
// carries a leading image id, a 6-float record does not.
const (
	objectSizeWithImageID = 7
	objectSizeBare        = 6
)

// DetectorDescriptor is the interpreted description of a detection network:
// the input geometry used to feed batched regions, and the output layout
// used to walk the flat record buffer. It is built once per LoadNetwork and
// shared by reference; the descriptor never owns the engine.
type DetectorDescriptor struct {
	InputName     string
	OutputName    string
	InputWidth    int
	InputHeight   int
	ChannelsFirst bool
	BatchCapacity int
	MaxProposals  int
	ObjectSize    int
	Labels        []string
}

// DetectorFromMetadata interprets engine metadata as a detection network
// description, failing fast on anything structurally incompatible.
func DetectorFromMetadata(md Metadata) (*DetectorDescriptor, error) {
	if len(md.Inputs) < 1 {
		return nil, errors.New("metadata declares no input tensors")
	}
	if len(md.Outputs) < 1 {
		return nil, errors.New("metadata declares no output tensors")
	}
	in := md.Inputs[0]
	if len(in.Shape) != 4 {
		return nil, errors.Errorf("input tensor %q must have 4 dimensions, got %v", in.Name, in.Shape)
	}
	desc := &DetectorDescriptor{
		InputName:  in.Name,
		OutputName: md.Outputs[0].Name,
	}
	if in.Shape[1] == 3 {
		desc.ChannelsFirst = true
		desc.InputHeight, desc.InputWidth = in.Shape[2], in.Shape[3]
	} else if in.Shape[3] == 3 {
		desc.InputHeight, desc.InputWidth = in.Shape[1], in.Shape[2]
	} else {
		return nil, errors.Errorf("input tensor %q has no channel dimension of size 3: %v", in.Name, in.Shape)
	}
	if desc.InputWidth <= 0 || desc.InputHeight <= 0 {
		return nil, errors.Errorf("input tensor %q has degenerate spatial dimensions: %v", in.Name, in.Shape)
	}
	desc.BatchCapacity = in.Shape[0]
	if desc.BatchCapacity <= 0 {
		desc.BatchCapacity = 1
	}

	out := md.Outputs[0]
	if len(out.Shape) < 2 {
		return nil, errors.Errorf("output tensor %q must have at least 2 dimensions, got %v", out.Name, out.Shape)
	}
	desc.ObjectSize = out.Shape[len(out.Shape)-1]
	desc.MaxProposals = out.Shape[len(out.Shape)-2]
	if desc.ObjectSize != objectSizeWithImageID && desc.ObjectSize != objectSizeBare {
		return nil, errors.Errorf("output tensor %q has unsupported record stride %d", out.Name, desc.ObjectSize)
	}
	if desc.MaxProposals <= 0 {
		return nil, errors.Errorf("output tensor %q has no proposal dimension: %v", out.Name, out.Shape)
	}

	// a missing or unreadable label table is not fatal, numeric class ids
	// are used instead
	if labelPath, ok := out.Extra["labels"].(string); ok {
		labels, err := ml.ReadLabels(labelPath)
		if err == nil {
			desc.Labels = labels
		}
	}
	return desc, nil
}

// HasImageID reports whether output records carry a leading image id field.
func (d *DetectorDescriptor) HasImageID() bool {
	return d.ObjectSize == objectSizeWithImageID
}

// Label resolves a class id against the label table, or "" if there is none.
func (d *DetectorDescriptor) Label(classID int) string {
	if classID < 0 || classID >= len(d.Labels) {
		return ""
	}
	return d.Labels[classID]
}
