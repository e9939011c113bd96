package inference

import (
	"image"
	"math"

	"github.com/pkg/errors"
)

// candidate is one raw detection record, decoded but not yet correlated to
// a region: a class id, a confidence, and a box normalized to [0,1] in the
// model's input tensor space.
type candidate struct {
	classID    int
	confidence float64
	xMin       float64
	yMin       float64
	xMax       float64
	yMax       float64
}

// decodeCandidates walks the raw flat output buffer and returns the
// candidates belonging to one batch slot. The buffer is batch-major: slot n
// owns records [n*maxProposals, (n+1)*maxProposals), each objectSize floats
// wide. A 7-float record leads with an image id; a negative image id marks
// the end of the valid records for that slot.
func decodeCandidates(raw []float64, slot, maxProposals, objectSize int) ([]candidate, error) {
	if objectSize != 6 && objectSize != 7 {
		return nil, errors.Errorf("unsupported record stride %d", objectSize)
	}
	if len(raw)%(maxProposals*objectSize) != 0 {
		return nil, errors.Errorf("raw output length %d is not a multiple of %d records of stride %d",
			len(raw), maxProposals, objectSize)
	}
	start := slot * maxProposals * objectSize
	end := start + maxProposals*objectSize
	if start < 0 || end > len(raw) {
		return nil, errors.Errorf("batch slot %d is outside the raw output of %d records",
			slot, len(raw)/objectSize)
	}
	out := make([]candidate, 0, maxProposals)
	for off := start; off < end; off += objectSize {
		rec := raw[off : off+objectSize]
		if objectSize == 7 {
			if rec[0] < 0 {
				break
			}
			rec = rec[1:]
		}
		out = append(out, candidate{
			classID:    int(rec[0]),
			confidence: rec[1],
			xMin:       rec[2],
			yMin:       rec[3],
			xMax:       rec[4],
			yMax:       rec[5],
		})
	}
	return out, nil
}

// toFrameRect rescales a normalized candidate box into the pixel space of
// its originating region and translates it by the region's offset in the
// source frame.
func (c candidate) toFrameRect(frame image.Rectangle) image.Rectangle {
	w, h := float64(frame.Dx()), float64(frame.Dy())
	r := image.Rect(
		int(math.Round(clamp(c.xMin, 0, 1)*w)),
		int(math.Round(clamp(c.yMin, 0, 1)*h)),
		int(math.Round(clamp(c.xMax, 0, 1)*w)),
		int(math.Round(clamp(c.yMax, 0, 1)*h)),
	)
	return r.Add(frame.Min)
}

func clamp(x, min, max float64) float64 {
	if x < min {
		return min
	}
	if x > max {
		return max
	}
	return x
}
