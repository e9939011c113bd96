// Package output defines where correlated detection results go once a
// fetch cycle completes: a sink may draw them, publish them, or log them.
// Sinks receive read-only views and must not retain them past the next
// fetch cycle.
package output

import (
	"context"
	"image"

	"github.com/openperception/vispipe/objectdetection"
)

// Observation is one complete, most-recently-fetched result set, plus the
// frame it refers to when the producer has it. Image may be nil; sinks that
// need pixels skip imageless observations.
type Observation struct {
	Source     string
	Image      image.Image
	Detections []objectdetection.Detection
}

// Sink consumes observations. Implementations decide what consuming means.
type Sink interface {
	Consume(ctx context.Context, obs Observation) error
}
