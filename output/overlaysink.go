package output

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"

	"github.com/openperception/vispipe/objectdetection"
)

// OverlaySink renders each observation's detections onto its frame and
// writes the annotated image to a directory, one file per observation.
type OverlaySink struct {
	dir    string
	logger golog.Logger
	seq    atomic.Uint64
}

// NewOverlaySink returns a sink that writes annotated frames into dir.
func NewOverlaySink(dir string, logger golog.Logger) *OverlaySink {
	return &OverlaySink{dir: dir, logger: logger}
}

// Consume draws the detections over the observation frame and saves it.
// Observations without a frame are skipped; this sink needs pixels.
func (s *OverlaySink) Consume(ctx context.Context, obs Observation) error {
	if obs.Image == nil {
		s.logger.Debugw("skipping observation without a frame", "source", obs.Source)
		return nil
	}
	ovImg := objectdetection.Overlay(obs.Image, obs.Detections)
	name := fmt.Sprintf("%s-%06d.png", obs.Source, s.seq.Add(1))
	path := filepath.Join(s.dir, name)
	if err := imaging.Save(imaging.Clone(ovImg), path); err != nil {
		return err
	}
	s.logger.Debugw("wrote annotated frame", "source", obs.Source, "path", path)
	return nil
}
