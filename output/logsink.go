package output

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/montanaflynn/stats"
)

// LogSink writes a one-line summary of every observation to the logger.
type LogSink struct {
	logger golog.Logger
}

// NewLogSink returns a sink that logs observation summaries.
func NewLogSink(logger golog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Consume logs the detection count and a confidence summary.
func (s *LogSink) Consume(ctx context.Context, obs Observation) error {
	if len(obs.Detections) == 0 {
		s.logger.Debugw("no detections", "source", obs.Source)
		return nil
	}
	scores := make([]float64, 0, len(obs.Detections))
	for _, d := range obs.Detections {
		scores = append(scores, d.Score())
	}
	mean, err := stats.Mean(scores)
	if err != nil {
		return err
	}
	max, err := stats.Max(scores)
	if err != nil {
		return err
	}
	s.logger.Infow("detections",
		"source", obs.Source,
		"count", len(obs.Detections),
		"mean_confidence", mean,
		"max_confidence", max,
	)
	for i, d := range obs.Detections {
		box := d.BoundingBox()
		s.logger.Debugf("detection %d: %s (%.2f) upperLeft(%d, %d), lowerRight(%d, %d)",
			i, d.Label(), d.Score(), box.Min.X, box.Min.Y, box.Max.X, box.Max.Y)
	}
	return nil
}
