package liveness

import (
	"context"
	"image"

	"go.uber.org/zap"

	"github.com/example/faceguard/internal/geometry"
	"github.com/example/faceguard/internal/imageprocessor"
)

// DefaultFlatThreshold suits depth models emitting values of roughly unit scale.
const DefaultFlatThreshold = 0.02

// DepthClassifier flags a face as a spoof when the depth inside its rectangle
// is flatter than the configured threshold. A live face varies in depth across
// nose, cheeks and chin; a photo or a screen does not.
type DepthClassifier struct {
	estimator     imageprocessor.DepthEstimator
	flatThreshold float64
	sink          Sink
	logger        *zap.Logger
}

// NewDepthClassifier wires a depth estimator to the flatness test. sink may be nil.
func NewDepthClassifier(estimator imageprocessor.DepthEstimator, flatThreshold float64, sink Sink, logger *zap.Logger) *DepthClassifier {
	return &DepthClassifier{
		estimator:     estimator,
		flatThreshold: flatThreshold,
		sink:          sink,
		logger:        logger.Named("depth_liveness"),
	}
}

// IsSpoof implements Classifier.
func (c *DepthClassifier) IsSpoof(ctx context.Context, frame image.Image, face image.Rectangle) (Verdict, error) {
	depth, err := c.estimator.EstimateDepth(ctx, frame)
	if err != nil {
		return Verdict{}, err
	}

	region := geometry.Scale(face.Sub(frame.Bounds().Min), frame.Bounds().Size(), depth.Size())
	verdict := Verdict{
		Backend:   BackendDepth,
		Threshold: c.flatThreshold,
		Region:    region,
	}
	if region.Empty() {
		verdict.Spoof = true
		verdict.EmptyRegion = true
		c.logger.Warn("face maps to an empty depth region",
			zap.Stringer("face", face),
			zap.Stringer("depth_size", depth.Size()))
		return verdict, nil
	}

	verdict.Score = PatchStdDev(depth, region)
	verdict.Spoof = verdict.Score < c.flatThreshold

	c.logger.Debug("depth liveness evaluated",
		zap.Float64("stddev", verdict.Score),
		zap.Float64("threshold", c.flatThreshold),
		zap.Bool("spoof", verdict.Spoof))

	if c.sink != nil {
		c.sink.Publish(frame, depth, face, verdict)
	}
	return verdict, nil
}
