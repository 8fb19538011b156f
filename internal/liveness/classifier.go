package liveness

import (
	"context"
	"image"

	"go.uber.org/zap"

	"github.com/example/faceguard/internal/geometry"
	"github.com/example/faceguard/internal/imageprocessor"
)

// Defaults for the score backend.
const (
	DefaultScoreThreshold = 0.5
	DefaultContextMargin  = 0.25
)

// ScoreClassifier asks a presentation-attack model for a spoof probability on
// the context region around the face. Scores above the threshold are spoofs.
type ScoreClassifier struct {
	scorer    imageprocessor.SpoofScorer
	threshold float64
	margin    float64
	logger    *zap.Logger
}

// NewScoreClassifier builds the classifier-backed liveness check.
func NewScoreClassifier(scorer imageprocessor.SpoofScorer, threshold, margin float64, logger *zap.Logger) *ScoreClassifier {
	return &ScoreClassifier{
		scorer:    scorer,
		threshold: threshold,
		margin:    margin,
		logger:    logger.Named("score_liveness"),
	}
}

// IsSpoof implements Classifier.
func (c *ScoreClassifier) IsSpoof(ctx context.Context, frame image.Image, face image.Rectangle) (Verdict, error) {
	region := geometry.Dilate(face, c.margin, frame.Bounds())
	verdict := Verdict{
		Backend:   BackendClassifier,
		Threshold: c.threshold,
		Region:    region,
	}
	if region.Empty() {
		verdict.Spoof = true
		verdict.EmptyRegion = true
		return verdict, nil
	}

	score, err := c.scorer.SpoofScore(ctx, imageprocessor.Crop(frame, region))
	if err != nil {
		return Verdict{}, err
	}
	verdict.Score = score
	verdict.Spoof = score > c.threshold

	c.logger.Debug("classifier liveness evaluated",
		zap.Float64("score", score),
		zap.Float64("threshold", c.threshold),
		zap.Bool("spoof", verdict.Spoof))
	return verdict, nil
}
