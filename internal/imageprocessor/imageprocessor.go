// Package imageprocessor defines the inference capabilities the identity
// pipeline depends on and ships the local image decoder.
package imageprocessor

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrEmptyResult is returned when a capability answers without usable data.
	ErrEmptyResult = errors.New("empty result")
	// ErrUnavailable is returned when the backing model cannot be reached.
	ErrUnavailable = errors.New("capability unavailable")
)

// Decoder turns a transport-encoded image into a pixel grid.
type Decoder interface {
	Decode(data []byte) (*image.RGBA, error)
}

// FaceDetector finds face bounding boxes in frame coordinates.
type FaceDetector interface {
	DetectFaces(ctx context.Context, frame image.Image) ([]image.Rectangle, error)
}

// Embedder produces an L2-normalised identity descriptor for a face crop.
type Embedder interface {
	Embed(ctx context.Context, face image.Image) ([]float32, error)
}

// DepthEstimator produces a relative depth map for a full frame at the
// model's own input resolution.
type DepthEstimator interface {
	EstimateDepth(ctx context.Context, frame image.Image) (*DepthMap, error)
}

// SpoofScorer returns a presentation-attack probability for a face region.
// Higher means more likely to be a spoof.
type SpoofScorer interface {
	SpoofScore(ctx context.Context, region image.Image) (float64, error)
}
