// Package liveness decides whether the face in a frame belongs to a live,
// three-dimensional subject or to a flat reproduction such as a print or a
// screen.
package liveness

import (
	"context"
	"fmt"
	"image"
	"strings"
)

// Backend names accepted by ParseBackend.
const (
	BackendDepth      = "depth"
	BackendClassifier = "classifier"
)

// Verdict is the outcome of one liveness check.
type Verdict struct {
	Spoof bool
	// Score is the raw statistic the decision was taken on: depth standard
	// deviation for the depth backend, spoof probability for the classifier.
	Score     float64
	Threshold float64
	// Region is the area that was examined, in the backend's own coordinates.
	Region image.Rectangle
	// EmptyRegion is set when the face mapped to no pixels. Such faces are
	// treated as flat and therefore classified as spoofs.
	EmptyRegion bool
	Backend     string
}

// Label renders the verdict the way it appears in logs and debug images.
func (v Verdict) Label() string {
	state := "REAL"
	if v.Spoof {
		state = "SPOOF"
	}
	if v.Backend == BackendDepth {
		return fmt.Sprintf("%s std=%.6f", state, v.Score)
	}
	return fmt.Sprintf("%s score=%.6f", state, v.Score)
}

// Classifier is the capability shared by every liveness backend.
type Classifier interface {
	IsSpoof(ctx context.Context, frame image.Image, face image.Rectangle) (Verdict, error)
}

// ParseBackend normalises a configured backend name.
func ParseBackend(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", BackendDepth:
		return BackendDepth, nil
	case BackendClassifier:
		return BackendClassifier, nil
	default:
		return "", fmt.Errorf("unknown liveness backend %q", name)
	}
}
