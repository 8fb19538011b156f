package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/faceguard/internal/imageprocessor"
)

// FailureKind classifies why a request was rejected.
type FailureKind string

const (
	KindDecodeFailure        FailureKind = "DecodeFailure"
	KindNoFaceDetected       FailureKind = "NoFaceDetected"
	KindInvalidGeometry      FailureKind = "InvalidGeometry"
	KindSpoofDetected        FailureKind = "SpoofDetected"
	KindEmbeddingFailure     FailureKind = "EmbeddingFailure"
	KindStoreIOFailure       FailureKind = "StoreIOFailure"
	KindComponentUnavailable FailureKind = "ComponentUnavailable"
	KindTimeout              FailureKind = "Timeout"
	KindCanceled             FailureKind = "Canceled"
)

// ErrResultNotFound is returned by GetResult when nothing is known about a request.
var ErrResultNotFound = errors.New("result not found")

// Failure is a terminal, expected outcome of the identity pipeline. Callers
// should report it to the client rather than treat it as a server fault.
type Failure struct {
	Kind      FailureKind
	Message   string
	RequestID string
	// Score carries the liveness statistic for SpoofDetected.
	Score float64
	Err   error
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func newFailure(kind FailureKind, message string, err error) *Failure {
	return &Failure{Kind: kind, Message: message, Err: err}
}

func spoofFailure(score float64) *Failure {
	return &Failure{
		Kind:    KindSpoofDetected,
		Message: fmt.Sprintf("spoof detected (score=%.6f)", score),
		Score:   score,
	}
}

func unavailable(component string) *Failure {
	return newFailure(KindComponentUnavailable, component+" unavailable", imageprocessor.ErrUnavailable)
}

// stageFailure maps an error raised by an external capability. Timeouts,
// cancelled requests and unreachable models get their own kinds; anything else
// falls back to kind.
func stageFailure(stage string, err error, kind FailureKind, message string) *Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newFailure(KindTimeout, stage+" timed out", err)
	case errors.Is(err, context.Canceled):
		return newFailure(KindCanceled, stage+" canceled", err)
	case errors.Is(err, imageprocessor.ErrUnavailable):
		return newFailure(KindComponentUnavailable, stage+" unavailable", err)
	default:
		return newFailure(kind, message, err)
	}
}
