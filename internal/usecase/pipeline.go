package usecase

import (
	"context"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceguard/internal/geometry"
	"github.com/example/faceguard/internal/imageprocessor"
	"github.com/example/faceguard/internal/liveness"
)

// PipelineContext is the working state of one request. A fresh value is
// allocated for every request and Reset before the request returns.
type PipelineContext struct {
	Frame       *image.RGBA
	Face        *image.RGBA
	Context     *image.RGBA
	FaceRect    image.Rectangle
	ContextRect image.Rectangle
}

// Reset zeroes every pixel buffer and drops the references.
func (p *PipelineContext) Reset() {
	for _, img := range []*image.RGBA{p.Frame, p.Face, p.Context} {
		if img != nil {
			imageprocessor.Clear(img)
		}
	}
	*p = PipelineContext{}
}

// analysis is what a successful pipeline run hands to the store step.
type analysis struct {
	embedding []float32
	verdict   liveness.Verdict
}

// analyze runs DECODE, DETECT, LIVENESS_GATE and EMBED. Any returned error is
// a *Failure.
func (uc *IdentityUseCase) analyze(ctx context.Context, imageBytes []byte, pc *PipelineContext, opLogger *zap.Logger) (*analysis, error) {
	frame, err := uc.components.Decoder.Decode(imageBytes)
	if err != nil {
		return nil, newFailure(KindDecodeFailure, "image empty", err)
	}
	pc.Frame = frame

	if uc.components.Detector == nil {
		return nil, unavailable("face detector")
	}
	var faces []image.Rectangle
	err = uc.withStageTimeout(ctx, func(ctx context.Context) error {
		var err error
		faces, err = uc.components.Detector.DetectFaces(ctx, frame)
		return err
	})
	if err != nil {
		return nil, stageFailure("face detection", err, KindNoFaceDetected, "no face detected")
	}
	face, ok := geometry.Largest(faces)
	if !ok {
		return nil, newFailure(KindNoFaceDetected, "no face detected", nil)
	}
	face = geometry.Clamp(face, frame.Bounds())
	if face.Empty() {
		return nil, newFailure(KindInvalidGeometry, "face region empty", nil)
	}
	pc.FaceRect = face
	pc.ContextRect = geometry.Dilate(face, uc.opts.ContextMargin, frame.Bounds())
	pc.Face = imageprocessor.Crop(frame, pc.FaceRect)
	pc.Context = imageprocessor.Crop(frame, pc.ContextRect)
	opLogger.Debug("face selected",
		zap.Int("candidates", len(faces)),
		zap.Stringer("face", pc.FaceRect),
		zap.Stringer("context", pc.ContextRect))

	if uc.components.Liveness == nil {
		return nil, unavailable("liveness classifier")
	}
	var verdict liveness.Verdict
	err = uc.withStageTimeout(ctx, func(ctx context.Context) error {
		var err error
		verdict, err = uc.components.Liveness.IsSpoof(ctx, frame, pc.FaceRect)
		return err
	})
	if err != nil {
		return nil, stageFailure("liveness check", err, KindComponentUnavailable, "liveness check failed")
	}
	opLogger.Info("liveness verdict",
		zap.String("backend", verdict.Backend),
		zap.Float64("score", verdict.Score),
		zap.Float64("threshold", verdict.Threshold),
		zap.Bool("spoof", verdict.Spoof),
		zap.Bool("empty_region", verdict.EmptyRegion))
	if verdict.Spoof {
		return nil, spoofFailure(verdict.Score)
	}

	if uc.components.Embedder == nil {
		return nil, unavailable("embedder")
	}
	var embedding []float32
	err = uc.withStageTimeout(ctx, func(ctx context.Context) error {
		var err error
		embedding, err = uc.components.Embedder.Embed(ctx, pc.Face)
		return err
	})
	if err != nil {
		return nil, stageFailure("embedding", err, KindEmbeddingFailure, "embedding empty")
	}
	if len(embedding) == 0 {
		return nil, newFailure(KindEmbeddingFailure, "embedding empty", imageprocessor.ErrEmptyResult)
	}

	return &analysis{embedding: embedding, verdict: verdict}, nil
}

func (uc *IdentityUseCase) withStageTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if uc.opts.StageTimeout <= 0 {
		return fn(ctx)
	}
	stageCtx, cancel := context.WithTimeout(ctx, uc.opts.StageTimeout)
	defer cancel()
	return fn(stageCtx)
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
