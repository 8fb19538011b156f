package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceguard/internal/imageprocessor"
	"github.com/example/faceguard/internal/liveness"
	"github.com/example/faceguard/internal/logging"
	"github.com/example/faceguard/internal/repository"
	"github.com/example/faceguard/internal/retry"
	"github.com/example/faceguard/internal/store"
)

// DefaultMatchThreshold favours recall over precision.
const DefaultMatchThreshold = 0.2

// MaxNameLength keeps generated record ids within the store's field limit.
const MaxNameLength = store.MaxFieldLen - len("_00000000")

// IdentityStore is the subset of the embedding store the use case relies on.
type IdentityStore interface {
	Insert(name string, embedding []float32) store.Record
	FindBestMatch(query []float32, threshold float64) (store.Match, bool)
	Records() []store.Record
	Len() int
	Clear()
	Save() error
}

// AttemptRepository defines the persistence operations needed by the use case.
type AttemptRepository interface {
	SaveAttempt(ctx context.Context, attempt *repository.IdentityAttempt) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.IdentityAttempt, error)
	Summarize(ctx context.Context) ([]repository.OutcomeCount, error)
}

// Components are the capabilities the pipeline runs on. A nil capability is
// reported as unavailable when a request reaches it.
type Components struct {
	Decoder  imageprocessor.Decoder
	Detector imageprocessor.FaceDetector
	Embedder imageprocessor.Embedder
	Liveness liveness.Classifier
}

// Options tune the pipeline.
type Options struct {
	MatchThreshold float64
	ContextMargin  float64
	// StageTimeout bounds each external capability call. Zero disables it.
	StageTimeout time.Duration
	// AutoFlush saves the store after every enrollment.
	AutoFlush bool
	ResultTTL time.Duration
}

// RegisterResult is returned for a successful enrollment.
type RegisterResult struct {
	RequestID string
	Name      string
	RecordID  string
}

// VerifyResult is returned for a verification. An unmatched query has an
// empty Name and zero Confidence.
type VerifyResult struct {
	RequestID  string
	Name       string
	Confidence float64
	Matched    bool
}

// IdentitySummary lists an enrolled record without its embedding.
type IdentitySummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IdentityUseCase sequences decode, detection, liveness and embedding in
// front of the embedding store.
type IdentityUseCase struct {
	store       IdentityStore
	components  Components
	repo        AttemptRepository
	cache       Cache
	opts        Options
	logger      *zap.Logger
	retryPolicy retry.Policy
}

// NewIdentityUseCase constructs a new use case instance. repo and cache are optional.
func NewIdentityUseCase(identities IdentityStore, components Components, repo AttemptRepository, cache Cache, opts Options, logger *zap.Logger) *IdentityUseCase {
	if components.Decoder == nil {
		components.Decoder = imageprocessor.NewImageDecoder(imageprocessor.DefaultMaxBytes, imageprocessor.DefaultMaxPixels)
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 5 * time.Minute
	}
	return &IdentityUseCase{
		store:       identities,
		components:  components,
		repo:        repo,
		cache:       cache,
		opts:        opts,
		logger:      logger.Named("identity_usecase"),
		retryPolicy: retry.DefaultPolicy("redis", isCacheMiss),
	}
}

// Register enrolls name with the face found in imageBytes.
func (uc *IdentityUseCase) Register(ctx context.Context, name string, imageBytes []byte) (*RegisterResult, error) {
	requestID := uuid.NewString()
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.register", requestID)

	pc := &PipelineContext{}
	defer pc.Reset()

	result, err := uc.analyze(ctx, imageBytes, pc, opLogger)
	if err != nil {
		return nil, uc.reject(ctx, requestID, OperationRegister, name, imageBytes, start, err, opLogger)
	}

	record := uc.store.Insert(name, result.embedding)
	if uc.opts.AutoFlush {
		if err := uc.store.Save(); err != nil {
			opLogger.Warn("enrollment kept in memory, flush failed", zap.Error(err))
		}
	}
	opLogger.Info("identity registered", zap.String("name", name), zap.String("record_id", record.ID))

	uc.record(ctx, &Outcome{
		RequestID:     requestID,
		Operation:     OperationRegister,
		Status:        StatusRegistered,
		Name:          name,
		RecordID:      record.ID,
		LivenessScore: result.verdict.Score,
	}, imageBytes, start)

	return &RegisterResult{RequestID: requestID, Name: name, RecordID: record.ID}, nil
}

// Verify looks up the enrolled identity closest to the face in imageBytes.
func (uc *IdentityUseCase) Verify(ctx context.Context, imageBytes []byte) (*VerifyResult, error) {
	requestID := uuid.NewString()
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)

	pc := &PipelineContext{}
	defer pc.Reset()

	result, err := uc.analyze(ctx, imageBytes, pc, opLogger)
	if err != nil {
		return nil, uc.reject(ctx, requestID, OperationVerify, "", imageBytes, start, err, opLogger)
	}

	verified := &VerifyResult{RequestID: requestID}
	if match, ok := uc.store.FindBestMatch(result.embedding, uc.opts.MatchThreshold); ok {
		verified.Name = match.Name
		verified.Confidence = match.Score
		verified.Matched = true
	}
	opLogger.Info("identity verified",
		zap.Bool("matched", verified.Matched),
		zap.String("name", verified.Name),
		zap.Float64("confidence", verified.Confidence))

	uc.record(ctx, &Outcome{
		RequestID:     requestID,
		Operation:     OperationVerify,
		Status:        StatusVerified,
		Name:          verified.Name,
		Confidence:    verified.Confidence,
		LivenessScore: result.verdict.Score,
	}, imageBytes, start)

	return verified, nil
}

func (uc *IdentityUseCase) reject(ctx context.Context, requestID, operation, name string, imageBytes []byte, start time.Time, err error, opLogger *zap.Logger) error {
	failure, ok := AsFailure(err)
	if !ok {
		failure = newFailure(KindComponentUnavailable, err.Error(), err)
	}
	failure.RequestID = requestID
	opLogger.Warn("request rejected",
		zap.String("kind", string(failure.Kind)),
		zap.String("reason", failure.Message),
		zap.Error(failure.Err))

	uc.record(ctx, &Outcome{
		RequestID:     requestID,
		Operation:     operation,
		Status:        StatusRejected,
		Name:          name,
		Kind:          string(failure.Kind),
		Error:         failure.Message,
		LivenessScore: failure.Score,
	}, imageBytes, start)
	return failure
}

// Identities lists the enrolled records in insertion order.
func (uc *IdentityUseCase) Identities() []IdentitySummary {
	records := uc.store.Records()
	out := make([]IdentitySummary, len(records))
	for i, r := range records {
		out[i] = IdentitySummary{ID: r.ID, Name: r.Name}
	}
	return out
}

// ClearIdentities drops every enrolled record and persists the empty store.
// It returns how many records were removed.
func (uc *IdentityUseCase) ClearIdentities(ctx context.Context) (int, error) {
	removed := uc.store.Len()
	uc.store.Clear()
	uc.logger.Warn("identity store cleared", zap.Int("removed", removed))
	if err := uc.SaveStore(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// SaveStore flushes the embedding store to disk.
func (uc *IdentityUseCase) SaveStore(ctx context.Context) error {
	if err := uc.store.Save(); err != nil {
		return newFailure(KindStoreIOFailure, "store save failed", err)
	}
	return nil
}

// Capabilities reports which external components are wired.
func (uc *IdentityUseCase) Capabilities() map[string]bool {
	return map[string]bool{
		"decoder":  uc.components.Decoder != nil,
		"detector": uc.components.Detector != nil,
		"liveness": uc.components.Liveness != nil,
		"embedder": uc.components.Embedder != nil,
	}
}
