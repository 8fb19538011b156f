package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/faceguard/internal/logging"
	"github.com/example/faceguard/internal/repository"
)

// Operations and statuses recorded for every request.
const (
	OperationRegister = "register"
	OperationVerify   = "verify"

	StatusRegistered = "registered"
	StatusVerified   = "verified"
	StatusRejected   = "rejected"
)

// Outcome is the stored summary of one register or verify request.
type Outcome struct {
	RequestID     string    `json:"request_id"`
	Operation     string    `json:"operation"`
	Status        string    `json:"status"`
	Name          string    `json:"name,omitempty"`
	RecordID      string    `json:"record_id,omitempty"`
	Confidence    float64   `json:"confidence"`
	LivenessScore float64   `json:"liveness_score"`
	Kind          string    `json:"kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	ImageSHA256   string    `json:"image_sha256,omitempty"`
	ProcessingMs  int64     `json:"processing_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("identity:%s", requestID)
}

// record caches and persists an outcome. The request has already been
// decided, so failures here are only logged.
func (uc *IdentityUseCase) record(ctx context.Context, outcome *Outcome, imageBytes []byte, start time.Time) {
	hash := sha256.Sum256(imageBytes)
	outcome.ImageSHA256 = hex.EncodeToString(hash[:])
	outcome.ProcessingMs = elapsedMs(start)
	outcome.CreatedAt = time.Now().UTC()

	opLogger := logging.WithOperation(uc.logger, "usecase.record", outcome.RequestID)

	if uc.cache != nil {
		serialized, err := json.Marshal(outcome)
		if err != nil {
			opLogger.Error("failed to serialize outcome", zap.Error(err))
		} else if err := uc.withRedisRetry(ctx, outcome.RequestID, "cache.set.result", func() error {
			return uc.cache.Set(ctx, cacheKey(outcome.RequestID), string(serialized), uc.opts.ResultTTL)
		}); err != nil {
			opLogger.Warn("failed to cache outcome", zap.Error(err))
		}
	}

	if uc.repo != nil {
		if err := uc.repo.SaveAttempt(ctx, outcome.attempt()); err != nil {
			opLogger.Warn("failed to persist attempt", zap.Error(err))
		}
	}
}

// GetResult retrieves a cached outcome or loads it from the audit log.
func (uc *IdentityUseCase) GetResult(ctx context.Context, requestID string) (*Outcome, error) {
	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey(requestID))
		if err == nil {
			var outcome Outcome
			if err := json.Unmarshal([]byte(cached), &outcome); err == nil {
				return &outcome, nil
			}
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result")
		} else if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrResultNotFound
	}
	attempt, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return outcomeFromAttempt(attempt), nil
}

func (o *Outcome) attempt() *repository.IdentityAttempt {
	return &repository.IdentityAttempt{
		RequestID:     o.RequestID,
		Operation:     o.Operation,
		Status:        o.Status,
		FailureKind:   o.Kind,
		Message:       o.Error,
		Name:          o.Name,
		RecordID:      o.RecordID,
		Confidence:    o.Confidence,
		LivenessScore: o.LivenessScore,
		ImageSHA256:   o.ImageSHA256,
		ProcessingMs:  o.ProcessingMs,
		CreatedAt:     o.CreatedAt,
	}
}

func outcomeFromAttempt(a *repository.IdentityAttempt) *Outcome {
	return &Outcome{
		RequestID:     a.RequestID,
		Operation:     a.Operation,
		Status:        a.Status,
		Name:          a.Name,
		RecordID:      a.RecordID,
		Confidence:    a.Confidence,
		LivenessScore: a.LivenessScore,
		Kind:          a.FailureKind,
		Error:         a.Message,
		ImageSHA256:   a.ImageSHA256,
		ProcessingMs:  a.ProcessingMs,
		CreatedAt:     a.CreatedAt,
	}
}
