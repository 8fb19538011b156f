package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceguard/internal/retry"
)

// ErrNotFound is returned when no attempt matches the lookup.
var ErrNotFound = errors.New("attempt not found")

// IdentityAttempt is one persisted register or verify request.
type IdentityAttempt struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Operation     string    `gorm:"column:operation;size:16;index"`
	Status        string    `gorm:"column:status;size:16"`
	FailureKind   string    `gorm:"column:failure_kind;size:32"`
	Message       string    `gorm:"column:message;type:text"`
	Name          string    `gorm:"column:name;size:1000"`
	RecordID      string    `gorm:"column:record_id;size:1000"`
	Confidence    float64   `gorm:"column:confidence"`
	LivenessScore float64   `gorm:"column:liveness_score"`
	ImageSHA256   string    `gorm:"column:image_sha256;size:64;index"`
	ProcessingMs  int64     `gorm:"column:processing_ms"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (IdentityAttempt) TableName() string {
	return "identity_attempts"
}

// OutcomeCount aggregates attempts sharing an operation and status.
type OutcomeCount struct {
	Operation       string
	Status          string
	Count           int64
	AvgConfidence   float64
	AvgProcessingMs float64
}

// AttemptRepository persists the audit trail of identity requests.
type AttemptRepository struct {
	db          *gorm.DB
	logger      *zap.Logger
	retryPolicy retry.Policy
}

// NewAttemptRepository creates a new repository instance.
func NewAttemptRepository(db *gorm.DB, logger *zap.Logger) *AttemptRepository {
	return &AttemptRepository{
		db:          db,
		logger:      logger.Named("attempt_repository"),
		retryPolicy: retry.DefaultPolicy("database", isNotFound),
	}
}

// AutoMigrate ensures the schema is available.
func (r *AttemptRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&IdentityAttempt{})
}

// SaveAttempt persists an attempt entry.
func (r *AttemptRepository) SaveAttempt(ctx context.Context, attempt *IdentityAttempt) error {
	return r.executeWithRetry(ctx, "repository.save_attempt", attempt.RequestID, func() error {
		return r.db.WithContext(ctx).Create(attempt).Error
	})
}

// FindByRequestID loads the attempt recorded for requestID.
func (r *AttemptRepository) FindByRequestID(ctx context.Context, requestID string) (*IdentityAttempt, error) {
	var attempt IdentityAttempt
	err := r.executeWithRetry(ctx, "repository.find_attempt", requestID, func() error {
		err := r.db.WithContext(ctx).First(&attempt, "request_id = ?", requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// Summarize groups attempts by operation and status.
func (r *AttemptRepository) Summarize(ctx context.Context) ([]OutcomeCount, error) {
	var rows []OutcomeCount
	err := r.executeWithRetry(ctx, "repository.summarize", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Model(&IdentityAttempt{}).
			Select("operation, status, COUNT(*) AS count, COALESCE(AVG(confidence), 0) AS avg_confidence, COALESCE(AVG(processing_ms), 0) AS avg_processing_ms").
			Group("operation, status").
			Order("operation, status").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (r *AttemptRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.logger, r.retryPolicy, operation, requestID, fn)
}
