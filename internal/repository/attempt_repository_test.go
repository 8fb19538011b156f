package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceguard/internal/logging"
	"github.com/example/faceguard/internal/retry"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func newTestRepository() *AttemptRepository {
	policy := retry.DefaultPolicy("database", isNotFound)
	policy.InitialBackoff = time.Millisecond
	policy.MaxBackoff = 2 * time.Millisecond
	return &AttemptRepository{logger: zap.NewNop(), retryPolicy: policy}
}

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := newTestRepository()

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestNotFoundIsWrappedAndNotRetried(t *testing.T) {
	repo := newTestRepository()

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "repository.find_attempt", "missing", func() error {
		attempts++
		return ErrNotFound
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.RequestID != "missing" {
		t.Fatalf("expected OperationError for the request, got %v", err)
	}
}

func TestIdentityAttemptTableName(t *testing.T) {
	if got := (IdentityAttempt{}).TableName(); got != "identity_attempts" {
		t.Fatalf("unexpected table name %q", got)
	}
}
