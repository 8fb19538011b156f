package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/faceguard/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

var errMiss = errors.New("miss")

func testPolicy(attempts int, backoff time.Duration) Policy {
	return Policy{
		Attempts:       attempts,
		InitialBackoff: backoff,
		MaxBackoff:     2 * backoff,
		Backend:        "test",
		Expected:       func(err error) bool { return errors.Is(err, errMiss) },
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), zap.NewNop(), testPolicy(3, time.Millisecond), "test.operation", "req-1", func() error {
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

func TestDoReturnsOperationError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), zap.NewNop(), testPolicy(2, time.Millisecond), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" || opErr.RequestID != "req-2" {
		t.Fatalf("unexpected operation error %+v", opErr)
	}
}

func TestDoGivesUpAfterLastAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), zap.NewNop(), testPolicy(3, time.Millisecond), "test.operation", "req-3", func() error {
		attempts++
		return transientTestError{}
	})

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	var transient transientTestError
	if !errors.As(err, &transient) {
		t.Fatalf("expected transient error to be wrapped, got %v", err)
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, zap.NewNop(), testPolicy(3, time.Second), "test.operation", "req-4", func() error {
		attempts++
		cancel()
		return transientTestError{}
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoReturnsExpectedErrorsWithoutErrorLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	attempts := 0
	err := Do(context.Background(), zap.New(core), testPolicy(3, time.Millisecond), "test.lookup", "req-5", func() error {
		attempts++
		return fmt.Errorf("lookup: %w", errMiss)
	})

	if !errors.Is(err, errMiss) {
		t.Fatalf("expected miss to be wrapped, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if n := logs.Len(); n != 0 {
		t.Fatalf("expected no log entries, got %d", n)
	}
}

func TestDoLogsBackendOnFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)

	_ = Do(context.Background(), zap.New(core), testPolicy(1, time.Millisecond), "test.operation", "req-6", func() error {
		return errors.New("boom")
	})

	if logs.FilterMessage("test operation failed").Len() != 1 {
		t.Fatalf("expected one failure entry, got %v", logs.All())
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: true},
		{name: "timeout", err: transientTestError{}, want: true},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "canceled", err: context.Canceled, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
