package logging

import (
	"errors"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewOperationErrorNilPassthrough(t *testing.T) {
	if err := NewOperationError("store.save", "", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("disk full")
	err := NewOperationError("store.save", "req-1", base)

	if got, want := err.Error(), "store.save (request_id=req-1): disk full"; got != want {
		t.Fatalf("unexpected message: got %q want %q", got, want)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the wrapped error")
	}

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "store.save" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
}

func TestOperationErrorWithoutRequestID(t *testing.T) {
	err := NewOperationError("grpcclient.dial", "", errors.New("refused"))
	if got, want := err.Error(), "grpcclient.dial: refused"; got != want {
		t.Fatalf("unexpected message: got %q want %q", got, want)
	}
}

func TestNewLoggerUnknownLevelFallsBack(t *testing.T) {
	logger, err := NewLogger("not-a-level")
	if err != nil {
		t.Fatalf("expected logger, got error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info level to be enabled")
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("expected logger, got error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info level to be disabled at warn")
	}
}
