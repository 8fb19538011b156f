// Package retry runs storage calls with exponential backoff on transient errors.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceguard/internal/logging"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Backend names the dependency in log messages, e.g. "redis".
	Backend string
	// Expected reports errors that are returned at once without an error log,
	// such as a cache miss or a missing row.
	Expected func(error) bool
}

// DefaultPolicy is used by the database and cache adapters.
func DefaultPolicy(backend string, expected func(error) bool) Policy {
	return Policy{
		Attempts:       3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Backend:        backend,
		Expected:       expected,
	}
}

// Do calls fn until it succeeds, fails with a non-transient error or runs out
// of attempts. Every returned error is a *logging.OperationError.
func Do(ctx context.Context, logger *zap.Logger, policy Policy, operation, requestID string, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := policy.InitialBackoff
	opLogger := logging.WithOperation(logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= policy.MaxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info(policy.Backend+" operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if policy.Expected != nil && policy.Expected(err) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !IsTransient(err) || attempt == attempts-1 {
			opLogger.Error(policy.Backend+" operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient "+policy.Backend+" error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
