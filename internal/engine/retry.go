package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/weftwork/weft/pkg/schema"
)

// IsRetryableError classifies whether a step error is eligible for another
// attempt under the node's retry policy. Retryable by default: network
// errors, timeouts, transient infrastructure failures. Non-retryable: graph
// and validation defects, permission denials, cancellation.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Attempt deadline exceeded is retryable (node timeout, not run-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is not retryable; the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var weftErr *schema.WeftError
	if errors.As(err, &weftErr) {
		switch weftErr.Code {
		case schema.ErrCodeCancelled, schema.ErrCodePermissionDenied,
			schema.ErrCodeValidation, schema.ErrCodeNotFound, schema.ErrCodeConflict,
			schema.ErrCodeApprovalRejected, schema.ErrCodeApprovalTimeout:
			return false
		case schema.ErrCodeCircuitOpen:
			// The breaker cooldown outlasts any per-node retry delay.
			return false
		}
		if weftErr.IsGraphError() {
			return false
		}
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unclassified errors are retried; the attempt budget bounds the cost.
	return true
}

// SystemBackoff computes the delay before retrying after an infrastructure
// failure (store or cache). Exponential from 100ms, capped at 5s. These
// retries sit outside the node attempt budget: the step did not run.
func SystemBackoff(attempt int) time.Duration {
	d := 100 * time.Millisecond
	for i := 0; i < attempt && d < 5*time.Second; i++ {
		d *= 2
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// WaitForRetry sleeps for the node's fixed between-attempts delay or returns
// early if the context is cancelled.
func WaitForRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
