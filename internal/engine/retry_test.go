package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftwork/weft/pkg/schema"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: host unreachable" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled context", context.Canceled, false},
		{"wrapped deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), true},
		{"net error", fakeNetError{}, true},
		{"timeout code", schema.NewError(schema.ErrCodeTimeout, "attempt timed out"), true},
		{"execution code", schema.NewError(schema.ErrCodeExecution, "upstream returned 500"), true},
		{"store code", schema.NewError(schema.ErrCodeStore, "disk io"), true},
		{"validation code", schema.NewError(schema.ErrCodeValidation, "bad params"), false},
		{"not found", schema.NewError(schema.ErrCodeNotFound, "missing"), false},
		{"conflict", schema.NewError(schema.ErrCodeConflict, "duplicate"), false},
		{"permission denied", schema.NewError(schema.ErrCodePermissionDenied, "viewer cannot run"), false},
		{"cancelled code", schema.NewError(schema.ErrCodeCancelled, "run cancelled"), false},
		{"approval rejected", schema.NewError(schema.ErrCodeApprovalRejected, "rejected"), false},
		{"approval timeout", schema.NewError(schema.ErrCodeApprovalTimeout, "expired"), false},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "breaker open"), false},
		{"graph cycle", schema.NewError(schema.ErrCodeGraphCycle, "cycle"), false},
		{"connection refused string", errors.New("connect: connection refused"), true},
		{"service unavailable string", errors.New("503 service unavailable"), true},
		{"unknown error defaults retryable", errors.New("something odd"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryableError(tc.err))
		})
	}
}

func TestSystemBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, SystemBackoff(0))
	assert.Equal(t, 200*time.Millisecond, SystemBackoff(1))
	assert.Equal(t, 400*time.Millisecond, SystemBackoff(2))
	assert.Equal(t, 5*time.Second, SystemBackoff(10), "capped at 5s")
	assert.Equal(t, 5*time.Second, SystemBackoff(100))
}

func TestWaitForRetry_ZeroDelayReturnsImmediately(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitForRetry(context.Background(), 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitForRetry(ctx, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForRetry_Waits(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitForRetry(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
