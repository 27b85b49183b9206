package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowkit/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"validation code", schema.NewError(schema.ErrCodeValidation, "bad input"), false},
		{"cancelled code", schema.NewError(schema.ErrCodeCancelled, "gone"), false},
		{"token expired code", schema.NewError(schema.ErrCodeTokenExpired, "late"), false},
		{"timeout code", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"step failed code", schema.NewError(schema.ErrCodeStepFailed, "boom"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"generic", errors.New("something odd"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff_Fixed(t *testing.T) {
	policy := &schema.RetryPolicy{Attempts: 3, Backoff: schema.BackoffFixed, Delay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 3))
}

func TestComputeBackoff_Exponential(t *testing.T) {
	policy := &schema.RetryPolicy{Attempts: 4, Backoff: schema.BackoffExponential, Delay: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 2))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 3))
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForBackoff_Elapses(t *testing.T) {
	require.NoError(t, WaitForBackoff(context.Background(), 5*time.Millisecond))
}
