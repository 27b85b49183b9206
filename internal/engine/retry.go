package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/flowkit/pkg/schema"
)

// Error codes that never benefit from another attempt.
var nonRetryableCodes = map[string]bool{
	schema.ErrCodeValidation:        true,
	schema.ErrCodeCancelled:         true,
	schema.ErrCodeInvalidTransition: true,
	schema.ErrCodeNotFound:          true,
	schema.ErrCodeTokenExpired:      true,
	schema.ErrCodeTokenResolved:     true,
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, cancellation, typed FlowErrors with
// non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step deadline exceeded is retryable; run cancellation is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return !nonRetryableCodes[flowErr.Code]
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

	// Default: retryable (the policy limits attempts).
	return true
}

// ComputeBackoff calculates the delay before the next attempt. attempt is
// 1-based: the delay after the first failed invocation uses attempt=1.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}

	switch policy.Backoff {
	case schema.BackoffExponential:
		// base * 2^(attempt-1)
		multiplier := time.Duration(1)
		for i := 1; i < attempt; i++ {
			multiplier *= 2
		}
		return policy.Delay * multiplier
	default:
		return policy.Delay
	}
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
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
