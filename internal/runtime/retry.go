package runtime

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/seqflow/pkg/schema"
)

// RetryPolicy bounds redelivery of a failed handler invocation and the
// retry loop inside a sub-invocation.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	Delay       time.Duration `json:"delay"`
	Backoff     string        `json:"backoff,omitempty"` // constant | linear | exponential
	MaxDelay    time.Duration `json:"maxDelay,omitempty"`
}

// DefaultRetryPolicy is the redelivery policy handlers run under when
// none is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Delay:       200 * time.Millisecond,
	Backoff:     "exponential",
	MaxDelay:    5 * time.Second,
}

// IsRetryableError classifies whether a failed transition should be
// redelivered. Timeouts and transient infrastructure failures retry;
// validation gaps and conflict markers do not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancellation means shutdown, not a transient fault.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Handlers are idempotent, so unknown errors retry and the policy
	// bounds the attempts.
	return true
}

// ComputeBackoff calculates the delay before the next attempt.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = policy.Delay * multiplier
	case "linear":
		delay = policy.Delay * time.Duration(attempt+1)
	default: // constant
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed delay or returns early when the
// context is cancelled.
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
