// Package transpose drives the draft-to-ready transition: one matching
// draft event is resolved into a ready event carrying a minted identity
// and collected engine parameters. The two resolution steps run as
// independent, restartable sub-invocations so the whole transition is
// retryable from the top.
package transpose

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/seqflow/internal/runtime"
	"github.com/rendis/seqflow/pkg/schema"
)

// AwaitConfig bounds one sub-invocation: a per-attempt timeout and a
// bounded retry of retryable failures.
type AwaitConfig struct {
	Timeout time.Duration
	Retry   runtime.RetryPolicy
}

// DefaultAwaitConfig is the sub-invocation policy used when none is
// configured.
var DefaultAwaitConfig = AwaitConfig{
	Timeout: 30 * time.Second,
	Retry:   runtime.DefaultRetryPolicy,
}

// invokeAndAwait runs one sub-invocation under the await policy. A
// per-attempt deadline expiry surfaces as a TIMEOUT error, which is
// retryable; attempts exhaust into the last error so the caller aborts
// the whole transition.
func invokeAndAwait[T any](ctx context.Context, cfg AwaitConfig, name string, logger *slog.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.Timeout <= 0 && cfg.Retry.MaxAttempts <= 0 {
		cfg = DefaultAwaitConfig
	}
	attempts := cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := runtime.WaitForBackoff(ctx, runtime.ComputeBackoff(cfg.Retry, attempt-1)); err != nil {
				return zero, err
			}
			logger.InfoContext(ctx, "retrying sub-invocation",
				slog.String("subflow", name), slog.Int("attempt", attempt+1))
		}

		out, err := invokeOnce(ctx, cfg.Timeout, name, fn)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !runtime.IsRetryableError(err) {
			break
		}
	}
	return zero, lastErr
}

func invokeOnce[T any](ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := fn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return zero, schema.NewErrorf(schema.ErrCodeTimeout,
				"sub-invocation %s did not complete within %s", name, timeout).WithCause(err)
		}
		return zero, err
	}
	return out, nil
}
