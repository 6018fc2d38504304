// Package runtime is the functions-as-triggers layer: it subscribes
// handlers to bus patterns and invokes one stateless handler call per
// delivered event, with bounded concurrency and bounded redelivery of
// retryable failures. Handlers assume arbitrary parallel invocations for
// the same or different logical runs; the store's conditional writes are
// the only cross-invocation ordering.
package runtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/seqflow/internal/bus"
	"github.com/rendis/seqflow/internal/metrics"
	"github.com/rendis/seqflow/pkg/schema"
)

// Handler processes one delivered event. It must be idempotent: the
// runner redelivers on retryable failure.
type Handler func(ctx context.Context, event schema.Envelope) error

// Runner wires handlers to bus subscriptions.
type Runner struct {
	bus     bus.Bus
	pool    *HandlerPool
	policy  RetryPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	cancels []func()
	wg      sync.WaitGroup
}

// NewRunner creates a runner with the given handler concurrency bound.
func NewRunner(b bus.Bus, concurrency int, policy RetryPolicy, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	return &Runner{
		bus:     b,
		pool:    NewHandlerPool(concurrency),
		policy:  policy,
		metrics: m,
		logger:  logger,
	}
}

// Register subscribes the handler to the pattern and starts a drain
// goroutine feeding deliveries into the pool. name labels logs and the
// failed-transition counter.
func (r *Runner) Register(ctx context.Context, name string, pattern bus.Pattern, h Handler) error {
	events, cancel, err := r.bus.Subscribe(ctx, pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cancels = append(r.cancels, cancel)
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		for event := range events {
			ev := event
			if err := r.pool.Submit(ctx, func(ctx context.Context) error {
				return r.invoke(ctx, name, h, ev)
			}); err != nil {
				r.logger.WarnContext(ctx, "handler submission rejected",
					slog.String("handler", name), slog.String("error", err.Error()))
				return
			}
		}
	}()
	return nil
}

// invoke runs the handler with bounded redelivery. A non-retryable error
// or attempt exhaustion surfaces as a failed transition.
func (r *Runner) invoke(ctx context.Context, name string, h Handler, event schema.Envelope) error {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(r.policy, attempt-1)); err != nil {
				return err
			}
			r.logger.InfoContext(ctx, "redelivering event",
				slog.String("handler", name),
				slog.String("detail_type", event.DetailType),
				slog.Int("attempt", attempt+1))
		}

		lastErr = h(ctx, event)
		if lastErr == nil {
			return nil
		}
		if !IsRetryableError(lastErr) {
			break
		}
	}

	r.metrics.TransitionFailed(name)
	r.logger.ErrorContext(ctx, "transition failed",
		slog.String("handler", name),
		slog.String("detail_type", event.DetailType),
		slog.String("error", lastErr.Error()))
	return lastErr
}

// Shutdown cancels every subscription and waits for in-flight handlers.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	r.wg.Wait()
	r.pool.Shutdown()
}
