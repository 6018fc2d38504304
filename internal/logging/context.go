package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	portalRunIDKey ctxKey = iota
	workflowKey
	entityKindKey
)

// WithPortalRunID returns a context with the portal run ID set.
func WithPortalRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, portalRunIDKey, id)
}

// WithWorkflow returns a context with the workflow name set.
func WithWorkflow(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workflowKey, name)
}

// WithEntityKind returns a context with the entity kind set.
func WithEntityKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, entityKindKey, kind)
}

// PortalRunID extracts the portal run ID from the context, or "" if absent.
func PortalRunID(ctx context.Context) string {
	v, _ := ctx.Value(portalRunIDKey).(string)
	return v
}

// Workflow extracts the workflow name from the context, or "" if absent.
func Workflow(ctx context.Context) string {
	v, _ := ctx.Value(workflowKey).(string)
	return v
}

// EntityKind extracts the entity kind from the context, or "" if absent.
func EntityKind(ctx context.Context) string {
	v, _ := ctx.Value(entityKindKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := PortalRunID(ctx); v != "" {
		r.AddAttrs(slog.String("portal_run_id", v))
	}
	if v := Workflow(ctx); v != "" {
		r.AddAttrs(slog.String("workflow", v))
	}
	if v := EntityKind(ctx); v != "" {
		r.AddAttrs(slog.String("entity_kind", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
