package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, PortalRunID(ctx))

	ctx = WithPortalRunID(ctx, "20240530abcd1234")
	ctx = WithWorkflow(ctx, "cttsov2")
	ctx = WithEntityKind(ctx, "cttso_v2")

	assert.Equal(t, "20240530abcd1234", PortalRunID(ctx))
	assert.Equal(t, "cttsov2", Workflow(ctx))
	assert.Equal(t, "cttso_v2", EntityKind(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithWorkflow(WithPortalRunID(context.Background(), "20240530abcd1234"), "wgts-qc")
	logger.InfoContext(ctx, "launch dispatched")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"portal_run_id":"20240530abcd1234"`)
	assert.Contains(t, out, `"workflow":"wgts-qc"`)
	assert.NotContains(t, out, "entity_kind")
}

func TestCorrelationHandler_NoIDsNoAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")
	assert.NotContains(t, buf.String(), "portal_run_id")
}
