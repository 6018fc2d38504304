package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/seqflow/internal/expressions"
	"github.com/rendis/seqflow/internal/store"
	"github.com/rendis/seqflow/pkg/schema"
)

type capturingBus struct {
	mu     sync.Mutex
	events []schema.Envelope
}

func (b *capturingBus) Publish(_ context.Context, event schema.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *capturingBus) all() []schema.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]schema.Envelope(nil), b.events...)
}

func envelope(t *testing.T, source, detailType string, detail map[string]any) schema.Envelope {
	t.Helper()
	raw, err := json.Marshal(detail)
	require.NoError(t, err)
	return schema.Envelope{Source: source, DetailType: detailType, Detail: raw, Timestamp: time.Now()}
}

func decodeDraft(t *testing.T, event schema.Envelope) *schema.RunDetail {
	t.Helper()
	d, err := schema.DecodeRunDetail(event.Detail)
	require.NoError(t, err)
	return d
}

func qcPipeline() schema.Pipeline {
	return schema.Pipeline{
		WorkflowName:    "wgts-qc",
		WorkflowVersion: "1.0.1",
		PayloadVersion:  "0.1.0",
		EntityKind:      "wgts_qc",
		Trigger: schema.TriggerSpec{
			Source:     "seqflow.metadata",
			DetailType: schema.DetailTypeLibraryStateChange,
			Status:     schema.StatusNewLibrary,
		},
	}
}

func newRegistry(t *testing.T) *expressions.Registry {
	t.Helper()
	r, err := expressions.NewRegistry()
	require.NoError(t, err)
	return r
}

func TestDirectMaker_EmitsDraftForMatchingTrigger(t *testing.T) {
	pub := &capturingBus{}
	maker := NewDirectMaker(qcPipeline(), nil, newRegistry(t), pub, nil)

	event := envelope(t, "seqflow.metadata", schema.DetailTypeLibraryStateChange,
		map[string]any{"status": "newLibrary", "libraryId": "L2400001"})
	require.NoError(t, maker.Handle(context.Background(), event))

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, schema.DetailTypeWorkflowDraftRunStateChange, events[0].DetailType)
	assert.Equal(t, schema.DefaultSource, events[0].Source)

	d := decodeDraft(t, events[0])
	assert.Equal(t, schema.StatusDraft, d.Status)
	assert.Equal(t, "wgts-qc", d.ResolvedWorkflowName())
	assert.Equal(t, "1.0.1", d.ResolvedWorkflowVersion())
	assert.Equal(t, "0.1.0", d.Payload.Version)
	assert.Equal(t, "L2400001", d.Payload.Data.Inputs["libraryId"])
}

func TestDirectMaker_IgnoresNonMatchingEvents(t *testing.T) {
	pub := &capturingBus{}
	maker := NewDirectMaker(qcPipeline(), nil, newRegistry(t), pub, nil)
	ctx := context.Background()

	// Wrong source.
	require.NoError(t, maker.Handle(ctx, envelope(t, "other.service",
		schema.DetailTypeLibraryStateChange, map[string]any{"status": "newLibrary"})))
	// Wrong detail type.
	require.NoError(t, maker.Handle(ctx, envelope(t, "seqflow.metadata",
		schema.DetailTypeFastqListRowStateChange, map[string]any{"status": "newLibrary"})))
	// Wrong status.
	require.NoError(t, maker.Handle(ctx, envelope(t, "seqflow.metadata",
		schema.DetailTypeLibraryStateChange, map[string]any{"status": "failed"})))

	assert.Empty(t, pub.all())
}

func TestDirectMaker_ConditionGatesDraft(t *testing.T) {
	p := qcPipeline()
	p.Trigger.Condition = `detail.type == "WGS"`
	pub := &capturingBus{}
	maker := NewDirectMaker(p, nil, newRegistry(t), pub, nil)
	ctx := context.Background()

	require.NoError(t, maker.Handle(ctx, envelope(t, "seqflow.metadata",
		schema.DetailTypeLibraryStateChange,
		map[string]any{"status": "newLibrary", "type": "ctDNA"})))
	assert.Empty(t, pub.all())

	require.NoError(t, maker.Handle(ctx, envelope(t, "seqflow.metadata",
		schema.DetailTypeLibraryStateChange,
		map[string]any{"status": "newLibrary", "type": "WGS"})))
	assert.Len(t, pub.all(), 1)
}

func TestDirectMaker_TransformShapesPayload(t *testing.T) {
	pub := &capturingBus{}
	transform := func(_ context.Context, event schema.Envelope) (*schema.PayloadData, error) {
		detail := event.DetailMap()
		return &schema.PayloadData{
			Inputs: map[string]any{"libraryId": detail["libraryId"]},
			Tags:   map[string]any{"libraryId": detail["libraryId"]},
		}, nil
	}
	maker := NewDirectMaker(qcPipeline(), transform, newRegistry(t), pub, nil)

	require.NoError(t, maker.Handle(context.Background(), envelope(t, "seqflow.metadata",
		schema.DetailTypeLibraryStateChange,
		map[string]any{"status": "newLibrary", "libraryId": "L2400001", "noise": "x"})))

	d := decodeDraft(t, pub.all()[0])
	assert.Equal(t, map[string]any{"libraryId": "L2400001"}, d.Payload.Data.Inputs)
	assert.Equal(t, map[string]any{"libraryId": "L2400001"}, d.Payload.Data.Tags)
}

func TestDirectMaker_TransformSkip(t *testing.T) {
	pub := &capturingBus{}
	transform := func(_ context.Context, _ schema.Envelope) (*schema.PayloadData, error) {
		return nil, nil
	}
	maker := NewDirectMaker(qcPipeline(), transform, newRegistry(t), pub, nil)

	require.NoError(t, maker.Handle(context.Background(), envelope(t, "seqflow.metadata",
		schema.DetailTypeLibraryStateChange, map[string]any{"status": "newLibrary"})))
	assert.Empty(t, pub.all())
}

// --- Shower aggregation ---

func showerPipeline() schema.Pipeline {
	return schema.Pipeline{
		WorkflowName:    "bssh-fastq-copy",
		WorkflowVersion: "2024.05.15",
		PayloadVersion:  "0.1.0",
		EntityKind:      "bssh_fastq_copy",
	}
}

func showerConfig() ShowerConfig {
	return ShowerConfig{
		RowKind:      store.KindFastqListRow,
		RunKeyAttr:   "instrumentRunId",
		RowIDAttr:    "fastqListRowId",
		RowsInputKey: "fastqListRows",
	}
}

func newRowStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "shower.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestShowerMaker_JoinsAllRowsIntoOneDraft(t *testing.T) {
	rows := newRowStore(t)
	pub := &capturingBus{}
	maker := NewShowerMaker(showerPipeline(), showerConfig(), rows, pub, nil)
	ctx := context.Background()

	const runID = "240229_A00130_1234_AHJLJLDS"
	for _, rowID := range []string{"rgid-1", "rgid-2", "rgid-3"} {
		event := envelope(t, "seqflow.sequencer", schema.DetailTypeFastqListRowStateChange,
			map[string]any{
				"status":          schema.StatusNewFastqListRow,
				"instrumentRunId": runID,
				"fastqListRowId":  rowID,
			})
		require.NoError(t, maker.HandlePopulate(ctx, event))
	}

	complete := envelope(t, "seqflow.sequencer", schema.DetailTypeFastqListRowShowerStateChange,
		map[string]any{"status": schema.StatusShowerComplete, "instrumentRunId": runID})
	require.NoError(t, maker.HandleComplete(ctx, complete))

	events := pub.all()
	require.Len(t, events, 1, "exactly one draft for the whole shower")

	d := decodeDraft(t, events[0])
	assert.Equal(t, schema.StatusDraft, d.Status)
	assert.Equal(t, runID, d.Payload.Data.Inputs["instrumentRunId"])
	joined := d.Payload.Data.Inputs["fastqListRows"].([]any)
	require.Len(t, joined, 3)
	ids := map[string]bool{}
	for _, row := range joined {
		ids[row.(map[string]any)["fastqListRowId"].(string)] = true
	}
	assert.Equal(t, map[string]bool{"rgid-1": true, "rgid-2": true, "rgid-3": true}, ids)
}

func TestShowerMaker_JoinScopedToRunKey(t *testing.T) {
	rows := newRowStore(t)
	pub := &capturingBus{}
	maker := NewShowerMaker(showerPipeline(), showerConfig(), rows, pub, nil)
	ctx := context.Background()

	populate := func(runID, rowID string) {
		event := envelope(t, "seqflow.sequencer", schema.DetailTypeFastqListRowStateChange,
			map[string]any{"status": schema.StatusNewFastqListRow, "instrumentRunId": runID, "fastqListRowId": rowID})
		require.NoError(t, maker.HandlePopulate(ctx, event))
	}
	populate("run-A", "rgid-a1")
	populate("run-A", "rgid-a2")
	populate("run-B", "rgid-b1")

	complete := envelope(t, "seqflow.sequencer", schema.DetailTypeFastqListRowShowerStateChange,
		map[string]any{"status": schema.StatusShowerComplete, "instrumentRunId": "run-A"})
	require.NoError(t, maker.HandleComplete(ctx, complete))

	d := decodeDraft(t, pub.all()[0])
	assert.Len(t, d.Payload.Data.Inputs["fastqListRows"], 2, "run-B rows must not leak into run-A's draft")
}

func TestShowerMaker_RedeliveredPopulateConverges(t *testing.T) {
	rows := newRowStore(t)
	pub := &capturingBus{}
	maker := NewShowerMaker(showerPipeline(), showerConfig(), rows, pub, nil)
	ctx := context.Background()

	event := envelope(t, "seqflow.sequencer", schema.DetailTypeFastqListRowStateChange,
		map[string]any{"status": schema.StatusNewFastqListRow, "instrumentRunId": "run-A", "fastqListRowId": "rgid-1"})
	require.NoError(t, maker.HandlePopulate(ctx, event))
	require.NoError(t, maker.HandlePopulate(ctx, event))

	complete := envelope(t, "seqflow.sequencer", schema.DetailTypeFastqListRowShowerStateChange,
		map[string]any{"status": schema.StatusShowerComplete, "instrumentRunId": "run-A"})
	require.NoError(t, maker.HandleComplete(ctx, complete))

	d := decodeDraft(t, pub.all()[0])
	assert.Len(t, d.Payload.Data.Inputs["fastqListRows"], 1)
}

func TestShowerMaker_ShortJoinWarnsButEmits(t *testing.T) {
	rows := newRowStore(t)
	pub := &capturingBus{}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	maker := NewShowerMaker(showerPipeline(), showerConfig(), rows, pub, logger)
	ctx := context.Background()

	event := envelope(t, "seqflow.sequencer", schema.DetailTypeFastqListRowStateChange,
		map[string]any{"status": schema.StatusNewFastqListRow, "instrumentRunId": "run-A", "fastqListRowId": "rgid-1"})
	require.NoError(t, maker.HandlePopulate(ctx, event))

	complete := envelope(t, "seqflow.sequencer", schema.DetailTypeFastqListRowShowerStateChange,
		map[string]any{
			"status":           schema.StatusShowerComplete,
			"instrumentRunId":  "run-A",
			"expectedRowCount": 3,
		})
	require.NoError(t, maker.HandleComplete(ctx, complete))

	require.Len(t, pub.all(), 1, "a short join still emits the draft")
	d := decodeDraft(t, pub.all()[0])
	assert.Len(t, d.Payload.Data.Inputs["fastqListRows"], 1)
	assert.Contains(t, buf.String(), "short of expected rows")
}

func TestShowerMaker_MissingRunKeyFails(t *testing.T) {
	rows := newRowStore(t)
	maker := NewShowerMaker(showerPipeline(), showerConfig(), rows, &capturingBus{}, nil)

	err := maker.HandleComplete(context.Background(), envelope(t, "seqflow.sequencer",
		schema.DetailTypeFastqListRowShowerStateChange,
		map[string]any{"status": schema.StatusShowerComplete}))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
