package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeLauncher struct {
	calls  atomic.Int64
	err    error
	result LaunchResult
}

func (l *fakeLauncher) Launch(_ context.Context, _ LaunchRequest) (*LaunchResult, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	r := l.result
	return &r, nil
}

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dispatch.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func cttsoPipeline() schema.Pipeline {
	return schema.Pipeline{
		WorkflowName:    "cttsov2",
		WorkflowVersion: "2.1.1",
		PayloadVersion:  "0.1.0",
		EntityKind:      "cttso_v2",
	}
}

func readyEnvelope(t *testing.T, portalRunID string) schema.Envelope {
	t.Helper()
	detail := schema.RunDetail{
		Status:          schema.StatusReady,
		PortalRunID:     portalRunID,
		WorkflowRunName: "umccr--automated--cttsov2--2-1-1--" + portalRunID,
		Workflow:        &schema.WorkflowRef{Name: "cttsov2", Version: "2.1.1"},
		Payload: &schema.Payload{
			Version: "0.1.0",
			Data: schema.PayloadData{
				Inputs:           map[string]any{"libraryId": "L2400001"},
				EngineParameters: map[string]any{"outputUri": "icav2://proj/out/"},
				Tags:             map[string]any{"portalRunId": portalRunID},
			},
		},
	}
	raw, err := json.Marshal(detail)
	require.NoError(t, err)
	return schema.Envelope{
		Source:     schema.DefaultSource,
		DetailType: schema.DetailTypeWorkflowRunStateChange,
		Detail:     raw,
		Timestamp:  time.Now(),
	}
}

func TestDispatcher_LaunchesAndPersistsHandle(t *testing.T) {
	s := newTestStore(t)
	pub := &capturingBus{}
	launcher := &fakeLauncher{result: LaunchResult{AnalysisID: "ana-1234", AnalysisStatus: "REQUESTED"}}
	d := NewDispatcher(cttsoPipeline(), launcher, s, pub, nil, nil)
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, readyEnvelope(t, "20240530abcd1234")))
	assert.Equal(t, int64(1), launcher.calls.Load())

	// Analysis handle persisted under the portal run id.
	attrs, err := s.Get(ctx, "cttso_v2", "20240530abcd1234")
	require.NoError(t, err)
	assert.Equal(t, "ana-1234", attrs["analysisId"])
	assert.Equal(t, "REQUESTED", attrs["analysisStatus"])

	// Launched event published with the analysis handle tagged on.
	events := pub.all()
	require.Len(t, events, 1)
	launched, err := schema.DecodeRunDetail(events[0].Detail)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusLaunched, launched.Status)
	assert.Equal(t, "20240530abcd1234", launched.PortalRunID)
	assert.Equal(t, "ana-1234", launched.Payload.Data.Tags["analysisId"])
}

func TestDispatcher_RedeliveredReadyIsNoOp(t *testing.T) {
	s := newTestStore(t)
	pub := &capturingBus{}
	launcher := &fakeLauncher{result: LaunchResult{AnalysisID: "ana-1"}}
	d := NewDispatcher(cttsoPipeline(), launcher, s, pub, nil, nil)
	ctx := context.Background()

	event := readyEnvelope(t, "20240530abcd1234")
	require.NoError(t, d.Handle(ctx, event))
	require.NoError(t, d.Handle(ctx, event))

	assert.Equal(t, int64(1), launcher.calls.Load(), "at most one launch per portal run id")
	assert.Len(t, pub.all(), 1)
}

func TestDispatcher_ConcurrentReadyEventsLaunchOnce(t *testing.T) {
	s := newTestStore(t)
	pub := &capturingBus{}
	launcher := &fakeLauncher{result: LaunchResult{AnalysisID: "ana-1"}}
	d := NewDispatcher(cttsoPipeline(), launcher, s, pub, nil, nil)

	event := readyEnvelope(t, "20240530abcd1234")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.Handle(context.Background(), event))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), launcher.calls.Load())
}

func TestDispatcher_DistinctRunsEachLaunch(t *testing.T) {
	s := newTestStore(t)
	launcher := &fakeLauncher{result: LaunchResult{AnalysisID: "ana-1"}}
	d := NewDispatcher(cttsoPipeline(), launcher, s, &capturingBus{}, nil, nil)
	ctx := context.Background()

	require.NoError(t, d.Handle(ctx, readyEnvelope(t, "20240530aaaa1111")))
	require.NoError(t, d.Handle(ctx, readyEnvelope(t, "20240530bbbb2222")))

	assert.Equal(t, int64(2), launcher.calls.Load())
}

func TestDispatcher_LauncherFailureSurfacesLaunchError(t *testing.T) {
	s := newTestStore(t)
	pub := &capturingBus{}
	launcher := &fakeLauncher{err: errors.New("engine unavailable")}
	d := NewDispatcher(cttsoPipeline(), launcher, s, pub, nil, nil)

	err := d.Handle(context.Background(), readyEnvelope(t, "20240530abcd1234"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeLaunch))
	assert.Empty(t, pub.all())
}

func TestDispatcher_IgnoresForeignEvents(t *testing.T) {
	s := newTestStore(t)
	launcher := &fakeLauncher{result: LaunchResult{AnalysisID: "ana-1"}}
	d := NewDispatcher(cttsoPipeline(), launcher, s, &capturingBus{}, nil, nil)
	ctx := context.Background()

	// Draft status, not ready.
	draft := readyEnvelope(t, "20240530abcd1234")
	var detail schema.RunDetail
	require.NoError(t, json.Unmarshal(draft.Detail, &detail))
	detail.Status = schema.StatusDraft
	raw, err := json.Marshal(detail)
	require.NoError(t, err)
	draft.Detail = raw
	require.NoError(t, d.Handle(ctx, draft))

	// Another workflow's ready event.
	other := readyEnvelope(t, "20240530abcd9999")
	require.NoError(t, json.Unmarshal(other.Detail, &detail))
	detail.Workflow = &schema.WorkflowRef{Name: "wgts-qc", Version: "1.0.1"}
	raw, err = json.Marshal(detail)
	require.NoError(t, err)
	other.Detail = raw
	require.NoError(t, d.Handle(ctx, other))

	assert.Equal(t, int64(0), launcher.calls.Load())
}

func TestDispatcher_ReadyWithoutPortalRunIDFails(t *testing.T) {
	s := newTestStore(t)
	d := NewDispatcher(cttsoPipeline(), &fakeLauncher{}, s, &capturingBus{}, nil, nil)

	event := readyEnvelope(t, "20240530abcd1234")
	var detail schema.RunDetail
	require.NoError(t, json.Unmarshal(event.Detail, &detail))
	detail.PortalRunID = ""
	raw, err := json.Marshal(detail)
	require.NoError(t, err)
	event.Detail = raw

	err = d.Handle(context.Background(), event)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
