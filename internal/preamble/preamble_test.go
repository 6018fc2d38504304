package preamble

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/seqflow/internal/store"
	"github.com/rendis/seqflow/pkg/schema"
)

func newTestService(t *testing.T) (*Service, *store.LibSQLStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "preamble.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return NewService(s, nil), s
}

func TestMintIdentity_Format(t *testing.T) {
	svc, _ := newTestService(t)
	svc.now = func() time.Time { return time.Date(2024, 5, 30, 12, 0, 0, 0, time.UTC) }
	svc.newUUID = func() string { return "abcd1234-0000-0000-0000-000000000000" }

	id, err := svc.MintIdentity(context.Background(), Request{
		WorkflowName:    "cttsov2",
		WorkflowVersion: "2.1.1",
		NaturalKey:      "run-123/libA",
	})
	require.NoError(t, err)
	assert.Equal(t, "20240530abcd1234", id.PortalRunID)
	assert.Equal(t, "umccr--automated--cttsov2--2-1-1--20240530abcd1234", id.WorkflowRunName)
}

func TestMintIdentity_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	req := Request{WorkflowName: "wgts-qc", WorkflowVersion: "4.2.4", NaturalKey: "run-9/L001"}
	first, err := svc.MintIdentity(ctx, req)
	require.NoError(t, err)

	second, err := svc.MintIdentity(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.PortalRunID, second.PortalRunID)
	assert.Equal(t, first.WorkflowRunName, second.WorkflowRunName)
}

func TestMintIdentity_ConcurrentCallersConverge(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := Request{WorkflowName: "cttsov2", WorkflowVersion: "2.6.0", NaturalKey: "run-123/libA"}

	const n = 8
	ids := make([]*Identity, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := svc.MintIdentity(ctx, req)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.NotNil(t, ids[i])
		assert.Equal(t, ids[0].PortalRunID, ids[i].PortalRunID, "all callers must observe one identity")
	}
}

func TestMintIdentity_DistinctNaturalKeys(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.MintIdentity(ctx, Request{WorkflowName: "w", WorkflowVersion: "1", NaturalKey: "k1"})
	require.NoError(t, err)
	b, err := svc.MintIdentity(ctx, Request{WorkflowName: "w", WorkflowVersion: "1", NaturalKey: "k2"})
	require.NoError(t, err)
	assert.NotEqual(t, a.PortalRunID, b.PortalRunID)
}

func TestMintIdentity_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.MintIdentity(context.Background(), Request{WorkflowVersion: "1"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCoerceRunName(t *testing.T) {
	assert.Equal(t, "umccr--automated--tso500-ctdna--2-5-0",
		CoerceRunName("umccr--automated--TSO500 ctDNA--2.5_0"))
	assert.Equal(t, "already-coerced", CoerceRunName("already-coerced"))
}
