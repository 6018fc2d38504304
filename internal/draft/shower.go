package draft

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/seqflow/internal/store"
	"github.com/rendis/seqflow/pkg/schema"
)

// RowStore is the entity-store side of the shower maker: merge-upserts
// for populate events and the scoped scan for the join.
type RowStore interface {
	UpsertMerge(ctx context.Context, kind, id string, attrs map[string]any) error
	Query(ctx context.Context, kind string, filter store.EntityFilter) ([]*store.EntityRow, error)
}

// ShowerConfig shapes how populate events map onto entity rows and how
// the joined rows appear in the draft payload.
type ShowerConfig struct {
	// RowKind is the entity kind the rows accumulate under,
	// e.g. store.KindFastqListRow.
	RowKind string

	// RunKeyAttr is the detail attribute every row shares with its
	// shower, e.g. "instrumentRunId". The complete signal joins on it.
	RunKeyAttr string

	// RowIDAttr is the detail attribute identifying one row within the
	// shower, e.g. "fastqListRowId".
	RowIDAttr string

	// RowsInputKey is the draft input key the joined rows land under,
	// e.g. "fastqListRows".
	RowsInputKey string
}

// ShowerMaker accumulates rows published during a shower and joins them
// into one draft when the complete signal arrives. The join is a
// point-in-time read: the complete signal is the authoritative barrier,
// so rows populated after it are not waited for.
type ShowerMaker struct {
	pipeline schema.Pipeline
	cfg      ShowerConfig
	rows     RowStore
	pub      Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewShowerMaker creates a shower-aggregation draft maker.
func NewShowerMaker(p schema.Pipeline, cfg ShowerConfig, rows RowStore, pub Publisher, logger *slog.Logger) *ShowerMaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShowerMaker{
		pipeline: p,
		cfg:      cfg,
		rows:     rows,
		pub:      pub,
		logger:   logger,
		now:      time.Now,
	}
}

// HandlePopulate merge-upserts one row under the shower's run key.
// Redelivered populate events converge on the same row, and populate
// events racing the complete signal are tolerated (the join reads
// whatever has landed).
func (m *ShowerMaker) HandlePopulate(ctx context.Context, event schema.Envelope) error {
	detail := event.DetailMap()

	runKey, _ := detail[m.cfg.RunKeyAttr].(string)
	if runKey == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"populate event missing %s", m.cfg.RunKeyAttr)
	}
	rowID, _ := detail[m.cfg.RowIDAttr].(string)
	if rowID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"populate event missing %s", m.cfg.RowIDAttr)
	}

	return m.rows.UpsertMerge(ctx, m.cfg.RowKind, rowID, detail)
}

// HandleComplete performs the point-in-time join over every row scoped
// to the shower's run key and emits exactly one draft covering them.
// When the complete detail carries an expectedRowCount and fewer rows
// have landed, the short join is logged as a warning but the draft is
// still emitted; the signal, not the count, is the barrier.
func (m *ShowerMaker) HandleComplete(ctx context.Context, event schema.Envelope) error {
	detail := event.DetailMap()

	runKey, _ := detail[m.cfg.RunKeyAttr].(string)
	if runKey == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"complete event missing %s", m.cfg.RunKeyAttr)
	}

	rows, err := m.rows.Query(ctx, m.cfg.RowKind, store.EntityFilter{
		AttrEquals: map[string]any{m.cfg.RunKeyAttr: runKey},
	})
	if err != nil {
		return err
	}

	if expected, ok := detail["expectedRowCount"].(float64); ok && len(rows) < int(expected) {
		m.logger.WarnContext(ctx, "shower join is short of expected rows",
			slog.String("workflow", m.pipeline.WorkflowName),
			slog.String("run_key", runKey),
			slog.Int("expected", int(expected)),
			slog.Int("joined", len(rows)))
	}

	joined := make([]any, 0, len(rows))
	for _, row := range rows {
		joined = append(joined, row.Attributes)
	}

	data := schema.PayloadData{
		Inputs: map[string]any{
			m.cfg.RunKeyAttr:   runKey,
			m.cfg.RowsInputKey: joined,
		},
		Tags: map[string]any{m.cfg.RunKeyAttr: runKey},
	}
	if err := emitDraft(ctx, m.pub, m.pipeline, data, m.now().UTC()); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "shower joined into draft",
		slog.String("workflow", m.pipeline.WorkflowName),
		slog.String("run_key", runKey),
		slog.Int("rows", len(joined)))
	return nil
}
