package store

import (
	"encoding/json"
	"time"
)

// Entity kinds shared by every orchestration domain. Pipelines add one
// workflow-specific kind each (e.g. "cttso_v2", "wgts_qc") via their
// Pipeline.EntityKind.
const (
	KindInstrumentRun = "instrument_run"
	KindSubject       = "subject"
	KindLibrary       = "library"
	KindFastqListRow  = "fastq_list_row"
	KindPortalRun     = "portal_run"
)

// EntityRow is one row of the shared entity table, partitioned by
// (kind, id). Attributes are merge-upserted: new keys are unioned into
// existing ones, last writer wins per key, never silently dropped.
type EntityRow struct {
	Kind       string         `json:"kind"`
	ID         string         `json:"id"`
	Attributes map[string]any `json:"attributes"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// EntityFilter selects entity rows within one kind. AttrEquals matches
// top-level attribute values by equality; this is the scoped scan the
// shower join relies on (rows keyed by a shared run key).
type EntityFilter struct {
	AttrEquals map[string]any `json:"attr_equals,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

// JournalEvent is an immutable entry in the domain's event journal.
// The journal is what makes the bus durable; it is never replayed into
// handlers, only consulted for audit and redelivery bookkeeping.
type JournalEvent struct {
	ID         int64           `json:"id"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail_type"`
	Status     string          `json:"status,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EventFilter selects journal events.
type EventFilter struct {
	Source     string     `json:"source,omitempty"`
	DetailType string     `json:"detail_type,omitempty"`
	Status     string     `json:"status,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}
