// Package bridge maps the external engine's vendor event feed onto
// internal run state changes. Vendor statuses the mapping table does not
// know are dropped with a warning, never errored; non-terminal statuses
// are dropped silently so downstream chains stay quiet until the run
// actually finishes.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/seqflow/internal/logging"
	"github.com/rendis/seqflow/internal/metrics"
	"github.com/rendis/seqflow/internal/preamble"
	"github.com/rendis/seqflow/internal/store"
	"github.com/rendis/seqflow/pkg/schema"
)

// AnalysisStateChangeCode is the vendor event code carrying analysis
// state transitions on the ICA feed.
const AnalysisStateChangeCode = "ICA_EXEC_028"

// VendorSource is the bus source vendor feed events arrive under.
const VendorSource = "ica"

// VendorEvent is one entry of the vendor status feed.
type VendorEvent struct {
	EventCode string         `json:"eventCode"`
	Payload   map[string]any `json:"payload"`
}

// UserReference returns the vendor payload's user reference, the run
// name the analysis was launched under.
func (e *VendorEvent) UserReference() string {
	ref, _ := e.Payload["userReference"].(string)
	return ref
}

// AnalysisID returns the vendor payload's analysis identifier.
func (e *VendorEvent) AnalysisID() string {
	id, _ := e.Payload["id"].(string)
	return id
}

// VendorStatus returns the vendor payload's status string.
func (e *VendorEvent) VendorStatus() string {
	status, _ := e.Payload["status"].(string)
	return status
}

// DefaultStatusMap is the ICA analysis status mapping. The bridge owns
// this table; unknown statuses are dropped with a warning.
var DefaultStatusMap = map[string]schema.RunStatus{
	"REQUESTED":      schema.RunStatusRunning,
	"QUEUED":         schema.RunStatusRunning,
	"INITIALIZING":   schema.RunStatusRunning,
	"PREPARING":      schema.RunStatusRunning,
	"IN_PROGRESS":    schema.RunStatusRunning,
	"GENERATING":     schema.RunStatusRunning,
	"AWAITING_INPUT": schema.RunStatusRunning,
	"SUCCEEDED":      schema.RunStatusSucceeded,
	"FAILED":         schema.RunStatusFailed,
	"FAILED_FINAL":   schema.RunStatusFailed,
	"ABORTED":        schema.RunStatusFailed,
}

// OutputResolver produces the workflow's output document for a finished
// analysis before the terminal event is emitted.
type OutputResolver interface {
	ResolveOutputs(ctx context.Context, portalRunID, analysisID string) (map[string]any, error)
}

// RunLookup finds the run row a vendor event refers to, via the
// analysis handle the dispatcher persisted.
type RunLookup interface {
	Query(ctx context.Context, kind string, filter store.EntityFilter) ([]*store.EntityRow, error)
}

// Publisher is the bus side terminal events are emitted through.
type Publisher interface {
	Publish(ctx context.Context, event schema.Envelope) error
}

// Config shapes one bridge instance.
type Config struct {
	// EventCode filters the feed; only matching codes are considered.
	// Defaults to AnalysisStateChangeCode.
	EventCode string

	// RunNamePrefix scopes the feed to this deployment's runs in a
	// multi-tenant feed. Events whose userReference does not carry the
	// prefix are ignored. Defaults to schema.DefaultRunNamePrefix.
	RunNamePrefix string

	// StatusMap overrides DefaultStatusMap when non-nil.
	StatusMap map[string]schema.RunStatus
}

// Bridge consumes the vendor feed for one pipeline.
type Bridge struct {
	pipeline  schema.Pipeline
	cfg       Config
	resolver  OutputResolver
	runs      RunLookup
	pub       Publisher
	statusMap map[string]schema.RunStatus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewBridge creates a status bridge for one pipeline. resolver may be
// nil when the pipeline has no output document to collect.
func NewBridge(p schema.Pipeline, cfg Config, resolver OutputResolver, runs RunLookup, pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventCode == "" {
		cfg.EventCode = AnalysisStateChangeCode
	}
	if cfg.RunNamePrefix == "" {
		cfg.RunNamePrefix = schema.DefaultRunNamePrefix
	}
	statusMap := cfg.StatusMap
	if statusMap == nil {
		statusMap = DefaultStatusMap
	}
	return &Bridge{
		pipeline:  p,
		cfg:       cfg,
		resolver:  resolver,
		runs:      runs,
		pub:       pub,
		statusMap: statusMap,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle processes one vendor feed entry. Only terminal statuses emit;
// everything else is dropped, loudly when the status is unknown and
// silently when it is a known intermediate.
func (b *Bridge) Handle(ctx context.Context, event VendorEvent) error {
	if event.EventCode != b.cfg.EventCode {
		return nil
	}
	ref := event.UserReference()
	if !strings.HasPrefix(ref, b.cfg.RunNamePrefix) {
		return nil
	}
	if !b.matchesPipeline(ref) {
		return nil
	}

	status, ok := b.statusMap[event.VendorStatus()]
	if !ok {
		b.metrics.VendorEventDropped()
		b.logger.WarnContext(ctx, "unknown vendor status, dropping event",
			slog.String("code", schema.ErrCodeVendorMappingUnknown),
			slog.String("vendor_status", event.VendorStatus()),
			slog.String("user_reference", ref))
		return nil
	}
	if !status.IsTerminal() {
		return nil
	}

	run, err := b.lookupRun(ctx, event.AnalysisID())
	if err != nil {
		return err
	}
	portalRunID, _ := run["portalRunId"].(string)
	ctx = logging.WithPortalRunID(ctx, portalRunID)
	ctx = logging.WithWorkflow(ctx, b.pipeline.WorkflowName)

	var outputs map[string]any
	if b.resolver != nil && status == schema.RunStatusSucceeded {
		outputs, err = b.resolver.ResolveOutputs(ctx, portalRunID, event.AnalysisID())
		if err != nil {
			return err
		}
	}

	if err := b.emitTerminal(ctx, run, status, outputs); err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "vendor status bridged",
		slog.String("vendor_status", event.VendorStatus()),
		slog.String("status", string(status)))
	return nil
}

// HandleEnvelope adapts a bus-delivered vendor feed entry to Handle.
func (b *Bridge) HandleEnvelope(ctx context.Context, event schema.Envelope) error {
	var vendor VendorEvent
	if err := json.Unmarshal(event.Detail, &vendor); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode vendor event: %s", err.Error()).WithCause(err)
	}
	return b.Handle(ctx, vendor)
}

// matchesPipeline checks the run-name convention encodes this pipeline's
// workflow: prefix--workflowName--version--portalRunId.
func (b *Bridge) matchesPipeline(userReference string) bool {
	rest := strings.TrimPrefix(userReference, b.cfg.RunNamePrefix)
	rest = strings.TrimPrefix(rest, "--")
	return strings.HasPrefix(rest, preamble.CoerceRunName(b.pipeline.WorkflowName)+"--")
}

// lookupRun finds the run row the dispatcher persisted for the analysis.
func (b *Bridge) lookupRun(ctx context.Context, analysisID string) (map[string]any, error) {
	if analysisID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "vendor event has no analysis id")
	}
	rows, err := b.runs.Query(ctx, b.pipeline.EntityKind, store.EntityFilter{
		AttrEquals: map[string]any{"analysisId": analysisID},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no run found for analysis %s", analysisID)
	}
	return rows[0].Attributes, nil
}

func (b *Bridge) emitTerminal(ctx context.Context, run map[string]any, status schema.RunStatus, outputs map[string]any) error {
	portalRunID, _ := run["portalRunId"].(string)
	runName, _ := run["workflowRunName"].(string)

	detailStatus := schema.StatusSucceeded
	if status == schema.RunStatusFailed {
		detailStatus = schema.StatusFailed
	}

	detail := schema.RunDetail{
		Status:          detailStatus,
		PortalRunID:     portalRunID,
		WorkflowRunName: runName,
		Workflow: &schema.WorkflowRef{
			Name:    b.pipeline.WorkflowName,
			Version: b.pipeline.WorkflowVersion,
		},
		Timestamp: b.now().UTC(),
	}
	if outputs != nil {
		detail.Payload = &schema.Payload{
			Version: b.pipeline.PayloadVersion,
			Data: schema.PayloadData{
				Outputs: outputs,
				Tags:    map[string]any{"portalRunId": portalRunID},
			},
		}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "encode terminal detail: %s", err.Error()).WithCause(err)
	}
	return b.pub.Publish(ctx, schema.Envelope{
		Source:     b.pipeline.EventSource(),
		DetailType: schema.DetailTypeWorkflowRunStateChange,
		Detail:     raw,
		Timestamp:  b.now().UTC(),
	})
}
