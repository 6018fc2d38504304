// Package dispatch hands a ready run to its external launcher exactly
// once. The "launched" marker row is created with a conditional write
// before the launcher is invoked, so redelivered or concurrent ready
// events for the same portal run are no-ops.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/seqflow/internal/logging"
	"github.com/rendis/seqflow/internal/metrics"
	"github.com/rendis/seqflow/pkg/schema"
)

// Launcher starts one analysis on the external engine. Implementations
// must tolerate retried calls: the dispatcher only invokes it after
// winning the launch marker, but a crash between marker and launch is
// redelivered into a no-op, never a second launch.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error)
}

// LaunchRequest is the resolved configuration handed to the launcher.
type LaunchRequest struct {
	PortalRunID      string         `json:"portalRunId"`
	WorkflowRunName  string         `json:"workflowRunName"`
	WorkflowName     string         `json:"workflowName"`
	WorkflowVersion  string         `json:"workflowVersion"`
	Inputs           map[string]any `json:"inputs,omitempty"`
	EngineParameters map[string]any `json:"engineParameters,omitempty"`
	Tags             map[string]any `json:"tags,omitempty"`
}

// LaunchResult is the external engine's handle for the started analysis.
type LaunchResult struct {
	AnalysisID     string         `json:"analysisId"`
	AnalysisStatus string         `json:"analysisStatus,omitempty"`
	Raw            map[string]any `json:"raw,omitempty"`
}

// EntityStore is the store side of the dispatcher: the conditional
// launch marker plus the merge-upsert persisting the analysis handle.
type EntityStore interface {
	CreateIfAbsent(ctx context.Context, kind, id string, attrs map[string]any) error
	UpsertMerge(ctx context.Context, kind, id string, attrs map[string]any) error
}

// Publisher is the bus side the dispatcher emits launched events through.
type Publisher interface {
	Publish(ctx context.Context, event schema.Envelope) error
}

// Dispatcher consumes ready events for one pipeline and launches each
// run at most once.
type Dispatcher struct {
	pipeline schema.Pipeline
	launcher Launcher
	entities EntityStore
	pub      Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher for one pipeline.
func NewDispatcher(p schema.Pipeline, launcher Launcher, entities EntityStore, pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pipeline: p,
		launcher: launcher,
		entities: entities,
		pub:      pub,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle processes one candidate ready event. Routing mirrors the
// transposer's quadruple: mismatched events are ignored without error.
func (d *Dispatcher) Handle(ctx context.Context, event schema.Envelope) error {
	if event.DetailType != schema.DetailTypeWorkflowRunStateChange {
		return nil
	}
	if event.Source != d.pipeline.EventSource() {
		return nil
	}

	detail, err := schema.DecodeRunDetail(event.Detail)
	if err != nil {
		return err
	}
	if detail.Status != schema.StatusReady {
		return nil
	}
	if !detail.MatchesWorkflow(d.pipeline.WorkflowName) {
		return nil
	}
	if detail.PortalRunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "ready event has no portalRunId")
	}

	ctx = logging.WithPortalRunID(ctx, detail.PortalRunID)
	ctx = logging.WithWorkflow(ctx, d.pipeline.WorkflowName)

	// At-most-one launch per portal run. Losing the marker means some
	// other delivery already launched (or is launching); dispatch is a
	// no-op either way.
	markerID := schema.LaunchMarkerID(detail.PortalRunID)
	err = d.entities.CreateIfAbsent(ctx, d.pipeline.EntityKind, markerID,
		map[string]any{"portalRunId": detail.PortalRunID, "markedAt": d.now().UTC().Format(time.RFC3339)})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeAlreadyExists) {
			d.logger.DebugContext(ctx, "run already launched, skipping")
			return nil
		}
		return err
	}

	result, err := d.launcher.Launch(ctx, d.launchRequest(detail))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeLaunch, "launcher failed for %s", detail.PortalRunID).WithCause(err)
	}

	if err := d.persistHandle(ctx, detail, result); err != nil {
		return err
	}

	if err := d.emitLaunched(ctx, detail, result); err != nil {
		return err
	}

	d.metrics.LaunchDispatched(d.pipeline.WorkflowName)
	d.logger.InfoContext(ctx, "run launched",
		slog.String("analysis_id", result.AnalysisID),
		slog.String("workflow_run_name", detail.WorkflowRunName))
	return nil
}

func (d *Dispatcher) launchRequest(detail *schema.RunDetail) LaunchRequest {
	req := LaunchRequest{
		PortalRunID:     detail.PortalRunID,
		WorkflowRunName: detail.WorkflowRunName,
		WorkflowName:    d.pipeline.WorkflowName,
		WorkflowVersion: d.pipeline.WorkflowVersion,
	}
	if detail.Payload != nil {
		req.Inputs = detail.Payload.Data.Inputs
		req.EngineParameters = detail.Payload.Data.EngineParameters
		req.Tags = detail.Payload.Data.Tags
	}
	return req
}

// persistHandle merge-upserts the analysis handle into the pipeline's
// entity partition keyed by portalRunId.
func (d *Dispatcher) persistHandle(ctx context.Context, detail *schema.RunDetail, result *LaunchResult) error {
	attrs := map[string]any{
		"portalRunId":     detail.PortalRunID,
		"workflowRunName": detail.WorkflowRunName,
		"analysisId":      result.AnalysisID,
		"launchedAt":      d.now().UTC().Format(time.RFC3339),
	}
	if result.AnalysisStatus != "" {
		attrs["analysisStatus"] = result.AnalysisStatus
	}
	return d.entities.UpsertMerge(ctx, d.pipeline.EntityKind, detail.PortalRunID, attrs)
}

func (d *Dispatcher) emitLaunched(ctx context.Context, detail *schema.RunDetail, result *LaunchResult) error {
	launched := *detail
	launched.Status = schema.StatusLaunched
	launched.Timestamp = d.now().UTC()
	if launched.Payload != nil {
		payload := *launched.Payload
		tags := make(map[string]any, len(payload.Data.Tags)+1)
		for k, v := range payload.Data.Tags {
			tags[k] = v
		}
		tags["analysisId"] = result.AnalysisID
		payload.Data.Tags = tags
		launched.Payload = &payload
	}

	raw, err := json.Marshal(launched)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "encode launched detail: %s", err.Error()).WithCause(err)
	}
	return d.pub.Publish(ctx, schema.Envelope{
		Source:     d.pipeline.EventSource(),
		DetailType: schema.DetailTypeWorkflowRunStateChange,
		Detail:     raw,
		Timestamp:  d.now().UTC(),
	})
}
