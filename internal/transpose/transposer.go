package transpose

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/seqflow/internal/engineparams"
	"github.com/rendis/seqflow/internal/logging"
	"github.com/rendis/seqflow/internal/preamble"
	"github.com/rendis/seqflow/pkg/schema"
)

// DraftValidator checks an incoming draft detail before the transition
// starts.
type DraftValidator interface {
	ValidateDraft(detail json.RawMessage) error
}

// Publisher is the bus side the transposer emits ready events through.
type Publisher interface {
	Publish(ctx context.Context, event schema.Envelope) error
}

// MarkerStore is the conditional-write side of the entity store the
// transposer dedupes ready emissions through.
type MarkerStore interface {
	CreateIfAbsent(ctx context.Context, kind, id string, attrs map[string]any) error
}

// Transposer resolves one draft event into one ready event. Routing is
// an exact match of the (source, detail-type, status, workflowName)
// quadruple: a draft for another pipeline's workflow is ignored, never
// errored, so one bus subscription can feed many transposers.
type Transposer struct {
	pipeline  schema.Pipeline
	preamble  *preamble.Service
	collector *engineparams.Collector
	validator DraftValidator
	markers   MarkerStore
	pub       Publisher
	await     AwaitConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewTransposer creates a transposer for one pipeline. validator may be
// nil to skip draft schema validation.
func NewTransposer(p schema.Pipeline, pre *preamble.Service, collector *engineparams.Collector, validator DraftValidator, markers MarkerStore, pub Publisher, await AwaitConfig, logger *slog.Logger) *Transposer {
	if logger == nil {
		logger = slog.Default()
	}
	if await.Timeout <= 0 && await.Retry.MaxAttempts <= 0 {
		await = DefaultAwaitConfig
	}
	return &Transposer{
		pipeline:  p,
		preamble:  pre,
		collector: collector,
		validator: validator,
		markers:   markers,
		pub:       pub,
		await:     await,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle processes one candidate draft event through the transition
// stages: receive and validate the draft, mint the run identity,
// collect engine parameters, emit ready. Failure at any stage aborts
// the transition without emitting; the draft is redelivered, and the
// identity idempotence plus the collector's purity make the rerun safe.
func (t *Transposer) Handle(ctx context.Context, event schema.Envelope) error {
	if event.DetailType != schema.DetailTypeWorkflowDraftRunStateChange {
		return nil
	}
	if event.Source != t.pipeline.EventSource() {
		return nil
	}

	detail, err := schema.DecodeRunDetail(event.Detail)
	if err != nil {
		return err
	}
	if detail.Status != schema.StatusDraft {
		return nil
	}
	if !detail.MatchesWorkflow(t.pipeline.WorkflowName) {
		return nil
	}

	if t.validator != nil {
		if err := t.validator.ValidateDraft(event.Detail); err != nil {
			return err
		}
	}

	ctx = logging.WithWorkflow(ctx, t.pipeline.WorkflowName)

	identity, err := invokeAndAwait(ctx, t.await, "preamble", t.logger,
		func(ctx context.Context) (*preamble.Identity, error) {
			return t.preamble.MintIdentity(ctx, preamble.Request{
				WorkflowName:    t.pipeline.WorkflowName,
				WorkflowVersion: t.pipeline.WorkflowVersion,
				NaturalKey:      detail.NaturalKey(t.pipeline.RunKeyAttrs...),
				RunNamePrefix:   t.pipeline.RunNamePrefix,
			})
		})
	if err != nil {
		return err
	}
	ctx = logging.WithPortalRunID(ctx, identity.PortalRunID)

	var inputs map[string]any
	if detail.Payload != nil {
		inputs = detail.Payload.Data.Inputs
	}
	params, err := invokeAndAwait(ctx, t.await, "collect-engine-parameters", t.logger,
		func(ctx context.Context) (map[string]any, error) {
			return t.collector.Collect(ctx, t.pipeline.Pointers, t.pipeline.EngineParameters, engineparams.Substitutions{
				PortalRunID:     identity.PortalRunID,
				WorkflowName:    t.pipeline.WorkflowName,
				WorkflowVersion: t.pipeline.WorkflowVersion,
				Inputs:          inputs,
			})
		})
	if err != nil {
		return err
	}

	// Conditional marker before emitting: concurrent transpositions of
	// the same run and redelivered drafts converge to one ready event.
	err = t.markers.CreateIfAbsent(ctx, t.pipeline.EntityKind, schema.ReadyMarkerID(identity.PortalRunID),
		map[string]any{"portalRunId": identity.PortalRunID, "markedAt": t.now().UTC().Format(time.RFC3339)})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeAlreadyExists) {
			t.logger.DebugContext(ctx, "ready already emitted for run, skipping")
			return nil
		}
		return err
	}

	if err := t.emitReady(ctx, detail, identity, params); err != nil {
		return err
	}
	t.logger.InfoContext(ctx, "draft transposed to ready",
		slog.String("workflow_run_name", identity.WorkflowRunName))
	return nil
}

// emitReady publishes the WorkflowRunStateChange{status:"ready"} with
// the merged payload: the draft's inputs and tags plus the minted
// identity and the resolved engine parameters.
func (t *Transposer) emitReady(ctx context.Context, draft *schema.RunDetail, identity *preamble.Identity, params map[string]any) error {
	data := schema.PayloadData{EngineParameters: params}
	if draft.Payload != nil {
		data.Inputs = draft.Payload.Data.Inputs
		data.Tags = draft.Payload.Data.Tags
	}
	if data.Tags == nil {
		data.Tags = map[string]any{}
	}
	data.Tags["portalRunId"] = identity.PortalRunID

	ready := schema.RunDetail{
		Status:          schema.StatusReady,
		PortalRunID:     identity.PortalRunID,
		WorkflowRunName: identity.WorkflowRunName,
		Workflow: &schema.WorkflowRef{
			Name:    t.pipeline.WorkflowName,
			Version: t.pipeline.WorkflowVersion,
		},
		Timestamp: t.now().UTC(),
		Payload: &schema.Payload{
			Version: t.pipeline.PayloadVersion,
			Data:    data,
		},
	}
	raw, err := json.Marshal(ready)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "encode ready detail: %s", err.Error()).WithCause(err)
	}
	return t.pub.Publish(ctx, schema.Envelope{
		Source:     t.pipeline.EventSource(),
		DetailType: schema.DetailTypeWorkflowRunStateChange,
		Detail:     raw,
		Timestamp:  t.now().UTC(),
	})
}
