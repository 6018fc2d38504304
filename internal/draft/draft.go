// Package draft turns upstream state change events into
// WorkflowDraftRunStateChange events. Two maker shapes exist: the
// DirectMaker maps one trigger event to one draft, and the ShowerMaker
// accumulates rows under a run key and joins them into a single draft
// when the shower-complete signal arrives.
package draft

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/seqflow/internal/bus"
	"github.com/rendis/seqflow/pkg/schema"
)

// Transform maps a trigger event to the draft payload body. Returning
// nil data without error skips the event (no draft emitted).
type Transform func(ctx context.Context, event schema.Envelope) (*schema.PayloadData, error)

// Publisher is the bus side the makers need.
type Publisher interface {
	Publish(ctx context.Context, event schema.Envelope) error
}

var _ Publisher = (bus.Bus)(nil)

// matchesTrigger reports whether the event matches a pipeline trigger's
// source, detail-type and status.
func matchesTrigger(t schema.TriggerSpec, event schema.Envelope) bool {
	if t.Source != "" && event.Source != t.Source {
		return false
	}
	if t.DetailType != "" && event.DetailType != t.DetailType {
		return false
	}
	if t.Status != "" && !strings.EqualFold(event.Status(), t.Status) {
		return false
	}
	return true
}

// emitDraft publishes one WorkflowDraftRunStateChange{status:"draft"}
// for the pipeline with the given payload body.
func emitDraft(ctx context.Context, pub Publisher, p schema.Pipeline, data schema.PayloadData, now time.Time) error {
	detail := schema.RunDetail{
		Status: schema.StatusDraft,
		Workflow: &schema.WorkflowRef{
			Name:    p.WorkflowName,
			Version: p.WorkflowVersion,
		},
		Timestamp: now,
		Payload: &schema.Payload{
			Version: p.PayloadVersion,
			Data:    data,
		},
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "encode draft detail: %s", err.Error()).WithCause(err)
	}
	return pub.Publish(ctx, schema.Envelope{
		Source:     p.EventSource(),
		DetailType: schema.DetailTypeWorkflowDraftRunStateChange,
		Detail:     raw,
		Timestamp:  now,
	})
}
