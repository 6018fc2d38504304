package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/seqflow/pkg/schema"
)

func draftEnvelope(source, workflowName string) schema.Envelope {
	detail, _ := json.Marshal(map[string]any{
		"status": schema.StatusDraft,
		"workflow": map[string]any{
			"name":    workflowName,
			"version": "2.1.1",
		},
	})
	return schema.Envelope{
		Source:     source,
		DetailType: schema.DetailTypeWorkflowDraftRunStateChange,
		Detail:     detail,
	}
}

func TestPattern_ExactQuadruple(t *testing.T) {
	p := Pattern{
		Source:       "orcabus.cttsov2glue",
		DetailType:   schema.DetailTypeWorkflowDraftRunStateChange,
		Status:       schema.StatusDraft,
		WorkflowName: "cttsov2",
	}
	assert.True(t, p.Match(draftEnvelope("orcabus.cttsov2glue", "cttsov2")))
}

func TestPattern_WorkflowNameCaseInsensitive(t *testing.T) {
	p := Pattern{WorkflowName: "cttsov2"}
	assert.True(t, p.Match(draftEnvelope("x", "CTTSOv2")))
	assert.True(t, p.Match(draftEnvelope("x", "cttsov2")))
}

func TestPattern_NoCrossPipelineLeakage(t *testing.T) {
	cttso := Pattern{
		DetailType:   schema.DetailTypeWorkflowDraftRunStateChange,
		Status:       schema.StatusDraft,
		WorkflowName: "cttsov2",
	}
	wgts := Pattern{
		DetailType:   schema.DetailTypeWorkflowDraftRunStateChange,
		Status:       schema.StatusDraft,
		WorkflowName: "wgts-qc",
	}

	ev := draftEnvelope("orcabus.glue", "cttsov2")
	assert.True(t, cttso.Match(ev))
	assert.False(t, wgts.Match(ev))

	ev = draftEnvelope("orcabus.glue", "wgts-qc")
	assert.False(t, cttso.Match(ev))
	assert.True(t, wgts.Match(ev))
}

func TestPattern_FlatWorkflowNameForm(t *testing.T) {
	detail, _ := json.Marshal(map[string]any{
		"status":       schema.StatusDraft,
		"workflowName": "bsshFastqCopy",
	})
	ev := schema.Envelope{DetailType: schema.DetailTypeWorkflowDraftRunStateChange, Detail: detail}

	p := Pattern{WorkflowName: "bsshfastqcopy"}
	assert.True(t, p.Match(ev))
}

func TestPattern_StatusMismatch(t *testing.T) {
	p := Pattern{Status: schema.StatusReady}
	assert.False(t, p.Match(draftEnvelope("x", "cttsov2")))
}

func TestPattern_StatusList(t *testing.T) {
	detail, _ := json.Marshal(map[string]any{"status": schema.StatusNewFastqListRow})
	ev := schema.Envelope{DetailType: schema.DetailTypeFastqListRowStateChange, Detail: detail}

	p := Pattern{Statuses: []string{schema.StatusNewFastqListRow, schema.StatusShowerComplete}}
	assert.True(t, p.Match(ev))

	p = Pattern{Statuses: []string{schema.StatusShowerComplete}}
	assert.False(t, p.Match(ev))
}

func TestPattern_EmptyMatchesAll(t *testing.T) {
	assert.True(t, Pattern{}.Match(draftEnvelope("any", "any")))
}
