package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// WorkflowRef identifies a workflow by name and version.
type WorkflowRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PayloadData is the body of a run payload: the workflow's raw trigger
// inputs, the resolved engine parameters, the output document of a
// finished run, and free-form tags.
type PayloadData struct {
	Inputs           map[string]any `json:"inputs,omitempty"`
	EngineParameters map[string]any `json:"engineParameters,omitempty"`
	Outputs          map[string]any `json:"outputs,omitempty"`
	Tags             map[string]any `json:"tags,omitempty"`
}

// Payload is the versioned payload attached to run state change events.
type Payload struct {
	Version string      `json:"version"`
	Data    PayloadData `json:"data"`
}

// RunDetail is the detail body of WorkflowDraftRunStateChange and
// WorkflowRunStateChange events. Two workflow-reference forms occur on the
// wire: the nested workflow.{name,version} object and the flat
// workflowName/workflowVersion pair. Both decode; the nested form wins.
type RunDetail struct {
	Status          string       `json:"status"`
	PortalRunID     string       `json:"portalRunId,omitempty"`
	WorkflowRunName string       `json:"workflowRunName,omitempty"`
	Workflow        *WorkflowRef `json:"workflow,omitempty"`
	WorkflowName    string       `json:"workflowName,omitempty"`
	WorkflowVersion string       `json:"workflowVersion,omitempty"`
	Timestamp       time.Time    `json:"timestamp,omitzero"`
	Payload         *Payload     `json:"payload,omitempty"`
}

// ResolvedWorkflowName returns the workflow name regardless of which
// wire form the detail used.
func (d *RunDetail) ResolvedWorkflowName() string {
	if d.Workflow != nil && d.Workflow.Name != "" {
		return d.Workflow.Name
	}
	return d.WorkflowName
}

// ResolvedWorkflowVersion returns the workflow version regardless of which
// wire form the detail used.
func (d *RunDetail) ResolvedWorkflowVersion() string {
	if d.Workflow != nil && d.Workflow.Version != "" {
		return d.Workflow.Version
	}
	return d.WorkflowVersion
}

// MatchesWorkflow reports whether the detail's workflow name equals the
// given name, case-insensitively. Exact match only; wildcard routing is
// not permitted.
func (d *RunDetail) MatchesWorkflow(name string) bool {
	return strings.EqualFold(d.ResolvedWorkflowName(), name)
}

// DecodeRunDetail unmarshals a run state change detail body.
func DecodeRunDetail(raw json.RawMessage) (*RunDetail, error) {
	var d RunDetail
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode run detail: %s", err.Error()).WithCause(err)
	}
	return &d, nil
}

// DefaultRunKeyAttrs are the identity attributes NaturalKey reads when a
// pipeline does not configure its own run-key attributes.
var DefaultRunKeyAttrs = []string{"instrumentRunId", "libraryId", "sampleId", "subjectId"}

// NaturalKey derives the run's natural key from the draft detail: the
// join of workflow name and the draft's identity attributes, read from
// tags first and inputs second. A portalRunId tag set by a draft maker
// overrides the derivation outright, pinning the draft to that run. The
// key is stable across redelivered copies of the same draft and distinct
// across drafts that differ in any identity attribute.
func (d *RunDetail) NaturalKey(attrs ...string) string {
	workflow := strings.ToLower(d.ResolvedWorkflowName())
	if pinned := d.identityAttr("portalRunId"); pinned != "" {
		return workflow + "/" + pinned
	}
	if len(attrs) == 0 {
		attrs = DefaultRunKeyAttrs
	}
	parts := []string{workflow}
	for _, k := range attrs {
		if v := d.identityAttr(k); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "/")
}

// identityAttr reads one string-valued identity attribute, preferring
// tags over inputs.
func (d *RunDetail) identityAttr(key string) string {
	if d.Payload == nil {
		return ""
	}
	if v, ok := d.Payload.Data.Tags[key].(string); ok && v != "" {
		return v
	}
	if v, ok := d.Payload.Data.Inputs[key].(string); ok && v != "" {
		return v
	}
	return ""
}
