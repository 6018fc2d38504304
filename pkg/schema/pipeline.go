package schema

// TriggerSpec selects which events start a pipeline's draft maker.
// Source, DetailType and Status are exact matches; Condition is an
// optional expression (expr, cel or jq) evaluated against the decoded
// event for finer gating.
type TriggerSpec struct {
	Source          string `json:"source"`
	DetailType      string `json:"detailType"`
	Status          string `json:"status,omitempty"`
	Condition       string `json:"condition,omitempty"`
	ConditionEngine string `json:"conditionEngine,omitempty"` // expr | cel | jq (default: expr)
}

// ShowerSpec configures shower aggregation for pipelines fed by many
// populate events and one complete signal instead of a single trigger.
type ShowerSpec struct {
	PopulateDetailType string `json:"populateDetailType"`
	PopulateStatus     string `json:"populateStatus,omitempty"`
	CompleteDetailType string `json:"completeDetailType"`
	CompleteStatus     string `json:"completeStatus,omitempty"`

	// RowKind is the entity kind rows accumulate under.
	RowKind string `json:"rowKind"`
	// RunKeyAttr is the attribute every row shares with its shower.
	RunKeyAttr string `json:"runKeyAttr"`
	// RowIDAttr identifies one row within the shower.
	RowIDAttr string `json:"rowIdAttr"`
	// RowsInputKey is the draft input key the joined rows land under.
	RowsInputKey string `json:"rowsInputKey"`
}

// PointerSpec maps one engine parameter key to a configuration-store
// pointer. An empty Path means "not configured" and the pointer is
// skipped, not an error. Secret pointers resolve through the vault and
// are never echoed into logs.
type PointerSpec struct {
	Key    string `json:"key"`            // engine parameter name, e.g. "outputUri"
	Path   string `json:"path,omitempty"` // configuration-store path
	Secret bool   `json:"secret,omitempty"`
}

// Pipeline is the single generic per-pipeline configuration consumed by
// the draft maker, transposer and dispatcher. One Pipeline value replaces
// the per-pipeline construct hierarchy of older deployments: no
// subclassing, no process-wide state.
type Pipeline struct {
	WorkflowName    string `json:"workflowName"`
	WorkflowVersion string `json:"workflowVersion"`
	PayloadVersion  string `json:"payloadVersion,omitempty"`

	// Source is the bus source the pipeline publishes its own events
	// under, and the source the transposer filters drafts on. Defaults
	// to DefaultSource.
	Source string `json:"source,omitempty"`

	// EntityKind is the workflow-specific entity store partition,
	// e.g. "cttso_v2" or "wgts_qc".
	EntityKind string `json:"entityKind"`

	// Trigger starts the direct draft maker; Shower, when set, replaces
	// it with the shower-aggregation maker.
	Trigger  TriggerSpec   `json:"trigger"`
	Shower   *ShowerSpec   `json:"shower,omitempty"`
	Pointers []PointerSpec `json:"pointers,omitempty"`

	// RunNamePrefix prefixes minted workflow run names. Defaults to
	// DefaultRunNamePrefix when empty.
	RunNamePrefix string `json:"runNamePrefix,omitempty"`

	// RunKeyAttrs are the draft attributes the natural key is derived
	// from, matched against tags and inputs. Defaults to
	// DefaultRunKeyAttrs when empty.
	RunKeyAttrs []string `json:"runKeyAttrs,omitempty"`

	// EngineParameters is the placeholder-laden payload fragment merged
	// with pointer values before substitution, e.g.
	// {"outputUri": "icav2://.../__workflow_name__/__portal_run_id__/"}.
	EngineParameters map[string]any `json:"engineParameters,omitempty"`
}

// DefaultRunNamePrefix is the run-name prefix convention used when a
// pipeline does not set its own. Also the disambiguation prefix the
// status bridge filters vendor feeds on.
const DefaultRunNamePrefix = "umccr--automated"

// DefaultSource is the bus source pipelines publish under when none is
// configured.
const DefaultSource = "seqflow"

// EventSource returns the source the pipeline publishes events under.
func (p *Pipeline) EventSource() string {
	if p.Source != "" {
		return p.Source
	}
	return DefaultSource
}

// Prefix returns the pipeline's run-name prefix.
func (p *Pipeline) Prefix() string {
	if p.RunNamePrefix != "" {
		return p.RunNamePrefix
	}
	return DefaultRunNamePrefix
}

// LaunchMarkerID returns the entity id of the "launched" marker row for
// a portal run. The marker is created with a conditional write before the
// launcher is invoked, giving at-most-one launch per portal run id.
func LaunchMarkerID(portalRunID string) string {
	return portalRunID + "#launched"
}

// ReadyMarkerID returns the entity id of the "ready" marker row for a
// portal run. The transposer creates it conditionally before emitting,
// so concurrent or redelivered drafts for the same run converge to one
// ready event.
func ReadyMarkerID(portalRunID string) string {
	return portalRunID + "#ready"
}
