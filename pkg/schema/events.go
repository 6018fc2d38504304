package schema

import (
	"encoding/json"
	"time"
)

// Detail types carried on the event bus.
const (
	DetailTypeSamplesheetShowerStateChange  = "SamplesheetShowerStateChange"
	DetailTypeFastqListRowShowerStateChange = "FastqListRowShowerStateChange"
	DetailTypeFastqListRowStateChange       = "FastqListRowStateChange"
	DetailTypeLibraryStateChange            = "LibraryStateChange"
	DetailTypeWorkflowDraftRunStateChange   = "WorkflowDraftRunStateChange"
	DetailTypeWorkflowRunStateChange        = "WorkflowRunStateChange"
)

// Status vocabulary per detail type. Events are immutable and append-only;
// ordering between independent producers is not guaranteed, so consumers
// treat shower-complete signals as the only deterministic barrier.
const (
	StatusDraft     = "draft"
	StatusReady     = "ready"
	StatusLaunched  = "launched"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"

	StatusNewSamplesheet  = "newSamplesheet"
	StatusNewFastqListRow = "newFastqListRow"
	StatusNewLibrary      = "newLibrary"
	StatusQCComplete      = "QC_COMPLETE"

	StatusShowerStarting = "ShowerStarting"
	StatusShowerComplete = "ShowerComplete"
)

// RunStatus is the lifecycle state of one logical run.
// Transitions are driven exclusively by events; no component polls.
type RunStatus string

const (
	RunStatusUninitialised RunStatus = "UNINITIALISED"
	RunStatusDraft         RunStatus = "DRAFT"
	RunStatusReady         RunStatus = "READY"
	RunStatusLaunched      RunStatus = "LAUNCHED"
	RunStatusRunning       RunStatus = "RUNNING"
	RunStatusSucceeded     RunStatus = "SUCCEEDED"
	RunStatusFailed        RunStatus = "FAILED"
)

// IsTerminal reports whether the status ends the run lifecycle.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Envelope is the wire format carried on the event bus.
// The detail-type discriminates the detail body; detail.status is the
// primary discriminator within a detail type.
type Envelope struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
	Timestamp  time.Time       `json:"time,omitzero"`
}

// Status decodes just the status discriminator from the detail body.
// Returns "" when the detail carries no status.
func (e *Envelope) Status() string {
	var head struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(e.Detail, &head); err != nil {
		return ""
	}
	return head.Status
}

// DetailMap decodes the detail body into a generic map for predicate
// evaluation. Returns an empty map on malformed detail.
func (e *Envelope) DetailMap() map[string]any {
	out := map[string]any{}
	_ = json.Unmarshal(e.Detail, &out)
	return out
}
