package bus

import (
	"strings"

	"github.com/rendis/seqflow/pkg/schema"
)

// Pattern is the typed in-process filter predicate evaluated against each
// decoded event. Empty fields match anything; set fields are exact
// matches, except WorkflowName which matches case-insensitively and
// accepts both the nested detail.workflow.name and the flat
// detail.workflowName wire forms. No wildcard workflow routing: a
// transposer for one pipeline never sees another pipeline's drafts.
type Pattern struct {
	Source       string   `json:"source,omitempty"`
	DetailType   string   `json:"detailType,omitempty"`
	Status       string   `json:"status,omitempty"`
	Statuses     []string `json:"statuses,omitempty"`
	WorkflowName string   `json:"workflowName,omitempty"`
}

// Match reports whether the envelope passes the pattern.
func (p Pattern) Match(e schema.Envelope) bool {
	if p.Source != "" && p.Source != e.Source {
		return false
	}
	if p.DetailType != "" && p.DetailType != e.DetailType {
		return false
	}
	if p.Status != "" || len(p.Statuses) > 0 {
		status := e.Status()
		if p.Status != "" && p.Status != status {
			return false
		}
		if len(p.Statuses) > 0 && !containsString(p.Statuses, status) {
			return false
		}
	}
	if p.WorkflowName != "" {
		detail, err := schema.DecodeRunDetail(e.Detail)
		if err != nil {
			return false
		}
		if !strings.EqualFold(detail.ResolvedWorkflowName(), p.WorkflowName) {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
