package expressions

import "github.com/rendis/seqflow/pkg/schema"

// EventData builds the evaluation environment for a trigger-condition
// expression from an envelope: source, detailType and the decoded detail.
func EventData(e schema.Envelope) map[string]any {
	return map[string]any{
		"source":     e.Source,
		"detailType": e.DetailType,
		"detail":     e.DetailMap(),
	}
}
