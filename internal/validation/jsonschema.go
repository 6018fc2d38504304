// Package validation checks run state change details against JSON
// Schema before they enter a transition. A malformed draft fails fast
// with a VALIDATION_ERROR instead of surfacing halfway through the
// transposer.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/seqflow/pkg/schema"
)

// draftSchemaJSON is the JSON Schema for WorkflowDraftRunStateChange
// details. Embedded as a constant to avoid filesystem dependencies.
// Both workflow-reference wire forms are accepted: the nested
// workflow.{name,version} object and the flat workflowName pair.
const draftSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://seqflow.dev/schemas/draft.json",
  "type": "object",
  "required": ["status", "payload"],
  "properties": {
    "status": {
      "type": "string",
      "enum": ["draft"]
    },
    "portalRunId": { "type": "string" },
    "workflowRunName": { "type": "string" },
    "workflow": {
      "type": "object",
      "required": ["name", "version"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 }
      }
    },
    "workflowName": { "type": "string" },
    "workflowVersion": { "type": "string" },
    "timestamp": { "type": "string" },
    "payload": {
      "type": "object",
      "required": ["version", "data"],
      "properties": {
        "version": { "type": "string" },
        "data": {
          "type": "object",
          "properties": {
            "inputs": { "type": "object" },
            "engineParameters": { "type": "object" },
            "tags": { "type": "object" }
          }
        }
      }
    }
  },
  "anyOf": [
    { "required": ["workflow"] },
    { "required": ["workflowName"] }
  ]
}`

// JSONSchemaValidator validates event details using JSON Schema Draft
// 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	draftSchema *jsonschema.Schema

	// mu guards the cache for dynamic per-pipeline input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the draft schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(draftSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal draft schema: %w", err)
	}
	if err := c.AddResource("https://seqflow.dev/schemas/draft.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add draft schema resource: %w", err)
	}

	compiled, err := c.Compile("https://seqflow.dev/schemas/draft.json")
	if err != nil {
		return nil, fmt.Errorf("compile draft schema: %w", err)
	}

	return &JSONSchemaValidator{
		draftSchema: compiled,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDraft validates a WorkflowDraftRunStateChange detail body.
func (v *JSONSchemaValidator) ValidateDraft(detail json.RawMessage) error {
	if len(detail) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "draft detail is empty")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(detail)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "draft detail is not valid JSON").WithCause(err)
	}

	if err := v.draftSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInputs validates a draft's inputs against a pipeline-specific
// JSON Schema. The schema is compiled and cached for subsequent calls.
// An empty schema means no validation.
func (v *JSONSchemaValidator) ValidateInputs(inputs map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if inputs == nil {
		return schema.NewError(schema.ErrCodeValidation, "inputs are nil")
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(inputs)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize inputs").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("seqflow://input-schema/%d", len(v.cache))

	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError
// with per-location violation messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
