package engineparams

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/rendis/seqflow/internal/secrets"
	"github.com/rendis/seqflow/pkg/schema"
)

// ParameterStore is the configuration-store side of the collector.
// Satisfied by store.Store.
type ParameterStore interface {
	GetParameter(ctx context.Context, path string) (string, error)
}

// Substitutions carries the values placeholder tokens resolve from: the
// minted identity plus the draft payload's inputs.
type Substitutions struct {
	PortalRunID     string
	WorkflowName    string
	WorkflowVersion string
	Inputs          map[string]any
}

// Collector resolves engine parameter fragments: configuration-store
// pointers are read (undefined ones skipped), structured values
// flattened, and __snake_case__ placeholder tokens substituted. The
// collector is a pure function of its inputs and the store state, so a
// retried transition re-runs it safely.
type Collector struct {
	params ParameterStore
	vault  secrets.Vault
	logger *slog.Logger
}

// NewCollector creates a collector. vault may be nil when no pipeline
// uses secret pointers.
func NewCollector(params ParameterStore, vault secrets.Vault, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{params: params, vault: vault, logger: logger}
}

// Collect resolves the pipeline's pointers into the fragment and fills
// every placeholder. Empty values are filtered from the result so a
// pipeline with no logsUri configured simply has no logsUri key. A token
// left standing after resolution fails the call with
// UNRESOLVED_PLACEHOLDER rather than leaking into a ready event.
func (c *Collector) Collect(ctx context.Context, pointers []schema.PointerSpec, fragment map[string]any, sub Substitutions) (map[string]any, error) {
	resolved := make(map[string]any, len(fragment)+len(pointers))
	for k, v := range fragment {
		resolved[k] = v
	}

	for _, ptr := range pointers {
		if ptr.Path == "" {
			// Not configured for this pipeline; skip, not an error.
			continue
		}
		value, err := c.readPointer(ctx, ptr)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				c.logger.DebugContext(ctx, "configuration pointer not set, skipping",
					slog.String("key", ptr.Key), slog.String("path", ptr.Path))
				continue
			}
			return nil, err
		}
		mergePointerValue(resolved, ptr.Key, value)
	}

	filled := fillPlaceholders(resolved, sub)

	out := make(map[string]any, len(filled))
	for k, v := range filled {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		if v == nil {
			continue
		}
		out[k] = v
	}

	if tok := findUnresolvedToken(out); tok != "" {
		return nil, schema.NewErrorf(schema.ErrCodeUnresolvedPlaceholder,
			"placeholder %s has no matching value after resolution", tok).
			WithDetails(map[string]any{"token": tok})
	}
	return out, nil
}

// readPointer fetches one pointer value, through the vault for secret
// pointers so credential material stays encrypted at rest.
func (c *Collector) readPointer(ctx context.Context, ptr schema.PointerSpec) (string, error) {
	if ptr.Secret {
		if c.vault == nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"secret pointer %q requires a vault", ptr.Key)
		}
		val, err := c.vault.Resolve(ctx, ptr.Path)
		if err != nil {
			return "", err
		}
		return string(val), nil
	}
	return c.params.GetParameter(ctx, ptr.Path)
}

// mergePointerValue merges a pointer's raw value into the fragment.
// JSON arrays are flattened to key/value pairs, JSON objects merged
// key-by-key, anything else lands under the pointer's key.
func mergePointerValue(into map[string]any, key, raw string) {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(trimmed, "["):
		var list []any
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			for k, v := range FlattenListOfObjects(list) {
				into[k] = v
			}
			return
		}
	case strings.HasPrefix(trimmed, "{"):
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			for k, v := range obj {
				into[k] = v
			}
			return
		}
	}
	into[key] = raw
}

// fillPlaceholders walks the fragment and substitutes __token__ markers
// in every string value. Tokens resolve from the identity
// (__portal_run_id__, __workflow_name__, __workflow_version__) and from
// the payload inputs by snake-cased key. Values substituted into
// *Uri keys are sanitised: dots become underscores so "2.1.1" yields a
// valid path segment.
func fillPlaceholders(fragment map[string]any, sub Substitutions) map[string]any {
	return fillMap(fragment, sub)
}

func fillMap(m map[string]any, sub Substitutions) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = fillValue(k, v, sub)
	}
	return out
}

func fillValue(key string, v any, sub Substitutions) any {
	switch val := v.(type) {
	case string:
		return fillString(key, val, sub)
	case map[string]any:
		return fillMap(val, sub)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = fillValue(key, elem, sub)
		}
		return out
	default:
		return v
	}
}

func fillString(key, s string, sub Substitutions) string {
	isURI := strings.HasSuffix(key, "Uri")
	fill := func(s, token, val string) string {
		if isURI {
			val = sanitiseURIValue(val)
		}
		return strings.ReplaceAll(s, token, val)
	}

	s = fill(s, "__portal_run_id__", sub.PortalRunID)
	s = fill(s, "__workflow_name__", sub.WorkflowName)
	// The version is dotted by convention (2.1.1), so it is sanitised
	// wherever it lands, not only in URI keys.
	s = strings.ReplaceAll(s, "__workflow_version__", sanitiseURIValue(sub.WorkflowVersion))

	for inputKey, inputVal := range sub.Inputs {
		str, ok := inputVal.(string)
		if !ok {
			continue
		}
		s = fill(s, "__"+camelToSnake(inputKey)+"__", str)
	}
	return s
}

// sanitiseURIValue replaces dots with underscores so substituted values
// remain valid URI path segments (2.1.1 -> 2_1_1).
func sanitiseURIValue(v string) string {
	return strings.ReplaceAll(v, ".", "_")
}

// camelToSnake converts an input key to the token spelling:
// instrumentRunId -> instrument_run_id.
func camelToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var tokenPattern = regexp.MustCompile(`__[a-z0-9]+(?:_[a-z0-9]+)*__`)

// findUnresolvedToken returns the first placeholder token left anywhere
// in the fragment, or "".
func findUnresolvedToken(v any) string {
	switch val := v.(type) {
	case string:
		return tokenPattern.FindString(val)
	case map[string]any:
		for _, elem := range val {
			if tok := findUnresolvedToken(elem); tok != "" {
				return tok
			}
		}
	case []any:
		for _, elem := range val {
			if tok := findUnresolvedToken(elem); tok != "" {
				return tok
			}
		}
	}
	return ""
}
