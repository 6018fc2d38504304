package preamble

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/seqflow/internal/logging"
	"github.com/rendis/seqflow/internal/store"
	"github.com/rendis/seqflow/pkg/schema"
)

// IdentityStore is the subset of the store the preamble needs.
// Satisfied by store.Store.
type IdentityStore interface {
	CreateIfAbsent(ctx context.Context, kind, id string, attrs map[string]any) error
	Get(ctx context.Context, kind, id string) (map[string]any, error)
}

// Identity is the minted portal run identity: a globally unique,
// date-prefixed run id and the deterministic human-readable run name.
type Identity struct {
	PortalRunID     string `json:"portalRunId"`
	WorkflowRunName string `json:"workflowRunName"`
}

// Service mints exactly one identity per logical run. The conditional
// create on the portal_run partition is the only ordering guarantee the
// minting relies on: under at-least-once delivery and arbitrary parallel
// invocations, every caller for the same natural key observes the same
// identity.
type Service struct {
	store  IdentityStore
	logger *slog.Logger

	// now and newUUID are injection points for tests.
	now     func() time.Time
	newUUID func() string
}

// NewService creates a preamble service.
func NewService(s IdentityStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newUUID: func() string { return uuid.New().String() },
	}
}

// Request identifies the logical run an identity is minted for.
type Request struct {
	WorkflowName    string
	WorkflowVersion string
	NaturalKey      string
	RunNamePrefix   string // defaults to schema.DefaultRunNamePrefix
}

// MintIdentity returns the identity for the request's natural key,
// creating it on first call. A retried or concurrent invocation hits
// ALREADY_EXISTS on the conditional create, reads the winner's row back
// and returns it. The conflict is absorbed, never surfaced.
func (s *Service) MintIdentity(ctx context.Context, req Request) (*Identity, error) {
	if req.WorkflowName == "" || req.NaturalKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name and natural key are required")
	}

	portalRunID := s.newPortalRunID()
	prefix := req.RunNamePrefix
	if prefix == "" {
		prefix = schema.DefaultRunNamePrefix
	}
	runName := CoerceRunName(prefix + "--" + req.WorkflowName + "--" + req.WorkflowVersion + "--" + portalRunID)

	attrs := map[string]any{
		"portalRunId":     portalRunID,
		"workflowRunName": runName,
		"workflowName":    req.WorkflowName,
		"workflowVersion": req.WorkflowVersion,
		"naturalKey":      req.NaturalKey,
		"mintedAt":        s.now().Format(time.RFC3339),
	}

	err := s.store.CreateIfAbsent(ctx, store.KindPortalRun, req.NaturalKey, attrs)
	if err == nil {
		s.logger.InfoContext(logging.WithPortalRunID(ctx, portalRunID), "minted portal run identity",
			slog.String("workflow_run_name", runName),
			slog.String("natural_key", req.NaturalKey))
		return &Identity{PortalRunID: portalRunID, WorkflowRunName: runName}, nil
	}
	if !schema.IsCode(err, schema.ErrCodeAlreadyExists) {
		return nil, err
	}

	existing, err := s.store.Get(ctx, store.KindPortalRun, req.NaturalKey)
	if err != nil {
		return nil, err
	}
	id, _ := existing["portalRunId"].(string)
	name, _ := existing["workflowRunName"].(string)
	if id == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"portal_run row for %q exists without a portalRunId", req.NaturalKey)
	}
	return &Identity{PortalRunID: id, WorkflowRunName: name}, nil
}

// newPortalRunID mints a date-prefixed globally unique run id, e.g.
// "20240530abcd1234": UTC date plus the first 8 hex chars of a UUID4.
func (s *Service) newPortalRunID() string {
	return s.now().Format("20060102") + strings.ReplaceAll(s.newUUID(), "-", "")[:8]
}

var runNameSeparators = regexp.MustCompile(`[\s._]+`)

// CoerceRunName normalizes a workflow run name: lower-case, with
// whitespace, underscores and dots collapsed to hyphens. The same
// coercion is applied to the prefix the status bridge filters vendor
// feeds on, so the two always agree.
func CoerceRunName(name string) string {
	return runNameSeparators.ReplaceAllString(strings.ToLower(name), "-")
}
