// Package icav2 is the HTTP client for the external analysis engine.
// It implements the dispatcher's Launcher contract and the bridge's
// OutputResolver contract. The API token is resolved through the vault
// per call and never logged.
package icav2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/seqflow/internal/dispatch"
	"github.com/rendis/seqflow/internal/secrets"
	"github.com/rendis/seqflow/pkg/schema"
)

// Config locates the engine and its credentials.
type Config struct {
	BaseURL   string `json:"baseUrl"`
	ProjectID string `json:"projectId"`

	// TokenKey is the vault key holding the API token.
	TokenKey string `json:"tokenKey"`

	// PipelineID is the engine-side pipeline the launcher submits to.
	PipelineID string `json:"pipelineId"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// Client talks to one engine project.
type Client struct {
	cfg    Config
	vault  secrets.Vault
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates an engine client.
func NewClient(cfg Config, vault secrets.Vault, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		vault:  vault,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// launchBody is the engine's analysis creation request.
type launchBody struct {
	UserReference string         `json:"userReference"`
	PipelineID    string         `json:"pipelineId"`
	Tags          map[string]any `json:"tags,omitempty"`
	Input         map[string]any `json:"analysisInput,omitempty"`
	Parameters    map[string]any `json:"analysisParameters,omitempty"`
}

// analysisBody is the engine's analysis representation.
type analysisBody struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Launch submits one analysis. The engine dedupes nothing; the
// dispatcher's launch marker is what keeps retried calls from starting
// a second analysis.
func (c *Client) Launch(ctx context.Context, req dispatch.LaunchRequest) (*dispatch.LaunchResult, error) {
	body := launchBody{
		UserReference: req.WorkflowRunName,
		PipelineID:    c.cfg.PipelineID,
		Tags:          req.Tags,
		Input:         req.Inputs,
		Parameters:    req.EngineParameters,
	}
	var out analysisBody
	path := fmt.Sprintf("/api/projects/%s/analysis", c.cfg.ProjectID)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &dispatch.LaunchResult{AnalysisID: out.ID, AnalysisStatus: out.Status}, nil
}

// ResolveOutputs fetches the finished analysis' output document.
func (c *Client) ResolveOutputs(ctx context.Context, portalRunID, analysisID string) (map[string]any, error) {
	var out map[string]any
	path := fmt.Sprintf("/api/projects/%s/analyses/%s/outputs", c.cfg.ProjectID, analysisID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.vault == nil {
		return schema.NewError(schema.ErrCodeVault, "engine client has no vault configured")
	}
	token, err := c.vault.Resolve(ctx, c.cfg.TokenKey)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "encode request: %s", err.Error()).WithCause(err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+string(token))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "%s %s: %s", method, path, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "read response: %s", err.Error()).WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s: not found", method, path)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return schema.NewErrorf(schema.ErrCodeExecution, "%s %s: engine returned %d", method, path, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return schema.NewErrorf(schema.ErrCodeValidation, "%s %s: engine returned %d", method, path, resp.StatusCode)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return schema.NewErrorf(schema.ErrCodeExecution, "decode response: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}
