package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPClient talks to the VCS backend service over its internal HTTP API.
// Every call is a POST of `{"id": ..., "method": ..., "params": {...}}` and
// the response envelope is `{"result": ..., "error": {...}}`.
type HTTPClient struct {
	log     *slog.Logger
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func NewHTTPClient(log *slog.Logger, baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		log:     log,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

type rpcEnvelope struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) call(ctx context.Context, method string, params map[string]any, out any) error {
	const op = "vcs.HTTPClient.call"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	callID := uuid.NewString()
	body, err := json.Marshal(rpcEnvelope{ID: callID, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", callID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Error("backend call failed",
			slog.String("op", op),
			slog.String("method", method),
			slog.Int("status", resp.StatusCode))
		return fmt.Errorf("%s: backend returned status %d", op, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if envelope.Error != nil {
		switch envelope.Error.Kind {
		case "missing_commit":
			return fmt.Errorf("%s: %w", op, ErrMissingCommit)
		case "not_implemented":
			return fmt.Errorf("%s: %w", op, ErrNotImplemented)
		}
		return fmt.Errorf("%s: backend error: %s", op, envelope.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func (c *HTTPClient) GetCommit(ctx context.Context, repo, idOrRef string) (Commit, error) {
	var commit Commit
	err := c.call(ctx, "get_commit", map[string]any{
		"repo":      repo,
		"id_or_ref": idOrRef,
	}, &commit)
	return commit, err
}

func (c *HTTPClient) Compare(
	ctx context.Context, targetRepo, targetRef, sourceRepo, sourceRef string,
	merge bool, preLoad []string,
) ([]Commit, error) {
	var commits []Commit
	err := c.call(ctx, "compare", map[string]any{
		"target_repo": targetRepo,
		"target_ref":  targetRef,
		"source_repo": sourceRepo,
		"source_ref":  sourceRef,
		"merge":       merge,
		"pre_load":    preLoad,
	}, &commits)
	return commits, err
}

func (c *HTTPClient) GetDiff(
	ctx context.Context, repo, base, head string,
	ignoreWhitespace bool, diffContext int,
) ([]byte, error) {
	var diff struct {
		Raw []byte `json:"raw"`
	}
	err := c.call(ctx, "get_diff", map[string]any{
		"repo":              repo,
		"base":              base,
		"head":              head,
		"ignore_whitespace": ignoreWhitespace,
		"context":           diffContext,
	}, &diff)
	return diff.Raw, err
}

func (c *HTTPClient) GetCommonAncestor(ctx context.Context, repo, a, b, otherRepo string) (string, error) {
	var result struct {
		AncestorID string `json:"ancestor_id"`
	}
	err := c.call(ctx, "get_common_ancestor", map[string]any{
		"repo":       repo,
		"a":          a,
		"b":          b,
		"other_repo": otherRepo,
	}, &result)
	return result.AncestorID, err
}

func (c *HTTPClient) Merge(ctx context.Context, req MergeRequest) (MergeResponse, error) {
	var resp MergeResponse
	params := map[string]any{
		"repo_id":      req.RepoID,
		"workspace_id": req.WorkspaceID,
		"target_ref":   req.TargetRef.String(),
		"source_repo":  req.SourceRepo,
		"source_ref":   req.SourceRef.String(),
		"dry_run":      req.DryRun,
		"use_rebase":   req.UseRebase,
		"close_branch": req.CloseBranch,
		"user_name":    req.UserName,
		"user_email":   req.UserEmail,
		"message":      req.Message,
	}
	if req.Extras != nil {
		params["extras"] = req.Extras
	}
	err := c.call(ctx, "merge", params, &resp)
	return resp, err
}

func (c *HTTPClient) CleanupMergeWorkspace(ctx context.Context, repoID int64, workspaceID string) error {
	return c.call(ctx, "cleanup_merge_workspace", map[string]any{
		"repo_id":      repoID,
		"workspace_id": workspaceID,
	}, nil)
}

func (c *HTTPClient) BranchHeads(ctx context.Context, repo, branch string) ([]string, error) {
	var result struct {
		Heads []string `json:"heads"`
	}
	err := c.call(ctx, "branch_heads", map[string]any{
		"repo":   repo,
		"branch": branch,
	}, &result)
	return result.Heads, err
}
