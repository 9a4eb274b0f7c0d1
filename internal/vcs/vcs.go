package vcs

import (
	"context"
	"errors"
	"time"

	"github.com/ravenscm/raven/internal/domains"
)

// Merge failure reasons returned by the backend. Wire-stable.
const (
	FailureNone             = "none"
	FailureUnknown          = "unknown"
	FailureMissingTargetRef = "missing_target_ref"
	FailureMissingSourceRef = "missing_source_ref"
	FailureTargetIsLocked   = "target_is_locked"
	FailureMergeFailed      = "merge_failed"
	FailurePushFailed       = "push_failed"
)

var (
	// ErrMissingCommit is returned when a commit or symbolic ref cannot be
	// resolved in the repository.
	ErrMissingCommit = errors.New("commit does not exist")

	// ErrNotImplemented marks operations the backend does not support for
	// the repository type.
	ErrNotImplemented = errors.New("operation not implemented by backend")
)

type Commit struct {
	ID      string    `json:"commit_id"`
	Author  string    `json:"author"`
	Email   string    `json:"author_email"`
	Branch  string    `json:"branch"`
	Message string    `json:"message"`
	Date    time.Time `json:"date"`
}

// MergeRequest carries everything the backend needs to run a merge against
// the shadow workspace of a pull request.
type MergeRequest struct {
	RepoID      int64              `json:"repo_id"`
	WorkspaceID string             `json:"workspace_id"`
	TargetRef   domains.Reference  `json:"target_ref"`
	SourceRepo  string             `json:"source_repo"`
	SourceRef   domains.Reference  `json:"source_ref"`
	DryRun      bool               `json:"dry_run"`
	UseRebase   bool               `json:"use_rebase"`
	CloseBranch bool               `json:"close_branch"`
	UserName    string             `json:"user_name"`
	UserEmail   string             `json:"user_email"`
	Message     string             `json:"message"`

	// Hook callback context serialized into the backend environment.
	Extras map[string]any `json:"extras,omitempty"`
}

type MergeResponse struct {
	Possible      bool               `json:"possible"`
	Executed      bool               `json:"executed"`
	MergeRef      *domains.Reference `json:"merge_ref,omitempty"`
	FailureReason string             `json:"failure_reason"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
}

// Client is the facade over the external VCS service. All operations honor
// the context deadline; the HTTP implementation enforces a per-call timeout
// on top of it.
type Client interface {
	// GetCommit resolves a commit id or symbolic ref to a commit.
	GetCommit(ctx context.Context, repo, idOrRef string) (Commit, error)

	// Compare returns the commits reachable from sourceRef and not from
	// targetRef, ordered old to new, excluding the ancestor itself.
	Compare(ctx context.Context, targetRepo, targetRef, sourceRepo, sourceRef string, merge bool, preLoad []string) ([]Commit, error)

	// GetDiff returns the raw unified diff between base and head.
	GetDiff(ctx context.Context, repo, base, head string, ignoreWhitespace bool, context int) ([]byte, error)

	// GetCommonAncestor returns the common ancestor commit id of a and b,
	// or "" when the histories are unrelated.
	GetCommonAncestor(ctx context.Context, repo, a, b, otherRepo string) (string, error)

	// Merge runs a real or dry-run merge inside the named workspace.
	Merge(ctx context.Context, req MergeRequest) (MergeResponse, error)

	// CleanupMergeWorkspace removes the scratch clone of a pull request.
	CleanupMergeWorkspace(ctx context.Context, repoID int64, workspaceID string) error

	// BranchHeads lists the head commit ids of a branch (mercurial can
	// have several).
	BranchHeads(ctx context.Context, repo, branch string) ([]string, error)
}
