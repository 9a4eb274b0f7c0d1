package domains

import (
	"fmt"
	"strings"
	"time"
)

// Lifecycle status of a pull request (not the review verdict).
const (
	PRStatusNew    = "new"
	PRStatusOpen   = "open"
	PRStatusClosed = "closed"
)

// Short-lived operational states acting as an advisory lock. A transition
// into updating or merging is only valid from created.
const (
	PRStateCreating = "creating"
	PRStateUpdating = "updating"
	PRStateMerging  = "merging"
	PRStateCreated  = "created"
)

// Description renderers accepted on the wire.
const (
	RendererRST      = "rst"
	RendererMarkdown = "markdown"
	RendererPlain    = "plain"
)

type PullRequest struct {
	ID                  int64
	Title               string
	Description         string
	DescriptionRenderer string

	Status string
	State  string

	SourceRepoID int64
	TargetRepoID int64
	SourceRef    Reference
	TargetRef    Reference

	// Commit ids from ancestor to source tip, oldest first.
	Revisions        []string
	CommonAncestorID string

	AuthorID int64

	// Merge simulation cache.
	LastMergeSourceRev string
	LastMergeTargetRev string
	LastMergeStatus    string
	LastMergeMetadata  map[string]string
	ShadowMergeRef     *Reference

	// Set once, when the pull request is merged.
	MergeRev string

	// Reviewer rules snapshot taken at creation time.
	ReviewerData map[string]any

	CreatedOn time.Time
	UpdatedOn time.Time
}

func (pr *PullRequest) IsClosed() bool {
	return pr.Status == PRStatusClosed
}

// WorkInProgress reports whether the title carries the `wip:` marker that
// blocks merging.
func (pr *PullRequest) WorkInProgress() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(pr.Title)), "wip:")
}

// SourceTip is the newest commit of the pull request, empty when there are
// no revisions.
func (pr *PullRequest) SourceTip() string {
	if len(pr.Revisions) == 0 {
		return ""
	}
	return pr.Revisions[len(pr.Revisions)-1]
}

// WorkspaceID keys the shadow merge workspace on the backend. Workspaces are
// exclusive per pull request.
func (pr *PullRequest) WorkspaceID() string {
	return fmt.Sprintf("pr-%d", pr.ID)
}

// PullRequestVersion is an immutable snapshot of a pull request, created
// right before its source ref moves.
type PullRequestVersion struct {
	ID            int64
	PullRequestID int64

	Title               string
	Description         string
	DescriptionRenderer string
	Status              string
	State               string

	SourceRepoID int64
	TargetRepoID int64
	SourceRef    Reference
	TargetRef    Reference

	Revisions        []string
	CommonAncestorID string

	AuthorID int64

	LastMergeSourceRev string
	LastMergeTargetRev string
	LastMergeStatus    string
	LastMergeMetadata  map[string]string
	ShadowMergeRef     *Reference
	MergeRev           string

	ReviewerData map[string]any

	CreatedOn time.Time
	UpdatedOn time.Time
}

// SnapshotVersion copies every versioned attribute of the pull request into
// a new, not yet persisted version row.
func SnapshotVersion(pr *PullRequest, now time.Time) *PullRequestVersion {
	v := &PullRequestVersion{
		PullRequestID:       pr.ID,
		Title:               pr.Title,
		Description:         pr.Description,
		DescriptionRenderer: pr.DescriptionRenderer,
		Status:              pr.Status,
		State:               pr.State,
		SourceRepoID:        pr.SourceRepoID,
		TargetRepoID:        pr.TargetRepoID,
		SourceRef:           pr.SourceRef,
		TargetRef:           pr.TargetRef,
		Revisions:           append([]string(nil), pr.Revisions...),
		CommonAncestorID:    pr.CommonAncestorID,
		AuthorID:            pr.AuthorID,
		LastMergeSourceRev:  pr.LastMergeSourceRev,
		LastMergeTargetRev:  pr.LastMergeTargetRev,
		LastMergeStatus:     pr.LastMergeStatus,
		LastMergeMetadata:   pr.LastMergeMetadata,
		MergeRev:            pr.MergeRev,
		ReviewerData:        pr.ReviewerData,
		CreatedOn:           now,
		UpdatedOn:           pr.UpdatedOn,
	}
	if pr.ShadowMergeRef != nil {
		ref := *pr.ShadowMergeRef
		v.ShadowMergeRef = &ref
	}
	return v
}

// PullRequestDisplay is a read-only view merging the immutable fields of a
// version with the identity of the latest pull request row. Used when a PR
// is shown "at version vN".
type PullRequestDisplay struct {
	PullRequest
	AtVersionID int64
}
