package rpc

import (
	"fmt"
	"time"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/vcs"
)

type refView struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	CommitID string `json:"commit_id"`
}

type sideView struct {
	RepoID    int64   `json:"repo_id"`
	Reference refView `json:"reference"`
}

type mergeView struct {
	Possible      bool   `json:"possible"`
	Executed      bool   `json:"executed"`
	FailureReason string `json:"failure_reason"`
	MergeCommitID string `json:"merge_commit_id,omitempty"`
}

type prView struct {
	PullRequestID       int64      `json:"pull_request_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	DescriptionRenderer string     `json:"description_renderer"`
	Status              string     `json:"status"`
	State               string     `json:"state"`
	AuthorID            int64      `json:"author_id"`
	Source              sideView   `json:"source"`
	Target              sideView   `json:"target"`
	Revisions           []string   `json:"revisions"`
	CommonAncestorID    string     `json:"common_ancestor_id"`
	MergeRev            string     `json:"merge_rev,omitempty"`
	CreatedOn           time.Time  `json:"created_on"`
	UpdatedOn           time.Time  `json:"updated_on"`
	Merge               *mergeView `json:"merge,omitempty"`
}

type commentView struct {
	CommentID          int64     `json:"comment_id"`
	UserID             int64     `json:"user_id"`
	Text               string    `json:"text"`
	CommentType        string    `json:"comment_type"`
	FilePath           string    `json:"file_path,omitempty"`
	LineNo             string    `json:"line_no,omitempty"`
	StatusChange       string    `json:"status_change,omitempty"`
	ResolvedCommentID  *int64    `json:"resolved_comment_id"`
	DisplayState       string    `json:"display_state,omitempty"`
	Version            int       `json:"version"`
	PullRequestVersion *string   `json:"pull_request_version"`
	CreatedOn          time.Time `json:"created_on"`
}

func newRefView(ref domains.Reference) refView {
	return refView{Type: ref.Type, Name: ref.Name, CommitID: ref.CommitID}
}

func newMergeView(resp *vcs.MergeResponse) *mergeView {
	view := &mergeView{
		Possible:      resp.Possible,
		Executed:      resp.Executed,
		FailureReason: resp.FailureReason,
	}
	if resp.MergeRef != nil {
		view.MergeCommitID = resp.MergeRef.CommitID
	}
	return view
}

func newPRView(pr *domains.PullRequest) prView {
	return prView{
		PullRequestID:       pr.ID,
		Title:               pr.Title,
		Description:         pr.Description,
		DescriptionRenderer: pr.DescriptionRenderer,
		Status:              pr.Status,
		State:               pr.State,
		AuthorID:            pr.AuthorID,
		Source:              sideView{RepoID: pr.SourceRepoID, Reference: newRefView(pr.SourceRef)},
		Target:              sideView{RepoID: pr.TargetRepoID, Reference: newRefView(pr.TargetRef)},
		Revisions:           pr.Revisions,
		CommonAncestorID:    pr.CommonAncestorID,
		MergeRev:            pr.MergeRev,
		CreatedOn:           pr.CreatedOn,
		UpdatedOn:           pr.UpdatedOn,
	}
}

// newCommentView labels frozen comments with the ordinal "vN" of the version
// holding them; comments against latest carry null.
func newCommentView(c *domains.Comment, versionIDs []int64) commentView {
	view := commentView{
		CommentID:         c.ID,
		UserID:            c.UserID,
		Text:              c.Text,
		CommentType:       c.CommentType,
		FilePath:          c.FilePath,
		LineNo:            c.LineNo,
		StatusChange:      c.StatusChange,
		ResolvedCommentID: c.ResolvedCommentID,
		DisplayState:      c.DisplayState,
		Version:           c.Version,
		CreatedOn:         c.CreatedOn,
	}
	if idx := c.VersionIndex(versionIDs); idx > 0 {
		label := fmt.Sprintf("v%d", idx)
		view.PullRequestVersion = &label
	}
	return view
}
