package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/hooks"
	"github.com/ravenscm/raven/internal/usecase/comments"
	"github.com/ravenscm/raven/internal/usecase/pull_request"
)

type reviewerArg struct {
	UserID    int64               `json:"user_id"`
	Reasons   []string            `json:"reasons"`
	Mandatory bool                `json:"mandatory"`
	RuleData  *domains.VotingRule `json:"rule_data,omitempty"`
}

func toSpecs(args []reviewerArg) []pull_request.ReviewerSpec {
	specs := make([]pull_request.ReviewerSpec, 0, len(args))
	for _, a := range args {
		specs = append(specs, pull_request.ReviewerSpec{
			UserID:    a.UserID,
			Reasons:   a.Reasons,
			Mandatory: a.Mandatory,
			Rule:      a.RuleData,
		})
	}
	return specs
}

func (h *Handler) getPullRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		PullRequestID int64 `json:"pullrequestid"`
		MergeState    bool  `json:"merge_state"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	pr, err := h.prs.Get(ctx, args.PullRequestID)
	if err != nil {
		return nil, err
	}

	view := newPRView(pr)
	if args.MergeState && pr.State == domains.PRStateCreated {
		resp, err := h.prs.MergeState(ctx, pr.ID)
		if err != nil {
			return nil, err
		}
		view.Merge = newMergeView(resp)
	}
	return view, nil
}

func (h *Handler) getPullRequests(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		RepoID     int64  `json:"repoid"`
		Status     string `json:"status"`
		MergeState bool   `json:"merge_state"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	prs, err := h.prs.List(ctx, args.RepoID, args.Status)
	if err != nil {
		return nil, err
	}

	views := make([]prView, 0, len(prs))
	for i := range prs {
		view := newPRView(&prs[i])
		if args.MergeState && prs[i].State == domains.PRStateCreated {
			resp, err := h.prs.MergeState(ctx, prs[i].ID)
			if err != nil {
				return nil, err
			}
			view.Merge = newMergeView(resp)
		}
		views = append(views, view)
	}
	return views, nil
}

func (h *Handler) createPullRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		SourceRepo          string        `json:"source_repo"`
		TargetRepo          string        `json:"target_repo"`
		SourceRef           string        `json:"source_ref"`
		TargetRef           string        `json:"target_ref"`
		Owner               int64         `json:"owner"`
		Title               string        `json:"title"`
		Description         string        `json:"description"`
		DescriptionRenderer string        `json:"description_renderer"`
		Reviewers           []reviewerArg `json:"reviewers"`
		Observers           []reviewerArg `json:"observers"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	sourceRepo, err := h.repos.GetRepoByName(ctx, args.SourceRepo)
	if err != nil {
		return nil, err
	}
	targetRepo, err := h.repos.GetRepoByName(ctx, args.TargetRepo)
	if err != nil {
		return nil, err
	}

	pr, err := h.prs.Create(ctx, pull_request.CreateParams{
		SourceRepoID: sourceRepo.ID,
		TargetRepoID: targetRepo.ID,
		SourceRef:    args.SourceRef,
		TargetRef:    args.TargetRef,
		Title:        args.Title,
		Description:  args.Description,
		Renderer:     args.DescriptionRenderer,
		AuthorID:     args.Owner,
		Reviewers:    toSpecs(args.Reviewers),
		Observers:    toSpecs(args.Observers),
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"msg":             fmt.Sprintf("Created new pull request `%s`", pr.Title),
		"pull_request_id": pr.ID,
	}, nil
}

func (h *Handler) updatePullRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		PullRequestID       int64          `json:"pullrequestid"`
		UserID              int64          `json:"userid"`
		Title               string         `json:"title"`
		Description         string         `json:"description"`
		DescriptionRenderer string         `json:"description_renderer"`
		Reviewers           *[]reviewerArg `json:"reviewers"`
		Observers           *[]reviewerArg `json:"observers"`
		UpdateCommits       bool           `json:"update_commits"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	pr, err := h.prs.Edit(ctx, args.PullRequestID,
		args.Title, args.Description, args.DescriptionRenderer, args.UserID)
	if err != nil {
		return nil, err
	}

	type syncResult struct {
		Added   []int64 `json:"added"`
		Removed []int64 `json:"removed"`
	}
	var updatedReviewers, updatedObservers syncResult
	if args.Reviewers != nil {
		updatedReviewers.Added, updatedReviewers.Removed, err = h.prs.UpdateReviewers(
			ctx, args.PullRequestID, domains.RoleReviewer, toSpecs(*args.Reviewers), args.UserID)
		if err != nil {
			return nil, err
		}
	}
	if args.Observers != nil {
		updatedObservers.Added, updatedObservers.Removed, err = h.prs.UpdateReviewers(
			ctx, args.PullRequestID, domains.RoleObserver, toSpecs(*args.Observers), args.UserID)
		if err != nil {
			return nil, err
		}
	}

	updatedCommits := map[string]any{"executed": false}
	if args.UpdateCommits {
		resp, err := h.prs.UpdateCommits(ctx, args.PullRequestID, args.UserID)
		if err != nil {
			return nil, err
		}
		updatedCommits = map[string]any{
			"executed": resp.Executed,
			"reason":   resp.Reason,
			"added":    resp.Changes.Added,
			"common":   resp.Changes.Common,
			"removed":  resp.Changes.Removed,
		}
		if resp.Executed {
			pr = resp.PullRequest
		}
	}

	return map[string]any{
		"msg":               fmt.Sprintf("Updated pull request `%d`", args.PullRequestID),
		"pull_request":      newPRView(pr),
		"updated_commits":   updatedCommits,
		"updated_reviewers": updatedReviewers,
		"updated_observers": updatedObservers,
	}, nil
}

func (h *Handler) mergePullRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		PullRequestID int64 `json:"pullrequestid"`
		UserID        int64 `json:"userid"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	result, err := h.prs.Merge(ctx, args.PullRequestID, args.UserID, hooks.Extras{
		IP: remoteAddr(ctx),
	})
	if err != nil {
		return nil, err
	}
	if result.Response == nil {
		return nil, fmt.Errorf("merge not possible: %s", result.Check.Error())
	}
	return newMergeView(result.Response), nil
}

func (h *Handler) commentPullRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		PullRequestID     int64  `json:"pullrequestid"`
		UserID            int64  `json:"userid"`
		Message           string `json:"message"`
		Status            string `json:"status"`
		CommentType       string `json:"comment_type"`
		ResolvesCommentID *int64 `json:"resolves_comment_id"`
		FilePath          string `json:"file_path"`
		LineNo            string `json:"line_no"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Status != "" && !domains.ValidStatus(args.Status) {
		return nil, fmt.Errorf("unknown status %q", args.Status)
	}

	pr, err := h.prs.Get(ctx, args.PullRequestID)
	if err != nil {
		return nil, err
	}

	text := args.Message
	if text == "" && args.Status != "" {
		text = fmt.Sprintf("Status change: %s", domains.StatusLabel(args.Status))
	}

	comment, err := h.comments.CreateComment(ctx, comments.CreateParams{
		RepoID:            pr.TargetRepoID,
		PullRequestID:     args.PullRequestID,
		UserID:            args.UserID,
		Text:              text,
		FilePath:          args.FilePath,
		LineNo:            args.LineNo,
		CommentType:       args.CommentType,
		StatusChange:      args.Status,
		ResolvesCommentID: args.ResolvesCommentID,
	})
	if err != nil {
		return nil, err
	}

	statusChanged := false
	if args.Status != "" {
		if _, err := h.statuses.SetStatus(ctx, args.PullRequestID, args.UserID, args.Status, &comment.ID); err != nil {
			return nil, err
		}
		statusChanged = true
	}

	return map[string]any{
		"pull_request_id": args.PullRequestID,
		"comment_id":      comment.ID,
		"status": map[string]any{
			"given":       args.Status,
			"was_changed": statusChanged,
		},
	}, nil
}

func (h *Handler) editComment(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		CommentID int64  `json:"comment_id"`
		UserID    int64  `json:"userid"`
		Message   string `json:"message"`
		Version   int    `json:"version"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	comment, err := h.comments.EditComment(ctx, args.CommentID, args.Message, args.Version, args.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"comment_id": comment.ID,
		"version":    comment.Version,
	}, nil
}

func (h *Handler) getPullRequestComments(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		PullRequestID int64 `json:"pullrequestid"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	versions, err := h.prs.Versions(ctx, args.PullRequestID)
	if err != nil {
		return nil, err
	}
	versionIDs := make([]int64, 0, len(versions))
	for _, ver := range versions {
		versionIDs = append(versionIDs, ver.ID)
	}

	list, err := h.comments.GetComments(ctx, args.PullRequestID)
	if err != nil {
		return nil, err
	}
	views := make([]commentView, 0, len(list))
	for i := range list {
		views = append(views, newCommentView(&list[i], versionIDs))
	}
	return views, nil
}

func (h *Handler) closePullRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		PullRequestID int64  `json:"pullrequestid"`
		UserID        int64  `json:"userid"`
		Message       string `json:"message"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	_, comment, err := h.prs.CloseWithComment(ctx, args.PullRequestID, args.Message, args.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pull_request_id": args.PullRequestID,
		"close_status":    comment.StatusChange,
		"closed":          true,
	}, nil
}

func (h *Handler) deletePullRequest(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		PullRequestID int64 `json:"pullrequestid"`
		UserID        int64 `json:"userid"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	if err := h.prs.Delete(ctx, args.PullRequestID, args.UserID); err != nil {
		return nil, err
	}
	return map[string]any{
		"pull_request_id": args.PullRequestID,
		"deleted":         true,
	}, nil
}
