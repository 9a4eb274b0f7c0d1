// Package comments manages pull request comments: notes and TODOs, inline
// anchors, optimistic edits and the outdating of comments whose diff anchor
// disappeared after an update.
package comments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ravenscm/raven/internal/audit"
	"github.com/ravenscm/raven/internal/diffs"
	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/repository"
	"github.com/ravenscm/raven/internal/usecase"
)

type Repository interface {
	GetPullRequest(ctx context.Context, id int64) (*domains.PullRequest, error)
	CreateComment(ctx context.Context, c *domains.Comment) (int64, error)
	GetComment(ctx context.Context, id int64) (*domains.Comment, error)
	GetComments(ctx context.Context, pullRequestID int64) ([]domains.Comment, error)
	UpdateCommentText(ctx context.Context, id int64, text string, expectedVersion int) (*domains.Comment, error)
	ResolveComment(ctx context.Context, id, resolvedByID int64) error
	UnresolvedTodos(ctx context.Context, pullRequestID int64) ([]domains.Comment, error)
	MarkCommentsOutdated(ctx context.Context, ids []int64) error

	GetUser(ctx context.Context, userID int64) (*domains.User, error)
	GetRepo(ctx context.Context, repoID int64) (*domains.Repo, error)
}

type Service struct {
	log   *slog.Logger
	repo  Repository
	audit *audit.Logger
}

func New(log *slog.Logger, repo Repository, auditLog *audit.Logger) *Service {
	return &Service{log: log, repo: repo, audit: auditLog}
}

// CreateParams describes a new comment. FilePath and LineNo make it inline;
// ResolvesCommentID points at the TODO this comment closes.
type CreateParams struct {
	RepoID            int64
	PullRequestID     int64
	UserID            int64
	Text              string
	FilePath          string
	LineNo            string
	CommentType       string
	StatusChange      string
	ResolvesCommentID *int64
	Renderer          string
	ClosingPR         bool
}

func (s *Service) CreateComment(ctx context.Context, params CreateParams) (*domains.Comment, error) {
	const op = "usecase.comments.CreateComment"

	if strings.TrimSpace(params.Text) == "" {
		return nil, fmt.Errorf("%s: comment text must not be empty", op)
	}

	pr, err := s.repo.GetPullRequest(ctx, params.PullRequestID)
	if err != nil {
		if errors.Is(err, repository.ErrPullRequestNotFound) {
			return nil, usecase.ErrPullRequestNotFound
		}
		s.log.Error("failed to load pull request", slog.String("op", op), slog.String("err", err.Error()))
		return nil, err
	}
	if pr.IsClosed() && !params.ClosingPR {
		return nil, usecase.ErrPullRequestClosed
	}

	commentType := params.CommentType
	if commentType == "" {
		commentType = domains.CommentTypeNote
	}

	if params.ResolvesCommentID != nil {
		target, err := s.repo.GetComment(ctx, *params.ResolvesCommentID)
		if err != nil {
			if errors.Is(err, repository.ErrCommentNotFound) {
				return nil, usecase.ErrCommentNotFound
			}
			return nil, err
		}
		if target.PullRequestID != params.PullRequestID || !target.IsTodo() || target.ResolvedCommentID != nil {
			return nil, fmt.Errorf("%s: comment %d cannot be resolved", op, *params.ResolvesCommentID)
		}
	}

	now := time.Now().UTC()
	comment := &domains.Comment{
		RepoID:        params.RepoID,
		PullRequestID: params.PullRequestID,
		UserID:        params.UserID,
		Text:          params.Text,
		FilePath:      params.FilePath,
		LineNo:        params.LineNo,
		CommentType:   commentType,
		StatusChange:  params.StatusChange,
		Renderer:      params.Renderer,
		ClosingPR:     params.ClosingPR,
		CreatedOn:     now,
		ModifiedAt:    now,
	}

	id, err := s.repo.CreateComment(ctx, comment)
	if err != nil {
		s.log.Error("failed to create comment", slog.String("op", op), slog.String("err", err.Error()))
		return nil, err
	}
	comment.ID = id

	if params.ResolvesCommentID != nil {
		if err := s.repo.ResolveComment(ctx, *params.ResolvesCommentID, id); err != nil {
			s.log.Error("failed to resolve comment", slog.String("op", op), slog.String("err", err.Error()))
			return nil, err
		}
	}

	extra := map[string]any{"type": commentType}
	if params.StatusChange != "" {
		extra["status_change"] = params.StatusChange
	}
	s.auditComment(ctx, "repo.pull_request.comment.create", comment, extra)

	s.log.Info("comment created",
		slog.String("op", op),
		slog.Int64("pull_request_id", params.PullRequestID),
		slog.Int64("comment_id", id),
		slog.String("type", commentType))
	return comment, nil
}

// EditComment rewrites the comment body. The caller sends the version it
// saw; a mismatch means somebody edited in between. Saving an unchanged
// body is a no-op and does not bump the version.
func (s *Service) EditComment(ctx context.Context, id int64, text string, version int, userID int64) (*domains.Comment, error) {
	const op = "usecase.comments.EditComment"

	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s: comment text must not be empty", op)
	}

	current, err := s.repo.GetComment(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrCommentNotFound) {
			return nil, usecase.ErrCommentNotFound
		}
		return nil, err
	}
	if current.UserID != userID {
		return nil, usecase.ErrNotAllowed
	}
	if current.Text == text {
		return current, nil
	}

	updated, err := s.repo.UpdateCommentText(ctx, id, text, version)
	if err != nil {
		var versionErr *repository.CommentVersionError
		if errors.As(err, &versionErr) {
			s.log.Warn("stale comment edit rejected",
				slog.String("op", op),
				slog.Int64("comment_id", id),
				slog.Int("sent_version", version),
				slog.Int("current_version", versionErr.CurrentVersion))
			return nil, usecase.ErrCommentVersionMismatch
		}
		if errors.Is(err, repository.ErrCommentNotFound) {
			return nil, usecase.ErrCommentNotFound
		}
		s.log.Error("failed to edit comment", slog.String("op", op), slog.String("err", err.Error()))
		return nil, err
	}

	s.auditComment(ctx, "repo.pull_request.comment.edit", updated, map[string]any{"version": updated.Version})

	s.log.Info("comment edited",
		slog.String("op", op),
		slog.Int64("comment_id", id),
		slog.Int("version", updated.Version))
	return updated, nil
}

// auditComment journals a comment mutation. The comment's own user is the
// actor; only that user may create or edit it.
func (s *Service) auditComment(ctx context.Context, action string, c *domains.Comment, extra map[string]any) {
	data := map[string]any{"pull_request_id": c.PullRequestID, "comment_id": c.ID}
	for k, v := range extra {
		data[k] = v
	}
	actor := audit.Actor{UserID: c.UserID}
	if user, err := s.repo.GetUser(ctx, c.UserID); err == nil {
		actor.Username = user.Username
	}
	var target *audit.Target
	if repo, err := s.repo.GetRepo(ctx, c.RepoID); err == nil {
		target = &audit.Target{RepoID: repo.ID, RepoName: repo.Name}
	}
	s.audit.LogAPI(ctx, action, data, actor, target)
}

// GetComments lists every comment of the pull request, oldest first.
func (s *Service) GetComments(ctx context.Context, pullRequestID int64) ([]domains.Comment, error) {
	return s.repo.GetComments(ctx, pullRequestID)
}

// UnresolvedTodos lists the open TODO comments blocking a merge.
func (s *Service) UnresolvedTodos(ctx context.Context, pullRequestID int64) ([]domains.Comment, error) {
	return s.repo.UnresolvedTodos(ctx, pullRequestID)
}

// OutdateComments flags every live inline comment whose file or line is no
// longer part of the new diff. Returns the flagged comments.
func (s *Service) OutdateComments(ctx context.Context, pullRequestID int64, newDiff *diffs.Diff) ([]domains.Comment, error) {
	const op = "usecase.comments.OutdateComments"

	comments, err := s.repo.GetComments(ctx, pullRequestID)
	if err != nil {
		s.log.Error("failed to load comments", slog.String("op", op), slog.String("err", err.Error()))
		return nil, err
	}

	var outdated []domains.Comment
	var ids []int64
	for _, c := range comments {
		if !c.IsInline() || c.Outdated() || c.VersionID != nil {
			continue
		}
		if anchorAlive(&c, newDiff) {
			continue
		}
		outdated = append(outdated, c)
		ids = append(ids, c.ID)
	}

	if err := s.repo.MarkCommentsOutdated(ctx, ids); err != nil {
		s.log.Error("failed to outdate comments", slog.String("op", op), slog.String("err", err.Error()))
		return nil, err
	}
	if len(ids) > 0 {
		s.log.Info("comments outdated",
			slog.String("op", op),
			slog.Int64("pull_request_id", pullRequestID),
			slog.Int("count", len(ids)))
	}
	return outdated, nil
}

// anchorAlive reports whether the inline anchor of c still exists in the
// diff. Line numbers use the side prefix notation: "n12" anchors to line 12
// on the new side, "o7" to line 7 on the old side. Old side anchors die as
// soon as the file's diff changes shape, so only new side lines are checked
// against hunk coverage.
func anchorAlive(c *domains.Comment, d *diffs.Diff) bool {
	file, ok := d.File(c.FilePath)
	if !ok {
		return false
	}

	side, line := parseLineNo(c.LineNo)
	if side != 'n' {
		return false
	}
	return file.HasLine(line)
}

func parseLineNo(lineNo string) (byte, int) {
	if lineNo == "" {
		return 0, 0
	}
	n, err := strconv.Atoi(lineNo[1:])
	if err != nil {
		return 0, 0
	}
	return lineNo[0], n
}
