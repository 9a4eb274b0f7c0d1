// Package status keeps the review voting rules: recording individual votes
// and collapsing them into the overall review status of a pull request.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ravenscm/raven/internal/audit"
	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/repository"
	"github.com/ravenscm/raven/internal/usecase"
)

type Repository interface {
	GetPullRequest(ctx context.Context, id int64) (*domains.PullRequest, error)
	GetReviewers(ctx context.Context, pullRequestID int64) ([]domains.Reviewer, error)
	GetLatestStatuses(ctx context.Context, pullRequestID int64) ([]domains.ChangesetStatus, error)
	SaveChangesetStatus(ctx context.Context, status *domains.ChangesetStatus) (int64, error)

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

// SetStatus records a vote of one user on the pull request. commentID links
// the vote to the comment that carried it, when there is one.
func (s *Service) SetStatus(ctx context.Context, pullRequestID, userID int64, status string, commentID *int64) (*domains.ChangesetStatus, error) {
	const op = "usecase.status.SetStatus"

	if !domains.ValidStatus(status) {
		return nil, fmt.Errorf("%s: unknown review status %q", op, status)
	}

	pr, err := s.repo.GetPullRequest(ctx, pullRequestID)
	if err != nil {
		if errors.Is(err, repository.ErrPullRequestNotFound) {
			return nil, usecase.ErrPullRequestNotFound
		}
		s.log.Error("failed to load pull request", slog.String("op", op), slog.String("err", err.Error()))
		return nil, err
	}

	vote := &domains.ChangesetStatus{
		RepoID:        pr.TargetRepoID,
		UserID:        userID,
		Revision:      pr.SourceTip(),
		Status:        status,
		CommentID:     commentID,
		PullRequestID: pullRequestID,
		ModifiedAt:    time.Now().UTC(),
	}
	id, err := s.repo.SaveChangesetStatus(ctx, vote)
	if err != nil {
		s.log.Error("failed to save review status", slog.String("op", op), slog.String("err", err.Error()))
		return nil, err
	}
	vote.ID = id

	data := map[string]any{"pull_request_id": pullRequestID, "status": status}
	if commentID != nil {
		data["comment_id"] = *commentID
	}
	actor := audit.Actor{UserID: userID}
	if user, err := s.repo.GetUser(ctx, userID); err == nil {
		actor.Username = user.Username
	}
	var target *audit.Target
	if repo, err := s.repo.GetRepo(ctx, pr.TargetRepoID); err == nil {
		target = &audit.Target{RepoID: repo.ID, RepoName: repo.Name}
	}
	s.audit.LogAPI(ctx, "repo.pull_request.vote", data, actor, target)

	s.log.Info("review status recorded",
		slog.String("op", op),
		slog.Int64("pull_request_id", pullRequestID),
		slog.Int64("user_id", userID),
		slog.String("status", status))
	return vote, nil
}

// MarkUnderReview stamps every given revision with an under_review status on
// behalf of userID. Runs when commits enter a pull request, so votes on the
// previous tips stop counting as current.
func (s *Service) MarkUnderReview(ctx context.Context, pullRequestID, userID int64, revisions []string) error {
	const op = "usecase.status.MarkUnderReview"

	pr, err := s.repo.GetPullRequest(ctx, pullRequestID)
	if err != nil {
		if errors.Is(err, repository.ErrPullRequestNotFound) {
			return usecase.ErrPullRequestNotFound
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	now := time.Now().UTC()
	for _, rev := range revisions {
		st := &domains.ChangesetStatus{
			RepoID:        pr.TargetRepoID,
			UserID:        userID,
			Revision:      rev,
			Status:        domains.StatusUnderReview,
			PullRequestID: pullRequestID,
			ModifiedAt:    now,
		}
		if _, err := s.repo.SaveChangesetStatus(ctx, st); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	s.log.Debug("commits marked under review",
		slog.String("op", op),
		slog.Int64("pull_request_id", pullRequestID),
		slog.Int("commits", len(revisions)))
	return nil
}

// CalculateReviewStatus folds the latest vote of every reviewer into one
// overall status, honoring per-group vote rules and mandatory flags.
// Observers never influence the result.
func (s *Service) CalculateReviewStatus(ctx context.Context, pullRequestID int64) (string, error) {
	const op = "usecase.status.CalculateReviewStatus"

	reviewers, err := s.repo.GetReviewers(ctx, pullRequestID)
	if err != nil {
		s.log.Error("failed to load reviewers", slog.String("op", op), slog.String("err", err.Error()))
		return "", err
	}
	statuses, err := s.repo.GetLatestStatuses(ctx, pullRequestID)
	if err != nil {
		s.log.Error("failed to load review statuses", slog.String("op", op), slog.String("err", err.Error()))
		return "", err
	}

	return Aggregate(reviewers, statuses), nil
}

// Aggregate is the pure voting calculation behind CalculateReviewStatus.
//
// Any rejection wins outright. Approval requires every mandatory individual
// reviewer to approve, every voting group to reach its vote rule, and at
// least one approval overall. Until then the request is under review, or
// still untouched when nobody voted.
func Aggregate(reviewers []domains.Reviewer, statuses []domains.ChangesetStatus) string {
	voteByUser := make(map[int64]string, len(statuses))
	for _, st := range statuses {
		voteByUser[st.UserID] = st.Status
	}

	type group struct {
		rule     int
		members  int
		approved int
	}
	groups := make(map[int64]*group)

	var (
		voting           []domains.Reviewer
		approvals        int
		anyVote          bool
		mandatoryBlocked bool
	)

	for _, r := range reviewers {
		if r.Role != domains.RoleReviewer {
			continue
		}
		voting = append(voting, r)

		vote := voteByUser[r.UserID]
		if vote == domains.StatusRejected {
			return domains.StatusRejected
		}
		if vote != "" && vote != domains.StatusNotReviewed {
			anyVote = true
		}
		approved := vote == domains.StatusApproved
		if approved {
			approvals++
		}

		if r.RuleData != nil && r.RuleData.GroupID != 0 {
			g := groups[r.RuleData.GroupID]
			if g == nil {
				g = &group{rule: r.RuleData.VoteRule}
				groups[r.RuleData.GroupID] = g
			}
			g.members++
			if approved {
				g.approved++
			}
			continue
		}
		if r.Mandatory && !approved {
			mandatoryBlocked = true
		}
	}

	if len(voting) == 0 || !anyVote {
		return domains.StatusNotReviewed
	}

	groupsSatisfied := true
	for _, g := range groups {
		needed := g.rule
		if needed == domains.VoteRuleAll || needed > g.members {
			needed = g.members
		}
		if g.approved < needed {
			groupsSatisfied = false
		}
	}

	if !mandatoryBlocked && groupsSatisfied && approvals > 0 {
		return domains.StatusApproved
	}
	return domains.StatusUnderReview
}
