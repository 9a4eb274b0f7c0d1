package pull_request

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/vcs"
)

// Merge check identifiers, in evaluation order.
const (
	CheckWIP          = "wip"
	CheckPermissions  = "permissions"
	CheckTargetBranch = "target_branch"
	CheckReviewStatus = "review_status"
	CheckTodos        = "todos"
	CheckMerge        = "merge"
)

// CheckError is one failed merge precondition.
type CheckError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// MergeCheck is the outcome of the merge precondition pipeline. Errors keep
// the evaluation order, so the first entry is the most fundamental problem.
type MergeCheck struct {
	Failed bool
	Errors []CheckError

	ReviewStatus    string
	ReviewersCount  int
	ObserversCount  int
	UnresolvedTodos int
	MergePossible   bool
	MergeResponse   *vcs.MergeResponse
}

func (c *MergeCheck) fail(key, message string) {
	c.Failed = true
	c.Errors = append(c.Errors, CheckError{Key: key, Message: message})
}

// Error returns the first failure message, or "".
func (c *MergeCheck) Error() string {
	if len(c.Errors) == 0 {
		return ""
	}
	return c.Errors[0].Message
}

// CheckMergeability runs every merge precondition against the pull request.
// With failFast the pipeline stops at the first failure, which is what the
// merge path uses; the status endpoint reports all failures at once.
func (s *Service) CheckMergeability(ctx context.Context, id, actorID int64, failFast bool) (*MergeCheck, error) {
	const op = "usecase.pull_request.CheckMergeability"

	log := s.log.With(slog.String("op", op), slog.Int64("pull_request_id", id))

	pr, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	actor, err := s.loadUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	targetRepo, err := s.repo.GetRepo(ctx, pr.TargetRepoID)
	if err != nil {
		return nil, err
	}

	check := &MergeCheck{}

	if pr.WorkInProgress() {
		check.fail(CheckWIP, "pull request is marked as work in progress")
		if failFast {
			return check, nil
		}
	}

	perm, err := s.repo.UserRepoPermission(ctx, pr.TargetRepoID, actorID)
	if err != nil {
		return nil, err
	}
	if perm != domains.PermRepoAdmin && perm != domains.PermRepoWrite && perm != domains.PermHgAdmin {
		check.fail(CheckPermissions,
			fmt.Sprintf("user `%s` has no permission to merge into `%s`", actor.Username, targetRepo.Name))
		if failFast {
			return check, nil
		}
	}

	if pr.TargetRef.Updatable() {
		rule, branchPerm, err := s.repo.BranchPermission(ctx, pr.TargetRepoID, actorID, pr.TargetRef.Name)
		if err != nil {
			return nil, err
		}
		if branchPerm == domains.PermBranchNone {
			check.fail(CheckTargetBranch,
				fmt.Sprintf("branch `%s` rejects all changes (rule %s)", pr.TargetRef.Name, rule))
			if failFast {
				return check, nil
			}
		}
	}

	reviewers, err := s.repo.GetReviewers(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, r := range reviewers {
		switch r.Role {
		case domains.RoleReviewer:
			check.ReviewersCount++
		case domains.RoleObserver:
			check.ObserversCount++
		}
	}

	reviewStatus, err := s.status.CalculateReviewStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	check.ReviewStatus = reviewStatus
	// A pull request without any assigned reviewers needs no approval.
	if reviewStatus != domains.StatusApproved && check.ReviewersCount > 0 {
		check.fail(CheckReviewStatus,
			fmt.Sprintf("review status is %s, approval required", domains.StatusLabel(reviewStatus)))
		if failFast {
			return check, nil
		}
	}

	todos, err := s.comments.UnresolvedTodos(ctx, id)
	if err != nil {
		return nil, err
	}
	check.UnresolvedTodos = len(todos)
	if len(todos) > 0 {
		check.fail(CheckTodos, fmt.Sprintf("%d unresolved TODO comments", len(todos)))
		if failFast {
			return check, nil
		}
	}

	mergeResp, err := s.MergeState(ctx, id)
	if err != nil {
		return nil, err
	}
	check.MergeResponse = mergeResp
	check.MergePossible = mergeResp.Possible
	if !mergeResp.Possible {
		check.fail(CheckMerge, mergeFailureMessage(mergeResp, targetRepo))
	}

	log.Debug("merge check evaluated",
		slog.Bool("failed", check.Failed),
		slog.Int("errors", len(check.Errors)))
	return check, nil
}

func mergeFailureMessage(resp *vcs.MergeResponse, targetRepo *domains.Repo) string {
	switch resp.FailureReason {
	case vcs.FailureMissingTargetRef:
		return "target reference is missing in the repository"
	case vcs.FailureMissingSourceRef:
		return "source reference is missing in the repository"
	case vcs.FailureTargetIsLocked:
		return fmt.Sprintf("repository `%s` is locked", targetRepo.Name)
	case vcs.FailureMergeFailed:
		return "automatic merge failed, conflicts must be resolved manually"
	case vcs.FailurePushFailed:
		return "push of the merge commit failed"
	}
	return "merge is not currently possible"
}
