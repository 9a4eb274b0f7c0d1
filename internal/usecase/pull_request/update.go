package pull_request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ravenscm/raven/internal/diffs"
	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/repository"
	"github.com/ravenscm/raven/internal/usecase"
	"github.com/ravenscm/raven/internal/usecase/comments"
	"github.com/ravenscm/raven/internal/vcs"
)

// Reasons an update finished without rewriting the commit list.
const (
	UpdateReasonNone             = "none"
	UpdateReasonNoChange         = "no_change"
	UpdateReasonWrongRefType     = "wrong_ref_type"
	UpdateReasonMissingSourceRef = "missing_source_ref"
	UpdateReasonMissingTargetRef = "missing_target_ref"
)

// CommitChanges is the commit-level delta of one update.
type CommitChanges struct {
	Added   []string `json:"added"`
	Common  []string `json:"common"`
	Removed []string `json:"removed"`
}

func (c CommitChanges) Any() bool {
	return len(c.Added) > 0 || len(c.Removed) > 0
}

// UpdateResponse reports what UpdateCommits did.
type UpdateResponse struct {
	Executed    bool
	Reason      string
	VersionID   int64
	PullRequest *domains.PullRequest
	Changes     CommitChanges
	FileChanges diffs.FileChanges
}

// UpdateCommits re-reads the source ref and, when it moved, snapshots the
// current pull request as a new version and rewrites the live one against
// the new tip. Comments and votes recorded against latest get frozen into
// the snapshot; inline comments whose anchor vanished are outdated.
func (s *Service) UpdateCommits(ctx context.Context, id int64, actorID int64) (UpdateResponse, error) {
	const op = "usecase.pull_request.UpdateCommits"

	log := s.log.With(slog.String("op", op), slog.Int64("pull_request_id", id))

	actor, err := s.loadUser(ctx, actorID)
	if err != nil {
		return UpdateResponse{}, err
	}

	prevState, err := s.repo.SetPullRequestState(ctx, id, domains.PRStateUpdating, domains.PRStateCreated)
	if err != nil {
		var conflict *repository.StateConflictError
		if errors.As(err, &conflict) {
			log.Warn("update skipped, pull request busy", slog.String("state", conflict.CurrentState))
			return UpdateResponse{}, usecase.ErrInvalidState
		}
		if errors.Is(err, repository.ErrPullRequestNotFound) {
			return UpdateResponse{}, usecase.ErrPullRequestNotFound
		}
		return UpdateResponse{}, err
	}
	defer func() {
		if _, err := s.repo.SetPullRequestState(ctx, id, prevState, domains.PRStateUpdating); err != nil {
			log.Error("failed to restore pull request state", slog.String("err", err.Error()))
		}
	}()

	pr, err := s.load(ctx, id)
	if err != nil {
		return UpdateResponse{}, err
	}
	if pr.IsClosed() {
		return UpdateResponse{}, usecase.ErrPullRequestClosed
	}

	if !pr.SourceRef.Updatable() {
		log.Info("update refused for static source ref", slog.String("ref_type", pr.SourceRef.Type))
		return UpdateResponse{Reason: UpdateReasonWrongRefType, PullRequest: pr}, nil
	}

	sourceRepo, targetRepo, err := s.loadRepoPair(ctx, pr.SourceRepoID, pr.TargetRepoID)
	if err != nil {
		return UpdateResponse{}, err
	}

	tip, err := s.vcs.GetCommit(ctx, sourceRepo.Name, pr.SourceRef.Name)
	if err != nil {
		if errors.Is(err, vcs.ErrMissingCommit) {
			return UpdateResponse{Reason: UpdateReasonMissingSourceRef, PullRequest: pr}, nil
		}
		return UpdateResponse{}, err
	}
	if _, err := s.vcs.GetCommit(ctx, targetRepo.Name, pr.TargetRef.SymbolicID()); err != nil {
		if errors.Is(err, vcs.ErrMissingCommit) {
			return UpdateResponse{Reason: UpdateReasonMissingTargetRef, PullRequest: pr}, nil
		}
		return UpdateResponse{}, err
	}

	if tip.ID == pr.SourceRef.CommitID {
		log.Debug("source ref did not move")
		return UpdateResponse{Reason: UpdateReasonNoChange, PullRequest: pr}, nil
	}

	commits, err := s.vcs.Compare(ctx,
		targetRepo.Name, pr.TargetRef.SymbolicID(),
		sourceRepo.Name, pr.SourceRef.Name,
		true, []string{"raw_id"})
	if err != nil {
		return UpdateResponse{}, err
	}
	ancestor, err := s.vcs.GetCommonAncestor(ctx,
		targetRepo.Name, pr.TargetRef.SymbolicID(), pr.SourceRef.Name, sourceRepo.Name)
	if err != nil {
		return UpdateResponse{}, err
	}
	// The ancestor gate comes before the snapshot: a rejected update must
	// leave no version behind.
	if ancestor == "" {
		log.Warn("update refused, histories no longer related", slog.String("new_tip", tip.ID))
		return UpdateResponse{}, usecase.ErrNoCommonAncestor
	}

	snapshot := domains.SnapshotVersion(pr, s.now().UTC())
	versionID, err := s.repo.CreateVersionFromSnapshot(ctx, snapshot)
	if err != nil {
		log.Error("failed to snapshot version", slog.String("err", err.Error()))
		return UpdateResponse{}, err
	}

	newRevisions := make([]string, 0, len(commits))
	for _, c := range commits {
		newRevisions = append(newRevisions, c.ID)
	}
	changes := compareCommits(pr.Revisions, newRevisions)

	fileChanges, err := s.compareDiffs(ctx, targetRepo.Name, pr, ancestor, tip.ID)
	if err != nil {
		// File level delta is informational; the update itself proceeds.
		log.Warn("failed to compute file changes", slog.String("err", err.Error()))
	}

	oldTip := pr.SourceTip()
	pr.SourceRef = pr.SourceRef.WithCommit(tip.ID)
	// The target ref pins the merge base of this iteration, not the moving
	// target tip.
	pr.TargetRef = pr.TargetRef.WithCommit(ancestor)
	pr.Revisions = newRevisions
	pr.CommonAncestorID = ancestor
	pr.UpdatedOn = s.now().UTC()
	if err := s.repo.UpdatePullRequest(ctx, pr); err != nil {
		log.Error("failed to store updated pull request", slog.String("err", err.Error()))
		return UpdateResponse{}, err
	}

	if len(changes.Added) > 0 {
		if err := s.status.MarkUnderReview(ctx, id, actorID, changes.Added); err != nil {
			log.Warn("failed to mark new commits under review", slog.String("err", err.Error()))
		}
	}

	if _, err := s.comments.CreateComment(ctx, updateComment(pr, versionID, oldTip, tip.ID, changes, fileChanges, actorID)); err != nil {
		log.Warn("failed to create update comment", slog.String("err", err.Error()))
	}

	s.trigger.PullRequestAction(ctx, EventUpdate, pr, actor)
	if recipients := s.updateRecipients(ctx, pr, actorID); len(recipients) > 0 {
		s.notifier.CommitsUpdated(ctx, pr, recipients)
	}
	s.auditAction(ctx, "repo.pull_request.update", pr, actor, targetRepo, map[string]any{
		"version_id":      versionID,
		"commits_added":   len(changes.Added),
		"commits_removed": len(changes.Removed),
	})

	log.Info("pull request updated",
		slog.Int64("version_id", versionID),
		slog.String("new_tip", tip.ID),
		slog.Int("added", len(changes.Added)),
		slog.Int("removed", len(changes.Removed)))

	return UpdateResponse{
		Executed:    true,
		Reason:      UpdateReasonNone,
		VersionID:   versionID,
		PullRequest: pr,
		Changes:     changes,
		FileChanges: fileChanges,
	}, nil
}

// compareDiffs parses the diff before and after the update and classifies
// the per-file changes. It also outdates inline comments that lost their
// anchor in the new diff.
func (s *Service) compareDiffs(ctx context.Context, repoName string, pr *domains.PullRequest, newAncestor, newTip string) (diffs.FileChanges, error) {
	oldRaw, err := s.vcs.GetDiff(ctx, repoName, pr.CommonAncestorID, pr.SourceTip(), false, 3)
	if err != nil {
		return diffs.FileChanges{}, err
	}
	newRaw, err := s.vcs.GetDiff(ctx, repoName, newAncestor, newTip, false, 3)
	if err != nil {
		return diffs.FileChanges{}, err
	}

	oldDiff, err := diffs.Parse(oldRaw)
	if err != nil {
		return diffs.FileChanges{}, err
	}
	newDiff, err := diffs.Parse(newRaw)
	if err != nil {
		return diffs.FileChanges{}, err
	}

	if _, err := s.comments.OutdateComments(ctx, pr.ID, newDiff); err != nil {
		return diffs.FileChanges{}, err
	}
	return diffs.CompareFileChanges(oldDiff, newDiff), nil
}

// compareCommits splits old and new revision lists (oldest first) into
// added, common and removed, preserving order.
func compareCommits(oldRevisions, newRevisions []string) CommitChanges {
	oldSet := make(map[string]struct{}, len(oldRevisions))
	for _, rev := range oldRevisions {
		oldSet[rev] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newRevisions))
	for _, rev := range newRevisions {
		newSet[rev] = struct{}{}
	}

	var changes CommitChanges
	for _, rev := range newRevisions {
		if _, ok := oldSet[rev]; ok {
			changes.Common = append(changes.Common, rev)
		} else {
			changes.Added = append(changes.Added, rev)
		}
	}
	for _, rev := range oldRevisions {
		if _, ok := newSet[rev]; !ok {
			changes.Removed = append(changes.Removed, rev)
		}
	}
	return changes
}

func updateComment(pr *domains.PullRequest, versionID int64, oldTip, newTip string, changes CommitChanges, files diffs.FileChanges, actorID int64) comments.CreateParams {
	var b strings.Builder
	fmt.Fprintf(&b, "Pull request updated to %s\n\n", shortID(newTip))
	fmt.Fprintf(&b, "Commits: %d added, %d removed\n", len(changes.Added), len(changes.Removed))
	fmt.Fprintf(&b, "Files: %d added, %d modified, %d removed",
		len(files.Added), len(files.Modified), len(files.Removed))

	return comments.CreateParams{
		RepoID:        pr.TargetRepoID,
		PullRequestID: pr.ID,
		UserID:        actorID,
		Text:          b.String(),
	}
}

func shortID(commitID string) string {
	if len(commitID) > 12 {
		return commitID[:12]
	}
	return commitID
}
