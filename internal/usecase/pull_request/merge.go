package pull_request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/hooks"
	"github.com/ravenscm/raven/internal/repository"
	"github.com/ravenscm/raven/internal/usecase"
	"github.com/ravenscm/raven/internal/usecase/comments"
	"github.com/ravenscm/raven/internal/vcs"
)

// MergeState returns whether the pull request can merge cleanly into its
// target, using a dry run against the shadow workspace. The result is cached
// on the pull request row keyed by (source tip, target tip); an unknown
// failure is never cached, so transient backend problems get retried.
func (s *Service) MergeState(ctx context.Context, id int64) (*vcs.MergeResponse, error) {
	const op = "usecase.pull_request.MergeState"

	log := s.log.With(slog.String("op", op), slog.Int64("pull_request_id", id))

	pr, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	sourceRepo, targetRepo, err := s.loadRepoPair(ctx, pr.SourceRepoID, pr.TargetRepoID)
	if err != nil {
		return nil, err
	}

	targetTip, err := s.vcs.GetCommit(ctx, targetRepo.Name, pr.TargetRef.SymbolicID())
	if err != nil {
		if errors.Is(err, vcs.ErrMissingCommit) {
			return &vcs.MergeResponse{FailureReason: vcs.FailureMissingTargetRef}, nil
		}
		return nil, err
	}

	heads := s.targetBranchHeads(ctx, targetRepo, pr.TargetRef, log)

	if cached, ok := s.cachedMergeState(pr, targetTip.ID); ok {
		withHeads(cached, heads)
		log.Debug("merge state served from cache", slog.String("status", cached.FailureReason))
		return cached, nil
	}

	resp, err := s.vcs.Merge(ctx, vcs.MergeRequest{
		RepoID:      pr.TargetRepoID,
		WorkspaceID: pr.WorkspaceID(),
		TargetRef:   pr.TargetRef,
		SourceRepo:  sourceRepo.Name,
		SourceRef:   pr.SourceRef,
		DryRun:      true,
		UseRebase:   s.settings.UseRebase,
	})
	if err != nil {
		return nil, err
	}
	if resp.FailureReason == "" {
		resp.FailureReason = vcs.FailureNone
	}
	withHeads(&resp, heads)

	if resp.FailureReason != vcs.FailureUnknown {
		pr.LastMergeSourceRev = pr.SourceRef.CommitID
		pr.LastMergeTargetRev = targetTip.ID
		pr.LastMergeStatus = resp.FailureReason
		pr.LastMergeMetadata = resp.Metadata
		pr.ShadowMergeRef = resp.MergeRef
		pr.UpdatedOn = s.now().UTC()
		if err := s.repo.UpdatePullRequest(ctx, pr); err != nil {
			log.Warn("failed to cache merge state", slog.String("err", err.Error()))
		}
	}

	log.Info("merge state refreshed",
		slog.Bool("possible", resp.Possible),
		slog.String("status", resp.FailureReason))
	return &resp, nil
}

// targetBranchHeads re-reads the head list of a mercurial target branch.
// Multiple heads change what a merge would do, so the fresh list always
// overrides whatever the cache recorded.
func (s *Service) targetBranchHeads(ctx context.Context, repo *domains.Repo, ref domains.Reference, log *slog.Logger) []string {
	if repo.Type != domains.RepoTypeHg || ref.Type != domains.RefTypeBranch {
		return nil
	}
	heads, err := s.vcs.BranchHeads(ctx, repo.Name, ref.Name)
	if err != nil {
		log.Warn("failed to read target branch heads", slog.String("err", err.Error()))
		return nil
	}
	return heads
}

// withHeads stamps the current head list into the response metadata without
// mutating a possibly shared map.
func withHeads(resp *vcs.MergeResponse, heads []string) {
	if len(heads) == 0 {
		return
	}
	metadata := make(map[string]string, len(resp.Metadata)+1)
	for k, v := range resp.Metadata {
		metadata[k] = v
	}
	metadata["heads"] = strings.Join(heads, ", ")
	resp.Metadata = metadata
}

// seedMergeState runs one dry run right after creation so the first status
// read finds a warm cache. The pull request is briefly locked the same way a
// real merge locks it; any failure only logs, creation already succeeded.
func (s *Service) seedMergeState(ctx context.Context, id int64, log *slog.Logger) {
	prevState, err := s.repo.SetPullRequestState(ctx, id, domains.PRStateMerging, domains.PRStateCreated)
	if err != nil {
		log.Warn("merge state seed skipped", slog.String("err", err.Error()))
		return
	}
	defer func() {
		if _, err := s.repo.SetPullRequestState(ctx, id, prevState, domains.PRStateMerging); err != nil {
			log.Error("failed to restore pull request state", slog.String("err", err.Error()))
		}
	}()

	if _, err := s.MergeState(ctx, id); err != nil {
		log.Warn("merge state seed failed", slog.String("err", err.Error()))
	}
}

func (s *Service) cachedMergeState(pr *domains.PullRequest, targetTip string) (*vcs.MergeResponse, bool) {
	if pr.LastMergeStatus == "" || pr.LastMergeStatus == vcs.FailureUnknown {
		return nil, false
	}
	if pr.LastMergeSourceRev != pr.SourceRef.CommitID || pr.LastMergeTargetRev != targetTip {
		return nil, false
	}
	return &vcs.MergeResponse{
		Possible:      pr.LastMergeStatus == vcs.FailureNone,
		FailureReason: pr.LastMergeStatus,
		Metadata:      pr.LastMergeMetadata,
		MergeRef:      pr.ShadowMergeRef,
	}, true
}

// MergeResult reports one merge attempt. When Check failed the merge was not
// attempted and Response is nil.
type MergeResult struct {
	Check       *MergeCheck
	Response    *vcs.MergeResponse
	PullRequest *domains.PullRequest
}

// Merge validates and executes the merge of the pull request. The record is
// locked in the merging state for the duration; whatever happens, it returns
// to its previous state. A successful merge records the merge commit, closes
// the pull request and tears down the shadow workspace.
func (s *Service) Merge(ctx context.Context, id, actorID int64, extras hooks.Extras) (*MergeResult, error) {
	const op = "usecase.pull_request.Merge"

	log := s.log.With(slog.String("op", op), slog.Int64("pull_request_id", id))

	actor, err := s.loadUser(ctx, actorID)
	if err != nil {
		return nil, err
	}

	prevState, err := s.repo.SetPullRequestState(ctx, id, domains.PRStateMerging, domains.PRStateCreated)
	if err != nil {
		var conflict *repository.StateConflictError
		if errors.As(err, &conflict) {
			log.Warn("merge refused, pull request busy", slog.String("state", conflict.CurrentState))
			return nil, usecase.ErrInvalidState
		}
		if errors.Is(err, repository.ErrPullRequestNotFound) {
			return nil, usecase.ErrPullRequestNotFound
		}
		return nil, err
	}
	defer func() {
		if _, err := s.repo.SetPullRequestState(ctx, id, prevState, domains.PRStateMerging); err != nil {
			log.Error("failed to restore pull request state", slog.String("err", err.Error()))
		}
	}()

	check, err := s.CheckMergeability(ctx, id, actorID, true)
	if err != nil {
		return nil, err
	}
	if check.Failed {
		log.Info("merge blocked by checks", slog.String("reason", check.Error()))
		return &MergeResult{Check: check}, nil
	}

	pr, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	sourceRepo, targetRepo, err := s.loadRepoPair(ctx, pr.SourceRepoID, pr.TargetRepoID)
	if err != nil {
		return nil, err
	}

	extras.Repository = targetRepo.Name
	extras.RepoType = targetRepo.Type
	extras.UserID = actor.ID
	extras.Username = actor.Username
	extras.Action = "push"

	daemon, err := s.daemon(&extras)
	if err != nil {
		return nil, err
	}
	if err := daemon.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := daemon.Release(); err != nil {
			log.Warn("failed to release hook daemon", slog.String("err", err.Error()))
		}
	}()

	resp, err := s.vcs.Merge(ctx, vcs.MergeRequest{
		RepoID:      pr.TargetRepoID,
		WorkspaceID: pr.WorkspaceID(),
		TargetRef:   pr.TargetRef,
		SourceRepo:  sourceRepo.Name,
		SourceRef:   pr.SourceRef,
		DryRun:      false,
		UseRebase:   s.settings.UseRebase,
		CloseBranch: s.settings.CloseBranch,
		UserName:    s.mergeUserName(actor),
		UserEmail:   actor.Email,
		Message:     s.mergeMessage(pr, sourceRepo.Name),
		Extras:      extras.ToMap(),
	})
	if err != nil {
		return nil, err
	}

	result := &MergeResult{Check: check, Response: &resp, PullRequest: pr}
	if !resp.Executed {
		// An unclassified failure stays out of the cache so the next
		// attempt retries instead of pinning a stale verdict.
		if resp.FailureReason != vcs.FailureUnknown {
			pr.LastMergeStatus = resp.FailureReason
			pr.UpdatedOn = s.now().UTC()
			if err := s.repo.UpdatePullRequest(ctx, pr); err != nil {
				log.Warn("failed to record merge failure", slog.String("err", err.Error()))
			}
		}
		log.Warn("merge not executed", slog.String("reason", resp.FailureReason))
		return result, nil
	}

	if resp.MergeRef != nil {
		pr.MergeRev = resp.MergeRef.CommitID
	}
	pr.Status = domains.PRStatusClosed
	pr.LastMergeStatus = vcs.FailureNone
	pr.UpdatedOn = s.now().UTC()
	if err := s.repo.UpdatePullRequest(ctx, pr); err != nil {
		log.Error("merge executed but state not persisted", slog.String("err", err.Error()))
		return nil, err
	}

	if _, err := s.comments.CreateComment(ctx, comments.CreateParams{
		RepoID:        pr.TargetRepoID,
		PullRequestID: pr.ID,
		UserID:        actorID,
		Text:          fmt.Sprintf("Pull request merged and closed via %s", shortID(pr.MergeRev)),
		StatusChange:  domains.StatusApproved,
		ClosingPR:     true,
	}); err != nil {
		log.Warn("failed to create merge comment", slog.String("err", err.Error()))
	}

	if err := s.vcs.CleanupMergeWorkspace(ctx, pr.TargetRepoID, pr.WorkspaceID()); err != nil {
		log.Warn("failed to cleanup merge workspace", slog.String("err", err.Error()))
	}

	s.trigger.PullRequestAction(ctx, EventMerge, pr, actor)
	s.auditAction(ctx, "repo.pull_request.merge", pr, actor, targetRepo,
		map[string]any{"merge_rev": pr.MergeRev})

	log.Info("pull request merged", slog.String("merge_rev", pr.MergeRev))
	return result, nil
}

// mergeUserName resolves the author recorded on the merge commit. A server
// setting can point at any user attribute; the short contact form is the
// default.
func (s *Service) mergeUserName(actor *domains.User) string {
	if attr := s.settings.UserNameAttr; attr != "" {
		if v, ok := actor.Attribute(attr); ok && v != "" {
			return v
		}
	}
	return actor.ShortContact()
}

func (s *Service) mergeMessage(pr *domains.PullRequest, sourceRepo string) string {
	template := s.settings.MessageTemplate
	if template == "" {
		template = "Merge pull request !{pr_id} from {source_repo} {source_ref}\n\n{title}"
	}
	replacer := strings.NewReplacer(
		"{pr_id}", strconv.FormatInt(pr.ID, 10),
		"{title}", pr.Title,
		"{source_repo}", sourceRepo,
		"{source_ref}", pr.SourceRef.Name,
		"{target_ref}", pr.TargetRef.Name,
	)
	return replacer.Replace(template)
}
