// Package pull_request drives the pull request lifecycle: creation,
// editing, reviewer management, commit updates with versioning, the merge
// pipeline and closing.
package pull_request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ravenscm/raven/internal/audit"
	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/hooks"
	"github.com/ravenscm/raven/internal/repository"
	"github.com/ravenscm/raven/internal/usecase"
	"github.com/ravenscm/raven/internal/usecase/comments"
	"github.com/ravenscm/raven/internal/usecase/status"
	"github.com/ravenscm/raven/internal/vcs"
)

// Lifecycle actions announced to integrations.
const (
	EventCreate             = "create"
	EventUpdate             = "update"
	EventMerge              = "merge"
	EventClose              = "close"
	EventReviewStatusChange = "review_status_change"
	EventComment            = "comment"
	EventCommentEdit        = "comment_edit"
)

type Repository interface {
	CreatePullRequest(ctx context.Context, pr *domains.PullRequest) (int64, error)
	GetPullRequest(ctx context.Context, id int64) (*domains.PullRequest, error)
	ListPullRequests(ctx context.Context, targetRepoID int64, status string) ([]domains.PullRequest, error)
	UpdatePullRequest(ctx context.Context, pr *domains.PullRequest) error
	SetPullRequestState(ctx context.Context, id int64, newState string, allowedFrom ...string) (string, error)
	DeletePullRequest(ctx context.Context, id int64) error

	CreateVersionFromSnapshot(ctx context.Context, ver *domains.PullRequestVersion) (int64, error)
	GetVersion(ctx context.Context, versionID int64) (*domains.PullRequestVersion, error)
	GetVersions(ctx context.Context, pullRequestID int64) ([]domains.PullRequestVersion, error)

	GetReviewers(ctx context.Context, pullRequestID int64) ([]domains.Reviewer, error)
	SyncReviewers(ctx context.Context, pullRequestID int64, role string, wanted []domains.Reviewer) (added, removed []int64, err error)

	GetUser(ctx context.Context, userID int64) (*domains.User, error)
	GetRepo(ctx context.Context, repoID int64) (*domains.Repo, error)
	UserRepoPermission(ctx context.Context, repoID, userID int64) (string, error)
	BranchPermission(ctx context.Context, repoID, userID int64, branch string) (rule, permission string, err error)
}

// Trigger fans a lifecycle action out to integrations. Implementations must
// tolerate being called after the fact and never fail the operation.
type Trigger interface {
	PullRequestAction(ctx context.Context, action string, pr *domains.PullRequest, actor *domains.User)
}

// NoopTrigger is used where integrations are disabled.
type NoopTrigger struct{}

func (NoopTrigger) PullRequestAction(context.Context, string, *domains.PullRequest, *domains.User) {}

// DaemonProvider builds the hook callback daemon for one backend operation,
// stamping its address into extras.
type DaemonProvider func(extras *hooks.Extras) (hooks.Daemon, error)

// Settings are the server level merge policies.
type Settings struct {
	// MessageTemplate builds the merge commit message. Supported
	// placeholders: {pr_id}, {title}, {source_repo}, {source_ref},
	// {target_ref}.
	MessageTemplate string

	// UserNameAttr names the user attribute used as the merge author,
	// empty means the short contact form.
	UserNameAttr string

	UseRebase   bool
	CloseBranch bool
}

type Service struct {
	log      *slog.Logger
	repo     Repository
	vcs      vcs.Client
	comments *comments.Service
	status   *status.Service
	audit    *audit.Logger
	trigger  Trigger
	notifier Notifier
	daemon   DaemonProvider
	settings Settings
	now      func() time.Time
}

func New(
	log *slog.Logger,
	repo Repository,
	vcsClient vcs.Client,
	commentsSvc *comments.Service,
	statusSvc *status.Service,
	auditLog *audit.Logger,
	trigger Trigger,
	notifier Notifier,
	daemon DaemonProvider,
	settings Settings,
) *Service {
	return &Service{
		log:      log,
		repo:     repo,
		vcs:      vcsClient,
		comments: commentsSvc,
		status:   statusSvc,
		audit:    auditLog,
		trigger:  trigger,
		notifier: notifier,
		daemon:   daemon,
		settings: settings,
		now:      time.Now,
	}
}

// ReviewerSpec names one wanted reviewer or observer.
type ReviewerSpec struct {
	UserID    int64
	Reasons   []string
	Mandatory bool
	Rule      *domains.VotingRule
}

// CreateParams carries everything needed to open a pull request.
type CreateParams struct {
	SourceRepoID int64
	TargetRepoID int64
	SourceRef    string
	TargetRef    string
	Title        string
	Description  string
	Renderer     string
	AuthorID     int64
	Reviewers    []ReviewerSpec
	Observers    []ReviewerSpec
}

func (s *Service) Create(ctx context.Context, params CreateParams) (*domains.PullRequest, error) {
	const op = "usecase.pull_request.Create"

	log := s.log.With(slog.String("op", op))

	sourceRepo, targetRepo, err := s.loadRepoPair(ctx, params.SourceRepoID, params.TargetRepoID)
	if err != nil {
		return nil, err
	}
	author, err := s.loadUser(ctx, params.AuthorID)
	if err != nil {
		return nil, err
	}

	sourceRef, err := domains.ParseReference(params.SourceRef)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	targetRef, err := domains.ParseReference(params.TargetRef)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	commits, err := s.vcs.Compare(ctx,
		targetRepo.Name, targetRef.SymbolicID(),
		sourceRepo.Name, sourceRef.SymbolicID(),
		true, []string{"raw_id"})
	if err != nil {
		log.Error("failed to compare refs", slog.String("err", err.Error()))
		return nil, err
	}
	ancestor, err := s.vcs.GetCommonAncestor(ctx,
		targetRepo.Name, targetRef.SymbolicID(), sourceRef.SymbolicID(), sourceRepo.Name)
	if err != nil {
		log.Error("failed to resolve common ancestor", slog.String("err", err.Error()))
		return nil, err
	}

	if len(commits) == 0 {
		log.Info("creation refused, empty commit range",
			slog.String("source_ref", params.SourceRef),
			slog.String("target_ref", params.TargetRef))
		return nil, usecase.ErrNoCommits
	}
	if ancestor == "" {
		log.Info("creation refused, unrelated histories",
			slog.String("source_ref", params.SourceRef),
			slog.String("target_ref", params.TargetRef))
		return nil, usecase.ErrNoCommonAncestor
	}

	revisions := make([]string, 0, len(commits))
	for _, c := range commits {
		revisions = append(revisions, c.ID)
	}
	sourceRef = sourceRef.WithCommit(commits[len(commits)-1].ID)

	now := s.now().UTC()
	pr := &domains.PullRequest{
		Title:               params.Title,
		Description:         params.Description,
		DescriptionRenderer: params.Renderer,
		Status:              domains.PRStatusNew,
		State:               domains.PRStateCreating,
		SourceRepoID:        params.SourceRepoID,
		TargetRepoID:        params.TargetRepoID,
		SourceRef:           sourceRef,
		TargetRef:           targetRef,
		Revisions:           revisions,
		CommonAncestorID:    ancestor,
		AuthorID:            params.AuthorID,
		ReviewerData:        reviewerRules(params.Reviewers),
		CreatedOn:           now,
		UpdatedOn:           now,
	}

	id, err := s.repo.CreatePullRequest(ctx, pr)
	if err != nil {
		log.Error("failed to create pull request", slog.String("err", err.Error()))
		return nil, err
	}
	pr.ID = id

	addedReviewers, _, err := s.repo.SyncReviewers(ctx, id, domains.RoleReviewer, specsToReviewers(id, domains.RoleReviewer, params.Reviewers))
	if err != nil {
		log.Error("failed to set reviewers", slog.String("err", err.Error()))
		return nil, err
	}
	addedObservers, _, err := s.repo.SyncReviewers(ctx, id, domains.RoleObserver, specsToReviewers(id, domains.RoleObserver, params.Observers))
	if err != nil {
		log.Error("failed to set observers", slog.String("err", err.Error()))
		return nil, err
	}

	pr.Status = domains.PRStatusOpen
	pr.State = domains.PRStateCreated
	pr.UpdatedOn = s.now().UTC()
	if err := s.repo.UpdatePullRequest(ctx, pr); err != nil {
		log.Error("failed to finalize pull request", slog.String("err", err.Error()))
		return nil, err
	}

	if err := s.status.MarkUnderReview(ctx, id, params.AuthorID, revisions); err != nil {
		log.Warn("failed to mark commits under review", slog.String("err", err.Error()))
	}
	s.seedMergeState(ctx, id, log)

	s.trigger.PullRequestAction(ctx, EventCreate, pr, author)
	s.auditAction(ctx, "repo.pull_request.create", pr, author, targetRepo, nil)

	if recipients := reviewRecipients(append(addedReviewers, addedObservers...), params.AuthorID); len(recipients) > 0 {
		s.notifier.ReviewRequested(ctx, pr, recipients)
	}

	log.Info("pull request created",
		slog.Int64("pull_request_id", id),
		slog.Int("commits", len(revisions)))
	return pr, nil
}

// Edit changes title, description or renderer of an open pull request.
// Unchanged fields cause no write and no audit entry.
func (s *Service) Edit(ctx context.Context, id int64, title, description, renderer string, actorID int64) (*domains.PullRequest, error) {
	const op = "usecase.pull_request.Edit"

	pr, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if pr.IsClosed() {
		return nil, usecase.ErrPullRequestClosed
	}
	actor, err := s.loadUser(ctx, actorID)
	if err != nil {
		return nil, err
	}

	changed := map[string]any{}
	if title != "" && title != pr.Title {
		changed["title"] = map[string]string{"old": pr.Title, "new": title}
		pr.Title = title
	}
	if description != "" && description != pr.Description {
		changed["description"] = "updated"
		pr.Description = description
	}
	if renderer != "" && renderer != pr.DescriptionRenderer {
		changed["renderer"] = renderer
		pr.DescriptionRenderer = renderer
	}
	if len(changed) == 0 {
		return pr, nil
	}

	pr.UpdatedOn = s.now().UTC()
	if err := s.repo.UpdatePullRequest(ctx, pr); err != nil {
		s.log.Error("failed to edit pull request", slog.String("op", op), slog.String("err", err.Error()))
		return nil, err
	}

	targetRepo, _ := s.repo.GetRepo(ctx, pr.TargetRepoID)
	s.auditAction(ctx, "repo.pull_request.edit", pr, actor, targetRepo, changed)

	s.log.Info("pull request edited", slog.String("op", op), slog.Int64("pull_request_id", id))
	return pr, nil
}

// UpdateReviewers reconciles the reviewer set of one role and journals every
// addition and removal.
func (s *Service) UpdateReviewers(ctx context.Context, id int64, role string, specs []ReviewerSpec, actorID int64) (added, removed []int64, err error) {
	const op = "usecase.pull_request.UpdateReviewers"

	if role != domains.RoleReviewer && role != domains.RoleObserver {
		return nil, nil, fmt.Errorf("%s: unknown role %q", op, role)
	}

	pr, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if pr.IsClosed() {
		return nil, nil, usecase.ErrPullRequestClosed
	}
	actor, err := s.loadUser(ctx, actorID)
	if err != nil {
		return nil, nil, err
	}

	added, removed, err = s.repo.SyncReviewers(ctx, id, role, specsToReviewers(id, role, specs))
	if err != nil {
		s.log.Error("failed to sync reviewers", slog.String("op", op), slog.String("err", err.Error()))
		return nil, nil, err
	}

	targetRepo, _ := s.repo.GetRepo(ctx, pr.TargetRepoID)
	auditRole := "reviewer"
	if role == domains.RoleObserver {
		auditRole = "observer"
	}
	for _, userID := range added {
		s.auditAction(ctx, fmt.Sprintf("repo.pull_request.%s.add", auditRole), pr, actor, targetRepo,
			map[string]any{"user_id": userID})
	}
	for _, userID := range removed {
		s.auditAction(ctx, fmt.Sprintf("repo.pull_request.%s.delete", auditRole), pr, actor, targetRepo,
			map[string]any{"user_id": userID})
	}

	if recipients := reviewRecipients(added, actorID); len(recipients) > 0 {
		s.notifier.ReviewRequested(ctx, pr, recipients)
	}

	s.log.Info("reviewers updated",
		slog.String("op", op),
		slog.Int64("pull_request_id", id),
		slog.String("role", role),
		slog.Int("added", len(added)),
		slog.Int("removed", len(removed)))
	return added, removed, nil
}

// Close closes the pull request without merging.
func (s *Service) Close(ctx context.Context, id int64, actorID int64) (*domains.PullRequest, error) {
	const op = "usecase.pull_request.Close"

	pr, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if pr.IsClosed() {
		return nil, usecase.ErrPullRequestClosed
	}
	actor, err := s.loadUser(ctx, actorID)
	if err != nil {
		return nil, err
	}

	pr.Status = domains.PRStatusClosed
	pr.UpdatedOn = s.now().UTC()
	if err := s.repo.UpdatePullRequest(ctx, pr); err != nil {
		s.log.Error("failed to close pull request", slog.String("op", op), slog.String("err", err.Error()))
		return nil, err
	}

	targetRepo, _ := s.repo.GetRepo(ctx, pr.TargetRepoID)
	s.trigger.PullRequestAction(ctx, EventClose, pr, actor)
	s.auditAction(ctx, "repo.pull_request.close", pr, actor, targetRepo, nil)

	s.log.Info("pull request closed", slog.String("op", op), slog.Int64("pull_request_id", id))
	return pr, nil
}

// CloseWithComment declines or approves-and-closes the pull request with a
// final status comment. The closing status follows the calculated review
// status: an approved request closes as approved, anything else as rejected.
func (s *Service) CloseWithComment(ctx context.Context, id int64, message string, actorID int64) (*domains.PullRequest, *domains.Comment, error) {
	const op = "usecase.pull_request.CloseWithComment"

	pr, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if pr.IsClosed() {
		return nil, nil, usecase.ErrPullRequestClosed
	}
	actor, err := s.loadUser(ctx, actorID)
	if err != nil {
		return nil, nil, err
	}

	calculated, err := s.status.CalculateReviewStatus(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	closingStatus := domains.StatusRejected
	if calculated == domains.StatusApproved {
		closingStatus = domains.StatusApproved
	}

	text := message
	if strings.TrimSpace(text) == "" {
		text = fmt.Sprintf("Closing with status change: %s", domains.StatusLabel(closingStatus))
	}

	comment, err := s.comments.CreateComment(ctx, comments.CreateParams{
		RepoID:        pr.TargetRepoID,
		PullRequestID: id,
		UserID:        actorID,
		Text:          text,
		StatusChange:  closingStatus,
		ClosingPR:     true,
	})
	if err != nil {
		return nil, nil, err
	}

	if _, err := s.status.SetStatus(ctx, id, actorID, closingStatus, &comment.ID); err != nil {
		return nil, nil, err
	}
	recalculated, err := s.status.CalculateReviewStatus(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	pr.Status = domains.PRStatusClosed
	pr.UpdatedOn = s.now().UTC()
	if err := s.repo.UpdatePullRequest(ctx, pr); err != nil {
		s.log.Error("failed to close pull request", slog.String("op", op), slog.String("err", err.Error()))
		return nil, nil, err
	}

	targetRepo, _ := s.repo.GetRepo(ctx, pr.TargetRepoID)
	s.trigger.PullRequestAction(ctx, EventComment, pr, actor)
	if recalculated != calculated {
		s.trigger.PullRequestAction(ctx, EventReviewStatusChange, pr, actor)
	}
	s.trigger.PullRequestAction(ctx, EventClose, pr, actor)
	s.auditAction(ctx, "repo.pull_request.close", pr, actor, targetRepo,
		map[string]any{"status": closingStatus})

	s.log.Info("pull request closed with comment",
		slog.String("op", op),
		slog.Int64("pull_request_id", id),
		slog.String("status", closingStatus))
	return pr, comment, nil
}

// Delete removes the pull request and its shadow merge workspace.
func (s *Service) Delete(ctx context.Context, id int64, actorID int64) error {
	const op = "usecase.pull_request.Delete"

	pr, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	actor, err := s.loadUser(ctx, actorID)
	if err != nil {
		return err
	}
	targetRepo, _ := s.repo.GetRepo(ctx, pr.TargetRepoID)

	if err := s.vcs.CleanupMergeWorkspace(ctx, pr.TargetRepoID, pr.WorkspaceID()); err != nil {
		// The workspace may never have existed; deletion proceeds.
		s.log.Warn("failed to cleanup merge workspace",
			slog.String("op", op),
			slog.Int64("pull_request_id", id),
			slog.String("err", err.Error()))
	}

	if err := s.repo.DeletePullRequest(ctx, id); err != nil {
		s.log.Error("failed to delete pull request", slog.String("op", op), slog.String("err", err.Error()))
		return err
	}

	s.auditAction(ctx, "repo.pull_request.delete", pr, actor, targetRepo, nil)
	s.log.Info("pull request deleted", slog.String("op", op), slog.Int64("pull_request_id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id int64) (*domains.PullRequest, error) {
	return s.load(ctx, id)
}

// List returns the pull requests targeting a repository, optionally filtered
// by status.
func (s *Service) List(ctx context.Context, targetRepoID int64, status string) ([]domains.PullRequest, error) {
	const op = "usecase.pull_request.List"

	switch status {
	case "", domains.PRStatusNew, domains.PRStatusOpen, domains.PRStatusClosed:
	default:
		return nil, fmt.Errorf("%s: unknown status %q", op, status)
	}
	if _, err := s.repo.GetRepo(ctx, targetRepoID); err != nil {
		if errors.Is(err, repository.ErrRepoNotFound) {
			return nil, usecase.ErrRepoNotFound
		}
		return nil, err
	}
	return s.repo.ListPullRequests(ctx, targetRepoID, status)
}

func (s *Service) load(ctx context.Context, id int64) (*domains.PullRequest, error) {
	pr, err := s.repo.GetPullRequest(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrPullRequestNotFound) {
			return nil, usecase.ErrPullRequestNotFound
		}
		return nil, err
	}
	return pr, nil
}

func (s *Service) loadUser(ctx context.Context, userID int64) (*domains.User, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, usecase.ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *Service) loadRepoPair(ctx context.Context, sourceID, targetID int64) (*domains.Repo, *domains.Repo, error) {
	source, err := s.repo.GetRepo(ctx, sourceID)
	if err != nil {
		if errors.Is(err, repository.ErrRepoNotFound) {
			return nil, nil, usecase.ErrRepoNotFound
		}
		return nil, nil, err
	}
	target, err := s.repo.GetRepo(ctx, targetID)
	if err != nil {
		if errors.Is(err, repository.ErrRepoNotFound) {
			return nil, nil, usecase.ErrRepoNotFound
		}
		return nil, nil, err
	}
	return source, target, nil
}

func (s *Service) auditAction(ctx context.Context, action string, pr *domains.PullRequest, actor *domains.User, repo *domains.Repo, extra map[string]any) {
	data := map[string]any{"pull_request_id": pr.ID}
	for k, v := range extra {
		data[k] = v
	}
	var target *audit.Target
	if repo != nil {
		target = &audit.Target{RepoID: repo.ID, RepoName: repo.Name}
	}
	s.audit.LogAPI(ctx, action, data, audit.Actor{UserID: actor.ID, Username: actor.Username}, target)
}

// reviewerRules snapshots the reviewer rules active at creation time, keyed
// by user id. The snapshot travels into every version so old reviews stay
// explainable after the rules change.
func reviewerRules(specs []ReviewerSpec) map[string]any {
	rules := make(map[string]any, len(specs))
	for _, spec := range specs {
		entry := map[string]any{
			"reasons":   spec.Reasons,
			"mandatory": spec.Mandatory,
		}
		if spec.Rule != nil {
			entry["group_id"] = spec.Rule.GroupID
			entry["vote_rule"] = spec.Rule.VoteRule
		}
		rules[strconv.FormatInt(spec.UserID, 10)] = entry
	}
	return rules
}

func specsToReviewers(pullRequestID int64, role string, specs []ReviewerSpec) []domains.Reviewer {
	reviewers := make([]domains.Reviewer, 0, len(specs))
	for _, spec := range specs {
		reviewers = append(reviewers, domains.Reviewer{
			PullRequestID: pullRequestID,
			UserID:        spec.UserID,
			Role:          role,
			Reasons:       spec.Reasons,
			Mandatory:     spec.Mandatory,
			RuleData:      spec.Rule,
		})
	}
	return reviewers
}
