package pull_request

import (
	"context"
	"log/slog"

	"github.com/ravenscm/raven/internal/domains"
)

// Notifier delivers pull request notifications to users. The engine only
// computes recipient sets; rendering and delivery live behind this interface.
type Notifier interface {
	// ReviewRequested tells newly added reviewers and observers that their
	// input is wanted.
	ReviewRequested(ctx context.Context, pr *domains.PullRequest, recipients []int64)

	// CommitsUpdated tells everyone on the pull request, except the user
	// who pushed, that the commit set changed.
	CommitsUpdated(ctx context.Context, pr *domains.PullRequest, recipients []int64)
}

// NoopNotifier is used where notification delivery is disabled.
type NoopNotifier struct{}

func (NoopNotifier) ReviewRequested(context.Context, *domains.PullRequest, []int64) {}

func (NoopNotifier) CommitsUpdated(context.Context, *domains.PullRequest, []int64) {}

// reviewRecipients filters excluded user ids out of the added set. Users
// never get notified about their own actions.
func reviewRecipients(added []int64, exclude ...int64) []int64 {
	recipients := make([]int64, 0, len(added))
	for _, userID := range added {
		skip := false
		for _, ex := range exclude {
			if userID == ex {
				skip = true
				break
			}
		}
		if !skip {
			recipients = append(recipients, userID)
		}
	}
	return recipients
}

// updateRecipients collects the author and every reviewer and observer of
// the pull request, excluding the user who triggered the update.
func (s *Service) updateRecipients(ctx context.Context, pr *domains.PullRequest, actorID int64) []int64 {
	const op = "usecase.pull_request.updateRecipients"

	reviewers, err := s.repo.GetReviewers(ctx, pr.ID)
	if err != nil {
		s.log.Warn("failed to load notification recipients",
			slog.String("op", op),
			slog.Int64("pull_request_id", pr.ID),
			slog.String("err", err.Error()))
		reviewers = nil
	}

	seen := map[int64]struct{}{actorID: {}}
	var recipients []int64
	if pr.AuthorID != actorID {
		recipients = append(recipients, pr.AuthorID)
		seen[pr.AuthorID] = struct{}{}
	}
	for _, r := range reviewers {
		if _, ok := seen[r.UserID]; ok {
			continue
		}
		seen[r.UserID] = struct{}{}
		recipients = append(recipients, r.UserID)
	}
	return recipients
}
