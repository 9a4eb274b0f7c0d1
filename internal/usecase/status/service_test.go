package status

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravenscm/raven/internal/audit"
	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/repository"
)

type fakeRepo struct {
	pr        *domains.PullRequest
	reviewers []domains.Reviewer
	statuses  []domains.ChangesetStatus

	auditEntries []domains.UserLog
}

func (r *fakeRepo) GetPullRequest(_ context.Context, id int64) (*domains.PullRequest, error) {
	if r.pr == nil || r.pr.ID != id {
		return nil, repository.ErrPullRequestNotFound
	}
	return r.pr, nil
}

func (r *fakeRepo) GetReviewers(_ context.Context, _ int64) ([]domains.Reviewer, error) {
	return r.reviewers, nil
}

func (r *fakeRepo) GetLatestStatuses(_ context.Context, _ int64) ([]domains.ChangesetStatus, error) {
	return r.statuses, nil
}

func (r *fakeRepo) SaveChangesetStatus(_ context.Context, st *domains.ChangesetStatus) (int64, error) {
	st.ID = int64(len(r.statuses) + 1)
	r.statuses = append(r.statuses, *st)
	return st.ID, nil
}

func (r *fakeRepo) GetUser(_ context.Context, userID int64) (*domains.User, error) {
	return &domains.User{ID: userID, Username: "alice"}, nil
}

func (r *fakeRepo) GetRepo(_ context.Context, repoID int64) (*domains.Repo, error) {
	return &domains.Repo{ID: repoID, Name: "acme/widgets"}, nil
}

func (r *fakeRepo) SaveEntry(_ context.Context, entry domains.UserLog) error {
	r.auditEntries = append(r.auditEntries, entry)
	return nil
}

func newService(repo *fakeRepo) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, repo, audit.New(log, repo))
}

func TestSetStatus(t *testing.T) {
	repo := &fakeRepo{pr: &domains.PullRequest{
		ID:           1,
		TargetRepoID: 2,
		Revisions:    []string{"c1", "c2"},
	}}
	svc := newService(repo)

	vote, err := svc.SetStatus(context.Background(), 1, 7, domains.StatusApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, "c2", vote.Revision)
	assert.Equal(t, domains.StatusApproved, vote.Status)

	require.Len(t, repo.auditEntries, 1)
	entry := repo.auditEntries[0]
	assert.Equal(t, "repo.pull_request.vote", entry.Action)
	assert.Equal(t, "alice", entry.Username)
	assert.Equal(t, int64(2), entry.RepoID)
	assert.Equal(t, domains.StatusApproved, entry.ActionData["status"])

	_, err = svc.SetStatus(context.Background(), 1, 7, "maybe", nil)
	assert.Error(t, err)
}

func TestMarkUnderReview(t *testing.T) {
	repo := &fakeRepo{pr: &domains.PullRequest{
		ID:           1,
		TargetRepoID: 2,
		Revisions:    []string{"c1", "c2"},
	}}
	svc := newService(repo)

	require.NoError(t, svc.MarkUnderReview(context.Background(), 1, 8, []string{"c1", "c2"}))

	require.Len(t, repo.statuses, 2)
	for i, rev := range []string{"c1", "c2"} {
		assert.Equal(t, rev, repo.statuses[i].Revision)
		assert.Equal(t, domains.StatusUnderReview, repo.statuses[i].Status)
		assert.Equal(t, int64(8), repo.statuses[i].UserID)
	}
	assert.Empty(t, repo.auditEntries, "bookkeeping statuses are not votes")
}

func reviewer(userID int64, mandatory bool) domains.Reviewer {
	return domains.Reviewer{
		UserID:    userID,
		Role:      domains.RoleReviewer,
		Mandatory: mandatory,
	}
}

func groupReviewer(userID, groupID int64, voteRule int) domains.Reviewer {
	return domains.Reviewer{
		UserID: userID,
		Role:   domains.RoleReviewer,
		RuleData: &domains.VotingRule{
			GroupID:  groupID,
			VoteRule: voteRule,
		},
	}
}

func vote(userID int64, status string) domains.ChangesetStatus {
	return domains.ChangesetStatus{UserID: userID, Status: status}
}

func TestAggregate(t *testing.T) {
	cases := []struct {
		name      string
		reviewers []domains.Reviewer
		statuses  []domains.ChangesetStatus
		want      string
	}{
		{
			name: "no reviewers",
			want: domains.StatusNotReviewed,
		},
		{
			name:      "nobody voted",
			reviewers: []domains.Reviewer{reviewer(1, false), reviewer(2, false)},
			want:      domains.StatusNotReviewed,
		},
		{
			name:      "single approval",
			reviewers: []domains.Reviewer{reviewer(1, false)},
			statuses:  []domains.ChangesetStatus{vote(1, domains.StatusApproved)},
			want:      domains.StatusApproved,
		},
		{
			name:      "any rejection wins",
			reviewers: []domains.Reviewer{reviewer(1, false), reviewer(2, false)},
			statuses: []domains.ChangesetStatus{
				vote(1, domains.StatusApproved),
				vote(2, domains.StatusRejected),
			},
			want: domains.StatusRejected,
		},
		{
			name:      "pending mandatory reviewer blocks approval",
			reviewers: []domains.Reviewer{reviewer(1, false), reviewer(2, true)},
			statuses:  []domains.ChangesetStatus{vote(1, domains.StatusApproved)},
			want:      domains.StatusUnderReview,
		},
		{
			name:      "pending optional reviewer does not block",
			reviewers: []domains.Reviewer{reviewer(1, true), reviewer(2, false)},
			statuses:  []domains.ChangesetStatus{vote(1, domains.StatusApproved)},
			want:      domains.StatusApproved,
		},
		{
			name:      "under review while votes trickle in",
			reviewers: []domains.Reviewer{reviewer(1, false), reviewer(2, true)},
			statuses:  []domains.ChangesetStatus{vote(1, domains.StatusUnderReview)},
			want:      domains.StatusUnderReview,
		},
		{
			name: "group needs minimum approvals",
			reviewers: []domains.Reviewer{
				groupReviewer(1, 10, 2),
				groupReviewer(2, 10, 2),
				groupReviewer(3, 10, 2),
			},
			statuses: []domains.ChangesetStatus{vote(1, domains.StatusApproved)},
			want:     domains.StatusUnderReview,
		},
		{
			name: "group minimum reached",
			reviewers: []domains.Reviewer{
				groupReviewer(1, 10, 2),
				groupReviewer(2, 10, 2),
				groupReviewer(3, 10, 2),
			},
			statuses: []domains.ChangesetStatus{
				vote(1, domains.StatusApproved),
				vote(2, domains.StatusApproved),
			},
			want: domains.StatusApproved,
		},
		{
			name: "vote rule all requires every member",
			reviewers: []domains.Reviewer{
				groupReviewer(1, 10, domains.VoteRuleAll),
				groupReviewer(2, 10, domains.VoteRuleAll),
			},
			statuses: []domains.ChangesetStatus{vote(1, domains.StatusApproved)},
			want:     domains.StatusUnderReview,
		},
		{
			name: "vote rule larger than group collapses to all",
			reviewers: []domains.Reviewer{
				groupReviewer(1, 10, 5),
				groupReviewer(2, 10, 5),
			},
			statuses: []domains.ChangesetStatus{
				vote(1, domains.StatusApproved),
				vote(2, domains.StatusApproved),
			},
			want: domains.StatusApproved,
		},
		{
			name: "observer votes are ignored",
			reviewers: []domains.Reviewer{
				reviewer(1, false),
				{UserID: 2, Role: domains.RoleObserver},
			},
			statuses: []domains.ChangesetStatus{
				vote(1, domains.StatusApproved),
				vote(2, domains.StatusRejected),
			},
			want: domains.StatusApproved,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Aggregate(tc.reviewers, tc.statuses))
		})
	}
}
