package scm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravenscm/raven/internal/audit"
	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/hooks"
	"github.com/ravenscm/raven/internal/repository"
	"github.com/ravenscm/raven/internal/usecase"
)

type fakeRepo struct {
	repos map[string]*domains.Repo
	rules map[string]string // "repoID/userID/branch" -> permission
}

func (f *fakeRepo) GetRepoByName(_ context.Context, name string) (*domains.Repo, error) {
	repo, ok := f.repos[name]
	if !ok {
		return nil, repository.ErrRepoNotFound
	}
	return repo, nil
}

func (f *fakeRepo) BranchPermission(_ context.Context, repoID, userID int64, branch string) (string, string, error) {
	if perm, ok := f.rules[ruleKey(repoID, userID, branch)]; ok {
		return "rule-1", perm, nil
	}
	return "", "", nil
}

func ruleKey(repoID, userID int64, branch string) string {
	return fmt.Sprintf("%d/%d/%s", repoID, userID, branch)
}

type fakeAuditStore struct {
	entries []domains.UserLog
}

func (f *fakeAuditStore) SaveEntry(_ context.Context, entry domains.UserLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func newService(t *testing.T) (*Service, *fakeRepo, *fakeAuditStore) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := &fakeRepo{
		repos: map[string]*domains.Repo{
			"acme/widgets": {ID: 2, Name: "acme/widgets", Type: domains.RepoTypeGit},
		},
		rules: map[string]string{},
	}
	store := &fakeAuditStore{}
	return New(log, repo, audit.New(log, store)), repo, store
}

func pushExtras() hooks.Extras {
	return hooks.Extras{
		UserID:     7,
		Username:   "alice",
		IP:         "10.0.0.5",
		Repository: "acme/widgets",
		Action:     "push",
		Branches:   []string{"master"},
		CommitIDs:  []string{"c1", "c2"},
	}
}

func TestPrePush(t *testing.T) {
	t.Run("clean push passes", func(t *testing.T) {
		svc, _, _ := newService(t)

		result, err := svc.PrePush(pushExtras())
		require.NoError(t, err)
		assert.Zero(t, result.Status)
	})

	t.Run("locked repository denied", func(t *testing.T) {
		svc, repo, _ := newService(t)
		repo.repos["acme/widgets"].LockedBy = "bob"

		_, err := svc.PrePush(pushExtras())
		var denied *hooks.DeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, 423, denied.Code)
		assert.Contains(t, denied.Explanation, "locked by user `bob`")
	})

	t.Run("lock owner may push", func(t *testing.T) {
		svc, repo, _ := newService(t)
		repo.repos["acme/widgets"].LockedBy = "alice"

		_, err := svc.PrePush(pushExtras())
		require.NoError(t, err)
	})

	t.Run("protected branch denied", func(t *testing.T) {
		svc, repo, _ := newService(t)
		repo.rules[ruleKey(2, 7, "master")] = domains.PermBranchNone

		_, err := svc.PrePush(pushExtras())
		var denied *hooks.DeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, 403, denied.Code)
		assert.Contains(t, denied.Explanation, "branch `master`")
	})

	t.Run("unknown repository", func(t *testing.T) {
		svc, _, _ := newService(t)
		extras := pushExtras()
		extras.Repository = "acme/ghost"

		_, err := svc.PrePush(extras)
		assert.ErrorIs(t, err, usecase.ErrRepoNotFound)
	})
}

func TestPostPush(t *testing.T) {
	svc, _, store := newService(t)

	result, err := svc.PostPush(pushExtras())
	require.NoError(t, err)
	assert.Contains(t, result.Output, "2 commits")

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	assert.Equal(t, "user.push", entry.Action)
	assert.Equal(t, int64(7), entry.UserID)
	assert.Equal(t, int64(2), entry.RepoID)
}

func TestPullHooks(t *testing.T) {
	svc, _, store := newService(t)

	_, err := svc.PrePull(pushExtras())
	require.NoError(t, err)
	assert.Empty(t, store.entries)

	_, err = svc.PostPull(pushExtras())
	require.NoError(t, err)
	require.Len(t, store.entries, 1)
	assert.Equal(t, "user.pull", store.entries[0].Action)
}

func TestRepoSize(t *testing.T) {
	svc, _, _ := newService(t)

	result, err := svc.RepoSize(hooks.Extras{Repository: "acme/widgets"})
	require.NoError(t, err)
	assert.Zero(t, result.Status)
}
