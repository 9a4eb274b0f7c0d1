package comments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravenscm/raven/internal/audit"
	"github.com/ravenscm/raven/internal/diffs"
	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/repository"
	"github.com/ravenscm/raven/internal/usecase"
)

type fakeRepo struct {
	pr       *domains.PullRequest
	comments map[int64]*domains.Comment
	nextID   int64

	outdatedIDs []int64
	resolved    map[int64]int64

	auditEntries []domains.UserLog
}

func newFakeRepo(pr *domains.PullRequest) *fakeRepo {
	return &fakeRepo{
		pr:       pr,
		comments: make(map[int64]*domains.Comment),
		nextID:   1,
		resolved: make(map[int64]int64),
	}
}

func (r *fakeRepo) GetPullRequest(_ context.Context, id int64) (*domains.PullRequest, error) {
	if r.pr == nil || r.pr.ID != id {
		return nil, repository.ErrPullRequestNotFound
	}
	return r.pr, nil
}

func (r *fakeRepo) CreateComment(_ context.Context, c *domains.Comment) (int64, error) {
	id := r.nextID
	r.nextID++
	stored := *c
	stored.ID = id
	r.comments[id] = &stored
	return id, nil
}

func (r *fakeRepo) GetComment(_ context.Context, id int64) (*domains.Comment, error) {
	c, ok := r.comments[id]
	if !ok {
		return nil, repository.ErrCommentNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *fakeRepo) GetComments(_ context.Context, pullRequestID int64) ([]domains.Comment, error) {
	var out []domains.Comment
	for id := int64(1); id < r.nextID; id++ {
		if c, ok := r.comments[id]; ok && c.PullRequestID == pullRequestID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateCommentText(_ context.Context, id int64, text string, expectedVersion int) (*domains.Comment, error) {
	c, ok := r.comments[id]
	if !ok {
		return nil, repository.ErrCommentNotFound
	}
	if c.Version != expectedVersion {
		return nil, &repository.CommentVersionError{CommentID: id, CurrentVersion: c.Version}
	}
	c.Text = text
	c.Version++
	copied := *c
	return &copied, nil
}

func (r *fakeRepo) ResolveComment(_ context.Context, id, resolvedByID int64) error {
	c, ok := r.comments[id]
	if !ok {
		return repository.ErrCommentNotFound
	}
	c.ResolvedCommentID = &resolvedByID
	r.resolved[id] = resolvedByID
	return nil
}

func (r *fakeRepo) UnresolvedTodos(_ context.Context, pullRequestID int64) ([]domains.Comment, error) {
	var out []domains.Comment
	for _, c := range r.comments {
		if c.PullRequestID == pullRequestID && c.IsTodo() && c.ResolvedCommentID == nil && !c.Outdated() {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkCommentsOutdated(_ context.Context, ids []int64) error {
	for _, id := range ids {
		if c, ok := r.comments[id]; ok {
			c.DisplayState = domains.CommentOutdated
		}
	}
	r.outdatedIDs = append(r.outdatedIDs, ids...)
	return nil
}

func (r *fakeRepo) GetUser(_ context.Context, userID int64) (*domains.User, error) {
	return &domains.User{ID: userID, Username: fmt.Sprintf("user%d", userID)}, nil
}

func (r *fakeRepo) GetRepo(_ context.Context, repoID int64) (*domains.Repo, error) {
	return &domains.Repo{ID: repoID, Name: "acme/widgets"}, nil
}

func (r *fakeRepo) SaveEntry(_ context.Context, entry domains.UserLog) error {
	r.auditEntries = append(r.auditEntries, entry)
	return nil
}

func (r *fakeRepo) auditActions() []string {
	var out []string
	for _, e := range r.auditEntries {
		out = append(out, e.Action)
	}
	return out
}

func newService(repo *fakeRepo) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, repo, audit.New(log, repo))
}

func openPR() *domains.PullRequest {
	return &domains.PullRequest{ID: 1, Status: domains.PRStatusOpen, TargetRepoID: 3}
}

func TestCreateComment(t *testing.T) {
	t.Run("note on open pull request", func(t *testing.T) {
		repo := newFakeRepo(openPR())
		svc := newService(repo)

		c, err := svc.CreateComment(context.Background(), CreateParams{
			RepoID:        3,
			PullRequestID: 1,
			UserID:        7,
			Text:          "looks good",
		})
		require.NoError(t, err)
		assert.Equal(t, domains.CommentTypeNote, c.CommentType)
		assert.NotZero(t, c.ID)
		assert.Contains(t, repo.auditActions(), "repo.pull_request.comment.create")
	})

	t.Run("empty text rejected", func(t *testing.T) {
		svc := newService(newFakeRepo(openPR()))

		_, err := svc.CreateComment(context.Background(), CreateParams{
			PullRequestID: 1, UserID: 7, Text: "   ",
		})
		require.Error(t, err)
	})

	t.Run("closed pull request rejects regular comments", func(t *testing.T) {
		pr := openPR()
		pr.Status = domains.PRStatusClosed
		svc := newService(newFakeRepo(pr))

		_, err := svc.CreateComment(context.Background(), CreateParams{
			PullRequestID: 1, UserID: 7, Text: "late note",
		})
		assert.ErrorIs(t, err, usecase.ErrPullRequestClosed)
	})

	t.Run("closing comment allowed on closed pull request", func(t *testing.T) {
		pr := openPR()
		pr.Status = domains.PRStatusClosed
		svc := newService(newFakeRepo(pr))

		_, err := svc.CreateComment(context.Background(), CreateParams{
			PullRequestID: 1, UserID: 7, Text: "closing", ClosingPR: true,
		})
		assert.NoError(t, err)
	})

	t.Run("resolving a todo", func(t *testing.T) {
		repo := newFakeRepo(openPR())
		svc := newService(repo)

		todo, err := svc.CreateComment(context.Background(), CreateParams{
			PullRequestID: 1, UserID: 7, Text: "fix naming",
			CommentType: domains.CommentTypeTodo,
		})
		require.NoError(t, err)

		reply, err := svc.CreateComment(context.Background(), CreateParams{
			PullRequestID: 1, UserID: 8, Text: "renamed",
			ResolvesCommentID: &todo.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, reply.ID, repo.resolved[todo.ID])

		todos, err := svc.UnresolvedTodos(context.Background(), 1)
		require.NoError(t, err)
		assert.Empty(t, todos)
	})

	t.Run("resolving a note is rejected", func(t *testing.T) {
		repo := newFakeRepo(openPR())
		svc := newService(repo)

		note, err := svc.CreateComment(context.Background(), CreateParams{
			PullRequestID: 1, UserID: 7, Text: "just a note",
		})
		require.NoError(t, err)

		_, err = svc.CreateComment(context.Background(), CreateParams{
			PullRequestID: 1, UserID: 8, Text: "done",
			ResolvesCommentID: &note.ID,
		})
		require.Error(t, err)
	})
}

func TestEditComment(t *testing.T) {
	setup := func(t *testing.T) (*Service, *fakeRepo, *domains.Comment) {
		t.Helper()
		repo := newFakeRepo(openPR())
		svc := newService(repo)
		c, err := svc.CreateComment(context.Background(), CreateParams{
			PullRequestID: 1, UserID: 7, Text: "original",
		})
		require.NoError(t, err)
		return svc, repo, c
	}

	t.Run("bumps version", func(t *testing.T) {
		svc, repo, c := setup(t)

		updated, err := svc.EditComment(context.Background(), c.ID, "edited", 0, 7)
		require.NoError(t, err)
		assert.Equal(t, "edited", updated.Text)
		assert.Equal(t, 1, updated.Version)
		assert.Contains(t, repo.auditActions(), "repo.pull_request.comment.edit")
	})

	t.Run("unchanged text is a no-op", func(t *testing.T) {
		svc, repo, c := setup(t)

		updated, err := svc.EditComment(context.Background(), c.ID, "original", 0, 7)
		require.NoError(t, err)
		assert.Equal(t, 0, updated.Version)
		assert.NotContains(t, repo.auditActions(), "repo.pull_request.comment.edit")
	})

	t.Run("stale version rejected", func(t *testing.T) {
		svc, _, c := setup(t)

		_, err := svc.EditComment(context.Background(), c.ID, "edited", 0, 7)
		require.NoError(t, err)

		_, err = svc.EditComment(context.Background(), c.ID, "conflicting edit", 0, 7)
		assert.ErrorIs(t, err, usecase.ErrCommentVersionMismatch)
	})

	t.Run("only the author may edit", func(t *testing.T) {
		svc, _, c := setup(t)

		_, err := svc.EditComment(context.Background(), c.ID, "hijack", 0, 99)
		assert.ErrorIs(t, err, usecase.ErrNotAllowed)
	})
}

const sampleDiff = `diff --git a/main.go b/main.go
--- a/main.go
+++ b/main.go
@@ -1,3 +1,4 @@
 package main
+import "fmt"
 
 func main() {
`

func TestOutdateComments(t *testing.T) {
	repo := newFakeRepo(openPR())
	svc := newService(repo)

	alive, err := svc.CreateComment(context.Background(), CreateParams{
		PullRequestID: 1, UserID: 7, Text: "why fmt?",
		FilePath: "main.go", LineNo: "n2",
	})
	require.NoError(t, err)

	gone, err := svc.CreateComment(context.Background(), CreateParams{
		PullRequestID: 1, UserID: 7, Text: "old anchor",
		FilePath: "vanished.go", LineNo: "n10",
	})
	require.NoError(t, err)

	general, err := svc.CreateComment(context.Background(), CreateParams{
		PullRequestID: 1, UserID: 7, Text: "general remark",
	})
	require.NoError(t, err)

	newDiff, err := diffs.Parse([]byte(sampleDiff))
	require.NoError(t, err)

	outdated, err := svc.OutdateComments(context.Background(), 1, newDiff)
	require.NoError(t, err)

	require.Len(t, outdated, 1)
	assert.Equal(t, gone.ID, outdated[0].ID)
	assert.Equal(t, []int64{gone.ID}, repo.outdatedIDs)

	kept, err := repo.GetComment(context.Background(), alive.ID)
	require.NoError(t, err)
	assert.False(t, kept.Outdated())

	plain, err := repo.GetComment(context.Background(), general.ID)
	require.NoError(t, err)
	assert.False(t, plain.Outdated())
}
