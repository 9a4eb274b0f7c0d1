package pull_request

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/usecase"
	"github.com/ravenscm/raven/internal/usecase/comments"
	"github.com/ravenscm/raven/internal/vcs"
)

func commentParams(pr *domains.PullRequest, lineNo, file string) comments.CreateParams {
	return comments.CreateParams{
		RepoID:        pr.TargetRepoID,
		PullRequestID: pr.ID,
		UserID:        7,
		Text:          "inline note",
		FilePath:      file,
		LineNo:        lineNo,
	}
}

const oldUpdateDiff = `diff --git a/widget.go b/widget.go
--- a/widget.go
+++ b/widget.go
@@ -1,2 +1,3 @@
 package widget
+func Polish() {}
 
`

const newUpdateDiff = `diff --git a/widget.go b/widget.go
--- a/widget.go
+++ b/widget.go
@@ -1,2 +1,4 @@
 package widget
+func Polish() {}
+func Shine() {}
 
`

func TestUpdateCommits(t *testing.T) {
	t.Run("source moved", func(t *testing.T) {
		f := newFixture(t)
		pr := f.createPR(t)

		// an inline comment against latest, anchored to a line that survives
		_, err := f.svc.comments.CreateComment(context.Background(), commentParams(pr, "n2", "widget.go"))
		require.NoError(t, err)

		f.vcs.commits["acme/widgets-fork@feature"] = vcs.Commit{ID: "c4", Branch: "feature"}
		f.vcs.compare = []vcs.Commit{{ID: "c1"}, {ID: "c2"}, {ID: "c4"}}
		f.vcs.diffs["base0..c3"] = []byte(oldUpdateDiff)
		f.vcs.diffs["base0..c4"] = []byte(newUpdateDiff)

		resp, err := f.svc.UpdateCommits(context.Background(), pr.ID, 8)
		require.NoError(t, err)

		assert.True(t, resp.Executed)
		assert.Equal(t, UpdateReasonNone, resp.Reason)
		assert.Equal(t, []string{"c4"}, resp.Changes.Added)
		assert.Equal(t, []string{"c1", "c2"}, resp.Changes.Common)
		assert.Equal(t, []string{"c3"}, resp.Changes.Removed)
		assert.Equal(t, []string{"widget.go"}, resp.FileChanges.Modified)

		stored := f.store.prs[pr.ID]
		assert.Equal(t, "c4", stored.SourceRef.CommitID)
		assert.Equal(t, "base0", stored.TargetRef.CommitID, "target ref must pin the merge base")
		assert.Equal(t, []string{"c1", "c2", "c4"}, stored.Revisions)
		assert.Equal(t, domains.PRStateCreated, stored.State)

		// the new commit enters the review cycle
		var c4Status string
		for _, st := range f.store.statuses[pr.ID] {
			if st.Revision == "c4" {
				c4Status = st.Status
			}
		}
		assert.Equal(t, domains.StatusUnderReview, c4Status)

		// snapshot froze the old shape and captured the live comments
		require.Len(t, f.store.versions, 1)
		assert.Equal(t, []string{"c1", "c2", "c3"}, f.store.versions[0].Revisions)
		frozen := 0
		for _, c := range f.store.comments {
			if c.VersionID != nil && *c.VersionID == resp.VersionID {
				frozen++
			}
		}
		assert.NotZero(t, frozen)

		assert.Contains(t, f.trigger.actions, EventUpdate)
		assert.Contains(t, f.store.auditActions(), "repo.pull_request.update")

		// reviewer 7 gets notified, the updating author does not
		require.Len(t, f.notifier.commitUpdates, 1)
		assert.Equal(t, []int64{7}, f.notifier.commitUpdates[0])
	})

	t.Run("no change", func(t *testing.T) {
		f := newFixture(t)
		pr := f.createPR(t)

		resp, err := f.svc.UpdateCommits(context.Background(), pr.ID, 8)
		require.NoError(t, err)
		assert.False(t, resp.Executed)
		assert.Equal(t, UpdateReasonNoChange, resp.Reason)
		assert.Empty(t, f.store.versions)
		assert.Equal(t, domains.PRStateCreated, f.store.prs[pr.ID].State)
	})

	t.Run("static ref", func(t *testing.T) {
		f := newFixture(t)
		pr := f.createPR(t)
		f.store.prs[pr.ID].SourceRef = domains.Reference{Type: "rev", Name: "c3", CommitID: "c3"}

		resp, err := f.svc.UpdateCommits(context.Background(), pr.ID, 8)
		require.NoError(t, err)
		assert.Equal(t, UpdateReasonWrongRefType, resp.Reason)
	})

	t.Run("lost common ancestor leaves no version behind", func(t *testing.T) {
		f := newFixture(t)
		pr := f.createPR(t)

		f.vcs.commits["acme/widgets-fork@feature"] = vcs.Commit{ID: "c9", Branch: "feature"}
		f.vcs.compare = []vcs.Commit{{ID: "c9"}}
		f.vcs.ancestor = ""

		_, err := f.svc.UpdateCommits(context.Background(), pr.ID, 8)
		assert.ErrorIs(t, err, usecase.ErrNoCommonAncestor)
		assert.Empty(t, f.store.versions)

		stored := f.store.prs[pr.ID]
		assert.Equal(t, "c3", stored.SourceRef.CommitID)
		assert.Equal(t, domains.PRStateCreated, stored.State)
	})

	t.Run("missing source ref", func(t *testing.T) {
		f := newFixture(t)
		pr := f.createPR(t)
		delete(f.vcs.commits, "acme/widgets-fork@feature")

		resp, err := f.svc.UpdateCommits(context.Background(), pr.ID, 8)
		require.NoError(t, err)
		assert.Equal(t, UpdateReasonMissingSourceRef, resp.Reason)
	})

	t.Run("busy pull request refused", func(t *testing.T) {
		f := newFixture(t)
		pr := f.createPR(t)
		f.store.prs[pr.ID].State = domains.PRStateMerging

		_, err := f.svc.UpdateCommits(context.Background(), pr.ID, 8)
		assert.ErrorIs(t, err, usecase.ErrInvalidState)
	})
}

func TestCompareCommits(t *testing.T) {
	changes := compareCommits(
		[]string{"a", "b", "c"},
		[]string{"a", "b", "d", "e"},
	)
	assert.Equal(t, []string{"d", "e"}, changes.Added)
	assert.Equal(t, []string{"a", "b"}, changes.Common)
	assert.Equal(t, []string{"c"}, changes.Removed)
	assert.True(t, changes.Any())

	assert.False(t, compareCommits([]string{"a"}, []string{"a"}).Any())
}

func TestCommitVersions(t *testing.T) {
	f := newFixture(t)
	pr := f.createPR(t)

	f.vcs.commits["acme/widgets-fork@feature"] = vcs.Commit{ID: "c4", Branch: "feature"}
	f.vcs.compare = []vcs.Commit{{ID: "c1"}, {ID: "c2"}, {ID: "c4"}}

	resp, err := f.svc.UpdateCommits(context.Background(), pr.ID, 8)
	require.NoError(t, err)

	byCommit, err := f.svc.CommitVersions(context.Background(), pr.ID)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, resp.VersionID}, byCommit["c1"])
	assert.Equal(t, []int64{resp.VersionID}, byCommit["c3"])
	assert.Equal(t, []int64{0}, byCommit["c4"])
}
