package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPullRequest(t *testing.T, sourceRepoID, targetRepoID, authorID int64) int64 {
	var id int64
	err := db.QueryRow(`
		INSERT INTO pull_requests (
			title, description, description_renderer, status, state,
			source_repo_id, target_repo_id, source_ref, target_ref,
			revisions, common_ancestor_id, author_id,
			last_merge_metadata, reviewer_data, created_on, updated_on
		) VALUES (
			'Speed up indexing', '', 'markdown', 'new', 'created',
			$1, $2, 'branch:feature:aaa1', 'branch:master:bbb2',
			ARRAY['aaa1'], 'bbb2', $3,
			'{}', '{}', now(), now()
		) RETURNING id`,
		sourceRepoID, targetRepoID, authorID,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestAPI_InvalidJSON(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/_admin/api",
		bytes.NewReader([]byte(`{ "id": 1, }`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", cfg.HTTPServerConfig.AdminToken)

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var out struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "INVALID_REQUEST", out.Error.Code)
	assert.Equal(t, "invalid JSON format", out.Error.Message)
}

func TestAPI_UnknownMethod(t *testing.T) {
	reply, status := callAPI(t, "explode_pull_request", map[string]any{})

	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "method not found: explode_pull_request", *reply.Error)
}

func TestAPI_MissingAdminToken(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/_admin/api",
		bytes.NewReader([]byte(`{"id":1,"method":"get_pull_request","args":{"pullrequestid":1}}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_CreatePullRequest_UnknownRepo(t *testing.T) {
	truncateAllTables(db)
	seedUser(t, "alice", "alice@example.com")

	reply, status := callAPI(t, "create_pull_request", map[string]any{
		"source_repo": "acme/missing",
		"target_repo": "acme/missing",
		"source_ref":  "branch:feature:aaa1",
		"target_ref":  "branch:master:bbb2",
		"owner":       1,
		"title":       "Nope",
	})

	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "repository not found", *reply.Error)
}

func TestAPI_PullRequestLifecycle(t *testing.T) {
	truncateAllTables(db)
	alice := seedUser(t, "alice", "alice@example.com")
	bob := seedUser(t, "bob", "bob@example.com")
	repoID := seedRepo(t, "acme/widgets", "git")
	grantRepoPermission(t, repoID, alice, "repository.admin")
	grantRepoPermission(t, repoID, bob, "repository.write")
	prID := seedPullRequest(t, repoID, repoID, alice)

	// Fetch it back.
	reply, status := callAPI(t, "get_pull_request", map[string]any{
		"pullrequestid": prID,
	})
	assert.Equal(t, http.StatusOK, status)
	require.Nil(t, reply.Error)

	var pr struct {
		PullRequestID int64  `json:"pull_request_id"`
		Title         string `json:"title"`
		Status        string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &pr))
	assert.Equal(t, prID, pr.PullRequestID)
	assert.Equal(t, "Speed up indexing", pr.Title)
	assert.Equal(t, "new", pr.Status)

	// Bob approves with a comment.
	reply, _ = callAPI(t, "comment_pull_request", map[string]any{
		"pullrequestid": prID,
		"userid":        bob,
		"message":       "Looks good",
		"status":        "approved",
	})
	require.Nil(t, reply.Error)

	var commented struct {
		CommentID int64 `json:"comment_id"`
		Status    struct {
			Given      string `json:"given"`
			WasChanged bool   `json:"was_changed"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &commented))
	assert.NotZero(t, commented.CommentID)
	assert.Equal(t, "approved", commented.Status.Given)
	assert.True(t, commented.Status.WasChanged)

	// Comments come back with the vote attached.
	reply, _ = callAPI(t, "get_pull_request_comments", map[string]any{
		"pullrequestid": prID,
	})
	require.Nil(t, reply.Error)

	var list []struct {
		CommentID    int64  `json:"comment_id"`
		Text         string `json:"text"`
		StatusChange string `json:"status_change"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Looks good", list[0].Text)
	assert.Equal(t, "approved", list[0].StatusChange)

	// Close it.
	reply, _ = callAPI(t, "close_pull_request", map[string]any{
		"pullrequestid": prID,
		"userid":        alice,
		"message":       "superseded",
	})
	require.Nil(t, reply.Error)

	var closed struct {
		Closed      bool   `json:"closed"`
		CloseStatus string `json:"close_status"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &closed))
	assert.True(t, closed.Closed)
	assert.Equal(t, "rejected", closed.CloseStatus)

	reply, _ = callAPI(t, "get_pull_request", map[string]any{
		"pullrequestid": prID,
	})
	require.Nil(t, reply.Error)
	require.NoError(t, json.Unmarshal(reply.Result, &pr))
	assert.Equal(t, "closed", pr.Status)
}

func TestAPI_ListPullRequests(t *testing.T) {
	truncateAllTables(db)
	alice := seedUser(t, "alice", "alice@example.com")
	repoID := seedRepo(t, "acme/widgets", "git")
	first := seedPullRequest(t, repoID, repoID, alice)
	second := seedPullRequest(t, repoID, repoID, alice)

	reply, _ := callAPI(t, "get_pull_requests", map[string]any{
		"repoid": repoID,
		"status": "new",
	})
	require.Nil(t, reply.Error)

	var list []struct {
		PullRequestID int64 `json:"pull_request_id"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &list))
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].PullRequestID)
	assert.Equal(t, second, list[1].PullRequestID)
}
