package tests

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func truncateAllTables(db *sql.DB) {
	queries := []string{
		`TRUNCATE TABLE user_logs RESTART IDENTITY CASCADE;`,
		`TRUNCATE TABLE changeset_statuses RESTART IDENTITY CASCADE;`,
		`TRUNCATE TABLE comments RESTART IDENTITY CASCADE;`,
		`TRUNCATE TABLE reviewers RESTART IDENTITY CASCADE;`,
		`TRUNCATE TABLE pull_request_versions RESTART IDENTITY CASCADE;`,
		`TRUNCATE TABLE pull_requests RESTART IDENTITY CASCADE;`,
		`TRUNCATE TABLE branch_permissions RESTART IDENTITY CASCADE;`,
		`TRUNCATE TABLE repo_permissions RESTART IDENTITY CASCADE;`,
		`TRUNCATE TABLE repos RESTART IDENTITY CASCADE;`,
		`TRUNCATE TABLE users RESTART IDENTITY CASCADE;`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			panic(err)
		}
	}
}

func seedUser(t *testing.T, username, email string) int64 {
	var id int64
	err := db.QueryRow(
		`INSERT INTO users (username, first_name, last_name, email) VALUES ($1, '', '', $2) RETURNING id`,
		username, email,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func seedRepo(t *testing.T, name, repoType string) int64 {
	var id int64
	err := db.QueryRow(
		`INSERT INTO repos (name, repo_type) VALUES ($1, $2) RETURNING id`,
		name, repoType,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func grantRepoPermission(t *testing.T, repoID, userID int64, permission string) {
	_, err := db.Exec(
		`INSERT INTO repo_permissions (repo_id, user_id, permission) VALUES ($1, $2, $3)`,
		repoID, userID, permission,
	)
	require.NoError(t, err)
}

type apiReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// callAPI posts a single request envelope to the service endpoint and
// decodes the reply. The HTTP status is returned alongside so callers
// can assert transport-level failures too.
func callAPI(t *testing.T, method string, args any) (apiReply, int) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"id":     1,
		"method": method,
		"args":   args,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, baseURL+"/_admin/api", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", cfg.HTTPServerConfig.AdminToken)

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var reply apiReply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return reply, resp.StatusCode
}
