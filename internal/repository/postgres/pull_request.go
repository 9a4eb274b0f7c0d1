package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/repository"
)

const pullRequestColumns = `
	id, title, description, description_renderer, status, state,
	source_repo_id, target_repo_id, source_ref, target_ref,
	revisions, common_ancestor_id, author_id,
	last_merge_source_rev, last_merge_target_rev, last_merge_status, last_merge_metadata,
	shadow_merge_ref, merge_rev, reviewer_data, created_on, updated_on`

func (s *Storage) CreatePullRequest(ctx context.Context, pr *domains.PullRequest) (int64, error) {
	const op = "repository.postgres.CreatePullRequest"

	metadata, reviewerData, err := marshalPullRequestJSON(pr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	query := `
		INSERT INTO pull_requests (
			title, description, description_renderer, status, state,
			source_repo_id, target_repo_id, source_ref, target_ref,
			revisions, common_ancestor_id, author_id,
			last_merge_source_rev, last_merge_target_rev, last_merge_status, last_merge_metadata,
			shadow_merge_ref, merge_rev, reviewer_data, created_on, updated_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING id
	`

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		pr.Title, pr.Description, pr.DescriptionRenderer, pr.Status, pr.State,
		pr.SourceRepoID, pr.TargetRepoID, pr.SourceRef.String(), pr.TargetRef.String(),
		pq.Array(pr.Revisions), pr.CommonAncestorID, pr.AuthorID,
		nullString(pr.LastMergeSourceRev), nullString(pr.LastMergeTargetRev),
		nullString(pr.LastMergeStatus), metadata,
		nullReference(pr.ShadowMergeRef), nullString(pr.MergeRev), reviewerData,
		pr.CreatedOn, pr.UpdatedOn,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

func (s *Storage) GetPullRequest(ctx context.Context, id int64) (*domains.PullRequest, error) {
	const op = "repository.postgres.GetPullRequest"

	query := `SELECT ` + pullRequestColumns + ` FROM pull_requests WHERE id = $1`

	pr, err := scanPullRequest(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrPullRequestNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return pr, nil
}

// ListPullRequests returns the pull requests targeting a repository, oldest
// first. An empty status matches everything.
func (s *Storage) ListPullRequests(ctx context.Context, targetRepoID int64, status string) ([]domains.PullRequest, error) {
	const op = "repository.postgres.ListPullRequests"

	query := `SELECT ` + pullRequestColumns + ` FROM pull_requests WHERE target_repo_id = $1`
	args := []any{targetRepoID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []domains.PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *Storage) UpdatePullRequest(ctx context.Context, pr *domains.PullRequest) error {
	const op = "repository.postgres.UpdatePullRequest"

	metadata, reviewerData, err := marshalPullRequestJSON(pr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `
		UPDATE pull_requests SET
			title = $2, description = $3, description_renderer = $4,
			status = $5, state = $6,
			source_ref = $7, target_ref = $8,
			revisions = $9, common_ancestor_id = $10,
			last_merge_source_rev = $11, last_merge_target_rev = $12,
			last_merge_status = $13, last_merge_metadata = $14,
			shadow_merge_ref = $15, merge_rev = $16,
			reviewer_data = $17, updated_on = $18
		WHERE id = $1
	`

	res, err := s.db.ExecContext(ctx, query,
		pr.ID, pr.Title, pr.Description, pr.DescriptionRenderer,
		pr.Status, pr.State,
		pr.SourceRef.String(), pr.TargetRef.String(),
		pq.Array(pr.Revisions), pr.CommonAncestorID,
		nullString(pr.LastMergeSourceRev), nullString(pr.LastMergeTargetRev),
		nullString(pr.LastMergeStatus), metadata,
		nullReference(pr.ShadowMergeRef), nullString(pr.MergeRev),
		reviewerData, pr.UpdatedOn,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.ErrPullRequestNotFound
	}
	return nil
}

// SetPullRequestState moves a pull request into newState if its current
// state is one of allowedFrom. The row is locked for the duration of the
// transaction, so two concurrent transitions serialize and the loser gets a
// StateConflictError carrying what it found.
func (s *Storage) SetPullRequestState(ctx context.Context, id int64, newState string, allowedFrom ...string) (string, error) {
	const op = "repository.postgres.SetPullRequestState"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM pull_requests WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", repository.ErrPullRequestNotFound
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	allowed := false
	for _, state := range allowedFrom {
		if current == state {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", &repository.StateConflictError{PullRequestID: id, CurrentState: current}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE pull_requests SET state = $2, updated_on = $3 WHERE id = $1`,
		id, newState, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return current, nil
}

// CreateVersionFromSnapshot stores a frozen copy of the pull request as a
// new version and moves every comment and review status not yet attached to
// a version onto it, all in one transaction. Returns the new version id.
func (s *Storage) CreateVersionFromSnapshot(ctx context.Context, ver *domains.PullRequestVersion) (int64, error) {
	const op = "repository.postgres.CreateVersionFromSnapshot"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	metadata, err := marshalJSONMap(ver.LastMergeMetadata)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	reviewerData, err := marshalJSONMap(ver.ReviewerData)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	queryInsert := `
		INSERT INTO pull_request_versions (
			pull_request_id, title, description, description_renderer, status, state,
			source_repo_id, target_repo_id, source_ref, target_ref,
			revisions, common_ancestor_id, author_id,
			last_merge_source_rev, last_merge_target_rev, last_merge_status, last_merge_metadata,
			shadow_merge_ref, merge_rev, reviewer_data, created_on, updated_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING id
	`

	var versionID int64
	err = tx.QueryRowContext(ctx, queryInsert,
		ver.PullRequestID, ver.Title, ver.Description, ver.DescriptionRenderer,
		ver.Status, ver.State,
		ver.SourceRepoID, ver.TargetRepoID, ver.SourceRef.String(), ver.TargetRef.String(),
		pq.Array(ver.Revisions), ver.CommonAncestorID, ver.AuthorID,
		nullString(ver.LastMergeSourceRev), nullString(ver.LastMergeTargetRev),
		nullString(ver.LastMergeStatus), metadata,
		nullReference(ver.ShadowMergeRef), nullString(ver.MergeRev), reviewerData,
		ver.CreatedOn, ver.UpdatedOn,
	).Scan(&versionID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	queryRelinkComments := `
		UPDATE comments SET version_id = $2
		WHERE pull_request_id = $1 AND version_id IS NULL
	`
	if _, err := tx.ExecContext(ctx, queryRelinkComments, ver.PullRequestID, versionID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	queryRelinkStatuses := `
		UPDATE changeset_statuses SET pull_request_version_id = $2
		WHERE pull_request_id = $1 AND pull_request_version_id IS NULL
	`
	if _, err := tx.ExecContext(ctx, queryRelinkStatuses, ver.PullRequestID, versionID); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return versionID, nil
}

func (s *Storage) GetVersion(ctx context.Context, versionID int64) (*domains.PullRequestVersion, error) {
	const op = "repository.postgres.GetVersion"

	query := `
		SELECT id, pull_request_id, title, description, description_renderer, status, state,
		       source_repo_id, target_repo_id, source_ref, target_ref,
		       revisions, common_ancestor_id, author_id,
		       last_merge_source_rev, last_merge_target_rev, last_merge_status, last_merge_metadata,
		       shadow_merge_ref, merge_rev, reviewer_data, created_on, updated_on
		FROM pull_request_versions WHERE id = $1
	`

	ver, err := scanVersion(s.db.QueryRowContext(ctx, query, versionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrVersionNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ver, nil
}

// GetVersions lists the frozen versions of a pull request, oldest first.
func (s *Storage) GetVersions(ctx context.Context, pullRequestID int64) ([]domains.PullRequestVersion, error) {
	const op = "repository.postgres.GetVersions"

	query := `
		SELECT id, pull_request_id, title, description, description_renderer, status, state,
		       source_repo_id, target_repo_id, source_ref, target_ref,
		       revisions, common_ancestor_id, author_id,
		       last_merge_source_rev, last_merge_target_rev, last_merge_status, last_merge_metadata,
		       shadow_merge_ref, merge_rev, reviewer_data, created_on, updated_on
		FROM pull_request_versions
		WHERE pull_request_id = $1
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, pullRequestID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var versions []domains.PullRequestVersion
	for rows.Next() {
		ver, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		versions = append(versions, *ver)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return versions, nil
}

// DeletePullRequest removes the pull request with all its versions, comments,
// review statuses and reviewer entries.
func (s *Storage) DeletePullRequest(ctx context.Context, id int64) error {
	const op = "repository.postgres.DeletePullRequest"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, query := range []string{
		`DELETE FROM changeset_statuses WHERE pull_request_id = $1`,
		`DELETE FROM comments WHERE pull_request_id = $1`,
		`DELETE FROM reviewers WHERE pull_request_id = $1`,
		`DELETE FROM pull_request_versions WHERE pull_request_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM pull_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.ErrPullRequestNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPullRequest(row rowScanner) (*domains.PullRequest, error) {
	var (
		pr                            domains.PullRequest
		sourceRef, targetRef          string
		mergeSource, mergeTarget      sql.NullString
		mergeStatus, shadow, mergeRev sql.NullString
		metadata, reviewerData        []byte
	)

	err := row.Scan(
		&pr.ID, &pr.Title, &pr.Description, &pr.DescriptionRenderer, &pr.Status, &pr.State,
		&pr.SourceRepoID, &pr.TargetRepoID, &sourceRef, &targetRef,
		pq.Array(&pr.Revisions), &pr.CommonAncestorID, &pr.AuthorID,
		&mergeSource, &mergeTarget, &mergeStatus, &metadata,
		&shadow, &mergeRev, &reviewerData, &pr.CreatedOn, &pr.UpdatedOn,
	)
	if err != nil {
		return nil, err
	}

	if pr.SourceRef, err = domains.ParseReference(sourceRef); err != nil {
		return nil, err
	}
	if pr.TargetRef, err = domains.ParseReference(targetRef); err != nil {
		return nil, err
	}
	pr.LastMergeSourceRev = mergeSource.String
	pr.LastMergeTargetRev = mergeTarget.String
	pr.LastMergeStatus = mergeStatus.String
	pr.MergeRev = mergeRev.String
	if shadow.Valid && shadow.String != "" {
		ref, err := domains.ParseReference(shadow.String)
		if err != nil {
			return nil, err
		}
		pr.ShadowMergeRef = &ref
	}
	if err := unmarshalJSONMap(metadata, &pr.LastMergeMetadata); err != nil {
		return nil, err
	}
	if err := unmarshalJSONMap(reviewerData, &pr.ReviewerData); err != nil {
		return nil, err
	}
	return &pr, nil
}

func scanVersion(row rowScanner) (*domains.PullRequestVersion, error) {
	var (
		ver                           domains.PullRequestVersion
		sourceRef, targetRef          string
		mergeSource, mergeTarget      sql.NullString
		mergeStatus, shadow, mergeRev sql.NullString
		metadata, reviewerData        []byte
	)

	err := row.Scan(
		&ver.ID, &ver.PullRequestID, &ver.Title, &ver.Description, &ver.DescriptionRenderer,
		&ver.Status, &ver.State,
		&ver.SourceRepoID, &ver.TargetRepoID, &sourceRef, &targetRef,
		pq.Array(&ver.Revisions), &ver.CommonAncestorID, &ver.AuthorID,
		&mergeSource, &mergeTarget, &mergeStatus, &metadata,
		&shadow, &mergeRev, &reviewerData, &ver.CreatedOn, &ver.UpdatedOn,
	)
	if err != nil {
		return nil, err
	}

	if ver.SourceRef, err = domains.ParseReference(sourceRef); err != nil {
		return nil, err
	}
	if ver.TargetRef, err = domains.ParseReference(targetRef); err != nil {
		return nil, err
	}
	ver.LastMergeSourceRev = mergeSource.String
	ver.LastMergeTargetRev = mergeTarget.String
	ver.LastMergeStatus = mergeStatus.String
	ver.MergeRev = mergeRev.String
	if shadow.Valid && shadow.String != "" {
		ref, err := domains.ParseReference(shadow.String)
		if err != nil {
			return nil, err
		}
		ver.ShadowMergeRef = &ref
	}
	if err := unmarshalJSONMap(metadata, &ver.LastMergeMetadata); err != nil {
		return nil, err
	}
	if err := unmarshalJSONMap(reviewerData, &ver.ReviewerData); err != nil {
		return nil, err
	}
	return &ver, nil
}

func marshalPullRequestJSON(pr *domains.PullRequest) (metadata, reviewerData []byte, err error) {
	if metadata, err = marshalJSONMap(pr.LastMergeMetadata); err != nil {
		return nil, nil, err
	}
	if reviewerData, err = marshalJSONMap(pr.ReviewerData); err != nil {
		return nil, nil, err
	}
	return metadata, reviewerData, nil
}

func marshalJSONMap[M ~map[string]V, V any](m M) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSONMap[M ~map[string]V, V any](data []byte, out *M) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func nullReference(ref *domains.Reference) sql.NullString {
	if ref == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ref.String(), Valid: true}
}
