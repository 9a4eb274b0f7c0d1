package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/repository"
)

const commentColumns = `
	id, repo_id, pull_request_id, version_id, user_id, text,
	file_path, line_no, comment_type, status_change, resolved_comment_id,
	display_state, renderer, closing_pr, version, created_on, modified_at`

func (s *Storage) CreateComment(ctx context.Context, c *domains.Comment) (int64, error) {
	const op = "repository.postgres.CreateComment"

	query := `
		INSERT INTO comments (
			repo_id, pull_request_id, version_id, user_id, text,
			file_path, line_no, comment_type, status_change, resolved_comment_id,
			display_state, renderer, closing_pr, version, created_on, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`

	var id int64
	err := s.db.QueryRowContext(ctx, query,
		c.RepoID, c.PullRequestID, c.VersionID, c.UserID, c.Text,
		nullString(c.FilePath), nullString(c.LineNo), c.CommentType,
		nullString(c.StatusChange), c.ResolvedCommentID,
		nullString(c.DisplayState), c.Renderer, c.ClosingPR, c.Version,
		c.CreatedOn, c.ModifiedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

func (s *Storage) GetComment(ctx context.Context, id int64) (*domains.Comment, error) {
	const op = "repository.postgres.GetComment"

	query := `SELECT ` + commentColumns + ` FROM comments WHERE id = $1`

	c, err := scanComment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrCommentNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

func (s *Storage) GetComments(ctx context.Context, pullRequestID int64) ([]domains.Comment, error) {
	const op = "repository.postgres.GetComments"

	query := `SELECT ` + commentColumns + `
		FROM comments WHERE pull_request_id = $1 ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, pullRequestID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var comments []domains.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		comments = append(comments, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return comments, nil
}

// UpdateCommentText rewrites the comment body with optimistic concurrency:
// the caller proves it saw the latest revision by sending its version. On a
// stale version the current one is reported back in the error.
func (s *Storage) UpdateCommentText(ctx context.Context, id int64, text string, expectedVersion int) (*domains.Comment, error) {
	const op = "repository.postgres.UpdateCommentText"

	query := `
		UPDATE comments
		SET text = $2, version = version + 1, modified_at = $3
		WHERE id = $1 AND version = $4
		RETURNING ` + commentColumns

	c, err := scanComment(s.db.QueryRowContext(ctx, query, id, text, time.Now().UTC(), expectedVersion))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var current int
	err = s.db.QueryRowContext(ctx, `SELECT version FROM comments WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return nil, &repository.CommentVersionError{CommentID: id, CurrentVersion: current}
}

// ResolveComment marks a TODO comment as resolved by another comment.
func (s *Storage) ResolveComment(ctx context.Context, id, resolvedByID int64) error {
	const op = "repository.postgres.ResolveComment"

	query := `
		UPDATE comments SET resolved_comment_id = $2, modified_at = $3
		WHERE id = $1 AND comment_type = $4 AND resolved_comment_id IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, id, resolvedByID, time.Now().UTC(), domains.CommentTypeTodo)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.ErrCommentNotFound
	}
	return nil
}

// UnresolvedTodos lists the open TODO comments of a pull request.
func (s *Storage) UnresolvedTodos(ctx context.Context, pullRequestID int64) ([]domains.Comment, error) {
	const op = "repository.postgres.UnresolvedTodos"

	query := `SELECT ` + commentColumns + `
		FROM comments
		WHERE pull_request_id = $1
		  AND comment_type = $2
		  AND resolved_comment_id IS NULL
		  AND (display_state IS NULL OR display_state <> $3)
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, pullRequestID, domains.CommentTypeTodo, domains.CommentOutdated)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var todos []domains.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		todos = append(todos, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return todos, nil
}

// MarkCommentsOutdated flags inline comments whose diff anchor disappeared.
func (s *Storage) MarkCommentsOutdated(ctx context.Context, ids []int64) error {
	const op = "repository.postgres.MarkCommentsOutdated"

	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE comments SET display_state = $1, modified_at = $2
		WHERE id = ANY($3)
	`
	if _, err := s.db.ExecContext(ctx, query,
		domains.CommentOutdated, time.Now().UTC(), pq.Array(ids)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func scanComment(row rowScanner) (*domains.Comment, error) {
	var (
		c                              domains.Comment
		filePath, lineNo, statusChange sql.NullString
		displayState                   sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.RepoID, &c.PullRequestID, &c.VersionID, &c.UserID, &c.Text,
		&filePath, &lineNo, &c.CommentType, &statusChange, &c.ResolvedCommentID,
		&displayState, &c.Renderer, &c.ClosingPR, &c.Version, &c.CreatedOn, &c.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	c.FilePath = filePath.String
	c.LineNo = lineNo.String
	c.StatusChange = statusChange.String
	c.DisplayState = displayState.String
	return &c, nil
}
