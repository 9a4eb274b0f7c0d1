package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/repository"
)

func (s *Storage) GetRepo(ctx context.Context, repoID int64) (*domains.Repo, error) {
	const op = "repository.postgres.GetRepo"

	query := `SELECT id, name, repo_type, locked_by FROM repos WHERE id = $1`

	var (
		repo     domains.Repo
		lockedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, repoID).
		Scan(&repo.ID, &repo.Name, &repo.Type, &lockedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrRepoNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	repo.LockedBy = lockedBy.String
	return &repo, nil
}

func (s *Storage) GetRepoByName(ctx context.Context, name string) (*domains.Repo, error) {
	const op = "repository.postgres.GetRepoByName"

	query := `SELECT id, name, repo_type, locked_by FROM repos WHERE name = $1`

	var (
		repo     domains.Repo
		lockedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&repo.ID, &repo.Name, &repo.Type, &lockedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrRepoNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	repo.LockedBy = lockedBy.String
	return &repo, nil
}

// UserRepoPermission returns the user's effective permission on a
// repository, or the empty string when none was granted.
func (s *Storage) UserRepoPermission(ctx context.Context, repoID, userID int64) (string, error) {
	const op = "repository.postgres.UserRepoPermission"

	query := `
		SELECT permission FROM repo_permissions
		WHERE repo_id = $1 AND user_id = $2
	`

	var permission string
	err := s.db.QueryRowContext(ctx, query, repoID, userID).Scan(&permission)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return permission, nil
}

// BranchPermission resolves the effective branch rule for a user pushing to
// a branch. The most specific matching pattern wins; no rule means the push
// falls back to repository level permissions.
func (s *Storage) BranchPermission(ctx context.Context, repoID, userID int64, branch string) (string, string, error) {
	const op = "repository.postgres.BranchPermission"

	query := `
		SELECT rule_name, permission
		FROM branch_permissions
		WHERE repo_id = $1 AND user_id = $2 AND $3 LIKE branch_pattern
		ORDER BY length(branch_pattern) DESC
		LIMIT 1
	`

	var rule, permission string
	err := s.db.QueryRowContext(ctx, query, repoID, userID, branch).Scan(&rule, &permission)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", op, err)
	}
	return rule, permission, nil
}
