package postgres

import (
	"context"
	"fmt"

	"github.com/ravenscm/raven/internal/domains"
)

// SaveEntry appends an audit journal entry and bumps the actor's last
// activity timestamp in the same transaction.
func (s *Storage) SaveEntry(ctx context.Context, entry domains.UserLog) error {
	const op = "repository.postgres.SaveEntry"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	actionData, err := marshalJSONMap(entry.ActionData)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	userData, err := marshalJSONMap(entry.UserData)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	queryInsert := `
		INSERT INTO user_logs (
			action, action_data, user_id, username, user_data, ip,
			repo_id, repo_name, action_date, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = tx.ExecContext(ctx, queryInsert,
		entry.Action, actionData, entry.UserID, entry.Username, userData,
		entry.IP, nullInt64(entry.RepoID), nullString(entry.RepoName),
		entry.ActionDate, entry.Version,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	queryBump := `UPDATE users SET last_activity = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, queryBump, entry.UserID, entry.ActionDate); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
