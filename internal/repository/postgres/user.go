package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ravenscm/raven/internal/domains"
	"github.com/ravenscm/raven/internal/repository"
)

const userColumns = `id, username, first_name, last_name, email, is_active, last_activity, attributes`

func (s *Storage) GetUser(ctx context.Context, userID int64) (*domains.User, error) {
	const op = "repository.postgres.GetUser"

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(s.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

func (s *Storage) GetUserByUsername(ctx context.Context, username string) (*domains.User, error) {
	const op = "repository.postgres.GetUserByUsername"

	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`

	user, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

func scanUser(row rowScanner) (*domains.User, error) {
	var (
		user       domains.User
		attributes []byte
	)
	err := row.Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName,
		&user.Email, &user.IsActive, &user.LastActivity, &attributes)
	if err != nil {
		return nil, err
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &user.Attributes); err != nil {
			return nil, err
		}
	}
	return &user, nil
}
