package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ravenscm/raven/internal/domains"
)

func (s *Storage) GetReviewers(ctx context.Context, pullRequestID int64) ([]domains.Reviewer, error) {
	const op = "repository.postgres.GetReviewers"

	query := `
		SELECT id, pull_request_id, user_id, role, reasons, mandatory, rule_data
		FROM reviewers
		WHERE pull_request_id = $1
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, pullRequestID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var reviewers []domains.Reviewer
	for rows.Next() {
		r, err := scanReviewer(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		reviewers = append(reviewers, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return reviewers, nil
}

// SyncReviewers reconciles the stored reviewer entries of one role against
// the wanted set. Existing entries keep their identity; the returned slices
// name the user ids actually added and removed.
func (s *Storage) SyncReviewers(ctx context.Context, pullRequestID int64, role string, wanted []domains.Reviewer) (added, removed []int64, err error) {
	const op = "repository.postgres.SyncReviewers"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	queryCurrent := `
		SELECT user_id FROM reviewers
		WHERE pull_request_id = $1 AND role = $2
		FOR UPDATE
	`
	rows, err := tx.QueryContext(ctx, queryCurrent, pullRequestID, role)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	current := make(map[int64]struct{})
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			_ = rows.Close()
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		current[userID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	_ = rows.Close()

	queryInsert := `
		INSERT INTO reviewers (pull_request_id, user_id, role, reasons, mandatory, rule_data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	queryUpdate := `
		UPDATE reviewers SET reasons = $3, mandatory = $4, rule_data = $5
		WHERE pull_request_id = $1 AND user_id = $2 AND role = $6
	`

	wantedIDs := make(map[int64]struct{}, len(wanted))
	for _, r := range wanted {
		wantedIDs[r.UserID] = struct{}{}

		reasons, err := json.Marshal(r.Reasons)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		ruleData, err := marshalRuleData(r.RuleData)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}

		if _, exists := current[r.UserID]; exists {
			if _, err := tx.ExecContext(ctx, queryUpdate,
				pullRequestID, r.UserID, reasons, r.Mandatory, ruleData, role); err != nil {
				return nil, nil, fmt.Errorf("%s: %w", op, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, queryInsert,
			pullRequestID, r.UserID, role, reasons, r.Mandatory, ruleData); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		added = append(added, r.UserID)
	}

	queryDelete := `
		DELETE FROM reviewers
		WHERE pull_request_id = $1 AND user_id = $2 AND role = $3
	`
	for userID := range current {
		if _, keep := wantedIDs[userID]; keep {
			continue
		}
		if _, err := tx.ExecContext(ctx, queryDelete, pullRequestID, userID, role); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, err)
		}
		removed = append(removed, userID)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return added, removed, nil
}

// SaveChangesetStatus appends a new vote of the user on the pull request.
// Older votes are kept; the version counter makes the newest one win.
func (s *Storage) SaveChangesetStatus(ctx context.Context, status *domains.ChangesetStatus) (int64, error) {
	const op = "repository.postgres.SaveChangesetStatus"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	queryVersion := `
		SELECT COALESCE(MAX(version) + 1, 0)
		FROM changeset_statuses
		WHERE pull_request_id = $1 AND user_id = $2
	`
	var version int
	if err := tx.QueryRowContext(ctx, queryVersion,
		status.PullRequestID, status.UserID).Scan(&version); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	queryInsert := `
		INSERT INTO changeset_statuses (
			repo_id, user_id, revision, status, comment_id, pull_request_id, version, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	var id int64
	err = tx.QueryRowContext(ctx, queryInsert,
		status.RepoID, status.UserID, status.Revision, status.Status,
		status.CommentID, status.PullRequestID, version, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	status.Version = version
	return id, nil
}

// GetLatestStatuses returns the newest vote of every user on the pull
// request, ignoring votes frozen into older versions.
func (s *Storage) GetLatestStatuses(ctx context.Context, pullRequestID int64) ([]domains.ChangesetStatus, error) {
	const op = "repository.postgres.GetLatestStatuses"

	query := `
		SELECT DISTINCT ON (user_id)
			id, repo_id, user_id, revision, status, comment_id, pull_request_id, version, modified_at
		FROM changeset_statuses
		WHERE pull_request_id = $1 AND pull_request_version_id IS NULL
		ORDER BY user_id, version DESC
	`

	rows, err := s.db.QueryContext(ctx, query, pullRequestID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	var statuses []domains.ChangesetStatus
	for rows.Next() {
		var st domains.ChangesetStatus
		err := rows.Scan(&st.ID, &st.RepoID, &st.UserID, &st.Revision, &st.Status,
			&st.CommentID, &st.PullRequestID, &st.Version, &st.ModifiedAt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return statuses, nil
}

func scanReviewer(row rowScanner) (*domains.Reviewer, error) {
	var (
		r        domains.Reviewer
		reasons  []byte
		ruleData []byte
	)
	err := row.Scan(&r.ID, &r.PullRequestID, &r.UserID, &r.Role, &reasons, &r.Mandatory, &ruleData)
	if err != nil {
		return nil, err
	}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &r.Reasons); err != nil {
			return nil, err
		}
	}
	if len(ruleData) > 0 && string(ruleData) != "null" {
		r.RuleData = &domains.VotingRule{}
		if err := json.Unmarshal(ruleData, r.RuleData); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func marshalRuleData(rule *domains.VotingRule) ([]byte, error) {
	if rule == nil {
		return []byte("null"), nil
	}
	return json.Marshal(rule)
}
