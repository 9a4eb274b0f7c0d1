package repository

import (
	"errors"
	"fmt"
)

var (
	ErrPullRequestNotFound = errors.New("pull request not found")
	ErrVersionNotFound     = errors.New("pull request version not found")
	ErrCommentNotFound     = errors.New("comment not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrRepoNotFound        = errors.New("repository not found")
)

// StateConflictError is returned when a pull request state transition is
// requested while the record is not in any of the expected states. The
// current state lets callers report what they actually found.
type StateConflictError struct {
	PullRequestID int64
	CurrentState  string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("pull request %d is in state %q", e.PullRequestID, e.CurrentState)
}

// CommentVersionError is returned when a comment edit carries a stale
// version number.
type CommentVersionError struct {
	CommentID      int64
	CurrentVersion int
}

func (e *CommentVersionError) Error() string {
	return fmt.Sprintf("comment %d is at version %d", e.CommentID, e.CurrentVersion)
}
