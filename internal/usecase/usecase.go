package usecase

import "errors"

var (
	ErrPullRequestNotFound = errors.New("pull request not found")
	ErrVersionNotFound     = errors.New("pull request version not found")
	ErrCommentNotFound     = errors.New("comment not found")
	ErrUserNotFound        = errors.New("user not found")
	ErrRepoNotFound        = errors.New("repository not found")

	ErrPullRequestClosed = errors.New("pull request is closed")

	// ErrNoCommits rejects a source/target pair whose compare yields an
	// empty commit range.
	ErrNoCommits = errors.New("no commits found")

	// ErrNoCommonAncestor rejects refs with unrelated histories.
	ErrNoCommonAncestor = errors.New("no common ancestor found")

	// ErrInvalidState signals that the pull request is busy in another
	// lifecycle operation and the request should be retried later.
	ErrInvalidState = errors.New("pull request is in an invalid state for this operation")

	ErrCommentVersionMismatch = errors.New("comment was modified concurrently")

	ErrNotAllowed = errors.New("operation not permitted")
)
