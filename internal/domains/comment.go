package domains

import "time"

const (
	CommentTypeNote = "note"
	CommentTypeTodo = "todo"

	// Display state marking an inline comment whose anchor no longer exists
	// in the current diff.
	CommentOutdated = "comment_outdated"
)

// Comment is a pull request comment, optionally anchored to a file and line.
// VersionID is nil while the comment targets "latest"; the next snapshot
// re-points it at that version.
type Comment struct {
	ID                int64
	RepoID            int64
	PullRequestID     int64
	VersionID         *int64
	UserID            int64
	Text              string
	FilePath          string
	LineNo            string
	CommentType       string
	StatusChange      string
	ResolvedCommentID *int64
	DisplayState      string
	Renderer          string
	ClosingPR         bool

	// Monotonic edit counter used for optimistic concurrency on edits.
	Version int

	CreatedOn  time.Time
	ModifiedAt time.Time
}

func (c *Comment) IsInline() bool {
	return c.FilePath != "" && c.LineNo != ""
}

func (c *Comment) IsTodo() bool {
	return c.CommentType == CommentTypeTodo
}

func (c *Comment) Outdated() bool {
	return c.DisplayState == CommentOutdated
}

// VersionIndex maps a comment's version id onto the ordinal "vN" label,
// given all version ids of the pull request in ascending order. Returns 0
// for comments against latest.
func (c *Comment) VersionIndex(versionIDs []int64) int {
	if c.VersionID == nil {
		return 0
	}
	for i, id := range versionIDs {
		if id == *c.VersionID {
			return i + 1
		}
	}
	return 0
}
