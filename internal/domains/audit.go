package domains

import "time"

// UserLogVersion2 tags entries written by the current audit format.
const UserLogVersion2 = "v2"

// UserLog is a single append-only audit entry.
type UserLog struct {
	EntryID    int64
	Action     string
	ActionData map[string]any
	UserID     int64
	Username   string
	UserData   map[string]any
	IP         string
	RepoID     int64
	RepoName   string
	ActionDate time.Time
	Version    string
}
