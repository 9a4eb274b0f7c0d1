package domains

import "time"

// Reviewer roles. Reviewers vote on the review status; observers are
// notified but do not vote.
const (
	RoleReviewer = "reviewer"
	RoleObserver = "observer"
)

// Review status vocabulary, wire-stable.
const (
	StatusNotReviewed = "not_reviewed"
	StatusUnderReview = "under_review"
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
)

// VoteRuleAll means every group member has to approve for the group vote to
// count as approved; positive values are a minimum approval count.
const VoteRuleAll = -1

// VotingRule describes the voting group a reviewer was attached through.
// The rule is snapshotted at creation time and never recomputed.
type VotingRule struct {
	Name      string  `json:"rule_name"`
	GroupID   int64   `json:"rule_user_group_entry_id"`
	GroupName string  `json:"rule_user_group_name"`
	Members   []int64 `json:"rule_user_group_members_id"`
	VoteRule  int     `json:"vote_rule"`
	Mandatory bool    `json:"mandatory"`
}

// Reviewer associates a user with a pull request in a given role.
type Reviewer struct {
	ID            int64
	PullRequestID int64
	UserID        int64
	Role          string
	Reasons       []string
	Mandatory     bool
	RuleData      *VotingRule
}

// ChangesetStatus is a single vote by a reviewer. Version is monotonic per
// (reviewer, pull request); the highest version is the reviewer's current
// vote.
type ChangesetStatus struct {
	ID            int64
	RepoID        int64
	UserID        int64
	Revision      string
	Status        string
	CommentID     *int64
	PullRequestID int64
	Version       int
	ModifiedAt    time.Time
}

// ValidStatus reports whether s is one of the wire-stable review statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusNotReviewed, StatusUnderReview, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// StatusLabel is the human form used in status-change comments.
func StatusLabel(s string) string {
	switch s {
	case StatusNotReviewed:
		return "Not Reviewed"
	case StatusUnderReview:
		return "Under Review"
	case StatusApproved:
		return "Approved"
	case StatusRejected:
		return "Rejected"
	}
	return s
}
