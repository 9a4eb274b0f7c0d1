package hooks

// Hook methods accepted by the callback daemon.
const (
	MethodRepoSize = "repo_size"
	MethodPrePull  = "pre_pull"
	MethodPostPull = "post_pull"
	MethodPrePush  = "pre_push"
	MethodPostPush = "post_push"
)

// Extras is the request identity travelling with every VCS operation. The
// daemon address is injected by Prepare before the backend call, and the
// backend echoes the whole structure back on each callback.
type Extras struct {
	UserID        int64   `json:"user_id"`
	Username      string  `json:"username"`
	IP            string  `json:"ip"`
	Repository    string  `json:"repository"`
	RepoType      string  `json:"repo_type"`
	Action        string  `json:"action"`
	ServerURL     string  `json:"server_url"`
	UserAgent     string  `json:"user_agent,omitempty"`
	HooksURI      string  `json:"hooks_uri"`
	HooksProtocol string  `json:"hooks_protocol"`
	Time          float64 `json:"time"`
	TxnID         string  `json:"txn_id,omitempty"`

	// Filled by the backend on push callbacks: branch names touched and
	// commit ids pushed.
	Branches  []string `json:"branches,omitempty"`
	CommitIDs []string `json:"commit_ids,omitempty"`
}

// ToMap serializes extras for the backend merge request environment.
func (e Extras) ToMap() map[string]any {
	m := map[string]any{
		"user_id":        e.UserID,
		"username":       e.Username,
		"ip":             e.IP,
		"repository":     e.Repository,
		"repo_type":      e.RepoType,
		"action":         e.Action,
		"server_url":     e.ServerURL,
		"hooks_uri":      e.HooksURI,
		"hooks_protocol": e.HooksProtocol,
		"time":           e.Time,
	}
	if e.UserAgent != "" {
		m["user_agent"] = e.UserAgent
	}
	if e.TxnID != "" {
		m["txn_id"] = e.TxnID
	}
	return m
}
