package domains

import (
	"fmt"
	"strings"
)

// Ref types understood by the VCS backend. Only branch, bookmark and book
// refs move after a pull request is created; tag and rev refs are frozen.
const (
	RefTypeBranch   = "branch"
	RefTypeBookmark = "bookmark"
	RefTypeBook     = "book"
	RefTypeTag      = "tag"
	RefTypeRev      = "rev"
)

var refTypes = map[string]struct{}{
	RefTypeBranch:   {},
	RefTypeBookmark: {},
	RefTypeBook:     {},
	RefTypeTag:      {},
	RefTypeRev:      {},
}

var updatableRefTypes = map[string]struct{}{
	RefTypeBranch:   {},
	RefTypeBookmark: {},
	RefTypeBook:     {},
}

// Reference is a colon-triple `type:name:commit_id` pointing into a repository.
type Reference struct {
	Type     string
	Name     string
	CommitID string
}

// ParseReference parses the wire form `type:name[:commit_id]`.
func ParseReference(raw string) (Reference, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Reference{}, fmt.Errorf("invalid reference format given: %q, expected type:name:commit_id", raw)
	}
	if _, ok := refTypes[parts[0]]; !ok {
		return Reference{}, fmt.Errorf("unknown reference type %q", parts[0])
	}
	ref := Reference{Type: parts[0], Name: parts[1]}
	if len(parts) == 3 {
		ref.CommitID = parts[2]
	}
	return ref, nil
}

func (r Reference) String() string {
	return r.Type + ":" + r.Name + ":" + r.CommitID
}

func (r Reference) IsZero() bool {
	return r.Type == "" && r.Name == "" && r.CommitID == ""
}

// Updatable reports whether the referenced name may move after creation.
func (r Reference) Updatable() bool {
	_, ok := updatableRefTypes[r.Type]
	return ok
}

// SymbolicID returns the name for refs that are re-resolved on refresh and
// the pinned commit id otherwise.
func (r Reference) SymbolicID() string {
	if r.Updatable() {
		return r.Name
	}
	return r.CommitID
}

func (r Reference) WithCommit(commitID string) Reference {
	r.CommitID = commitID
	return r
}
