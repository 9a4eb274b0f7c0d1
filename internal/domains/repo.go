package domains

// Repository backend types. Hooks are only dispatched for these; unknown
// types are silently skipped.
const (
	RepoTypeGit = "git"
	RepoTypeHg  = "hg"
	RepoTypeSvn = "svn"
)

type Repo struct {
	ID       int64
	Name     string
	Type     string
	LockedBy string
}

func (r *Repo) SupportsHooks() bool {
	switch r.Type {
	case RepoTypeGit, RepoTypeHg, RepoTypeSvn:
		return true
	}
	return false
}

func (r *Repo) IsLocked() bool {
	return r.LockedBy != ""
}

// Repository permissions checked by the merge pipeline.
const (
	PermRepoAdmin = "repository.admin"
	PermRepoWrite = "repository.write"
	PermRepoRead  = "repository.read"
	PermHgAdmin   = "hg.admin"

	// Branch rule permission that rejects any change to the branch.
	PermBranchNone = "branch.none"
)
