package branch

import "time"

// Branch lifecycle states recorded in the metadata file.
const (
	StateActive    = "active"
	StateMerged    = "merged"
	StateAbandoned = "abandoned"
)

// Info is the metadata kept for one branch created or adopted by the pool.
type Info struct {
	Name       string            `json:"name"`
	BaseBranch string            `json:"base_branch"`
	CreatedAt  time.Time         `json:"created_at"`
	LastCommit string            `json:"last_commit,omitempty"`
	State      string            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the info.
func (i Info) Clone() Info {
	out := i
	if i.Metadata != nil {
		out.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Commit describes the tip commit of a branch.
type Commit struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	Message string `json:"message"`
}

// Status is a point-in-time view of a branch relative to its base.
type Status struct {
	Name       string            `json:"name"`
	BaseBranch string            `json:"base_branch"`
	State      string            `json:"status"`
	Ahead      int               `json:"ahead"`
	Behind     int               `json:"behind"`
	LastCommit *Commit           `json:"last_commit,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Config configures the branch manager
type Config struct {
	RepoPath     string // Path to the git repository
	Prefix       string // Prefix for branches created by the pool (default "agentpool")
	MetadataFile string // Metadata file (default <repo>/.agentpool/branches.json)
}
