// Package workspace is the boundary through which the coordinator observes
// and mutates the user's source tree. The bridge core depends only on the
// Adapter interface; GitCLI is the stock implementation.
package workspace

import (
	"context"
	"time"
)

// Status describes the state of a working tree.
type Status struct {
	Branch    string   `json:"branch"`
	Clean     bool     `json:"clean"`
	Staged    []string `json:"staged"`
	Modified  []string `json:"modified"`
	Untracked []string `json:"untracked"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
}

// Worktree is one linked working tree.
type Worktree struct {
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	CreatedAt time.Time `json:"createdAt"`
}

// PROptions parameterises pull-request authoring.
type PROptions struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	BaseBranch  string `json:"baseBranch"`
}

// PullRequest is the outcome of GeneratePullRequest.
type PullRequest struct {
	Branch string `json:"branch"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// Adapter is the workspace contract the coordinator drives. Implementations
// must be safe for concurrent use across workdirs; per-workdir operations may
// serialise internally.
type Adapter interface {
	Status(workdir string) (*Status, error)
	CreateBackupSnapshot(workdir string) (string, error)
	CreateWorktree(workdir, baseBranch string, metadata map[string]string) (*Worktree, error)
	DeleteWorktree(workdir, worktreePath, branchName string, force bool) error
	ListWorktrees(workdir string) ([]Worktree, error)
	CreateBranch(workdir, name string) error
	SwitchBranch(workdir, name string) error
	Stash(workdir, message string) error
	Commit(workdir, message string, files []string) (string, error)
	Diff(file, workdir string) (string, error)
	GeneratePullRequest(workdir string, opts PROptions) (*PullRequest, error)

	// WatchWorkspace invokes callback with the repo-relative path of every
	// file that changes under workdir until ctx is cancelled.
	WatchWorkspace(ctx context.Context, workdir string, callback func(path string)) error
}
