package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const gitTimeout = 30 * time.Second

// GitCLI implements Adapter by shelling out to the git binary. runGit is a
// seam for tests.
type GitCLI struct {
	runGit func(workdir string, args ...string) (string, error)
}

// NewGitCLI returns the stock git-backed adapter.
func NewGitCLI() *GitCLI {
	g := &GitCLI{}
	g.runGit = g.run
	return g
}

func (g *GitCLI) run(workdir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Status reports the working tree state via porcelain v1 output.
func (g *GitCLI) Status(workdir string) (*Status, error) {
	out, err := g.runGit(workdir, "status", "--porcelain=v1", "--branch")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// parsePorcelain decodes `git status --porcelain=v1 --branch` output.
func parsePorcelain(out string) *Status {
	st := &Status{
		Staged:    []string{},
		Modified:  []string{},
		Untracked: []string{},
	}

	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			parseBranchLine(line[3:], st)
			continue
		}
		if len(line) < 4 {
			continue
		}
		x, y, path := line[0], line[1], line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		switch {
		case x == '?' && y == '?':
			st.Untracked = append(st.Untracked, path)
		default:
			if x != ' ' {
				st.Staged = append(st.Staged, path)
			}
			if y != ' ' {
				st.Modified = append(st.Modified, path)
			}
		}
	}

	st.Clean = len(st.Staged) == 0 && len(st.Modified) == 0 && len(st.Untracked) == 0
	return st
}

// parseBranchLine decodes "main...origin/main [ahead 2, behind 1]".
func parseBranchLine(line string, st *Status) {
	branch := line
	if i := strings.Index(branch, "..."); i >= 0 {
		branch = branch[:i]
	}
	if i := strings.Index(branch, " "); i >= 0 {
		branch = branch[:i]
	}
	st.Branch = branch

	if open := strings.Index(line, "["); open >= 0 {
		for _, part := range strings.Split(strings.Trim(line[open:], "[]"), ",") {
			fields := strings.Fields(strings.TrimSpace(part))
			if len(fields) != 2 {
				continue
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				continue
			}
			switch fields[0] {
			case "ahead":
				st.Ahead = n
			case "behind":
				st.Behind = n
			}
		}
	}
}

// CreateBackupSnapshot records the current tree in a stash-like ref without
// touching the working tree, returning the snapshot commit hash.
func (g *GitCLI) CreateBackupSnapshot(workdir string) (string, error) {
	out, err := g.runGit(workdir, "stash", "create", "prompt-dock backup")
	if err != nil {
		return "", err
	}
	hash := strings.TrimSpace(out)
	if hash == "" {
		// Clean tree: nothing to snapshot, HEAD is the backup.
		out, err = g.runGit(workdir, "rev-parse", "HEAD")
		if err != nil {
			return "", err
		}
		hash = strings.TrimSpace(out)
	}
	slog.Info("[Workspace] Backup snapshot", "workdir", workdir, "hash", hash)
	return hash, nil
}

// CreateWorktree adds a linked worktree on a fresh branch cut from baseBranch.
func (g *GitCLI) CreateWorktree(workdir, baseBranch string, metadata map[string]string) (*Worktree, error) {
	if baseBranch == "" {
		out, err := g.runGit(workdir, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return nil, err
		}
		baseBranch = strings.TrimSpace(out)
	}

	now := time.Now()
	branch := "prompt-dock/" + now.Format("20060102-150405")
	if name := metadata["name"]; name != "" {
		branch = "prompt-dock/" + name
	}
	path := workdir + "-" + strings.ReplaceAll(branch, "/", "-")

	if _, err := g.runGit(workdir, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return nil, err
	}
	return &Worktree{Path: path, Branch: branch, CreatedAt: now}, nil
}

// DeleteWorktree removes a linked worktree and, when branchName is given, its
// branch.
func (g *GitCLI) DeleteWorktree(workdir, worktreePath, branchName string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	if _, err := g.runGit(workdir, append(args, worktreePath)...); err != nil {
		return err
	}
	if branchName != "" {
		flag := "-d"
		if force {
			flag = "-D"
		}
		if _, err := g.runGit(workdir, "branch", flag, branchName); err != nil {
			return err
		}
	}
	return nil
}

// ListWorktrees enumerates linked worktrees.
func (g *GitCLI) ListWorktrees(workdir string) ([]Worktree, error) {
	out, err := g.runGit(workdir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var trees []Worktree
	var current Worktree
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current.Path != "" {
				trees = append(trees, current)
			}
			current = Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current.Path != "" {
		trees = append(trees, current)
	}
	return trees, nil
}

// CreateBranch creates a branch at HEAD without switching to it.
func (g *GitCLI) CreateBranch(workdir, name string) error {
	_, err := g.runGit(workdir, "branch", name)
	return err
}

// SwitchBranch checks out an existing branch.
func (g *GitCLI) SwitchBranch(workdir, name string) error {
	_, err := g.runGit(workdir, "switch", name)
	return err
}

// Stash saves local changes.
func (g *GitCLI) Stash(workdir, message string) error {
	args := []string{"stash", "push"}
	if message != "" {
		args = append(args, "-m", message)
	}
	_, err := g.runGit(workdir, args...)
	return err
}

// Commit stages the listed files (or everything when empty) and commits,
// returning the commit hash.
func (g *GitCLI) Commit(workdir, message string, files []string) (string, error) {
	addArgs := append([]string{"add", "--"}, files...)
	if len(files) == 0 {
		addArgs = []string{"add", "-A"}
	}
	if _, err := g.runGit(workdir, addArgs...); err != nil {
		return "", err
	}
	if _, err := g.runGit(workdir, "commit", "-m", message); err != nil {
		return "", err
	}
	out, err := g.runGit(workdir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Diff returns the unified diff for one file against HEAD.
func (g *GitCLI) Diff(file, workdir string) (string, error) {
	return g.runGit(workdir, "diff", "HEAD", "--", file)
}

// GeneratePullRequest pushes the current branch and synthesises the compare
// URL for the origin remote. Authoring the PR itself stays in the browser.
func (g *GitCLI) GeneratePullRequest(workdir string, opts PROptions) (*PullRequest, error) {
	out, err := g.runGit(workdir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	branch := strings.TrimSpace(out)

	if _, err := g.runGit(workdir, "push", "-u", "origin", branch); err != nil {
		return nil, err
	}

	remote, err := g.runGit(workdir, "remote", "get-url", "origin")
	if err != nil {
		return nil, err
	}

	base := opts.BaseBranch
	if base == "" {
		base = "main"
	}
	return &PullRequest{
		Branch: branch,
		Title:  opts.Title,
		URL:    compareURL(strings.TrimSpace(remote), base, branch),
	}, nil
}

// compareURL maps a git remote to the web compare page for base...branch.
func compareURL(remote, base, branch string) string {
	web := remote
	web = strings.TrimSuffix(web, ".git")
	if strings.HasPrefix(web, "git@") {
		// git@host:owner/repo → https://host/owner/repo
		web = "https://" + strings.Replace(strings.TrimPrefix(web, "git@"), ":", "/", 1)
	}
	return fmt.Sprintf("%s/compare/%s...%s", web, base, branch)
}
