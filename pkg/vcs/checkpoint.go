package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckpointBranch receives a commit of the working tree before every
// standalone incremental build, so a crashing build can be reproduced.
const CheckpointBranch = "cargo-incremental-build"

const checkpointRef = "refs/heads/" + CheckpointBranch

// Checkpoint commits the current content of all tracked files onto
// CheckpointBranch, creating the branch when missing, and returns the new
// commit id. HEAD, the index and the working tree are left untouched.
func (r *Repo) Checkpoint(ctx context.Context) (string, error) {
	tmp, err := os.MkdirTemp("", "incrreplay-index-")
	if err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	defer os.RemoveAll(tmp)

	env := []string{
		"GIT_INDEX_FILE=" + filepath.Join(tmp, "index"),
		"GIT_AUTHOR_NAME=incrreplay",
		"GIT_AUTHOR_EMAIL=none",
		"GIT_COMMITTER_NAME=incrreplay",
		"GIT_COMMITTER_EMAIL=none",
	}
	git := func(args ...string) (string, error) {
		out, err := runGitCapture(ctx, r.root, env, args...)
		return strings.TrimSpace(string(out)), err
	}

	if _, err := git("read-tree", "HEAD"); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	if _, err := git("add", "--update", "--", "."); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	tree, err := git("write-tree")
	if err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}

	parent, err := git("for-each-ref", "--format=%(objectname)", checkpointRef)
	if err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	args := []string{"commit-tree", tree, "-m", "checkpoint"}
	if parent != "" {
		args = append(args, "-p", parent)
	}
	commit, err := git(args...)
	if err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}

	update := []string{"update-ref", "-m", "incrreplay: checkpoint", checkpointRef, commit}
	if parent != "" {
		update = append(update, parent)
	}
	if _, err := git(update...); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	return commit, nil
}
