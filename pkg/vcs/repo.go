// Package vcs is the version-control side of the replay: it finds the git
// repository holding a cargo project, resolves revision ranges into commit
// graph nodes, and moves the working tree between commits.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/odvcencio/incrreplay/pkg/linearize"
)

// ShortIDLen is the number of hex digits in a short commit id.
const ShortIDLen = 7

// Repo is an opened git repository.
type Repo struct {
	git  *git.Repository
	root string
}

// Open finds the repository containing path, walking up parent directories.
// path may name a file such as Cargo.toml.
func Open(path string) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	r, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		r, err = git.PlainOpenWithOptions(filepath.Dir(abs), &git.PlainOpenOptions{DetectDotGit: true})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find repository containing `%s`: %w", path, err)
	}
	wt, err := r.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &Repo{git: r, root: wt.Filesystem.Root()}, nil
}

// Root returns the top directory of the working tree.
func (r *Repo) Root() string { return r.root }

// DirtyError lists working-tree paths that differ from HEAD.
type DirtyError struct {
	Paths []string
}

func (e *DirtyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "there are changes in the repository (%d dirty files)", len(e.Paths))
	for _, p := range e.Paths {
		fmt.Fprintf(&b, "\n  file `%s` is dirty", p)
	}
	return b.String()
}

// UntrackedError lists untracked source files that would affect a build.
type UntrackedError struct {
	Suffix string
	Paths  []string
}

func (e *UntrackedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "there are untracked %s files in the repository", e.Suffix)
	for _, p := range e.Paths {
		fmt.Fprintf(&b, "\n  file `%s` is untracked", p)
	}
	return b.String()
}

// CheckClean fails with *DirtyError when any tracked or untracked,
// non-ignored path differs from HEAD. Paths under one of the excluded
// directories (absolute, or relative to the working tree root) are skipped.
func (r *Repo) CheckClean(exclude ...string) error {
	status, err := r.status()
	if err != nil {
		return err
	}
	prefixes := r.relPrefixes(exclude)

	var dirty []string
	for path, st := range status {
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		if hasAnyPrefix(path, prefixes) {
			continue
		}
		dirty = append(dirty, path)
	}
	if len(dirty) > 0 {
		slices.Sort(dirty)
		return &DirtyError{Paths: dirty}
	}
	return nil
}

// CheckUntracked fails with *UntrackedError when an untracked file ends
// with suffix.
func (r *Repo) CheckUntracked(suffix string) error {
	status, err := r.status()
	if err != nil {
		return err
	}
	var found []string
	for path, st := range status {
		if st.Worktree == git.Untracked && strings.HasSuffix(path, suffix) {
			found = append(found, path)
		}
	}
	if len(found) > 0 {
		slices.Sort(found)
		return &UntrackedError{Suffix: suffix, Paths: found}
	}
	return nil
}

func (r *Repo) status() (git.Status, error) {
	wt, err := r.git.Worktree()
	if err != nil {
		return nil, fmt.Errorf("could not load git repository status: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("could not load git repository status: %w", err)
	}
	return status, nil
}

func (r *Repo) relPrefixes(dirs []string) []string {
	prefixes := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if filepath.IsAbs(d) {
			rel, err := filepath.Rel(r.root, d)
			if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
				continue
			}
			d = rel
		}
		prefixes = append(prefixes, filepath.ToSlash(filepath.Clean(d)))
	}
	return prefixes
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// ResolveRange resolves "from..to" or a single revision. A single revision
// yields a nil start, meaning the whole history of end is replayed.
func (r *Repo) ResolveRange(revspec string) (start, end linearize.Node, err error) {
	from, to, isRange := strings.Cut(revspec, "..")
	if !isRange {
		c, err := r.resolve(revspec)
		if err != nil {
			return nil, nil, err
		}
		return nil, c, nil
	}
	if strings.HasPrefix(to, ".") {
		return nil, nil, fmt.Errorf("revspec `%s`: symmetric difference ranges are not supported", revspec)
	}
	if strings.TrimSpace(from) == "" {
		return nil, nil, fmt.Errorf("revspec `%s` had no \"from\" point specified", revspec)
	}
	if strings.TrimSpace(to) == "" {
		return nil, nil, fmt.Errorf("revspec `%s` had no \"to\" point specified; try something like `%sHEAD`", revspec, revspec)
	}
	s, err := r.resolve(from)
	if err != nil {
		return nil, nil, err
	}
	e, err := r.resolve(to)
	if err != nil {
		return nil, nil, err
	}
	return s, e, nil
}

func (r *Repo) resolve(rev string) (*Commit, error) {
	h, err := r.git.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("failed to parse revspec `%s`: %w", rev, err)
	}
	c, err := r.git.CommitObject(*h)
	if err != nil {
		return nil, fmt.Errorf("revspec `%s` does not name a commit: %w", rev, err)
	}
	return &Commit{c: c}, nil
}

// Head returns the short name of the branch HEAD points at, or the short
// commit id when HEAD is detached.
func (r *Repo) Head() (string, error) {
	ref, err := r.git.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if ref.Name().IsBranch() {
		return ref.Name().Short(), nil
	}
	return ref.Hash().String()[:ShortIDLen], nil
}

// Checkout forcibly checks out commit id and detaches HEAD at it. Files
// whose content does not change keep their modification times. Untracked
// and ignored files, such as a work directory inside the repository, are
// left alone.
func (r *Repo) Checkout(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// A killed checkout leaves index.lock behind, so git is never interrupted.
	if _, err := runGitCapture(context.WithoutCancel(ctx), r.root, nil, "checkout", "--quiet", "--force", "--detach", id); err != nil {
		return fmt.Errorf("encountered error checking out `%s`: %w", short(id), err)
	}
	return nil
}

// ResetHard discards working-tree changes to tracked files, resetting them
// to commit id. Untracked and ignored files are kept.
func (r *Repo) ResetHard(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := runGitCapture(context.WithoutCancel(ctx), r.root, nil, "reset", "--quiet", "--hard", id); err != nil {
		return fmt.Errorf("reset --hard %s: %w", short(id), err)
	}
	return nil
}

// Commit is a git commit as a node of the history graph.
type Commit struct {
	c *object.Commit
}

func (c *Commit) ID() string      { return c.c.Hash.String() }
func (c *Commit) ShortID() string { return short(c.ID()) }
func (c *Commit) NumParents() int { return c.c.NumParents() }

// Summary returns the first line of the commit message.
func (c *Commit) Summary() string {
	first, _, _ := strings.Cut(c.c.Message, "\n")
	return strings.TrimSpace(first)
}

func (c *Commit) Parent(index int) (linearize.Node, error) {
	p, err := c.c.Parent(index)
	if err != nil {
		return nil, err
	}
	return &Commit{c: p}, nil
}

func short(id string) string {
	if len(id) > ShortIDLen {
		return id[:ShortIDLen]
	}
	return id
}
