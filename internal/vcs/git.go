// Package vcs keeps each run on its own git branch and records one commit per
// finished phase.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNotRepository is returned by Open when dir is not inside a git work tree.
var ErrNotRepository = errors.New("not a git repository")

// Options configures a Repo.
type Options struct {
	// Dir is any directory inside the work tree.
	Dir string
	// Exclude lists work-tree relative paths that are never staged, such as
	// the checkpoint directory.
	Exclude []string
	// Now overrides the commit timestamp clock.
	Now func() time.Time
}

// Repo drives one git work tree. Its methods are safe for concurrent use;
// git operations are serialised.
type Repo struct {
	repo    *git.Repository
	root    string
	exclude []string
	now     func() time.Time

	mu sync.Mutex
}

// Open finds the repository containing opts.Dir.
func Open(opts Options) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(opts.Dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", opts.Dir, ErrNotRepository)
		}
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open work tree: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Repo{repo: repo, root: wt.Filesystem.Root(), now: opts.Now}
	for _, p := range opts.Exclude {
		if rel := r.relative(p); rel != "" {
			r.exclude = append(r.exclude, rel)
		}
	}
	return r, nil
}

// relative maps p to a slash-separated path inside the work tree, or "" when
// it lies outside.
func (r *Repo) relative(p string) string {
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(filepath.Clean(p))
	}
	rel, err := filepath.Rel(r.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (r *Repo) excluded(path string) bool {
	for _, e := range r.exclude {
		if path == e || strings.HasPrefix(path, e+"/") {
			return true
		}
	}
	return false
}

// Branch returns the short name of the checked-out branch, or "" on a
// detached HEAD.
func (r *Repo) Branch() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, err := r.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", err
	}
	if ref.Type() == plumbing.SymbolicReference {
		return ref.Target().Short(), nil
	}
	return "", nil
}

// Prepare switches the work tree to branch, creating it from HEAD when it
// does not exist. With stash set, uncommitted changes to tracked files are
// stashed first so the run starts from a clean tree. Untracked files are left
// alone.
func (r *Repo) Prepare(ctx context.Context, branch string, stash bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := plumbing.NewBranchReferenceName(branch)
	if err := name.Validate(); err != nil {
		return fmt.Errorf("invalid branch %q: %w", branch, err)
	}
	if current, err := r.repo.Reference(plumbing.HEAD, false); err == nil && current.Target() == name {
		return nil
	}

	head, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// unborn HEAD: the first commit lands on the new branch
		return r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, name))
	}
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	if stash {
		if err := r.stash(ctx, branch); err != nil {
			return err
		}
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	opts := &git.CheckoutOptions{Branch: name, Keep: true}
	if _, err := r.repo.Reference(name, false); errors.Is(err, plumbing.ErrReferenceNotFound) {
		opts.Create = true
		opts.Hash = head.Hash()
	}
	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", branch, err)
	}
	return nil
}

// stash runs `git stash push` when tracked files have changes. go-git has no
// stash support, so this one step shells out.
func (r *Repo) stash(ctx context.Context, branch string) error {
	dirty, err := r.trackedChanges()
	if err != nil || !dirty {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "stash", "push", "-m", "routeloop: before "+branch)
	cmd.Dir = r.root
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to stash changes: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (r *Repo) trackedChanges() (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}
	for path, s := range status {
		if r.excluded(path) || s.Worktree == git.Untracked {
			continue
		}
		if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
			return true, nil
		}
	}
	return false, nil
}

// Commit stages every change outside the excluded paths and commits it. It
// reports false, and creates nothing, when there is nothing to commit.
func (r *Repo) Commit(_ context.Context, message string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wt, err := r.repo.Worktree()
	if err != nil {
		return false, err
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read status: %w", err)
	}

	staged := false
	for path, s := range status {
		if r.excluded(path) {
			continue
		}
		switch {
		case s.Worktree == git.Deleted:
			if _, err := wt.Remove(path); err != nil {
				return false, fmt.Errorf("failed to stage removal of %s: %w", path, err)
			}
			staged = true
		case s.Worktree != git.Unmodified:
			if _, err := wt.Add(path); err != nil {
				return false, fmt.Errorf("failed to stage %s: %w", path, err)
			}
			staged = true
		case s.Staging != git.Unmodified:
			staged = true
		}
	}
	if !staged {
		return false, nil
	}

	if _, err := wt.Commit(message, &git.CommitOptions{Author: r.signature()}); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

// signature uses the configured git identity, falling back to a fixed one.
func (r *Repo) signature() *object.Signature {
	sig := &object.Signature{Name: "routeloop", Email: "routeloop@localhost", When: r.now()}
	cfg, err := r.repo.ConfigScoped(config.GlobalScope)
	if err != nil {
		return sig
	}
	if cfg.User.Name != "" {
		sig.Name = cfg.User.Name
	}
	if cfg.User.Email != "" {
		sig.Email = cfg.User.Email
	}
	return sig
}
