// Package git wraps go-git for the VCS operations ledgerd performs on a
// project's working directory: inspecting HEAD and worktree cleanliness
// before irreversible actions, and undoing commits and branches during
// rollback.
package git

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrNotGitRepo indicates the directory is not a Git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrBranchNotFound indicates a named branch does not exist.
	ErrBranchNotFound = errors.New("branch not found")
)

// Detached is returned by CurrentBranch when HEAD is not on a branch.
const Detached = "detached"

// Repo is an opened working-tree repository.
type Repo struct {
	repo *gogit.Repository
	path string
}

// Open opens the repository containing path, searching parent directories
// for .git.
func Open(path string) (*Repo, error) {
	r, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository %s: %w", path, err)
	}
	return &Repo{repo: r, path: path}, nil
}

// Path returns the path the repository was opened from.
func (r *Repo) Path() string {
	return r.path
}

// CurrentBranch returns the branch HEAD points at, or Detached. It works on
// repositories without commits.
func (r *Repo) CurrentBranch() (string, error) {
	ref, err := r.repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if ref.Type() == plumbing.SymbolicReference && ref.Target().IsBranch() {
		return ref.Target().Short(), nil
	}
	return Detached, nil
}

// HeadCommit returns the hash HEAD resolves to.
func (r *Repo) HeadCommit() (string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// IsClean reports whether the worktree has no staged, unstaged or untracked
// changes.
func (r *Repo) IsClean() (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("opening worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("reading worktree status: %w", err)
	}
	return st.IsClean(), nil
}

// HardReset moves the current branch and worktree to commit, discarding
// tracked changes.
func (r *Repo) HardReset(commit string) error {
	hash := plumbing.NewHash(commit)
	if _, err := r.repo.CommitObject(hash); err != nil {
		return fmt.Errorf("commit %s: %w", commit, err)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Reset(&gogit.ResetOptions{Commit: hash, Mode: gogit.HardReset}); err != nil {
		return fmt.Errorf("reset --hard %s: %w", commit, err)
	}
	return nil
}

// Checkout switches the worktree to an existing branch.
func (r *Repo) Checkout(branch string) error {
	name := plumbing.NewBranchReferenceName(branch)
	if _, err := r.repo.Reference(name, false); err != nil {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: name}); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	return nil
}

// DeleteBranch removes a local branch reference and its config entry, if
// any. Deleting the checked-out branch is refused.
func (r *Repo) DeleteBranch(branch string) error {
	cur, err := r.CurrentBranch()
	if err != nil {
		return err
	}
	if cur == branch {
		return fmt.Errorf("cannot delete checked-out branch %s", branch)
	}
	name := plumbing.NewBranchReferenceName(branch)
	if _, err := r.repo.Reference(name, false); err != nil {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	if err := r.repo.Storer.RemoveReference(name); err != nil {
		return fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	if err := r.repo.DeleteBranch(branch); err != nil && !errors.Is(err, gogit.ErrBranchNotFound) {
		return fmt.Errorf("deleting branch config %s: %w", branch, err)
	}
	return nil
}

// HasBranch reports whether a local branch exists.
func (r *Repo) HasBranch(branch string) bool {
	_, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

// DetectBranch returns the current branch of the repository at path, or
// Detached.
func DetectBranch(path string) (string, error) {
	r, err := Open(path)
	if err != nil {
		return "", err
	}
	return r.CurrentBranch()
}
