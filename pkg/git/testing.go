package git

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// TestRepo is a throwaway repository for tests.
type TestRepo struct {
	Dir  string
	Repo *gogit.Repository
	tb   testing.TB
}

// NewTestRepo initialises a repository in a temp dir with one commit on
// the default branch.
func NewTestRepo(tb testing.TB) *TestRepo {
	tb.Helper()
	dir := tb.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		tb.Fatalf("init repo: %v", err)
	}
	tr := &TestRepo{Dir: dir, Repo: repo, tb: tb}
	tr.Commit("README.md", "# test\n", "initial commit")
	return tr
}

// Commit writes name with content, stages it and commits. It returns the
// new commit hash.
func (tr *TestRepo) Commit(name, content, msg string) string {
	tr.tb.Helper()
	tr.Write(name, content)
	wt, err := tr.Repo.Worktree()
	if err != nil {
		tr.tb.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		tr.tb.Fatalf("add %s: %v", name, err)
	}
	h, err := wt.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{Name: "ledgerd", Email: "ledgerd@example.com", When: time.Now()},
	})
	if err != nil {
		tr.tb.Fatalf("commit: %v", err)
	}
	return h.String()
}

// Write writes a file in the worktree without staging it.
func (tr *TestRepo) Write(name, content string) {
	tr.tb.Helper()
	p := filepath.Join(tr.Dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		tr.tb.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		tr.tb.Fatalf("write %s: %v", name, err)
	}
}

// Branch creates branch at HEAD and checks it out.
func (tr *TestRepo) Branch(name string) {
	tr.tb.Helper()
	wt, err := tr.Repo.Worktree()
	if err != nil {
		tr.tb.Fatalf("worktree: %v", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name), Create: true}); err != nil {
		tr.tb.Fatalf("checkout -b %s: %v", name, err)
	}
}
