package git

import (
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_NotARepo(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.ErrorIs(t, err, ErrNotGitRepo)

	_, err = DetectBranch(t.TempDir())
	assert.ErrorIs(t, err, ErrNotGitRepo)
}

func TestRepo_CurrentBranch(t *testing.T) {
	tr := NewTestRepo(t)

	branch, err := DetectBranch(tr.Dir)
	require.NoError(t, err)
	assert.Equal(t, "master", branch)

	tr.Branch("feature/rollback")
	r, err := Open(filepath.Join(tr.Dir))
	require.NoError(t, err)
	branch, err = r.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "feature/rollback", branch)

	head, err := r.HeadCommit()
	require.NoError(t, err)
	wt, err := tr.Repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{Hash: plumbing.NewHash(head)}))
	branch, err = r.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, Detached, branch)
}

func TestRepo_CurrentBranch_NoCommits(t *testing.T) {
	dir := t.TempDir()
	_, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	branch, err := DetectBranch(dir)
	require.NoError(t, err)
	assert.Equal(t, "master", branch)
}

func TestRepo_IsClean(t *testing.T) {
	tr := NewTestRepo(t)
	r, err := Open(tr.Dir)
	require.NoError(t, err)

	clean, err := r.IsClean()
	require.NoError(t, err)
	assert.True(t, clean)

	tr.Write("scratch.txt", "wip")
	clean, err = r.IsClean()
	require.NoError(t, err)
	assert.False(t, clean)
}

func TestRepo_HardReset(t *testing.T) {
	tr := NewTestRepo(t)
	r, err := Open(tr.Dir)
	require.NoError(t, err)

	before, err := r.HeadCommit()
	require.NoError(t, err)
	tr.Commit("feature.go", "package feature\n", "add feature")

	require.NoError(t, r.HardReset(before))
	head, err := r.HeadCommit()
	require.NoError(t, err)
	assert.Equal(t, before, head)
	_, err = os.Stat(filepath.Join(tr.Dir, "feature.go"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, r.HardReset("0000000000000000000000000000000000000001"))
}

func TestRepo_CheckoutAndDeleteBranch(t *testing.T) {
	tr := NewTestRepo(t)
	tr.Branch("ledgerd/task-1")
	tr.Commit("change.txt", "x", "work")

	r, err := Open(tr.Dir)
	require.NoError(t, err)

	assert.Error(t, r.DeleteBranch("ledgerd/task-1"), "checked-out branch")
	assert.ErrorIs(t, r.Checkout("nope"), ErrBranchNotFound)

	require.NoError(t, r.Checkout("master"))
	require.NoError(t, r.DeleteBranch("ledgerd/task-1"))
	assert.False(t, r.HasBranch("ledgerd/task-1"))
	assert.True(t, r.HasBranch("master"))
	assert.ErrorIs(t, r.DeleteBranch("ledgerd/task-1"), ErrBranchNotFound)
}
