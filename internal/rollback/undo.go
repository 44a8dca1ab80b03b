package rollback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
	"github.com/fyrsmithlabs/ledgerd/pkg/git"
)

const defaultPreviousBranch = "main"

// undo reverses one checkpoint's recorded operations, last operation first.
func (e *Engine) undo(ctx context.Context, rd *checkpoint.RollbackData) error {
	switch rd.Kind {
	case checkpoint.KindFileOperations:
		return undoFiles(rd)
	case checkpoint.KindDatabaseOperations:
		return e.undoDatabase(ctx, rd)
	case checkpoint.KindGitOperations:
		return undoGit(rd)
	default:
		return fmt.Errorf("unknown rollback type: %q", rd.Kind)
	}
}

func resolve(workDir, p string) string {
	if workDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workDir, p)
}

func undoFiles(rd *checkpoint.RollbackData) error {
	for i := len(rd.FileOps) - 1; i >= 0; i-- {
		op := rd.FileOps[i]
		if op.Path == "" {
			continue
		}
		path := resolve(rd.WorkDir, op.Path)
		switch op.Type {
		case checkpoint.FileCreate:
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", path, err)
			}
		case checkpoint.FileModify:
			if err := os.WriteFile(path, []byte(op.OriginalContent), 0o644); err != nil {
				return fmt.Errorf("restore %s: %w", path, err)
			}
		case checkpoint.FileDelete:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("recreate directory for %s: %w", path, err)
			}
			if err := os.WriteFile(path, []byte(op.OriginalContent), 0o644); err != nil {
				return fmt.Errorf("recreate %s: %w", path, err)
			}
		default:
			return fmt.Errorf("unknown file operation %q on %s", op.Type, path)
		}
	}
	return nil
}

// undoDatabase runs the compensating statements in one transaction.
func (e *Engine) undoDatabase(ctx context.Context, rd *checkpoint.RollbackData) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for i := len(rd.DBOps) - 1; i >= 0; i-- {
			op := rd.DBOps[i]
			if op.RollbackSQL == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, op.RollbackSQL, op.RollbackParams...); err != nil {
				return fmt.Errorf("compensating statement %d: %w", i, err)
			}
		}
		return nil
	})
}

func undoGit(rd *checkpoint.RollbackData) error {
	if rd.WorkDir == "" {
		return errors.New("git rollback requires work_dir")
	}
	repo, err := git.Open(rd.WorkDir)
	if err != nil {
		return err
	}
	for i := len(rd.GitOps) - 1; i >= 0; i-- {
		op := rd.GitOps[i]
		switch op.Type {
		case checkpoint.GitCommit:
			if op.PreviousCommit == "" {
				continue
			}
			if err := repo.HardReset(op.PreviousCommit); err != nil {
				return fmt.Errorf("git operation failed: %w", err)
			}
		case checkpoint.GitBranch:
			if op.BranchName == "" {
				continue
			}
			prev := op.PreviousBranch
			if prev == "" {
				prev = defaultPreviousBranch
			}
			if err := repo.Checkout(prev); err != nil {
				return fmt.Errorf("git operation failed: %w", err)
			}
			if err := repo.DeleteBranch(op.BranchName); err != nil {
				return fmt.Errorf("git operation failed: %w", err)
			}
		default:
			return fmt.Errorf("unknown git operation %q", op.Type)
		}
	}
	return nil
}
