package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Approval records a verifier decision that irreversible actions may rely on.
type Approval struct {
	ID                 int64      `json:"id"`
	TaskID             string     `json:"task_id"`
	CheckpointID       *int64     `json:"checkpoint_id,omitempty"`
	Decision           string     `json:"decision"`
	VerifierConfidence float64    `json:"verifier_confidence"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// CreateApproval inserts an approval and sets its ID.
func (s *Store) CreateApproval(ctx context.Context, a *Approval) error {
	res, err := s.Exec(ctx, `INSERT INTO approvals (task_id, checkpoint_id, decision, verifier_confidence, completed_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.TaskID, NullInt64(a.CheckpointID), a.Decision, a.VerifierConfidence, NullTime(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read approval id: %w", err)
	}
	return nil
}

// LatestApproval returns the most recent approval for a task.
func (s *Store) LatestApproval(ctx context.Context, taskID string) (*Approval, error) {
	var (
		a         Approval
		cp        sql.NullInt64
		completed sql.NullString
	)
	err := s.QueryRow(ctx, `SELECT id, task_id, checkpoint_id, decision, verifier_confidence, completed_at
		FROM approvals WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID).
		Scan(&a.ID, &a.TaskID, &cp, &a.Decision, &a.VerifierConfidence, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval for task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval for task %s: %w", taskID, err)
	}
	a.CheckpointID = Int64Ptr(cp)
	if a.CompletedAt, err = ScanTime(completed); err != nil {
		return nil, err
	}
	return &a, nil
}
