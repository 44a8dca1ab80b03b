package orchestrator

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/ledgerd/internal/audit"
	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

// live reports whether a checkpoint still counts toward the task's
// position. Rolled-back steps do not.
func live(s checkpoint.Status) bool {
	switch s {
	case checkpoint.StatusRollingBack, checkpoint.StatusRolledBack, checkpoint.StatusRollbackFailed:
		return false
	}
	return true
}

// startPoint decides where a claimed task picks up, from its latest live
// checkpoint:
//
//   - none, or a complete drafting step: draft
//   - failed or abandoned step: re-run that phase from its snapshot
//   - complete verification: verify again, or draft when the task was sent
//     back for revision
//   - complete compliance: execute once every hold on the task has been
//     released, otherwise review again
//   - complete execution: confirm
func (o *Orchestrator) startPoint(ctx context.Context, task *store.Task, pc ProjectContext) (*run, error) {
	r := &run{task: task, pc: pc, next: checkpoint.PhaseDrafting}

	cps, err := o.deps.Ledger.ListForTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	var latest *checkpoint.Checkpoint
	for i := len(cps) - 1; i >= 0; i-- {
		if live(cps[i].Status) {
			latest = cps[i]
			break
		}
	}
	if latest == nil {
		return r, nil
	}
	r.prev = latest.Phase

	switch latest.Status {
	case checkpoint.StatusCreated:
		if _, err := o.deps.Ledger.Fail(ctx, latest.ID, map[string]any{
			"error":   "abandoned",
			"message": "phase did not finish; superseded on resume",
		}); err != nil {
			return nil, err
		}
		fallthrough
	case checkpoint.StatusFailed:
		r.next = latest.Phase
		return r, r.restore(latest)
	}

	switch latest.Phase {
	case checkpoint.PhaseVerification:
		if err := r.restore(latest); err != nil {
			return nil, err
		}
		r.next = checkpoint.PhaseVerification
		if task.CurrentPhase == string(checkpoint.PhaseDrafting) {
			r.next = checkpoint.PhaseDrafting
			r.feedback = task.LastError
			if r.revision, err = o.revisions(ctx, task.ID); err != nil {
				return nil, err
			}
		}
	case checkpoint.PhaseCompliance:
		if err := r.restore(latest); err != nil {
			return nil, err
		}
		released, err := o.deps.Gate.HoldsCleared(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		r.next = checkpoint.PhaseCompliance
		if released {
			r.next = checkpoint.PhaseExecution
		}
	case checkpoint.PhaseExecution, checkpoint.PhaseConfirmation:
		r.next = checkpoint.PhaseConfirmation
	default:
		r.next = checkpoint.PhaseDrafting
	}
	return r, nil
}

// revisions counts the revision_required verdicts the task has received.
func (o *Orchestrator) revisions(ctx context.Context, taskID string) (int, error) {
	entries, err := o.deps.Audit.ForTask(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.Action != audit.PhaseCompleted {
			continue
		}
		if d, _ := e.Details["decision"].(string); d == DecisionRevisionRequired {
			n++
		}
	}
	return n, nil
}
