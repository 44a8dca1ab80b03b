package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// checkIssues returns the field-level problems of a single checkpoint.
func checkIssues(cp *Checkpoint) []Issue {
	var issues []Issue
	if cp.StateSnapshot == nil {
		issues = append(issues, Issue{Field: "state_snapshot", Issue: "Missing or null state_snapshot"})
	}
	if cp.InputsHash == "" {
		issues = append(issues, Issue{Field: "inputs_hash", Issue: "Missing inputs_hash"})
	}
	if cp.Status == StatusComplete && cp.OutputsHash == "" {
		issues = append(issues, Issue{Field: "outputs_hash", Issue: "Completed checkpoint missing outputs_hash"})
	}
	if !cp.Phase.Valid() {
		issues = append(issues, Issue{Field: "phase", Issue: fmt.Sprintf("Invalid phase: %s", cp.Phase)})
	}
	return issues
}

// VerifyCheckpoint validates one checkpoint. A missing checkpoint is
// reported as invalid rather than returned as an error.
func (s *service) VerifyCheckpoint(ctx context.Context, id int64) (*CheckpointReport, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.verify")
	defer span.End()
	span.SetAttributes(attribute.Int64("checkpoint_id", id))

	cp, err := s.Get(ctx, id)
	if isNotFound(err) {
		return &CheckpointReport{
			CheckpointID: id,
			Issues:       []Issue{{Field: "id", Issue: "Checkpoint not found"}},
		}, nil
	}
	if err != nil {
		spanFail(span, err)
		return nil, err
	}

	issues := checkIssues(cp)
	return &CheckpointReport{
		CheckpointID: id,
		Valid:        len(issues) == 0,
		Issues:       nonNilIssues(issues),
		Status:       cp.Status,
		Phase:        cp.Phase,
	}, nil
}

// VerifyChain checks every checkpoint of a task and the phase transitions
// between them. Sequence gaps are expected, since the sequence is global.
func (s *service) VerifyChain(ctx context.Context, taskID string) (*ChainReport, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.verify_chain")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	chain, err := s.ListForTask(ctx, taskID)
	if err != nil {
		spanFail(span, err)
		return nil, err
	}
	report := &ChainReport{TaskID: taskID, TotalCheckpoints: len(chain), Issues: []Issue{}}
	if len(chain) == 0 {
		report.Issues = append(report.Issues, Issue{Issue: "No checkpoints found for task"})
		return report, nil
	}

	var prev Phase
	for _, cp := range chain {
		var msgs []string
		if prev != "" && cp.Phase != "" && !CanTransition(prev, cp.Phase) {
			msgs = append(msgs, fmt.Sprintf("Invalid phase transition: %s -> %s", prev, cp.Phase))
		}
		for _, is := range checkIssues(cp) {
			msgs = append(msgs, is.Issue)
		}
		if len(msgs) > 0 {
			id := cp.ID
			report.Issues = append(report.Issues, Issue{CheckpointID: &id, Issue: strings.Join(msgs, "; ")})
		} else {
			report.ValidCheckpoints++
		}
		if cp.Phase != "" {
			prev = cp.Phase
		}
	}
	report.Valid = len(report.Issues) == 0

	if !report.Valid {
		s.logger.Warn("checkpoint chain has issues",
			zap.String("task_id", taskID), zap.Int("issues", len(report.Issues)))
	}
	span.SetAttributes(attribute.Bool("valid", report.Valid))
	return report, nil
}

// VerifyAll runs VerifyChain for every task that has checkpoints.
func (s *service) VerifyAll(ctx context.Context) (*VerifyAllReport, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.verify_all")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.store.Query(ctx, `SELECT DISTINCT task_id FROM checkpoints WHERE task_id IS NOT NULL ORDER BY task_id`)
	if err != nil {
		spanFail(span, err)
		return nil, fmt.Errorf("failed to list checkpointed tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := &VerifyAllReport{TotalTasks: len(ids)}
	for _, id := range ids {
		r, err := s.VerifyChain(ctx, id)
		if err != nil {
			return nil, err
		}
		if r.Valid {
			out.ValidTasks++
			continue
		}
		out.InvalidTasks++
		out.Invalid = append(out.Invalid, r)
	}
	return out, nil
}

// Summary counts a task's checkpoints by status and phase.
func (s *service) Summary(ctx context.Context, taskID string) (*Summary, error) {
	chain, err := s.ListForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		TaskID:           taskID,
		TotalCheckpoints: len(chain),
		ByStatus:         map[Status]int{},
		ByPhase:          map[Phase]int{},
	}
	for _, cp := range chain {
		sum.ByStatus[cp.Status]++
		sum.ByPhase[cp.Phase]++
	}
	if len(chain) > 0 {
		sum.First = brief(chain[0])
		sum.Latest = brief(chain[len(chain)-1])
	}
	return sum, nil
}

func brief(cp *Checkpoint) *Brief {
	return &Brief{ID: cp.ID, Phase: cp.Phase, StepName: cp.StepName, Status: cp.Status, CreatedAt: cp.CreatedAt}
}

func nonNilIssues(is []Issue) []Issue {
	if is == nil {
		return []Issue{}
	}
	return is
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
