package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

// run is the in-memory state of one pipeline pass over a task.
type run struct {
	task *store.Task
	pc   ProjectContext

	// prev is the phase of the last live checkpoint, next the phase to run.
	prev checkpoint.Phase
	next checkpoint.Phase

	draft        *Draft
	verification *VerificationResult
	revision     int
	feedback     string

	// checkpointID is the last checkpoint this run wrote.
	checkpointID *int64
	artifacts    map[string]any
}

// taskRef is the slice of a task recorded in snapshots.
type taskRef struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	TaskType     string `json:"task_type,omitempty"`
	Status       string `json:"status"`
	CurrentPhase string `json:"current_phase,omitempty"`
	RetryCount   int    `json:"retry_count"`
}

// phaseState is the checkpoint snapshot: everything a phase needs to be
// re-run after a crash or halt.
type phaseState struct {
	Task           taskRef             `json:"task"`
	ProjectContext ProjectContext      `json:"project_context"`
	Draft          *Draft              `json:"draft,omitempty"`
	Verification   *VerificationResult `json:"verification,omitempty"`
	FileStates     map[string]string   `json:"file_states,omitempty"`
	Revision       int                 `json:"revision,omitempty"`
	Feedback       string              `json:"feedback,omitempty"`
}

func (r *run) state() phaseState {
	s := phaseState{
		Task: taskRef{
			ID:           r.task.ID,
			Title:        r.task.Title,
			Description:  r.task.Description,
			TaskType:     r.task.TaskType,
			Status:       string(r.task.Status),
			CurrentPhase: r.task.CurrentPhase,
			RetryCount:   r.task.RetryCount,
		},
		ProjectContext: r.pc,
		Draft:          r.draft,
		Verification:   r.verification,
		Revision:       r.revision,
		Feedback:       r.feedback,
	}
	if r.draft != nil {
		s.FileStates = r.draft.FileStates
	}
	return s
}

// snapshot renders the state as the generic map stored on checkpoints.
func (r *run) snapshot() (map[string]any, error) {
	b, err := json.Marshal(r.state())
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return m, nil
}

// restore loads the phase inputs recorded on cp.
func (r *run) restore(cp *checkpoint.Checkpoint) error {
	if cp.StateSnapshot == nil {
		return nil
	}
	b, err := json.Marshal(cp.StateSnapshot)
	if err != nil {
		return fmt.Errorf("failed to decode snapshot of checkpoint %d: %w", cp.ID, err)
	}
	var s phaseState
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("failed to decode snapshot of checkpoint %d: %w", cp.ID, err)
	}
	r.draft = s.Draft
	r.verification = s.Verification
	r.revision = s.Revision
	r.feedback = s.Feedback
	return nil
}
