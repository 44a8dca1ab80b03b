package checkpoint

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a checkpoint does not exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the checkpoint's current status.
	ErrInvalidTransition = errors.New("invalid checkpoint status transition")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("checkpoint service is closed")
)

// Status is the lifecycle status of a checkpoint.
type Status string

const (
	StatusCreated        Status = "created"
	StatusComplete       Status = "complete"
	StatusFailed         Status = "failed"
	StatusRollingBack    Status = "rolling_back"
	StatusRolledBack     Status = "rolled_back"
	StatusRollbackFailed Status = "rollback_failed"
)

// Checkpoint is one durable record in the ledger.
type Checkpoint struct {
	ID                   int64          `json:"id"`
	UUID                 string         `json:"checkpoint_uuid"`
	GlobalSequence       int64          `json:"global_sequence"`
	ProjectID            string         `json:"project_id"`
	TaskID               *string        `json:"task_id,omitempty"`
	Phase                Phase          `json:"phase"`
	StepName             string         `json:"step_name,omitempty"`
	StateSnapshot        map[string]any `json:"state_snapshot,omitempty"`
	InputsHash           string         `json:"inputs_hash,omitempty"`
	OutputsHash          string         `json:"outputs_hash,omitempty"`
	Status               Status         `json:"status"`
	ErrorDetails         map[string]any `json:"error_details,omitempty"`
	PreviousCheckpointID *int64         `json:"previous_checkpoint_id,omitempty"`
	RollbackData         *RollbackData  `json:"rollback_data,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
}

// Task returns the task id or "" for project-level checkpoints.
func (c *Checkpoint) Task() string {
	if c.TaskID == nil {
		return ""
	}
	return *c.TaskID
}

// Reversible reports whether the checkpoint carries an undo payload.
func (c *Checkpoint) Reversible() bool {
	return c.RollbackData != nil
}

// RollbackKind discriminates RollbackData payloads.
type RollbackKind string

const (
	KindFileOperations     RollbackKind = "file_operations"
	KindDatabaseOperations RollbackKind = "database_operations"
	KindGitOperations      RollbackKind = "git_operations"
)

// RollbackData describes how to undo a checkpoint's side effects. Exactly one
// of FileOps, DBOps or GitOps is meaningful, selected by Kind.
type RollbackData struct {
	Kind    RollbackKind `json:"type"`
	WorkDir string       `json:"work_dir,omitempty"`
	FileOps []FileOp     `json:"file_operations,omitempty"`
	DBOps   []DBOp       `json:"database_operations,omitempty"`
	GitOps  []GitOp      `json:"git_operations,omitempty"`
}

// FileOpType names a reversible file operation.
type FileOpType string

const (
	FileCreate FileOpType = "create_file"
	FileModify FileOpType = "modify_file"
	FileDelete FileOpType = "delete_file"
)

// FileOp is one forward file operation. OriginalContent holds the content
// before a modify or delete.
type FileOp struct {
	Type            FileOpType `json:"type"`
	Path            string     `json:"path"`
	OriginalContent string     `json:"original_content,omitempty"`
}

// DBOp is one compensating statement.
type DBOp struct {
	RollbackSQL    string `json:"rollback_sql"`
	RollbackParams []any  `json:"rollback_params,omitempty"`
}

// GitOpType names a reversible VCS operation.
type GitOpType string

const (
	GitCommit GitOpType = "git_commit"
	GitBranch GitOpType = "git_branch"
)

// GitOp is one forward VCS operation.
type GitOp struct {
	Type           GitOpType `json:"type"`
	PreviousCommit string    `json:"previous_commit,omitempty"`
	BranchName     string    `json:"branch_name,omitempty"`
	PreviousBranch string    `json:"previous_branch,omitempty"`
}

// CreateRequest opens a checkpoint. InputsHash is derived from
// StateSnapshot when empty. PreviousCheckpointID defaults to the task's
// latest checkpoint.
type CreateRequest struct {
	ProjectID            string
	TaskID               string
	Phase                Phase
	StepName             string
	StateSnapshot        map[string]any
	InputsHash           string
	PreviousCheckpointID *int64
}

// CompleteRequest closes a checkpoint successfully. OutputsHash wins over
// Outputs; with neither, the hash of an empty object is stored.
type CompleteRequest struct {
	OutputsHash  string
	Outputs      any
	RollbackData *RollbackData
}

// Issue is one problem found by the verifier.
type Issue struct {
	CheckpointID *int64 `json:"checkpoint_id,omitempty"`
	Field        string `json:"field,omitempty"`
	Issue        string `json:"issue"`
}

// CheckpointReport is the result of VerifyCheckpoint.
type CheckpointReport struct {
	CheckpointID int64   `json:"checkpoint_id"`
	Valid        bool    `json:"is_valid"`
	Issues       []Issue `json:"issues"`
	Status       Status  `json:"checkpoint_status,omitempty"`
	Phase        Phase   `json:"phase,omitempty"`
}

// ChainReport is the result of VerifyChain.
type ChainReport struct {
	TaskID           string  `json:"task_id"`
	TotalCheckpoints int     `json:"total_checkpoints"`
	ValidCheckpoints int     `json:"valid_checkpoints"`
	Issues           []Issue `json:"issues"`
	Valid            bool    `json:"is_valid"`
}

// VerifyAllReport aggregates VerifyChain over every task.
type VerifyAllReport struct {
	TotalTasks   int            `json:"total_tasks"`
	ValidTasks   int            `json:"valid_tasks"`
	InvalidTasks int            `json:"invalid_tasks"`
	Invalid      []*ChainReport `json:"invalid,omitempty"`
}

// Brief is the short form of a checkpoint used in summaries.
type Brief struct {
	ID        int64     `json:"id"`
	Phase     Phase     `json:"phase"`
	StepName  string    `json:"step_name,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary aggregates a task's checkpoints.
type Summary struct {
	TaskID           string         `json:"task_id"`
	TotalCheckpoints int            `json:"total_checkpoints"`
	ByStatus         map[Status]int `json:"by_status"`
	ByPhase          map[Phase]int  `json:"by_phase"`
	Latest           *Brief         `json:"latest_checkpoint,omitempty"`
	First            *Brief         `json:"first_checkpoint,omitempty"`
}
