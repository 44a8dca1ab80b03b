package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
	"github.com/fyrsmithlabs/ledgerd/internal/compliance"
	"github.com/fyrsmithlabs/ledgerd/internal/pentagon"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
	"github.com/fyrsmithlabs/ledgerd/internal/uncertainty"
)

var (
	// ErrTaskHeld is returned by Resume for a task under a compliance hold.
	// The hold must be released first.
	ErrTaskHeld = errors.New("task is held pending compliance release")

	// ErrNotResumable is returned by Resume for running or terminal tasks.
	ErrNotResumable = errors.New("task cannot be resumed")
)

// Verifier decisions.
const (
	DecisionApproved             = "approved"
	DecisionRejected             = "rejected"
	DecisionRevisionRequired     = "revision_required"
	DecisionEscalateToCompliance = "escalate_to_compliance"
)

// ProjectContext is the project state handed to every collaborator.
type ProjectContext struct {
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	RepoURL     string  `json:"repo_url,omitempty"`
	WorkDir     string  `json:"work_dir,omitempty"`
	Branch      string  `json:"branch,omitempty"`
	BudgetLimit float64 `json:"budget_limit"`
	BudgetUsed  float64 `json:"budget_used"`
}

// PlannedAction is an action the draft intends the executor to perform.
// Irreversible action types pass the IMR Pentagon before execution.
type PlannedAction struct {
	ActionType string         `json:"action_type"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// Draft is the drafter's proposal.
type Draft struct {
	Content    string          `json:"content"`
	Confidence float64         `json:"confidence"`
	Actions    []PlannedAction `json:"actions,omitempty"`
	// FileStates maps workspace paths to the SHA-256 the drafter saw.
	FileStates map[string]string `json:"file_states,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// DraftResult is returned by Drafter.GenerateDraft. A non-empty HaltReason
// halts the task instead of failing it.
type DraftResult struct {
	Success    bool    `json:"success"`
	Draft      *Draft  `json:"draft,omitempty"`
	Error      string  `json:"error,omitempty"`
	HaltReason string  `json:"halt_reason,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
}

// VerificationResult is returned by Verifier.VerifyDraft.
type VerificationResult struct {
	ID         string                `json:"verification_id,omitempty"`
	Decision   string                `json:"decision"`
	Issues     []compliance.Issue    `json:"issues_found,omitempty"`
	RiskFlags  []compliance.RiskFlag `json:"risk_flags,omitempty"`
	Confidence float64               `json:"confidence"`
}

// ExecutionResult is returned by Executor.Execute.
type ExecutionResult struct {
	Success      bool                     `json:"success"`
	Artifacts    map[string]any           `json:"artifacts,omitempty"`
	Error        string                   `json:"error,omitempty"`
	Committed    bool                     `json:"committed,omitempty"`
	Pushed       bool                     `json:"pushed,omitempty"`
	PRCreated    bool                     `json:"pr_created,omitempty"`
	PRNumber     int                      `json:"pr_number,omitempty"`
	RollbackData *checkpoint.RollbackData `json:"rollback_data,omitempty"`
	Cost         float64                  `json:"cost,omitempty"`
}

// Drafter generates a proposal for a task.
type Drafter interface {
	GenerateDraft(ctx context.Context, task *store.Task, pc ProjectContext) (*DraftResult, error)
}

// Verifier reviews a draft.
type Verifier interface {
	VerifyDraft(ctx context.Context, draft *Draft, task *store.Task, pc ProjectContext) (*VerificationResult, error)
}

// Executor applies an approved draft.
type Executor interface {
	Execute(ctx context.Context, approval *store.Approval, draft *Draft, task *store.Task, pc ProjectContext) (*ExecutionResult, error)
}

// Status is the outcome of one pipeline run.
type Status string

const (
	StatusNoTasks           Status = "no_tasks"
	StatusComplete          Status = "complete"
	StatusHalted            Status = "halted"
	StatusHeld              Status = "held"
	StatusFailed            Status = "failed"
	StatusRetryScheduled    Status = "retry_scheduled"
	StatusPermanentlyFailed Status = "permanently_failed"
	StatusNeedsRevision     Status = "needs_revision"
)

// Code classifies non-complete outcomes.
type Code string

const (
	CodeCollaborator Code = "E_COLLABORATOR"
	CodeUncertainty  Code = "E_UNCERTAINTY"
	CodeVerification Code = "E_VERIFICATION"
	CodeCompliance   Code = "E_COMPLIANCE"
	CodePentagon     Code = "E_PENTAGON"
	CodeRollback     Code = "E_ROLLBACK"
	CodeTimeout      Code = "E_TIMEOUT"
	CodeInternal     Code = "E_INTERNAL"
)

// Outcome reports what a run did to its task.
type Outcome struct {
	Status       Status               `json:"status"`
	TaskID       string               `json:"task_id,omitempty"`
	Phase        checkpoint.Phase     `json:"phase,omitempty"`
	Code         Code                 `json:"code,omitempty"`
	Message      string               `json:"message,omitempty"`
	CheckpointID *int64               `json:"checkpoint_id,omitempty"`
	Decision     string               `json:"decision,omitempty"`
	Artifacts    map[string]any       `json:"artifacts,omitempty"`
	Holds        []compliance.Hold    `json:"holds,omitempty"`
	Signals      []uncertainty.Signal `json:"signals,omitempty"`
	Pentagon     *pentagon.Result     `json:"pentagon,omitempty"`
	NextRetryAt  *time.Time           `json:"next_retry_at,omitempty"`
}

// Stage is a progress label. Stages are finer than checkpoint phases:
// committing, pushing and creating_pr happen inside execution.
type Stage string

const (
	StageDrafting             Stage = "drafting"
	StageDraftingComplete     Stage = "drafting_complete"
	StageVerification         Stage = "verification"
	StageVerificationComplete Stage = "verification_complete"
	StageCompliance           Stage = "compliance"
	StageComplianceComplete   Stage = "compliance_complete"
	StageExecution            Stage = "execution"
	StageCommitting           Stage = "committing"
	StagePushing              Stage = "pushing"
	StageCreatingPR           Stage = "creating_pr"
	StageComplete             Stage = "complete"
)

var stagePercent = map[Stage]int{
	StageDrafting:             10,
	StageDraftingComplete:     30,
	StageVerification:         35,
	StageVerificationComplete: 55,
	StageCompliance:           60,
	StageComplianceComplete:   70,
	StageExecution:            75,
	StageCommitting:           85,
	StagePushing:              90,
	StageCreatingPR:           95,
	StageComplete:             100,
}

// Percent returns the stage's progress percentage.
func (s Stage) Percent() int {
	return stagePercent[s]
}

// Progress reports progress during a run.
type Progress struct {
	TaskID     string `json:"task_id"`
	Stage      Stage  `json:"stage"`
	Message    string `json:"message"`
	Percentage int    `json:"percentage"`
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(progress Progress)
