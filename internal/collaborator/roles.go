package collaborator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/fyrsmithlabs/ledgerd/internal/orchestrator"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

// Drafter is a subprocess orchestrator.Drafter.
type Drafter struct{ p *Process }

// Verifier is a subprocess orchestrator.Verifier.
type Verifier struct{ p *Process }

// Executor is a subprocess orchestrator.Executor.
type Executor struct{ p *Process }

// errNoResponse is returned when a response lacks its required fields.
var errNoResponse = errors.New("empty response")

var (
	_ orchestrator.Drafter  = (*Drafter)(nil)
	_ orchestrator.Verifier = (*Verifier)(nil)
	_ orchestrator.Executor = (*Executor)(nil)
)

// NewDrafter returns a drafter running argv.
func NewDrafter(argv []string, logger *zap.Logger) (*Drafter, error) {
	p, err := NewProcess(RoleDrafter, argv, logger)
	if err != nil {
		return nil, err
	}
	return &Drafter{p: p}, nil
}

// NewVerifier returns a verifier running argv.
func NewVerifier(argv []string, logger *zap.Logger) (*Verifier, error) {
	p, err := NewProcess(RoleVerifier, argv, logger)
	if err != nil {
		return nil, err
	}
	return &Verifier{p: p}, nil
}

// NewExecutor returns an executor running argv.
func NewExecutor(argv []string, logger *zap.Logger) (*Executor, error) {
	p, err := NewProcess(RoleExecutor, argv, logger)
	if err != nil {
		return nil, err
	}
	return &Executor{p: p}, nil
}

// Set is the three roles built from configuration.
type Set struct {
	Drafter  *Drafter
	Verifier *Verifier
	Executor *Executor
}

// FromConfig builds every role. All three commands must be configured.
func FromConfig(cfg config.CollaboratorsConfig, logger *zap.Logger) (*Set, error) {
	d, derr := NewDrafter(cfg.Drafter, logger)
	v, verr := NewVerifier(cfg.Verifier, logger)
	e, eerr := NewExecutor(cfg.Executor, logger)
	if err := errors.Join(derr, verr, eerr); err != nil {
		return nil, fmt.Errorf("collaborators: %w", err)
	}
	return &Set{Drafter: d, Verifier: v, Executor: e}, nil
}

type draftRequest struct {
	Task           *store.Task                 `json:"task"`
	ProjectContext orchestrator.ProjectContext `json:"project_context"`
}

// GenerateDraft implements orchestrator.Drafter.
func (d *Drafter) GenerateDraft(ctx context.Context, task *store.Task, pc orchestrator.ProjectContext) (*orchestrator.DraftResult, error) {
	var res orchestrator.DraftResult
	if err := d.p.call(ctx, pc.WorkDir, task.ID, draftRequest{Task: task, ProjectContext: pc}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type verifyRequest struct {
	Draft          *orchestrator.Draft         `json:"draft"`
	Task           *store.Task                 `json:"task"`
	ProjectContext orchestrator.ProjectContext `json:"project_context"`
}

// VerifyDraft implements orchestrator.Verifier.
func (v *Verifier) VerifyDraft(ctx context.Context, draft *orchestrator.Draft, task *store.Task, pc orchestrator.ProjectContext) (*orchestrator.VerificationResult, error) {
	var res orchestrator.VerificationResult
	if err := v.p.call(ctx, pc.WorkDir, task.ID, verifyRequest{Draft: draft, Task: task, ProjectContext: pc}, &res); err != nil {
		return nil, err
	}
	if res.Decision == "" {
		return nil, fmt.Errorf("verifier: %w: missing decision", errNoResponse)
	}
	return &res, nil
}

type executeRequest struct {
	Approval       *store.Approval             `json:"approval"`
	Draft          *orchestrator.Draft         `json:"draft"`
	Task           *store.Task                 `json:"task"`
	ProjectContext orchestrator.ProjectContext `json:"project_context"`
}

// Execute implements orchestrator.Executor.
func (e *Executor) Execute(ctx context.Context, approval *store.Approval, draft *orchestrator.Draft, task *store.Task, pc orchestrator.ProjectContext) (*orchestrator.ExecutionResult, error) {
	var res orchestrator.ExecutionResult
	req := executeRequest{Approval: approval, Draft: draft, Task: task, ProjectContext: pc}
	if err := e.p.call(ctx, pc.WorkDir, task.ID, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
