package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ledgerd/internal/audit"
	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
	"github.com/fyrsmithlabs/ledgerd/internal/compliance"
	"github.com/fyrsmithlabs/ledgerd/internal/events"
	"github.com/fyrsmithlabs/ledgerd/internal/pentagon"
	"github.com/fyrsmithlabs/ledgerd/internal/retry"
	"github.com/fyrsmithlabs/ledgerd/internal/rollback"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
	"github.com/fyrsmithlabs/ledgerd/internal/telemetry"
	"github.com/fyrsmithlabs/ledgerd/internal/uncertainty"
)

// MockDrafter is a mock implementation of Drafter
type MockDrafter struct {
	mock.Mock
}

func (m *MockDrafter) GenerateDraft(ctx context.Context, task *store.Task, pc ProjectContext) (*DraftResult, error) {
	args := m.Called(ctx, task, pc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DraftResult), args.Error(1)
}

// MockVerifier is a mock implementation of Verifier
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) VerifyDraft(ctx context.Context, draft *Draft, task *store.Task, pc ProjectContext) (*VerificationResult, error) {
	args := m.Called(ctx, draft, task, pc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*VerificationResult), args.Error(1)
}

// MockExecutor is a mock implementation of Executor
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, approval *store.Approval, draft *Draft, task *store.Task, pc ProjectContext) (*ExecutionResult, error) {
	args := m.Called(ctx, approval, draft, task, pc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ExecutionResult), args.Error(1)
}

type fixture struct {
	store    *store.Store
	ledger   checkpoint.Service
	audit    *audit.Log
	detector *uncertainty.Detector
	gate     *compliance.Gate
	notifier *events.Recorder

	drafter  *MockDrafter
	verifier *MockVerifier
	executor *MockExecutor

	orch *Orchestrator
	task *store.Task
	dir  string
}

func testConfig() Config {
	return Config{
		PhaseTimeout:           5 * time.Second,
		MaxRevisions:           2,
		RetryExecutionFailures: true,
		PollInterval:           10 * time.Millisecond,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewTestStore(t)
	dir := t.TempDir()
	require.NoError(t, st.CreateProject(ctx, &store.Project{ID: "proj", Name: "Project", WorkDir: dir, BudgetLimit: 100}))

	ledger, err := checkpoint.NewService(st, nil)
	require.NoError(t, err)
	log, err := audit.NewLog(st, nil)
	require.NoError(t, err)
	detector := uncertainty.NewDetector(uncertainty.Config{
		ConfidenceThreshold: 0.70,
		RoleThresholds:      map[string]float64{"drafter": 0.85},
	}, st, nil, nil)
	gate, err := compliance.NewGate(compliance.Config{}, st, log, nil, nil)
	require.NoError(t, err)
	validator, err := pentagon.NewValidator(pentagon.Config{}, st, log, nil)
	require.NoError(t, err)
	retries, err := retry.NewManager(retry.DefaultConfig(), st, log, nil)
	require.NoError(t, err)
	rec := &events.Recorder{}
	engine, err := rollback.NewEngine(ledger, st, log, rec, nil)
	require.NoError(t, err)

	f := &fixture{
		store:    st,
		ledger:   ledger,
		audit:    log,
		detector: detector,
		gate:     gate,
		notifier: rec,
		drafter:  &MockDrafter{},
		verifier: &MockVerifier{},
		executor: &MockExecutor{},
		task:     store.SeedTask(t, st, "proj", "Add health endpoint"),
		dir:      dir,
	}
	f.orch, err = New(cfg, Deps{
		Store:     st,
		Ledger:    ledger,
		Audit:     log,
		Detector:  detector,
		Gate:      gate,
		Validator: validator,
		Retry:     retries,
		Rollback:  engine,
		Notifier:  rec,
		Drafter:   f.drafter,
		Verifier:  f.verifier,
		Executor:  f.executor,
	})
	require.NoError(t, err)
	return f
}

func goodDraft() *DraftResult {
	return &DraftResult{
		Success: true,
		Draft: &Draft{
			Content:    "Add a /health handler that returns 200 with the build version.",
			Confidence: 0.95,
		},
		Cost: 1.5,
	}
}

func approved() *VerificationResult {
	return &VerificationResult{ID: "v-1", Decision: DecisionApproved, Confidence: 0.95}
}

func executed() *ExecutionResult {
	return &ExecutionResult{
		Success:   true,
		Committed: true,
		Artifacts: map[string]any{"commit": "abc123"},
		Cost:      2,
	}
}

func (f *fixture) happyPath() {
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(goodDraft(), nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(approved(), nil)
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(executed(), nil)
}

// checkpoints renders the task's checkpoints as phase:status.
func (f *fixture) checkpoints(t *testing.T) []string {
	t.Helper()
	cps, err := f.ledger.ListForTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	out := make([]string, 0, len(cps))
	for _, cp := range cps {
		out = append(out, string(cp.Phase)+":"+string(cp.Status))
	}
	return out
}

func (f *fixture) reload(t *testing.T) *store.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	return task
}

func (f *fixture) actions(t *testing.T) []audit.Action {
	t.Helper()
	entries, err := f.audit.ForTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	out := make([]audit.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
	assert.Contains(t, err.Error(), "executor is required")
}

func TestStage_Percent(t *testing.T) {
	tests := []struct {
		stage Stage
		want  int
	}{
		{StageDrafting, 10},
		{StageDraftingComplete, 30},
		{StageVerification, 35},
		{StageVerificationComplete, 55},
		{StageCompliance, 60},
		{StageComplianceComplete, 70},
		{StageExecution, 75},
		{StageCommitting, 85},
		{StagePushing, 90},
		{StageCreatingPR, 95},
		{StageComplete, 100},
		{Stage("unknown"), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.stage.Percent())
		})
	}
}

func TestOrchestrator_RunOnce_NoTasks(t *testing.T) {
	f := newFixture(t, testConfig())
	out, err := f.orch.RunOnce(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, StatusNoTasks, out.Status)
}

func TestOrchestrator_RunOnce_Success(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	tt.Install(t)
	f := newFixture(t, testConfig())
	f.happyPath()

	var progress []int
	f.orch.OnProgress(func(p Progress) {
		progress = append(progress, p.Percentage)
	})

	out, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, f.task.ID, out.TaskID)
	assert.Equal(t, "abc123", out.Artifacts["commit"])
	require.NotNil(t, out.CheckpointID)

	assert.Equal(t, []string{
		"drafting:complete",
		"verification:complete",
		"compliance:complete",
		"execution:complete",
	}, f.checkpoints(t))
	assert.Equal(t, []int{10, 30, 35, 55, 60, 70, 75, 85, 100}, progress)

	task := f.reload(t)
	assert.Equal(t, store.TaskComplete, task.Status)
	assert.Equal(t, "confirmation", task.CurrentPhase)
	assert.NotNil(t, task.CompletedAt)

	approval, err := f.store.LatestApproval(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, approval.Decision)
	assert.InDelta(t, 0.95, approval.VerifierConfidence, 1e-9)

	f.executor.AssertCalled(t, "Execute", mock.Anything,
		mock.MatchedBy(func(a *store.Approval) bool { return a.Decision == DecisionApproved }),
		mock.Anything, mock.Anything, mock.Anything)

	report, err := f.orch.VerifyChain(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid, "issues: %v", report.Issues)

	summary, err := f.orch.CheckpointSummary(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalCheckpoints)

	project, err := f.store.GetProject(context.Background(), "proj")
	require.NoError(t, err)
	assert.InDelta(t, 3.5, project.BudgetUsed, 1e-9)

	actions := f.actions(t)
	require.NotEmpty(t, actions)
	assert.Equal(t, audit.TaskClaimed, actions[0])
	assert.Contains(t, actions, audit.ComplianceCleared)

	tt.AssertSpanExists(t, "orchestrator.run_once")
	tt.AssertSpanExists(t, "orchestrator.phase")
}

func TestOrchestrator_RunOnce_UncertaintyHalt(t *testing.T) {
	f := newFixture(t, testConfig())
	low := goodDraft()
	low.Draft.Confidence = 0.60
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(low, nil)

	out, err := f.orch.RunOnce(context.Background(), "proj")
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, out.Status)
	assert.Equal(t, CodeUncertainty, out.Code)
	require.Len(t, out.Signals, 1)
	assert.Equal(t, "low_confidence", out.Signals[0].SignalType)

	assert.Equal(t, []string{"drafting:complete"}, f.checkpoints(t))
	assert.Equal(t, store.TaskHalted, f.reload(t).Status)

	signals, err := f.detector.Unresolved(context.Background(), f.task.ID)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, uncertainty.SeverityHalt, signals[0].Severity)
	require.NotNil(t, signals[0].CheckpointID)
	assert.Equal(t, *out.CheckpointID, *signals[0].CheckpointID)

	assert.Equal(t, []events.Kind{events.KindHalt}, f.notifier.Kinds())
	assert.Contains(t, f.actions(t), audit.TaskHalted)
	f.verifier.AssertNotCalled(t, "VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOrchestrator_RunOnce_DrafterOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		result     *DraftResult
		err        error
		wantStatus Status
		wantCode   Code
	}{
		{
			name:       "halt reason halts",
			result:     &DraftResult{Success: false, HaltReason: "requirements are missing"},
			wantStatus: StatusHalted,
			wantCode:   CodeCollaborator,
		},
		{
			name:       "unsuccessful fails",
			result:     &DraftResult{Success: false, Error: "model refused"},
			wantStatus: StatusFailed,
			wantCode:   CodeCollaborator,
		},
		{
			name:       "error fails",
			err:        errors.New("drafter crashed"),
			wantStatus: StatusFailed,
			wantCode:   CodeCollaborator,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(tt.result, tt.err)

			out, err := f.orch.RunOnce(context.Background(), "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantCode, out.Code)
			assert.Equal(t, []string{"drafting:failed"}, f.checkpoints(t))
			assert.Equal(t, store.TaskStatus(tt.wantStatus), f.reload(t).Status)
		})
	}
}

func TestOrchestrator_RunOnce_PhaseTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PhaseTimeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	out, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, CodeTimeout, out.Code)

	cps, err := f.ledger.ListForTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, string(CodeTimeout), cps[0].ErrorDetails["code"])
}

func TestOrchestrator_RunOnce_RevisionThenApprove(t *testing.T) {
	f := newFixture(t, testConfig())
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(goodDraft(), nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&VerificationResult{
			Decision: DecisionRevisionRequired,
			Issues:   []compliance.Issue{{Category: "tests", Description: "no test for the handler"}},
		}, nil).Once()
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(approved(), nil)
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(executed(), nil)

	out, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsRevision, out.Status)
	assert.Equal(t, DecisionRevisionRequired, out.Decision)

	task := f.reload(t)
	assert.Equal(t, store.TaskQueued, task.Status)
	assert.Equal(t, "drafting", task.CurrentPhase)
	assert.Contains(t, task.LastError, "no test for the handler")

	out, err = f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)

	f.drafter.AssertNumberOfCalls(t, "GenerateDraft", 2)
	f.drafter.AssertCalled(t, "GenerateDraft", mock.Anything,
		mock.MatchedBy(func(task *store.Task) bool { return task.LastError != "" }), mock.Anything)
	assert.Equal(t, []string{
		"drafting:complete",
		"verification:complete",
		"drafting:complete",
		"verification:complete",
		"compliance:complete",
		"execution:complete",
	}, f.checkpoints(t))

	report, err := f.ledger.VerifyChain(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid, "issues: %v", report.Issues)
}

func TestOrchestrator_RunOnce_RevisionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRevisions = 1
	f := newFixture(t, cfg)
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(goodDraft(), nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&VerificationResult{Decision: DecisionRevisionRequired}, nil)

	out, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsRevision, out.Status)

	out, err = f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, out.Status)
	assert.Equal(t, CodeVerification, out.Code)
	assert.Contains(t, out.Message, "Revision limit")
	assert.Equal(t, store.TaskHalted, f.reload(t).Status)
}

func TestOrchestrator_RunOnce_VerifierRouting(t *testing.T) {
	tests := []struct {
		decision   string
		wantStatus Status
		wantKinds  []events.Kind
	}{
		{DecisionRejected, StatusFailed, []events.Kind{events.KindError}},
		{DecisionEscalateToCompliance, StatusHalted, []events.Kind{events.KindEscalation, events.KindHalt}},
	}
	for _, tt := range tests {
		t.Run(tt.decision, func(t *testing.T) {
			f := newFixture(t, testConfig())
			f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(goodDraft(), nil)
			f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
				Return(&VerificationResult{Decision: tt.decision, Confidence: 0.9}, nil)

			out, err := f.orch.RunOnce(context.Background(), "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, CodeVerification, out.Code)
			assert.Equal(t, tt.decision, out.Decision)
			assert.Equal(t, tt.wantKinds, f.notifier.Kinds())
			assert.Equal(t, []string{"drafting:complete", "verification:complete"}, f.checkpoints(t))
			f.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestOrchestrator_RunOnce_ComplianceHoldThenRelease(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	risky := approved()
	risky.RiskFlags = []compliance.RiskFlag{{RiskType: "security", Description: "touches auth middleware"}}
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(goodDraft(), nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(risky, nil)
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(executed(), nil)

	out, err := f.orch.RunOnce(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, out.Status)
	assert.Equal(t, CodeCompliance, out.Code)
	assert.Equal(t, string(compliance.HumanReviewRequired), out.Decision)
	require.Len(t, out.Holds, 1)
	assert.Equal(t, compliance.HoldSecurity, out.Holds[0].HoldType)
	assert.Equal(t, store.TaskHeld, f.reload(t).Status)
	assert.Equal(t, []events.Kind{events.KindEscalation}, f.notifier.Kinds())
	f.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	_, err = f.orch.Resume(ctx, f.task.ID)
	assert.ErrorIs(t, err, ErrTaskHeld)

	require.NoError(t, f.gate.ReleaseHold(ctx, f.task.ID, "", "security-lead"))

	out, err = f.orch.RunOnce(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	f.drafter.AssertNumberOfCalls(t, "GenerateDraft", 1)
	assert.Equal(t, []string{
		"drafting:complete",
		"verification:complete",
		"compliance:complete",
		"execution:complete",
	}, f.checkpoints(t))
}

func TestOrchestrator_RunOnce_WrongHoldReleaseKeepsTaskHeld(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	risky := approved()
	risky.RiskFlags = []compliance.RiskFlag{{RiskType: "security", Description: "touches auth middleware"}}
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(goodDraft(), nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(risky, nil)
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(executed(), nil)

	out, err := f.orch.RunOnce(ctx, "")
	require.NoError(t, err)
	require.Equal(t, StatusHeld, out.Status)

	err = f.gate.ReleaseHold(ctx, f.task.ID, compliance.HoldBudget, "someone")
	assert.ErrorIs(t, err, compliance.ErrNoMatchingHold)
	assert.Equal(t, store.TaskHeld, f.reload(t).Status)

	out, err = f.orch.RunOnce(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StatusNoTasks, out.Status)
	_, err = f.orch.Resume(ctx, f.task.ID)
	assert.ErrorIs(t, err, ErrTaskHeld)
	f.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	holds, err := f.gate.ActiveHolds(ctx, f.task.ID)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, compliance.HoldSecurity, holds[0].HoldType)

	require.NoError(t, f.gate.ReleaseHold(ctx, f.task.ID, compliance.HoldSecurity, "security-lead"))
	out, err = f.orch.RunOnce(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	f.executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestOrchestrator_RunOnce_BudgetHold(t *testing.T) {
	f := newFixture(t, testConfig())
	expensive := goodDraft()
	expensive.Cost = 90
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(expensive, nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(approved(), nil)

	out, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, out.Status)
	require.Len(t, out.Holds, 1)
	assert.Equal(t, compliance.HoldBudget, out.Holds[0].HoldType)

	holds, err := f.gate.ActiveHolds(context.Background(), f.task.ID)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, compliance.HoldBudget, holds[0].HoldType)
}

func TestOrchestrator_RunOnce_PentagonBlocks(t *testing.T) {
	f := newFixture(t, testConfig())
	draft := goodDraft()
	draft.Draft.Actions = []PlannedAction{
		{ActionType: "format_code"},
		{ActionType: pentagon.ActionGitPush, Inputs: map[string]any{"repository": "origin"}},
	}
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(draft, nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(approved(), nil)

	out, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusHalted, out.Status)
	assert.Equal(t, CodePentagon, out.Code)
	require.NotNil(t, out.Pentagon)
	assert.False(t, out.Pentagon.Valid)
	assert.Contains(t, out.Pentagon.Failures(), "inputs")

	cps, err := f.ledger.ListForTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 4)
	exec := cps[3]
	assert.Equal(t, checkpoint.PhaseExecution, exec.Phase)
	assert.Equal(t, checkpoint.StatusFailed, exec.Status)
	assert.Equal(t, pentagon.ActionGitPush, exec.ErrorDetails["action_type"])
	assert.Contains(t, exec.ErrorDetails, "checks")

	f.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, store.TaskHalted, f.reload(t).Status)
}

func TestOrchestrator_RunOnce_PentagonPasses(t *testing.T) {
	f := newFixture(t, testConfig())
	draft := goodDraft()
	draft.Draft.Actions = []PlannedAction{{
		ActionType: pentagon.ActionCreatePR,
		Inputs: map[string]any{
			"repository":    "fyrsmithlabs/app",
			"source_branch": "ledgerd/health",
			"target_branch": "main",
			"title":         "Add health endpoint",
			"description":   "Adds /health",
		},
	}}
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(draft, nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(approved(), nil)
	res := executed()
	res.Pushed, res.PRCreated, res.PRNumber = true, true, 42
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(res, nil)

	var stages []Stage
	f.orch.OnProgress(func(p Progress) { stages = append(stages, p.Stage) })

	out, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, []Stage{StageCommitting, StagePushing, StageCreatingPR, StageComplete}, stages[len(stages)-4:])

	trail, err := f.audit.Trail(context.Background(), f.task.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, pentagon.ActionCreatePR, trail[0].StepName)
}

func TestOrchestrator_RunOnce_ExecutionRetry(t *testing.T) {
	f := newFixture(t, testConfig())
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(goodDraft(), nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(approved(), nil)
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&ExecutionResult{Success: false, Error: "push rejected"}, nil)

	out, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusRetryScheduled, out.Status)
	assert.Equal(t, CodeCollaborator, out.Code)
	require.NotNil(t, out.NextRetryAt)
	assert.True(t, out.NextRetryAt.After(time.Now()))

	task := f.reload(t)
	assert.Equal(t, store.TaskQueued, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "push rejected", task.LastError)
	assert.Contains(t, f.actions(t), audit.RetryScheduled)
	assert.Equal(t, "execution:failed", f.checkpoints(t)[3])

	// The retry delay keeps the task from being claimed again right away.
	out, err = f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusNoTasks, out.Status)
}

func TestOrchestrator_RunOnce_ExecutionFailsWithoutRetry(t *testing.T) {
	cfg := testConfig()
	cfg.RetryExecutionFailures = false
	f := newFixture(t, cfg)
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(goodDraft(), nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(approved(), nil)
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("executor crashed"))

	out, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, store.TaskFailed, f.reload(t).Status)
	assert.Equal(t, 0, f.reload(t).RetryCount)
}

func TestOrchestrator_Resume_AfterUncertaintyHalt(t *testing.T) {
	f := newFixture(t, testConfig())
	low := goodDraft()
	low.Draft.Confidence = 0.60
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(low, nil).Once()
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(goodDraft(), nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(approved(), nil)
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(executed(), nil)

	out, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, StatusHalted, out.Status)

	out, err = f.orch.Resume(context.Background(), f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)
	assert.Equal(t, []string{
		"drafting:complete",
		"drafting:complete",
		"verification:complete",
		"compliance:complete",
		"execution:complete",
	}, f.checkpoints(t))

	entries, err := f.audit.ForTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	var resumed bool
	for _, e := range entries {
		if e.Action == audit.TaskClaimed && e.Details["resume"] == true {
			resumed = true
			assert.Equal(t, string(store.TaskHalted), e.Details["previous_status"])
		}
	}
	assert.True(t, resumed)
}

func TestOrchestrator_Resume_FailsAbandonedCheckpoint(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.happyPath()

	// A crash mid-drafting leaves a created checkpoint and a halted task.
	_, err := f.ledger.Create(ctx, checkpoint.CreateRequest{
		ProjectID:     "proj",
		TaskID:        f.task.ID,
		Phase:         checkpoint.PhaseDrafting,
		StepName:      "generate_draft",
		StateSnapshot: map[string]any{"task": map[string]any{"id": f.task.ID}},
	})
	require.NoError(t, err)
	halted := store.TaskHalted
	require.NoError(t, f.store.UpdateTask(ctx, f.task.ID, store.TaskUpdate{Status: &halted}))

	out, err := f.orch.Resume(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, out.Status)

	cps, err := f.ledger.ListForTask(ctx, f.task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 5)
	assert.Equal(t, checkpoint.StatusFailed, cps[0].Status)
	assert.Equal(t, "abandoned", cps[0].ErrorDetails["error"])
}

func TestOrchestrator_Resume_Rejects(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.orch.Resume(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.store.ClaimTask(ctx, f.task.ID)
	require.NoError(t, err)
	_, err = f.orch.Resume(ctx, f.task.ID)
	assert.ErrorIs(t, err, ErrNotResumable)

	complete := store.TaskComplete
	require.NoError(t, f.store.UpdateTask(ctx, f.task.ID, store.TaskUpdate{Status: &complete}))
	_, err = f.orch.Resume(ctx, f.task.ID)
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestOrchestrator_RollbackToCheckpoint(t *testing.T) {
	f := newFixture(t, testConfig())
	f.drafter.On("GenerateDraft", mock.Anything, mock.Anything, mock.Anything).Return(goodDraft(), nil)
	f.verifier.On("VerifyDraft", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(approved(), nil)

	out := filepath.Join(f.dir, "health.go")
	f.executor.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything,
		mock.MatchedBy(func(pc ProjectContext) bool { return pc.WorkDir == f.dir })).
		Run(func(mock.Arguments) {
			require.NoError(t, os.WriteFile(out, []byte("package main\n"), 0o644))
		}).
		Return(&ExecutionResult{
			Success: true,
			RollbackData: &checkpoint.RollbackData{
				Kind:    checkpoint.KindFileOperations,
				WorkDir: f.dir,
				FileOps: []checkpoint.FileOp{{Type: checkpoint.FileCreate, Path: "health.go"}},
			},
		}, nil)

	res, err := f.orch.RunOnce(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, StatusComplete, res.Status)
	require.FileExists(t, out)

	cps, err := f.ledger.ListForTask(context.Background(), f.task.ID)
	require.NoError(t, err)
	require.Len(t, cps, 4)

	// Verification and compliance carry no undo data, so rolling back to
	// drafting is refused.
	blocked := f.orch.RollbackToCheckpoint(context.Background(), cps[0].ID)
	assert.Equal(t, rollback.StatusBlocked, blocked.Status)
	assert.FileExists(t, out)

	result := f.orch.RollbackToCheckpoint(context.Background(), cps[2].ID)
	require.True(t, result.OK(), "rollback: %v", result.Err())
	assert.Equal(t, 1, result.StepsExecuted)
	assert.NoFileExists(t, out)
}

func TestOrchestrator_Run_StopsOnCancel(t *testing.T) {
	f := newFixture(t, testConfig())
	f.happyPath()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.OnProgress(func(p Progress) {
		if p.Stage == StageComplete {
			cancel()
		}
	})
	require.NoError(t, f.orch.Run(ctx, "proj"))
	assert.Equal(t, store.TaskComplete, f.reload(t).Status)
}
