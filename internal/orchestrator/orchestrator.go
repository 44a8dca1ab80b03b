package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/audit"
	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
	"github.com/fyrsmithlabs/ledgerd/internal/compliance"
	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/fyrsmithlabs/ledgerd/internal/events"
	"github.com/fyrsmithlabs/ledgerd/internal/logging"
	"github.com/fyrsmithlabs/ledgerd/internal/pentagon"
	"github.com/fyrsmithlabs/ledgerd/internal/retry"
	"github.com/fyrsmithlabs/ledgerd/internal/rollback"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
	"github.com/fyrsmithlabs/ledgerd/internal/uncertainty"
	"github.com/fyrsmithlabs/ledgerd/pkg/git"
)

const instrumentationName = "github.com/fyrsmithlabs/ledgerd/internal/orchestrator"

// Config tunes the pipeline.
type Config struct {
	// PhaseTimeout bounds each collaborator call.
	PhaseTimeout time.Duration
	// MaxRevisions is how many revision_required verdicts a task may get
	// before it halts.
	MaxRevisions int
	// RetryExecutionFailures sends failed executions to the retry manager
	// instead of failing the task.
	RetryExecutionFailures bool
	// PollInterval is the idle wait of Run.
	PollInterval time.Duration
}

// ConfigFrom maps the application configuration.
func ConfigFrom(c config.OrchestratorConfig) Config {
	return Config{
		PhaseTimeout:           c.PhaseTimeout,
		MaxRevisions:           c.MaxRevisions,
		RetryExecutionFailures: c.RetryExecutionFailures,
		PollInterval:           c.PollInterval,
	}
}

// Deps are the orchestrator's collaborators. Notifier and Logger are
// optional; everything else is required.
type Deps struct {
	Store     *store.Store
	Ledger    checkpoint.Service
	Audit     *audit.Log
	Detector  *uncertainty.Detector
	Gate      *compliance.Gate
	Validator *pentagon.Validator
	Retry     *retry.Manager
	Rollback  *rollback.Engine
	Notifier  events.Notifier

	Drafter  Drafter
	Verifier Verifier
	Executor Executor

	Logger *zap.Logger
}

func (d Deps) validate() error {
	var errs []error
	required := []struct {
		name string
		nil  bool
	}{
		{"store", d.Store == nil},
		{"ledger", d.Ledger == nil},
		{"audit log", d.Audit == nil},
		{"uncertainty detector", d.Detector == nil},
		{"compliance gate", d.Gate == nil},
		{"pentagon validator", d.Validator == nil},
		{"retry manager", d.Retry == nil},
		{"rollback engine", d.Rollback == nil},
		{"drafter", d.Drafter == nil},
		{"verifier", d.Verifier == nil},
		{"executor", d.Executor == nil},
	}
	for _, r := range required {
		if r.nil {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	return errors.Join(errs...)
}

// Orchestrator drives tasks through drafting, verification, compliance and
// execution, checkpointing every phase.
type Orchestrator struct {
	cfg  Config
	deps Deps

	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	progress ProgressCallback
	now      func() time.Time
}

// New returns an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 10 * time.Minute
	}
	if cfg.MaxRevisions < 0 {
		return nil, fmt.Errorf("max revisions must be >= 0, got %d", cfg.MaxRevisions)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = events.NewLogNotifier(deps.Logger)
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.Named("orchestrator"),
		tracer:  otel.Tracer(instrumentationName),
		metrics: NewMetrics(),
		now:     time.Now,
	}, nil
}

// OnProgress sets the progress callback.
func (o *Orchestrator) OnProgress(callback ProgressCallback) {
	o.progress = callback
}

func (o *Orchestrator) reportProgress(taskID string, stage Stage, message string) {
	if o.progress != nil {
		o.progress(Progress{
			TaskID:     taskID,
			Stage:      stage,
			Message:    message,
			Percentage: stage.Percent(),
		})
	}
}

// RunOnce claims the next task of projectID (any project when empty) and
// drives it as far as it can go.
func (o *Orchestrator) RunOnce(ctx context.Context, projectID string) (*Outcome, error) {
	ctx = logging.WithRunID(ctx, uuid.NewString())
	ctx, span := o.tracer.Start(ctx, "orchestrator.run_once")
	defer span.End()

	task, err := o.deps.Store.ClaimNext(ctx, projectID)
	if errors.Is(err, store.ErrNoTasks) {
		span.SetAttributes(attribute.String("outcome", string(StatusNoTasks)))
		return &Outcome{Status: StatusNoTasks}, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	span.SetAttributes(attribute.String("task_id", task.ID))

	o.record(ctx, audit.TaskClaimed, task, map[string]any{"resume": false})
	out, err := o.drive(ctx, task)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("outcome", string(out.Status)))
	}
	return out, err
}

// Resume re-runs a halted, failed or queued task from its latest completed
// checkpoint phase. Held tasks are refused with ErrTaskHeld; a hold is only
// lifted by an audited release.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (*Outcome, error) {
	ctx = logging.WithRunID(ctx, uuid.NewString())
	ctx, span := o.tracer.Start(ctx, "orchestrator.resume",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	task, err := o.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch {
	case task.Status == store.TaskHeld:
		return nil, fmt.Errorf("task %s: %w", taskID, ErrTaskHeld)
	case task.Status == store.TaskRunning || task.Status.Terminal():
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, ErrNotResumable)
	}

	if err := o.deps.Store.TransitionTask(ctx, taskID,
		[]store.TaskStatus{store.TaskHalted, store.TaskFailed, store.TaskQueued, store.TaskPending},
		store.TaskRunning); err != nil {
		return nil, fmt.Errorf("failed to resume task %s: %w", taskID, err)
	}
	previous := task.Status
	task.Status = store.TaskRunning

	o.record(ctx, audit.TaskClaimed, task, map[string]any{"resume": true, "previous_status": string(previous)})
	out, err := o.drive(ctx, task)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// Run polls for work until ctx is cancelled. A run that finds no task
// waits PollInterval before polling again.
func (o *Orchestrator) Run(ctx context.Context, projectID string) error {
	o.logger.Info("orchestrator poll loop started",
		zap.String("project_id", projectID),
		zap.Duration("poll_interval", o.cfg.PollInterval),
	)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		out, err := o.RunOnce(ctx, projectID)
		if err != nil {
			o.logger.Error("run failed", zap.Error(err))
		}
		// Drain ready work before sleeping.
		if err == nil && out.Status != StatusNoTasks && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator poll loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RollbackToCheckpoint undoes every complete checkpoint after id.
func (o *Orchestrator) RollbackToCheckpoint(ctx context.Context, id int64) *rollback.Result {
	return o.deps.Rollback.RollbackToCheckpoint(ctx, id)
}

// CheckpointSummary aggregates a task's checkpoints.
func (o *Orchestrator) CheckpointSummary(ctx context.Context, taskID string) (*checkpoint.Summary, error) {
	return o.deps.Ledger.Summary(ctx, taskID)
}

// VerifyChain runs the chain verifier over a task's checkpoints.
func (o *Orchestrator) VerifyChain(ctx context.Context, taskID string) (*checkpoint.ChainReport, error) {
	return o.deps.Ledger.VerifyChain(ctx, taskID)
}

// drive runs a claimed task from its start point. Infrastructure errors
// fail the task with E_INTERNAL and are returned.
func (o *Orchestrator) drive(ctx context.Context, task *store.Task) (*Outcome, error) {
	ctx = logging.WithProjectID(ctx, task.ProjectID)
	ctx = logging.WithTaskID(ctx, task.ID)
	start := o.now()

	out, err := o.pipeline(ctx, task)
	if err != nil {
		logging.For(ctx, o.logger).Error("pipeline error", zap.Error(err))
		out = o.fail(context.WithoutCancel(ctx), task, out.phase(), CodeInternal, err.Error())
	}
	if out.TaskID == "" {
		out.TaskID = task.ID
	}
	o.metrics.OutcomesTotal.WithLabelValues(string(out.Status)).Inc()
	logging.For(ctx, o.logger).Info("task run finished",
		zap.String("status", string(out.Status)),
		zap.String("code", string(out.Code)),
		zap.Duration("duration", o.now().Sub(start)),
	)
	return out, err
}

func (o *Orchestrator) pipeline(ctx context.Context, task *store.Task) (*Outcome, error) {
	pc, err := o.projectContext(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	r, err := o.startPoint(ctx, task, pc)
	if err != nil {
		return nil, err
	}
	logging.For(ctx, o.logger).Info("running task",
		zap.String("start_phase", string(r.next)),
		zap.String("previous_phase", string(r.prev)),
	)

	for {
		if err := ctx.Err(); err != nil {
			return &Outcome{Status: StatusFailed, Phase: r.next}, err
		}
		if r.next == checkpoint.PhaseConfirmation {
			return o.confirm(ctx, r)
		}
		if !checkpoint.CanTransition(r.prev, r.next) {
			return &Outcome{Status: StatusFailed, Phase: r.next},
				fmt.Errorf("illegal phase transition %q -> %q", r.prev, r.next)
		}

		phase := r.next
		out, err := o.runPhase(ctx, r)
		if err != nil || out != nil {
			if out == nil {
				out = &Outcome{Status: StatusFailed, Phase: phase}
			}
			return out, err
		}
		r.prev = phase
	}
}

func (o *Orchestrator) projectContext(ctx context.Context, projectID string) (ProjectContext, error) {
	p, err := o.deps.Store.GetProject(ctx, projectID)
	if err != nil {
		return ProjectContext{}, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	pc := ProjectContext{
		ProjectID:   p.ID,
		Name:        p.Name,
		RepoURL:     p.RepoURL,
		WorkDir:     p.WorkDir,
		BudgetLimit: p.BudgetLimit,
		BudgetUsed:  p.BudgetUsed,
	}
	if p.WorkDir != "" {
		if branch, err := git.DetectBranch(p.WorkDir); err == nil {
			pc.Branch = branch
		}
	}
	return pc, nil
}

func (o *Orchestrator) record(ctx context.Context, action audit.Action, task *store.Task, details map[string]any) {
	if _, err := o.deps.Audit.Record(ctx, audit.Entry{
		Action:    action,
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Details:   details,
	}); err != nil {
		logging.For(ctx, o.logger).Warn("failed to write audit entry",
			zap.String("action", string(action)), zap.Error(err))
	}
}

func (o *Orchestrator) notify(ctx context.Context, kind events.Kind, task *store.Task, reason string, details map[string]any) {
	if err := o.deps.Notifier.Notify(ctx, events.Notification{
		Kind:      kind,
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Reason:    reason,
		Details:   details,
		Timestamp: o.now().UTC(),
	}); err != nil {
		logging.For(ctx, o.logger).Warn("notification failed",
			zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (out *Outcome) phase() checkpoint.Phase {
	if out == nil {
		return ""
	}
	return out.Phase
}
