package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/audit"
	"github.com/fyrsmithlabs/ledgerd/internal/checkpoint"
	"github.com/fyrsmithlabs/ledgerd/internal/compliance"
	"github.com/fyrsmithlabs/ledgerd/internal/events"
	"github.com/fyrsmithlabs/ledgerd/internal/logging"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

// runPhase runs r.next. A nil outcome with a nil error means the phase
// succeeded and set r.next to its successor.
func (o *Orchestrator) runPhase(ctx context.Context, r *run) (*Outcome, error) {
	phase := r.next
	ctx, span := o.tracer.Start(ctx, "orchestrator.phase",
		trace.WithAttributes(attribute.String("phase", string(phase))))
	defer span.End()

	start := o.now()
	defer func() {
		o.metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(o.now().Sub(start).Seconds())
	}()

	var (
		out *Outcome
		err error
	)
	switch phase {
	case checkpoint.PhaseDrafting:
		out, err = o.drafting(ctx, r)
	case checkpoint.PhaseVerification:
		out, err = o.verifying(ctx, r)
	case checkpoint.PhaseCompliance:
		out, err = o.reviewing(ctx, r)
	case checkpoint.PhaseExecution:
		out, err = o.executing(ctx, r)
	default:
		err = fmt.Errorf("no handler for phase %s", phase)
	}

	switch {
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
	case out != nil:
		span.SetAttributes(attribute.String("outcome", string(out.Status)))
	}
	return out, err
}

// openPhase marks the task's current phase and opens its checkpoint.
func (o *Orchestrator) openPhase(ctx context.Context, r *run, step string) (*checkpoint.Checkpoint, context.Context, error) {
	phase := string(r.next)
	if err := o.deps.Store.UpdateTask(ctx, r.task.ID, store.TaskUpdate{CurrentPhase: &phase}); err != nil {
		return nil, ctx, err
	}
	r.task.CurrentPhase = phase

	snap, err := r.snapshot()
	if err != nil {
		return nil, ctx, err
	}
	cp, err := o.deps.Ledger.Create(ctx, checkpoint.CreateRequest{
		ProjectID:     r.task.ProjectID,
		TaskID:        r.task.ID,
		Phase:         r.next,
		StepName:      step,
		StateSnapshot: snap,
	})
	if err != nil {
		return nil, ctx, err
	}
	id := cp.ID
	r.checkpointID = &id
	ctx = logging.WithCheckpointID(ctx, id)

	o.record(ctx, audit.PhaseStarted, r.task, map[string]any{
		"phase":         phase,
		"step_name":     step,
		"checkpoint_id": id,
	})
	return cp, ctx, nil
}

// completePhase closes cp successfully.
func (o *Orchestrator) completePhase(ctx context.Context, r *run, cp *checkpoint.Checkpoint, outputs any, rb *checkpoint.RollbackData, decision string) error {
	if _, err := o.deps.Ledger.Complete(ctx, cp.ID, checkpoint.CompleteRequest{
		Outputs:      outputs,
		RollbackData: rb,
	}); err != nil {
		return err
	}
	details := map[string]any{"phase": string(cp.Phase), "checkpoint_id": cp.ID}
	if decision != "" {
		details["decision"] = decision
	}
	o.record(ctx, audit.PhaseCompleted, r.task, details)
	return nil
}

// failPhase closes cp as failed.
func (o *Orchestrator) failPhase(ctx context.Context, cp *checkpoint.Checkpoint, code Code, message string, extra map[string]any) error {
	details := map[string]any{"code": string(code), "error": message}
	for k, v := range extra {
		details[k] = v
	}
	_, err := o.deps.Ledger.Fail(ctx, cp.ID, details)
	return err
}

// bounded returns the per-phase collaborator deadline.
func (o *Orchestrator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.PhaseTimeout)
}

func collaboratorCode(err error) Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeCollaborator
}

// charge adds collaborator spend to the project budget.
func (o *Orchestrator) charge(ctx context.Context, r *run, cost float64) {
	if cost <= 0 {
		return
	}
	if err := o.deps.Store.AddBudgetUsed(ctx, r.task.ProjectID, cost); err != nil {
		logging.For(ctx, o.logger).Warn("failed to charge budget", zap.Float64("cost", cost), zap.Error(err))
		return
	}
	r.pc.BudgetUsed += cost
}

func (o *Orchestrator) drafting(ctx context.Context, r *run) (*Outcome, error) {
	o.reportProgress(r.task.ID, StageDrafting, "Generating draft")
	cp, ctx, err := o.openPhase(ctx, r, "generate_draft")
	if err != nil {
		return nil, err
	}

	cctx, cancel := o.bounded(ctx)
	res, err := o.deps.Drafter.GenerateDraft(cctx, r.task, r.pc)
	cancel()
	if err == nil && res == nil {
		err = errors.New("drafter returned no result")
	}
	if err != nil {
		code := collaboratorCode(err)
		if ferr := o.failPhase(ctx, cp, code, err.Error(), nil); ferr != nil {
			return nil, ferr
		}
		return o.fail(ctx, r.task, r.next, code, "drafter error: "+err.Error()).at(r), nil
	}
	o.charge(ctx, r, res.Cost)

	if !res.Success || res.Draft == nil {
		msg := res.Error
		if msg == "" {
			msg = res.HaltReason
		}
		if msg == "" {
			msg = "drafter returned no draft"
		}
		if err := o.failPhase(ctx, cp, CodeCollaborator, msg, map[string]any{"halt_reason": res.HaltReason}); err != nil {
			return nil, err
		}
		if res.HaltReason != "" {
			return o.halt(ctx, r, CodeCollaborator, res.HaltReason, nil)
		}
		return o.fail(ctx, r.task, r.next, CodeCollaborator, msg).at(r), nil
	}
	r.draft = res.Draft

	halts, err := o.uncertaintyGate(ctx, r, res.Draft)
	if err != nil {
		if ferr := o.failPhase(ctx, cp, CodeInternal, err.Error(), nil); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, err
	}
	if err := o.completePhase(ctx, r, cp, res.Draft, nil, ""); err != nil {
		return nil, err
	}
	if len(halts) > 0 {
		out, err := o.halt(ctx, r, CodeUncertainty, "Uncertainty detected: "+describeSignals(halts),
			map[string]any{"signal_count": len(halts)})
		if out != nil {
			out.Signals = halts
		}
		return out, err
	}

	o.reportProgress(r.task.ID, StageDraftingComplete, "Draft ready")
	r.next = checkpoint.PhaseVerification
	return nil, nil
}

func (o *Orchestrator) verifying(ctx context.Context, r *run) (*Outcome, error) {
	if r.draft == nil {
		return nil, errors.New("no draft to verify")
	}
	o.reportProgress(r.task.ID, StageVerification, "Verifying draft")
	cp, ctx, err := o.openPhase(ctx, r, "verify_draft")
	if err != nil {
		return nil, err
	}

	cctx, cancel := o.bounded(ctx)
	res, err := o.deps.Verifier.VerifyDraft(cctx, r.draft, r.task, r.pc)
	cancel()
	if err == nil && res == nil {
		err = errors.New("verifier returned no result")
	}
	if err != nil {
		code := collaboratorCode(err)
		if ferr := o.failPhase(ctx, cp, code, err.Error(), nil); ferr != nil {
			return nil, ferr
		}
		return o.fail(ctx, r.task, r.next, code, "verifier error: "+err.Error()).at(r), nil
	}
	if err := o.completePhase(ctx, r, cp, res, nil, res.Decision); err != nil {
		return nil, err
	}
	r.verification = res
	o.reportProgress(r.task.ID, StageVerificationComplete, "Verification: "+res.Decision)

	var out *Outcome
	switch res.Decision {
	case DecisionApproved:
		now := o.now().UTC()
		if err := o.deps.Store.CreateApproval(ctx, &store.Approval{
			TaskID:             r.task.ID,
			CheckpointID:       r.checkpointID,
			Decision:           res.Decision,
			VerifierConfidence: res.Confidence,
			CompletedAt:        &now,
		}); err != nil {
			return nil, err
		}
		r.next = checkpoint.PhaseCompliance
		return nil, nil

	case DecisionRevisionRequired:
		out, err = o.requestRevision(ctx, r, res)

	case DecisionEscalateToCompliance:
		reason := "Verifier escalated the draft for compliance review"
		o.notify(ctx, events.KindEscalation, r.task, reason, map[string]any{"verification_id": res.ID})
		out, err = o.halt(ctx, r, CodeVerification, reason, nil)

	default:
		out = o.fail(ctx, r.task, r.next, CodeVerification,
			fmt.Sprintf("Draft %s by verifier", orDecision(res.Decision))).at(r)
	}
	if out != nil {
		out.Decision = res.Decision
	}
	return out, err
}

func orDecision(d string) string {
	if d == "" {
		return "not approved"
	}
	return d
}

// requestRevision re-queues the task for drafting with the verifier's
// feedback, or halts it once MaxRevisions is exceeded.
func (o *Orchestrator) requestRevision(ctx context.Context, r *run, res *VerificationResult) (*Outcome, error) {
	n, err := o.revisions(ctx, r.task.ID)
	if err != nil {
		return nil, err
	}
	if n > o.cfg.MaxRevisions {
		return o.halt(ctx, r, CodeVerification,
			fmt.Sprintf("Revision limit reached (%d)", o.cfg.MaxRevisions),
			map[string]any{"revisions": n})
	}

	feedback := revisionFeedback(res)
	status := store.TaskQueued
	phase := string(checkpoint.PhaseDrafting)
	if err := o.deps.Store.UpdateTask(ctx, r.task.ID, store.TaskUpdate{
		Status:       &status,
		CurrentPhase: &phase,
		LastError:    &feedback,
	}); err != nil {
		return nil, err
	}
	r.task.Status = status
	logging.For(ctx, o.logger).Info("draft sent back for revision", zap.Int("revision", n))
	return &Outcome{
		Status:       StatusNeedsRevision,
		TaskID:       r.task.ID,
		Phase:        checkpoint.PhaseVerification,
		Message:      feedback,
		CheckpointID: r.checkpointID,
	}, nil
}

func revisionFeedback(res *VerificationResult) string {
	if len(res.Issues) == 0 {
		return "Verifier requested a revision"
	}
	parts := make([]string, 0, len(res.Issues))
	for _, i := range res.Issues {
		if i.Description != "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", i.Category, i.Description))
		} else {
			parts = append(parts, i.Category)
		}
	}
	return "Revision requested: " + strings.Join(parts, "; ")
}

func (o *Orchestrator) reviewing(ctx context.Context, r *run) (*Outcome, error) {
	if r.draft == nil {
		return nil, errors.New("no draft to review")
	}
	o.reportProgress(r.task.ID, StageCompliance, "Running compliance review")
	cp, ctx, err := o.openPhase(ctx, r, "compliance_review")
	if err != nil {
		return nil, err
	}

	d, holds, err := o.complianceGate(ctx, r)
	if err != nil {
		if ferr := o.failPhase(ctx, cp, CodeInternal, err.Error(), nil); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, err
	}
	if err := o.completePhase(ctx, r, cp, d, nil, string(d.Decision)); err != nil {
		return nil, err
	}

	if d.Decision != compliance.Cleared {
		r.task.Status = store.TaskHeld
		reason := d.Escalation.Reason
		if reason == "" {
			reason = fmt.Sprintf("Compliance decision: %s", d.Decision)
		}
		o.notify(ctx, events.KindEscalation, r.task, reason, map[string]any{
			"decision":        string(d.Decision),
			"failed_policies": d.FailedPolicies(),
			"path":            d.Escalation.Path,
		})
		return &Outcome{
			Status:       StatusHeld,
			TaskID:       r.task.ID,
			Phase:        checkpoint.PhaseCompliance,
			Code:         CodeCompliance,
			Message:      reason,
			CheckpointID: r.checkpointID,
			Decision:     string(d.Decision),
			Holds:        holds,
		}, nil
	}

	o.reportProgress(r.task.ID, StageComplianceComplete, "Compliance cleared")
	r.next = checkpoint.PhaseExecution
	return nil, nil
}

func (o *Orchestrator) executing(ctx context.Context, r *run) (*Outcome, error) {
	if r.draft == nil {
		return nil, errors.New("no draft to execute")
	}
	o.reportProgress(r.task.ID, StageExecution, "Executing approved draft")
	cp, ctx, err := o.openPhase(ctx, r, "execute")
	if err != nil {
		return nil, err
	}

	if action, res := o.pentagonGate(ctx, r); res != nil {
		msg := fmt.Sprintf("IMR Pentagon blocked %s: %s", action.ActionType, strings.Join(res.Failures(), ", "))
		if err := o.failPhase(ctx, cp, CodePentagon, msg, map[string]any{
			"action_type": action.ActionType,
			"checks":      res.Details(),
		}); err != nil {
			return nil, err
		}
		out, err := o.halt(ctx, r, CodePentagon, msg, map[string]any{"action_type": action.ActionType})
		if out != nil {
			out.Pentagon = res
		}
		return out, err
	}

	approval, err := o.deps.Store.LatestApproval(ctx, r.task.ID)
	if err != nil {
		if ferr := o.failPhase(ctx, cp, CodeInternal, err.Error(), nil); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, fmt.Errorf("no approval for task %s: %w", r.task.ID, err)
	}

	cctx, cancel := o.bounded(ctx)
	res, err := o.deps.Executor.Execute(cctx, approval, r.draft, r.task, r.pc)
	cancel()
	if err == nil && res == nil {
		err = errors.New("executor returned no result")
	}
	if res != nil {
		o.charge(ctx, r, res.Cost)
	}
	if err != nil || !res.Success {
		code, msg := CodeCollaborator, ""
		if err != nil {
			code, msg = collaboratorCode(err), err.Error()
		} else {
			msg = res.Error
		}
		if msg == "" {
			msg = "execution failed"
		}
		if ferr := o.failPhase(ctx, cp, code, msg, nil); ferr != nil {
			return nil, ferr
		}
		return o.executionFailed(ctx, r, code, msg)
	}

	if err := o.completePhase(ctx, r, cp, res, res.RollbackData, ""); err != nil {
		return nil, err
	}
	if res.Committed {
		o.reportProgress(r.task.ID, StageCommitting, "Changes committed")
	}
	if res.Pushed {
		o.reportProgress(r.task.ID, StagePushing, "Changes pushed")
	}
	if res.PRCreated {
		o.reportProgress(r.task.ID, StageCreatingPR, fmt.Sprintf("Pull request #%d created", res.PRNumber))
	}
	r.artifacts = res.Artifacts
	r.next = checkpoint.PhaseConfirmation
	return nil, nil
}

// executionFailed hands a failed execution to the retry manager, or fails
// the task when retries are disabled.
func (o *Orchestrator) executionFailed(ctx context.Context, r *run, code Code, msg string) (*Outcome, error) {
	if !o.cfg.RetryExecutionFailures {
		return o.fail(ctx, r.task, r.next, code, msg).at(r), nil
	}
	if _, err := o.deps.Retry.RecordRetry(ctx, r.task.ID, msg); err != nil {
		return nil, err
	}
	task, err := o.deps.Store.GetTask(ctx, r.task.ID)
	if err != nil {
		return nil, err
	}
	r.task = task

	out := &Outcome{
		TaskID:       task.ID,
		Phase:        checkpoint.PhaseExecution,
		Code:         code,
		Message:      msg,
		CheckpointID: r.checkpointID,
	}
	if task.Status == store.TaskQueued {
		out.Status = StatusRetryScheduled
		out.NextRetryAt = task.NextRetryAt
		return out, nil
	}
	out.Status = StatusPermanentlyFailed
	o.notify(ctx, events.KindError, task, msg, map[string]any{
		"code":        string(code),
		"retry_count": task.RetryCount,
	})
	return out, nil
}

// confirm marks the task complete.
func (o *Orchestrator) confirm(ctx context.Context, r *run) (*Outcome, error) {
	status := store.TaskComplete
	phase := string(checkpoint.PhaseConfirmation)
	if err := o.deps.Store.UpdateTask(ctx, r.task.ID, store.TaskUpdate{
		Status:       &status,
		CurrentPhase: &phase,
		Completed:    true,
	}); err != nil {
		return nil, err
	}
	r.task.Status = status
	o.reportProgress(r.task.ID, StageComplete, "Task complete")
	return &Outcome{
		Status:       StatusComplete,
		TaskID:       r.task.ID,
		Phase:        checkpoint.PhaseConfirmation,
		CheckpointID: r.checkpointID,
		Artifacts:    r.artifacts,
	}, nil
}

// halt stops the task for a human. Halting is idempotent.
func (o *Orchestrator) halt(ctx context.Context, r *run, code Code, reason string, extra map[string]any) (*Outcome, error) {
	status := store.TaskHalted
	if err := o.deps.Store.UpdateTask(ctx, r.task.ID, store.TaskUpdate{Status: &status, LastError: &reason}); err != nil {
		return nil, err
	}
	r.task.Status = status

	details := map[string]any{"phase": string(r.next), "code": string(code), "reason": reason}
	for k, v := range extra {
		details[k] = v
	}
	o.record(ctx, audit.TaskHalted, r.task, details)
	o.notify(ctx, events.KindHalt, r.task, reason, details)
	logging.For(ctx, o.logger).Warn("task halted", zap.String("code", string(code)), zap.String("reason", reason))

	return &Outcome{
		Status:       StatusHalted,
		TaskID:       r.task.ID,
		Phase:        r.next,
		Code:         code,
		Message:      reason,
		CheckpointID: r.checkpointID,
	}, nil
}

// fail marks the task failed. Store errors are logged, not returned, so it
// can also report infrastructure failures.
func (o *Orchestrator) fail(ctx context.Context, task *store.Task, phase checkpoint.Phase, code Code, msg string) *Outcome {
	status := store.TaskFailed
	if err := o.deps.Store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &status, LastError: &msg}); err != nil {
		logging.For(ctx, o.logger).Error("failed to mark task failed", zap.Error(err))
	} else {
		task.Status = status
	}
	o.notify(ctx, events.KindError, task, msg, map[string]any{"phase": string(phase), "code": string(code)})
	return &Outcome{
		Status:  StatusFailed,
		TaskID:  task.ID,
		Phase:   phase,
		Code:    code,
		Message: msg,
	}
}

// at attaches the run's last checkpoint to the outcome.
func (out *Outcome) at(r *run) *Outcome {
	out.CheckpointID = r.checkpointID
	return out
}
