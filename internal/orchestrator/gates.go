package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/ledgerd/internal/compliance"
	"github.com/fyrsmithlabs/ledgerd/internal/pentagon"
	"github.com/fyrsmithlabs/ledgerd/internal/uncertainty"
)

// uncertaintyGate inspects a draft for hedging language and low confidence.
// Every signal is persisted against the drafting checkpoint; the halt
// signals are returned.
func (o *Orchestrator) uncertaintyGate(ctx context.Context, r *run, draft *Draft) ([]uncertainty.Signal, error) {
	det := o.deps.Detector.NewDetection("drafter")
	det.CheckLanguage(ctx, draft.Content)
	det.CheckConfidence(ctx, draft.Confidence)

	if len(det.Signals()) > 0 {
		if err := det.Persist(ctx, r.task.ID, r.checkpointID); err != nil {
			return nil, fmt.Errorf("failed to persist uncertainty signals: %w", err)
		}
	}
	return det.HaltSignals(), nil
}

func describeSignals(signals []uncertainty.Signal) string {
	parts := make([]string, 0, len(signals))
	for _, s := range signals {
		parts = append(parts, fmt.Sprintf("%s: %s", s.SignalType, s.Description))
	}
	return strings.Join(parts, "; ")
}

// complianceGate runs the policy review on the verified draft. A decision
// other than cleared always leaves the task held: when the gate itself
// applied no hold, a budget or policy hold is applied here.
func (o *Orchestrator) complianceGate(ctx context.Context, r *run) (*compliance.Decision, []compliance.Hold, error) {
	v := compliance.Verification{Content: r.draft.Content}
	if r.verification != nil {
		v.ID = r.verification.ID
		v.RiskFlags = r.verification.RiskFlags
		v.Issues = r.verification.Issues
	}
	d, err := o.deps.Gate.Review(ctx, v, r.task)
	if err != nil {
		return nil, nil, fmt.Errorf("compliance review failed: %w", err)
	}
	if d.Decision == compliance.Cleared {
		return d, nil, nil
	}

	holds := d.HoldsApplied
	if len(holds) == 0 {
		h := compliance.Hold{HoldType: compliance.HoldPolicy, Reason: d.Escalation.Reason}
		if slices.Contains(d.FailedPolicies(), compliance.PolicyBudgetCheck) {
			h.HoldType = compliance.HoldBudget
		}
		if h.Reason == "" {
			h.Reason = fmt.Sprintf("compliance decision %s", d.Decision)
		}
		if err := o.deps.Gate.ApplyHold(ctx, r.task.ID, h.HoldType, h.Reason); err != nil {
			return nil, nil, err
		}
		holds = append(holds, h)
	}
	return d, holds, nil
}

// pentagonGate validates every irreversible planned action. It stops at the
// first invalid one.
func (o *Orchestrator) pentagonGate(ctx context.Context, r *run) (*PlannedAction, *pentagon.Result) {
	for i := range r.draft.Actions {
		a := &r.draft.Actions[i]
		if !pentagon.IsIrreversible(a.ActionType) {
			continue
		}
		actionCtx := make(map[string]any, len(a.Context)+1)
		for k, v := range a.Context {
			actionCtx[k] = v
		}
		if _, ok := actionCtx["work_dir"]; !ok && r.pc.WorkDir != "" {
			actionCtx["work_dir"] = r.pc.WorkDir
		}
		res := o.deps.Validator.Validate(ctx, pentagon.ActionRequest{
			ActionType: a.ActionType,
			TaskID:     r.task.ID,
			ProjectID:  r.task.ProjectID,
			Inputs:     a.Inputs,
			Context:    actionCtx,
		})
		if !res.Valid {
			return a, res
		}
	}
	return nil, nil
}
