// Package compliance is the policy gate between verification and
// execution. It evaluates named policies, applies holds that park a task
// until an audited release, and decides the escalation path.
package compliance

import (
	"errors"
	"time"
)

var (
	// ErrNotHeld is returned by ReleaseHold when the task has no active hold.
	ErrNotHeld = errors.New("task is not held")
	// ErrNoMatchingHold is returned by ReleaseHold when the task is held,
	// but not by a hold of the requested type.
	ErrNoMatchingHold = errors.New("no active hold of that type")
)

// Outcome is the gate's decision.
type Outcome string

const (
	Cleared             Outcome = "cleared"
	Blocked             Outcome = "blocked"
	HumanReviewRequired Outcome = "human_review_required"
)

// Policy names.
const (
	PolicySecurityReview = "security_review"
	PolicyBreakingChange = "breaking_change"
	PolicyExternalAPI    = "external_api"
	PolicyBudgetCheck    = "budget_check"
	PolicySecretScan     = "secret_scan"
)

// Hold types.
const (
	HoldSecurity = "security"
	HoldSecrets  = "secrets"
	HoldBudget   = "budget"
	HoldManual   = "manual"
	HoldPolicy   = "policy"
)

// Escalation paths.
const (
	PathSecurityTeam = "security_team"
	PathProjectLead  = "project_lead"
)

// RiskFlag is a risk raised by the verifier.
type RiskFlag struct {
	RiskType    string `json:"risk_type"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// Issue is a problem the verifier found in the draft.
type Issue struct {
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// Verification is the part of a verifier result the policies inspect.
type Verification struct {
	ID        string     `json:"verification_id,omitempty"`
	RiskFlags []RiskFlag `json:"risk_flags,omitempty"`
	Issues    []Issue    `json:"issues_found,omitempty"`
	// Content is the draft text the secret scan inspects.
	Content string `json:"-"`
}

// PolicyCheck is one evaluated policy.
type PolicyCheck struct {
	Policy  string `json:"policy"`
	Result  string `json:"result"`
	Details any    `json:"details"`
}

// Failed reports whether the policy failed.
func (p PolicyCheck) Failed() bool {
	return p.Result == "fail"
}

// Escalation says who must act on a non-cleared decision.
type Escalation struct {
	Required bool   `json:"required"`
	Reason   string `json:"reason,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Hold parks a task until released.
type Hold struct {
	ID         int64      `json:"id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	HoldType   string     `json:"hold_type"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at,omitzero"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	ReleasedBy string     `json:"released_by,omitempty"`
}

// Decision is the result of Review.
type Decision struct {
	Decision     Outcome       `json:"decision"`
	PolicyChecks []PolicyCheck `json:"policy_checks"`
	HoldsApplied []Hold        `json:"holds_applied"`
	Escalation   Escalation    `json:"escalation"`
}

// FailedPolicies lists the failed policy names in evaluation order.
func (d *Decision) FailedPolicies() []string {
	var out []string
	for _, p := range d.PolicyChecks {
		if p.Failed() {
			out = append(out, p.Policy)
		}
	}
	return out
}

func (d *Decision) failed(policy string) bool {
	for _, p := range d.PolicyChecks {
		if p.Policy == policy && p.Failed() {
			return true
		}
	}
	return false
}

// auditDetails renders the decision for the audit log.
func (d *Decision) auditDetails() map[string]any {
	holds := make([]map[string]any, 0, len(d.HoldsApplied))
	for _, h := range d.HoldsApplied {
		holds = append(holds, map[string]any{"hold_type": h.HoldType, "reason": h.Reason})
	}
	return map[string]any{
		"decision":        string(d.Decision),
		"failed_policies": d.FailedPolicies(),
		"holds_applied":   holds,
		"escalation": map[string]any{
			"required": d.Escalation.Required,
			"reason":   d.Escalation.Reason,
			"path":     d.Escalation.Path,
		},
	}
}
