package compliance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/audit"
	"github.com/fyrsmithlabs/ledgerd/internal/config"
	"github.com/fyrsmithlabs/ledgerd/internal/logging"
	"github.com/fyrsmithlabs/ledgerd/internal/store"
	"github.com/fyrsmithlabs/ledgerd/pkg/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/ledgerd/internal/compliance"

// Config tunes the policies.
type Config struct {
	// BudgetThreshold is the usage percentage above which budget_check fails.
	BudgetThreshold float64
}

// ConfigFrom maps the application configuration.
func ConfigFrom(c config.ComplianceConfig) Config {
	return Config{BudgetThreshold: c.BudgetThreshold}
}

// Gate evaluates policies and manages holds.
type Gate struct {
	cfg     Config
	store   *store.Store
	audit   *audit.Log
	scanner *secrets.Scanner
	logger  *zap.Logger

	tracer   trace.Tracer
	decision metric.Int64Counter
}

// NewGate returns a gate. scanner may be nil, which disables the
// secret_scan policy.
func NewGate(cfg Config, st *store.Store, log *audit.Log, scanner *secrets.Scanner, logger *zap.Logger) (*Gate, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		return nil, errors.New("audit log is required")
	}
	if cfg.BudgetThreshold <= 0 {
		cfg.BudgetThreshold = 80
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		cfg:     cfg,
		store:   st,
		audit:   log,
		scanner: scanner,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
	}
	var err error
	g.decision, err = otel.Meter(instrumentationName).Int64Counter(
		"ledgerd.compliance.decisions_total",
		metric.WithDescription("Total number of compliance decisions, by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		logger.Warn("failed to create compliance counter", zap.Error(err))
	}
	return g, nil
}

// Review runs every policy against a verified draft and decides whether
// execution may proceed. Holds it applies are already persisted when it
// returns.
func (g *Gate) Review(ctx context.Context, v Verification, task *store.Task) (*Decision, error) {
	ctx, span := g.tracer.Start(ctx, "compliance.review")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", task.ID))

	if _, err := g.audit.Record(ctx, audit.Entry{
		Action:    audit.ComplianceStarted,
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Details:   map[string]any{"task_id": task.ID, "verification_id": v.ID},
	}); err != nil {
		return nil, err
	}

	budget, err := g.checkBudget(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		PolicyChecks: []PolicyCheck{
			listCheck(PolicySecurityReview, securityIssues(v), "No security issues"),
			listCheck(PolicyBreakingChange, flagIssues(v, "breaking_change", "Breaking change detected"), "No breaking changes"),
			listCheck(PolicyExternalAPI, flagIssues(v, "external_dependency", "External API change"), "No external API changes"),
			budget,
		},
		HoldsApplied: []Hold{},
	}
	if g.scanner != nil {
		d.PolicyChecks = append(d.PolicyChecks, g.checkSecrets(v.Content))
	}

	failed := d.FailedPolicies()
	switch {
	case len(failed) == 0:
		d.Decision = Cleared
	case d.failed(PolicySecretScan):
		d.Decision = Blocked
		d.Escalation = Escalation{Required: true, Reason: "Secrets detected in draft content", Path: PathSecurityTeam}
		d.HoldsApplied = append(d.HoldsApplied, Hold{HoldType: HoldSecrets, Reason: "Secret scan found credentials"})
	case d.failed(PolicySecurityReview):
		d.Decision = HumanReviewRequired
		d.Escalation = Escalation{Required: true, Reason: "Security policy requires human review", Path: PathSecurityTeam}
		d.HoldsApplied = append(d.HoldsApplied, Hold{HoldType: HoldSecurity, Reason: "Security review required"})
	default:
		d.Decision = HumanReviewRequired
		d.Escalation = Escalation{Required: true, Reason: fmt.Sprintf("Policy failures: %v", failed), Path: PathProjectLead}
	}

	for _, h := range d.HoldsApplied {
		if err := g.ApplyHold(ctx, task.ID, h.HoldType, h.Reason); err != nil {
			return nil, err
		}
	}

	action := audit.ComplianceBlocked
	if d.Decision == Cleared {
		action = audit.ComplianceCleared
	}
	if _, err := g.audit.Record(ctx, audit.Entry{
		Action:    action,
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Details:   d.auditDetails(),
	}); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("decision", string(d.Decision)))
	if g.decision != nil {
		g.decision.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(d.Decision))))
	}
	logging.For(ctx, g.logger).Info("compliance decision",
		zap.String("decision", string(d.Decision)),
		zap.Strings("failed_policies", failed),
	)
	return d, nil
}

func listCheck(policy string, issues []string, ok string) PolicyCheck {
	if len(issues) == 0 {
		return PolicyCheck{Policy: policy, Result: "pass", Details: ok}
	}
	return PolicyCheck{Policy: policy, Result: "fail", Details: issues}
}

func securityIssues(v Verification) []string {
	issues := flagIssues(v, "security", "Security risk detected")
	for _, is := range v.Issues {
		if is.Category == "security" {
			issues = append(issues, orDefault(is.Description, "Security issue"))
		}
	}
	return issues
}

func flagIssues(v Verification, riskType, fallback string) []string {
	var out []string
	for _, f := range v.RiskFlags {
		if f.RiskType == riskType {
			out = append(out, orDefault(f.Description, fallback))
		}
	}
	return out
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (g *Gate) checkBudget(ctx context.Context, projectID string) (PolicyCheck, error) {
	check := PolicyCheck{Policy: PolicyBudgetCheck, Result: "pass"}
	if projectID == "" {
		check.Details = "No project context"
		return check, nil
	}
	p, err := g.store.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		check.Details = "No budget configured"
		return check, nil
	}
	if err != nil {
		return check, fmt.Errorf("budget check: %w", err)
	}
	if p.BudgetLimit <= 0 {
		check.Details = "No budget configured"
		return check, nil
	}
	usage := p.BudgetUsed / p.BudgetLimit * 100
	if usage > g.cfg.BudgetThreshold {
		check.Result = "fail"
		check.Details = fmt.Sprintf("Budget usage at %.1f%% (>%v%% threshold)", usage, g.cfg.BudgetThreshold)
		return check, nil
	}
	check.Details = "Budget within limits"
	return check, nil
}

func (g *Gate) checkSecrets(content string) PolicyCheck {
	findings := g.scanner.Scan(content)
	if len(findings) == 0 {
		return PolicyCheck{Policy: PolicySecretScan, Result: "pass", Details: "No secrets detected"}
	}
	report := secrets.NewReport(findings)
	return PolicyCheck{
		Policy: PolicySecretScan,
		Result: "fail",
		Details: map[string]any{
			"total": report.Total,
			"rules": report.Rules(),
		},
	}
}

// ApplyHold parks a task: it records the hold, sets the task held in the
// compliance phase and audits HALT_TRIGGERED.
func (g *Gate) ApplyHold(ctx context.Context, taskID, holdType, reason string) error {
	now := store.FormatTime(time.Now())
	err := g.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO compliance_holds (task_id, hold_type, reason, created_at)
			VALUES (?, ?, ?, ?)`, taskID, holdType, reason, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'held', current_phase = 'compliance', updated_at = ?
			WHERE id = ?`, now, taskID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply %s hold: %w", holdType, err)
	}

	_, err = g.audit.Record(ctx, audit.Entry{
		Action:  audit.HaltTriggered,
		TaskID:  taskID,
		Details: map[string]any{"hold_type": holdType, "reason": reason},
	})
	return err
}

// ReleaseHold marks the task's active holds of holdType released by
// approver. An empty holdType releases every active hold. The task is
// requeued only once no active hold remains; until then it stays held.
// It returns ErrNotHeld when the task has no active hold and
// ErrNoMatchingHold when none of its active holds is of holdType.
func (g *Gate) ReleaseHold(ctx context.Context, taskID, holdType, approver string) error {
	if approver == "" {
		return errors.New("approver is required")
	}
	now := time.Now().UTC()
	ts := store.FormatTime(now)

	var remaining int
	err := g.store.WithTx(ctx, func(tx *sql.Tx) error {
		q := `UPDATE compliance_holds SET released_at = ?, released_by = ? WHERE task_id = ? AND released_at IS NULL`
		args := []any{ts, approver, taskID}
		if holdType != "" {
			q += ` AND hold_type = ?`
			args = append(args, holdType)
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotHeld
		}

		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM compliance_holds
			WHERE task_id = ? AND released_at IS NULL`, taskID).Scan(&remaining); err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = 'queued', current_phase = NULL, updated_at = ?
			WHERE id = ? AND status = 'held'`, ts, taskID)
		return err
	})
	if errors.Is(err, ErrNotHeld) {
		if _, gerr := g.store.GetTask(ctx, taskID); gerr != nil {
			return gerr
		}
		active, aerr := g.ActiveHolds(ctx, taskID)
		if aerr != nil {
			return aerr
		}
		if len(active) > 0 {
			return fmt.Errorf("task %s has no active %s hold: %w", taskID, holdType, ErrNoMatchingHold)
		}
		return fmt.Errorf("task %s: %w", taskID, ErrNotHeld)
	}
	if err != nil {
		return fmt.Errorf("failed to release hold on task %s: %w", taskID, err)
	}

	_, err = g.audit.Record(ctx, audit.Entry{
		Action: audit.HoldReleased,
		TaskID: taskID,
		Details: map[string]any{
			"hold_type":    holdType,
			"released_by":  approver,
			"release_time": now.Format(time.RFC3339),
			"remaining":    remaining,
		},
	})
	if err != nil {
		return err
	}
	logging.For(ctx, g.logger).Info("hold released",
		zap.String("task.id", taskID),
		zap.String("hold_type", holdType),
		zap.String("approver", approver),
		zap.Int("remaining", remaining),
	)
	return nil
}

// HoldsCleared reports whether the task was held and every one of its
// holds has since been released.
func (g *Gate) HoldsCleared(ctx context.Context, taskID string) (bool, error) {
	var total, active int
	err := g.store.QueryRow(ctx, `SELECT COUNT(*), COUNT(*) - COUNT(released_at)
		FROM compliance_holds WHERE task_id = ?`, taskID).Scan(&total, &active)
	if err != nil {
		return false, fmt.Errorf("failed to count holds: %w", err)
	}
	return total > 0 && active == 0, nil
}

// ActiveHolds lists unreleased holds, newest first. An empty taskID lists
// holds across all tasks.
func (g *Gate) ActiveHolds(ctx context.Context, taskID string) ([]Hold, error) {
	q := `SELECT id, task_id, hold_type, reason, created_at FROM compliance_holds WHERE released_at IS NULL`
	var args []any
	if taskID != "" {
		q += ` AND task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY id DESC`

	rows, err := g.store.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list holds: %w", err)
	}
	defer rows.Close()

	out := []Hold{}
	for rows.Next() {
		var (
			h       Hold
			reason  sql.NullString
			created string
		)
		if err := rows.Scan(&h.ID, &h.TaskID, &h.HoldType, &reason, &created); err != nil {
			return nil, err
		}
		h.Reason = reason.String
		if h.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
