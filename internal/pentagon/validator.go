package pentagon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
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
	"github.com/fyrsmithlabs/ledgerd/pkg/git"
)

const instrumentationName = "github.com/fyrsmithlabs/ledgerd/internal/pentagon"

// Config tunes the Rules and Review checks.
type Config struct {
	// ExpectedStatus is the task status an action may run from.
	ExpectedStatus store.TaskStatus
	MaxApprovalAge time.Duration
	MinConfidence  float64
}

// ConfigFrom maps the application configuration.
func ConfigFrom(p config.PentagonConfig, o config.OrchestratorConfig) Config {
	return Config{
		ExpectedStatus: store.TaskStatus(o.ExpectedActionStatus),
		MaxApprovalAge: p.MaxApprovalAge,
		MinConfidence:  p.MinConfidence,
	}
}

// Validator runs the five checks.
type Validator struct {
	cfg    Config
	store  *store.Store
	audit  *audit.Log
	logger *zap.Logger
	now    func() time.Time

	tracer  trace.Tracer
	counter metric.Int64Counter
}

// NewValidator returns a validator reading tasks and approvals from st and
// writing trail rows through log.
func NewValidator(cfg Config, st *store.Store, log *audit.Log, logger *zap.Logger) (*Validator, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		return nil, errors.New("audit log is required")
	}
	if cfg.ExpectedStatus == "" {
		cfg.ExpectedStatus = store.TaskRunning
	}
	if cfg.MaxApprovalAge <= 0 {
		cfg.MaxApprovalAge = 24 * time.Hour
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.90
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Validator{
		cfg:    cfg,
		store:  st,
		audit:  log,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	var err error
	v.counter, err = otel.Meter(instrumentationName).Int64Counter(
		"ledgerd.pentagon.validations_total",
		metric.WithDescription("Total number of pentagon validations, by action and outcome"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		logger.Warn("failed to create pentagon counter", zap.Error(err))
	}
	return v, nil
}

// Validate runs all five checks for req. Record only runs when the other
// four pass; its audit write is not cancellable once started.
func (v *Validator) Validate(ctx context.Context, req ActionRequest) *Result {
	ctx, span := v.tracer.Start(ctx, "pentagon.validate")
	defer span.End()
	span.SetAttributes(
		attribute.String("action", req.ActionType),
		attribute.String("task_id", req.TaskID),
	)

	approval, approvalErr := v.resolveApproval(ctx, req)
	r := &Result{
		Inputs: v.checkInputs(req),
		Method: v.checkMethod(req),
		Rules:  v.checkRules(ctx, req),
		Review: v.checkReview(req, approval, approvalErr),
	}

	if r.Inputs.Passed() && r.Method.Passed() && r.Rules.Passed() && r.Review.Passed() {
		r.Record = v.createRecord(context.WithoutCancel(ctx), req, approval)
	} else {
		r.Record = ValidationResult{
			Status:  StatusFail,
			Message: "Cannot create record - other validations failed",
			Details: map[string]any{"skipped": true},
		}
	}
	r.Valid = len(r.Failures()) == 0

	span.SetAttributes(attribute.Bool("valid", r.Valid))
	if v.counter != nil {
		v.counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", req.ActionType),
			attribute.Bool("valid", r.Valid),
		))
	}
	if !r.Valid {
		logging.For(ctx, v.logger).Warn("pentagon validation failed",
			zap.String("action", req.ActionType),
			zap.Strings("failures", r.Failures()),
		)
	}
	return r
}

func (v *Validator) checkInputs(req ActionRequest) ValidationResult {
	required, ok := RequiredInputs(req.ActionType)
	if !ok {
		return ValidationResult{
			Status:  StatusWarning,
			Message: fmt.Sprintf("Step '%s' not in known irreversible actions", req.ActionType),
			Details: map[string]any{"step_name": req.ActionType},
		}
	}

	missing, invalid := []string{}, []string{}
	for _, f := range required {
		val, present := req.Inputs[f]
		switch {
		case !present:
			missing = append(missing, f)
		case empty(val):
			invalid = append(invalid, f)
		}
	}
	if len(missing) > 0 || len(invalid) > 0 {
		return ValidationResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("Input validation failed for '%s'", req.ActionType),
			Details: map[string]any{
				"missing_fields":  missing,
				"invalid_fields":  invalid,
				"required_fields": required,
			},
		}
	}
	return ValidationResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("All required inputs present for '%s'", req.ActionType),
		Details: map[string]any{"validated_fields": required},
	}
}

func (v *Validator) checkMethod(req ActionRequest) ValidationResult {
	if !IsIrreversible(req.ActionType) {
		return ValidationResult{
			Status:  StatusWarning,
			Message: fmt.Sprintf("No execution method defined for '%s'", req.ActionType),
		}
	}
	return ValidationResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("Execution method defined for '%s'", req.ActionType),
		Details: map[string]any{"method": "deterministic_execution"},
	}
}

func (v *Validator) checkRules(ctx context.Context, req ActionRequest) ValidationResult {
	if req.TaskID == "" {
		return ValidationResult{
			Status:  StatusFail,
			Message: "No task_id in context - cannot validate rules",
			Details: map[string]any{"context_keys": keys(req.Context)},
		}
	}

	task, err := v.store.GetTask(ctx, req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return ValidationResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("Task %s not found", req.TaskID),
			Details: map[string]any{"task_id": req.TaskID},
		}
	}
	if err != nil {
		return ValidationResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("Failed to load task %s", req.TaskID),
			Details: map[string]any{"task_id": req.TaskID, "error": err.Error()},
		}
	}
	if task.Status != v.cfg.ExpectedStatus {
		return ValidationResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("Task status is '%s', expected '%s'", task.Status, v.cfg.ExpectedStatus),
			Details: map[string]any{"task_id": req.TaskID, "status": string(task.Status)},
		}
	}

	switch req.ActionType {
	case ActionGitPush:
		if changes, ok := req.Context["uncommitted_changes"]; ok && !empty(changes) {
			return ValidationResult{
				Status:  StatusFail,
				Message: "Cannot push with uncommitted changes",
				Details: map[string]any{"uncommitted_files": changes},
			}
		}
		if dir, _ := req.Context["work_dir"].(string); dir != "" {
			if res, ok := worktreeRule(dir); !ok {
				return res
			}
		}
	case ActionCreatePR:
		source := lookup(req, "source_branch")
		target := lookup(req, "target_branch")
		if target == "" {
			target = "main"
		}
		if source == target {
			return ValidationResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("Source branch '%s' cannot be same as target '%s'", source, target),
				Details: map[string]any{"source_branch": source, "target_branch": target},
			}
		}
	}

	return ValidationResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("All rules satisfied for '%s'", req.ActionType),
		Details: map[string]any{"rules_checked": []string{"task_status", "step_specific"}},
	}
}

// worktreeRule inspects the repository at dir for uncommitted changes.
func worktreeRule(dir string) (ValidationResult, bool) {
	repo, err := git.Open(dir)
	if err == nil {
		var clean bool
		if clean, err = repo.IsClean(); err == nil && clean {
			return ValidationResult{}, true
		}
		if err == nil {
			return ValidationResult{
				Status:  StatusFail,
				Message: "Cannot push with uncommitted changes",
				Details: map[string]any{"work_dir": dir},
			}, false
		}
	}
	return ValidationResult{
		Status:  StatusFail,
		Message: "Cannot inspect working tree for uncommitted changes",
		Details: map[string]any{"work_dir": dir, "error": err.Error()},
	}, false
}

// resolveApproval returns the request's approval, or the task's latest
// stored one. A missing approval is (nil, nil).
func (v *Validator) resolveApproval(ctx context.Context, req ActionRequest) (*Approval, error) {
	if req.Approval != nil || req.TaskID == "" {
		return req.Approval, nil
	}
	a, err := v.store.LatestApproval(ctx, req.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Approval{
		ID:                 a.ID,
		Decision:           a.Decision,
		VerifierConfidence: a.VerifierConfidence,
		CompletedAt:        a.CompletedAt,
	}, nil
}

func (v *Validator) checkReview(req ActionRequest, approval *Approval, loadErr error) ValidationResult {
	if loadErr != nil {
		return ValidationResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("Failed to load approval for '%s'", req.ActionType),
			Details: map[string]any{"error": loadErr.Error()},
		}
	}
	if approval == nil {
		return ValidationResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("No approval record found for '%s'", req.ActionType),
			Details: map[string]any{"step_name": req.ActionType},
		}
	}
	if approval.Decision != "approved" {
		return ValidationResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("Approval decision was '%s', not 'approved'", approval.Decision),
			Details: map[string]any{"decision": approval.Decision},
		}
	}
	if approval.CompletedAt == nil {
		return ValidationResult{
			Status:  StatusFail,
			Message: "Approval record missing completion timestamp",
			Details: map[string]any{"approval_id": approval.ID},
		}
	}

	age := v.now().Sub(*approval.CompletedAt)
	maxHours := v.cfg.MaxApprovalAge.Hours()
	if age > v.cfg.MaxApprovalAge {
		return ValidationResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("Approval is %.1f hours old, max allowed is %v", age.Hours(), maxHours),
			Details: map[string]any{"age_hours": age.Hours(), "max_hours": maxHours},
		}
	}
	if approval.VerifierConfidence < v.cfg.MinConfidence {
		return ValidationResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("Verifier confidence %v below required %.2f", approval.VerifierConfidence, v.cfg.MinConfidence),
			Details: map[string]any{"confidence": approval.VerifierConfidence},
		}
	}

	return ValidationResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("Valid approval found for '%s'", req.ActionType),
		Details: map[string]any{
			"decision":    approval.Decision,
			"age_hours":   math.Round(age.Hours()*100) / 100,
			"confidence":  approval.VerifierConfidence,
			"approval_id": approval.ID,
		},
	}
}

func (v *Validator) createRecord(ctx context.Context, req ActionRequest, approval *Approval) ValidationResult {
	data := map[string]any{
		"step_name":              req.ActionType,
		"action_type":            "irreversible",
		"timestamp":              v.now().UTC().Format(time.RFC3339Nano),
		"task_id":                req.TaskID,
		"project_id":             req.ProjectID,
		"inputs":                 req.Inputs,
		"context":                req.Context,
		"imr_pentagon_validated": true,
	}
	if approval != nil {
		data["approval_id"] = approval.ID
	}

	id, err := v.audit.AppendTrail(ctx, audit.TrailEntry{
		ProjectID:  req.ProjectID,
		TaskID:     req.TaskID,
		ActionType: "irreversible",
		StepName:   req.ActionType,
		Data:       data,
	})
	if err != nil {
		return ValidationResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("Failed to create audit record: %v", err),
			Details: map[string]any{"error": err.Error()},
		}
	}
	return ValidationResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("Audit record created for '%s'", req.ActionType),
		Details: map[string]any{"audit_id": id},
	}
}

// lookup reads a string from the request context, falling back to inputs.
func lookup(req ActionRequest, key string) string {
	if s, ok := req.Context[key].(string); ok && s != "" {
		return s
	}
	s, _ := req.Inputs[key].(string)
	return s
}

// empty reports whether v is a zero value for the JSON-shaped types inputs
// arrive as.
func empty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case int:
		return x == 0
	case int64:
		return x == 0
	case float64:
		return x == 0
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
